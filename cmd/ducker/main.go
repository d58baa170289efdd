package main

import (
	"os"

	"ducker/internal/cli"
	"ducker/internal/runtime"
	"ducker/pkg/envutil"
)

func main() {
	// The namespaced child re-executes this binary; the environment, not a
	// subcommand, selects the init path so no command name is reserved.
	if os.Getenv(envutil.InitEnvVar) != "" {
		runtime.RunContainerInit()
		return
	}

	cli.Execute()
}
