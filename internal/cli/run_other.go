//go:build !linux
// +build !linux

package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run [flags] IMAGE [COMMAND [ARG...]]",
	Short: "Run a command in a new container built from IMAGE",
	Long:  "Run a command in a new container built from IMAGE. (Linux only)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fmt.Errorf("ducker only supports Linux (current OS: %s)", runtime.GOOS)
	},
}

func init() {
	runOpts.addFlags(runCmd.Flags())
}
