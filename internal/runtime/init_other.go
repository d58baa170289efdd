//go:build !linux
// +build !linux

package runtime

import (
	"fmt"
	"os"
	"runtime"
)

// RunContainerInit is not supported outside Linux.
func RunContainerInit() {
	fmt.Fprintf(os.Stderr, "ducker init is only supported on Linux (current OS: %s)\n", runtime.GOOS)
	os.Exit(1)
}

// NewSpawner is not supported outside Linux.
func NewSpawner() Spawner {
	return unsupportedSpawner{}
}

type unsupportedSpawner struct{}

func (unsupportedSpawner) Spawn(SpawnRequest) (Process, error) {
	return nil, fmt.Errorf("containers require Linux (current OS: %s)", runtime.GOOS)
}
