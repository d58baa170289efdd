//go:build !linux
// +build !linux

package network

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

// NewBridge is only available on Linux.
func NewBridge(log logrus.FieldLogger) (*Bridge, error) {
	return nil, fmt.Errorf("container networking requires Linux (current OS: %s)", runtime.GOOS)
}
