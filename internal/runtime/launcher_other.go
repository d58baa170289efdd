//go:build !linux
// +build !linux

package runtime

import (
	"fmt"
	goruntime "runtime"

	"github.com/sirupsen/logrus"
)

// NewLauncher is only available on Linux.
func NewLauncher(opts Options, log logrus.FieldLogger) (*Launcher, error) {
	return nil, fmt.Errorf("containers require Linux (current OS: %s)", goruntime.GOOS)
}
