//go:build !linux
// +build !linux

package rootfs

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

const OldRootDir = "host"

var errUnsupported = fmt.Errorf("rootfs isolation requires Linux")

type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
	PivotRoot(newRoot, putOld string) error
	Chdir(dir string) error
	MkdirAll(path string, perm os.FileMode) error
	IsMountPoint(path string) (bool, error)
}

type Layer struct{}

func NewLayer(m Mounter, log logrus.FieldLogger) *Layer { return &Layer{} }

func (l *Layer) MountOverlayRoot(mountPoint, lower, upper, work string) error {
	return errUnsupported
}

func (l *Layer) UnmountOverlayRoot(mountPoint string) error { return nil }

func (l *Layer) PivotInto(mountPoint string) error { return errUnsupported }

func (l *Layer) MountVirtualFilesystems() error { return errUnsupported }

func (l *Layer) BindHostDevices() error { return errUnsupported }
