//go:build linux
// +build linux

package rootfs

import (
	"fmt"
	"path/filepath"

	derrors "ducker/pkg/errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// OldRootDir is where the host root stays reachable after the pivot.
const OldRootDir = "host"

// virtualMount is one of the namespace-local filesystems mounted after the pivot.
type virtualMount struct {
	source string
	target string
	fstype string
	flags  uintptr
	data   string
}

var virtualMounts = []virtualMount{
	{"proc", "/proc", "proc", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV, ""},
	{"sysfs", "/sys", "sysfs", unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV, ""},
	{"tmpfs", "/tmp", "tmpfs", unix.MS_NOSUID | unix.MS_NODEV, "mode=1777"},
}

// Layer sequences the mount operations for one container.
type Layer struct {
	m   Mounter
	log logrus.FieldLogger
}

// NewLayer returns a Layer using m for every syscall.
func NewLayer(m Mounter, log logrus.FieldLogger) *Layer {
	return &Layer{m: m, log: log}
}

// MountOverlayRoot mounts an overlay at mountPoint with lower as the
// read-only base and upper capturing all writes.
func (l *Layer) MountOverlayRoot(mountPoint, lower, upper, work string) error {
	options := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lower, upper, work)
	l.log.Debugf("+ mount -t overlay overlay -o %s %s", options, mountPoint)

	if err := l.m.Mount("overlay", mountPoint, "overlay", 0, options); err != nil {
		return derrors.New(derrors.KindMount, "mount overlay on "+mountPoint, err)
	}
	return nil
}

// UnmountOverlayRoot unmounts mountPoint. Nothing happens when it is not a
// mount point; a busy mount is reported, not detached.
func (l *Layer) UnmountOverlayRoot(mountPoint string) error {
	mounted, err := l.m.IsMountPoint(mountPoint)
	if err != nil {
		return derrors.New(derrors.KindMount, "stat "+mountPoint, err)
	}
	if !mounted {
		l.log.Debugf("%s is not mounted, skipping unmount", mountPoint)
		return nil
	}

	l.log.Debugf("+ umount %s", mountPoint)
	if err := l.m.Unmount(mountPoint, 0); err != nil {
		return derrors.New(derrors.KindMount, "unmount "+mountPoint, err)
	}
	return nil
}

// PivotInto makes mountPoint the process root. The previous root is left
// mounted under /host. Must run inside a private mount namespace.
func (l *Layer) PivotInto(mountPoint string) error {
	putOld := filepath.Join(mountPoint, OldRootDir)

	steps := []struct {
		op string
		fn func() error
	}{
		{"make / rprivate", func() error {
			return l.m.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, "")
		}},
		{"bind " + mountPoint, func() error {
			return l.m.Mount(mountPoint, mountPoint, "", unix.MS_BIND|unix.MS_REC, "")
		}},
		{"mkdir " + putOld, func() error {
			return l.m.MkdirAll(putOld, 0700)
		}},
		{"pivot_root " + mountPoint, func() error {
			return l.m.PivotRoot(mountPoint, putOld)
		}},
		{"chdir /", func() error {
			return l.m.Chdir("/")
		}},
	}

	for _, s := range steps {
		l.log.Debugf("+ %s", s.op)
		if err := s.fn(); err != nil {
			return derrors.New(derrors.KindMount, s.op, err)
		}
	}
	return nil
}

// MountVirtualFilesystems mounts fresh proc, sysfs and tmpfs instances.
// Must run after PivotInto.
func (l *Layer) MountVirtualFilesystems() error {
	for _, vm := range virtualMounts {
		if err := l.m.MkdirAll(vm.target, 0755); err != nil {
			return derrors.New(derrors.KindMount, "mkdir "+vm.target, err)
		}
		l.log.Debugf("+ mount -t %s %s %s", vm.fstype, vm.source, vm.target)
		if err := l.m.Mount(vm.source, vm.target, vm.fstype, vm.flags, vm.data); err != nil {
			return derrors.New(derrors.KindMount, "mount "+vm.target, err)
		}
	}
	return nil
}

// BindHostDevices binds the host's /dev (reachable under /host after the
// pivot) onto /dev.
func (l *Layer) BindHostDevices() error {
	source := "/" + OldRootDir + "/dev"

	if err := l.m.MkdirAll("/dev", 0755); err != nil {
		return derrors.New(derrors.KindMount, "mkdir /dev", err)
	}
	l.log.Debugf("+ mount --rbind %s /dev", source)
	if err := l.m.Mount(source, "/dev", "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return derrors.New(derrors.KindMount, "bind "+source, err)
	}
	return nil
}
