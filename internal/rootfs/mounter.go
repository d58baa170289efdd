//go:build linux
// +build linux

// Package rootfs assembles the container's root filesystem: the overlay root
// mounted by the launcher, and the pivot plus virtual filesystems set up by
// the containerized init.
package rootfs

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Mounter is the set of filesystem syscalls the layer needs.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
	PivotRoot(newRoot, putOld string) error
	Chdir(dir string) error
	MkdirAll(path string, perm os.FileMode) error
	IsMountPoint(path string) (bool, error)
}

// SysMounter performs the calls against the kernel.
type SysMounter struct{}

var _ Mounter = SysMounter{}

func (SysMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (SysMounter) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

func (SysMounter) PivotRoot(newRoot, putOld string) error {
	return unix.PivotRoot(newRoot, putOld)
}

func (SysMounter) Chdir(dir string) error {
	return unix.Chdir(dir)
}

func (SysMounter) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// IsMountPoint reports whether path sits on a different device than its
// parent. A missing path is not a mount point.
func (SysMounter) IsMountPoint(path string) (bool, error) {
	var st, parent unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := unix.Stat(filepath.Dir(filepath.Clean(path)), &parent); err != nil {
		return false, err
	}
	return st.Dev != parent.Dev, nil
}
