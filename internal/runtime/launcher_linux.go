//go:build linux
// +build linux

package runtime

import (
	"ducker/internal/cgroups"
	"ducker/internal/image"
	"ducker/internal/network"
	"ducker/internal/rootfs"
	"ducker/internal/userns"

	"github.com/sirupsen/logrus"
)

// NewLauncher wires a Launcher to the host: tar extraction, overlayfs,
// cgroupfs, /proc id maps, netlink and iptables.
func NewLauncher(opts Options, log logrus.FieldLogger) (*Launcher, error) {
	bridge, err := network.NewBridge(log)
	if err != nil {
		return nil, err
	}

	l := NewLauncherWith(Deps{
		Extractor:  &image.TarExtractor{Expected: opts.ImageDigest},
		Filesystem: rootfs.NewLayer(rootfs.SysMounter{}, log),
		Cgroups:    cgroups.NewController(opts.CgroupRoot, log),
		IDMapper:   userns.NewMapper(log),
		Network:    bridge,
		Spawner:    NewSpawner(),
	}, log)
	l.WorkDirParent = opts.WorkDirParent
	l.Debug = opts.Debug
	return l, nil
}
