package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	"ducker/pkg/fileutil"

	"github.com/sirupsen/logrus"
)

// initState is the containerized init's position in its one-way sequence.
type initState int

const (
	stateBlocked initState = iota
	stateLoadingRoot
	stateConfiguringEnv
	stateRunningWorkload
	stateDone
)

func (s initState) String() string {
	switch s {
	case stateBlocked:
		return "blocked"
	case stateLoadingRoot:
		return "loading-root"
	case stateConfiguringEnv:
		return "configuring-env"
	case stateRunningWorkload:
		return "running-workload"
	case stateDone:
		return "done"
	}
	return fmt.Sprintf("initState(%d)", int(s))
}

// rootLayer is the in-namespace half of the filesystem layer.
type rootLayer interface {
	PivotInto(mountPoint string) error
	MountVirtualFilesystems() error
	BindHostDevices() error
}

// initProcess drives the init from LoadingRoot to Done. It starts after the
// sync signal has been received.
type initProcess struct {
	cfg   *InitConfig
	fs    rootLayer
	state initState
	log   logrus.FieldLogger

	// etcDir is "/etc" after the pivot.
	etcDir      string
	sethostname func(name string) error
	runWorkload func(cfg *InitConfig) int
}

func (p *initProcess) transition(next initState) {
	p.log.WithField("from", p.state).WithField("to", next).Debug("init state change")
	p.state = next
}

// run returns the exit status for the init process: the workload's, or 1
// when the root filesystem could not be assembled.
func (p *initProcess) run() int {
	p.transition(stateLoadingRoot)
	if err := p.fs.PivotInto(p.cfg.RootDir); err != nil {
		p.log.WithError(err).Error("pivot failed")
		return 1
	}
	if err := p.fs.MountVirtualFilesystems(); err != nil {
		p.log.WithError(err).Error("mounting virtual filesystems failed")
		return 1
	}
	if err := p.fs.BindHostDevices(); err != nil {
		p.log.WithError(err).Warn("binding host /dev failed")
	}

	p.transition(stateConfiguringEnv)
	if err := p.sethostname(p.cfg.HostName); err != nil {
		p.log.WithError(err).Warnf("set hostname %q", p.cfg.HostName)
	}
	if p.cfg.Nameserver != "" {
		if err := p.writeResolvConf(); err != nil {
			p.log.WithError(err).Warn("write resolv.conf")
		}
	}

	p.transition(stateRunningWorkload)
	code := p.runWorkload(p.cfg)

	p.transition(stateDone)
	return code
}

func (p *initProcess) writeResolvConf() error {
	if err := fileutil.EnsureDir(p.etcDir, 0755); err != nil {
		return err
	}
	path := filepath.Join(p.etcDir, "resolv.conf")
	// Often a symlink into /run on the host, which is empty here.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, resolvConf(p.cfg.Nameserver), 0644)
}
