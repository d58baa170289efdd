package runtime

import (
	"fmt"
	"os"
	"os/signal"

	"ducker/internal/config"
	"ducker/internal/image"
	"ducker/internal/syncpipe"
	"ducker/internal/workdir"
	derrors "ducker/pkg/errors"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"
)

// DefaultNamespaces is the namespace set every container is created with.
var DefaultNamespaces = []specs.LinuxNamespaceType{
	specs.PIDNamespace,
	specs.MountNamespace,
	specs.UTSNamespace,
	specs.UserNamespace,
	specs.NetworkNamespace,
	specs.IPCNamespace,
}

// Filesystem mounts and unmounts the overlay root on the host side.
type Filesystem interface {
	MountOverlayRoot(mountPoint, lower, upper, work string) error
	UnmountOverlayRoot(mountPoint string) error
}

// Cgroups creates and removes the per-run cgroup.
type Cgroups interface {
	Init(entries []config.CgroupEntry, pid int) error
	Clean(entries []config.CgroupEntry, pid int) error
}

// IDMapper writes the child's uid/gid maps.
type IDMapper interface {
	SetUp(pid int) error
}

// Network attaches the child's network namespace to the host.
type Network interface {
	SetUp(cfg config.BridgeConfig, pid int) error
	Clean(cfg config.BridgeConfig, pid int) error
}

// SpawnRequest describes the namespaced child to create.
type SpawnRequest struct {
	Namespaces []specs.LinuxNamespaceType

	// SyncFile becomes the child's fd 3.
	SyncFile *os.File

	// InitConfigPath is handed to the child through the environment.
	InitConfigPath string

	// Dir is the child's initial working directory.
	Dir string
}

// Process is a spawned child.
type Process interface {
	Pid() int
	// Signal delivers sig to the child.
	Signal(sig os.Signal) error
	// Wait blocks until the child exits and returns its exit status.
	Wait() (int, error)
}

// Spawner creates the namespaced child running the containerized init.
type Spawner interface {
	Spawn(req SpawnRequest) (Process, error)
}

// Deps are the collaborators a Launcher drives.
type Deps struct {
	Extractor  image.Extractor
	Filesystem Filesystem
	Cgroups    Cgroups
	IDMapper   IDMapper
	Network    Network
	Spawner    Spawner
}

// Options configure the production Launcher.
type Options struct {
	// CgroupRoot is the cgroupfs mount point.
	CgroupRoot string

	// ImageDigest, when set, must match the image archive before anything
	// is extracted.
	ImageDigest digest.Digest

	WorkDirParent string
	Debug         bool
}

// Launcher runs containers, one RunImage call per Container.
type Launcher struct {
	deps Deps
	log  logrus.FieldLogger

	// WorkDirParent is where work directories are allocated; empty means
	// os.TempDir().
	WorkDirParent string

	// Debug turns on debug logging in the containerized init.
	Debug bool

	getpid     func() int
	getwd      func() (string, error)
	chdir      func(string) error
	notify     func(chan<- os.Signal, ...os.Signal)
	stopNotify func(chan<- os.Signal)
}

// NewLauncherWith builds a Launcher from explicit collaborators.
func NewLauncherWith(deps Deps, log logrus.FieldLogger) *Launcher {
	return &Launcher{
		deps:       deps,
		log:        log,
		getpid:     os.Getpid,
		getwd:      os.Getwd,
		chdir:      os.Chdir,
		notify:     signal.Notify,
		stopNotify: signal.Stop,
	}
}

// RunImage stages imagePath, runs c's workload in fresh namespaces and
// tears everything down again.
//
// exitCode is the workload's status when the child ran and was reaped, -1
// otherwise. err is set when staging, mounting, spawning or waiting failed,
// or when any teardown step failed. Failures of best-effort steps (cgroup,
// id maps, network) are only logged.
func (l *Launcher) RunImage(c *Container, imagePath string) (exitCode int, err error) {
	if c.used {
		return -1, derrors.ErrContainerUsed
	}
	c.used = true

	log := l.log.WithField("run", c.ShortID())
	exitCode = -1

	// Released after teardown: an interrupt must not cut teardown short.
	guard := l.guardSignals(log)
	defer guard.release()

	// Steps run in strict reverse of setup: bridge, cgroup, unmount, chdir,
	// remove. This differs from listings that clean the cgroup before the
	// bridge; the bridge was set up last, so it goes first.
	var td teardown
	defer func() {
		if tdErr := td.run(log); tdErr != nil {
			err = joinErrors(err, derrors.New(derrors.KindTeardown, "teardown", tdErr))
		}
	}()

	cfg := c.config

	// Stage the work directory.
	if c.workDir == nil {
		dir, err := workdir.Allocate(l.WorkDirParent, cfg.TmpDirTemplate)
		if err != nil {
			return -1, derrors.New(derrors.KindStaging, "allocate work directory", err)
		}
		c.workDir = dir
		log.WithField("dir", dir.Path()).Debug("work directory allocated")

		td.push("remove work directory", dir.Remove)

		log.WithField("image", imagePath).Info("extracting image")
		if err := l.deps.Extractor.Extract(imagePath, dir.Image()); err != nil {
			return -1, derrors.New(derrors.KindStaging, "extract "+imagePath, err)
		}
	} else {
		td.push("remove work directory", c.workDir.Remove)
	}

	dir := c.workDir
	if err := writeInitConfig(dir.InitConfig(), newInitConfig(c, l.Debug)); err != nil {
		return -1, derrors.New(derrors.KindStaging, "write init config", err)
	}

	prev, err := l.getwd()
	if err != nil {
		return -1, derrors.New(derrors.KindStaging, "getwd", err)
	}
	if err := l.chdir(dir.Path()); err != nil {
		return -1, derrors.New(derrors.KindStaging, "chdir "+dir.Path(), err)
	}
	td.push("chdir back", func() error { return l.chdir(prev) })

	// Overlay root.
	td.push("unmount overlay", func() error {
		return l.deps.Filesystem.UnmountOverlayRoot(dir.Root())
	})
	if err := l.deps.Filesystem.MountOverlayRoot(dir.Root(), "/", dir.Image(), dir.Work()); err != nil {
		log.WithError(err).Error("overlay mount failed")
		return -1, err
	}

	// Cgroup for the launcher itself; the child inherits it at spawn.
	selfPid := l.getpid()
	td.push("clean cgroup", func() error {
		return l.deps.Cgroups.Clean(cfg.Cgroups, selfPid)
	})
	if err := l.deps.Cgroups.Init(cfg.Cgroups, selfPid); err != nil {
		log.WithField("step", "cgroup").WithError(err).Warn("cgroup setup failed, continuing without limits")
	}

	// Spawn.
	if sig := guard.interrupted(); sig != nil {
		return -1, derrors.New(derrors.KindSpawn, "spawn init", fmt.Errorf("interrupted by %v", sig))
	}
	pipe, err := syncpipe.New()
	if err != nil {
		return -1, derrors.New(derrors.KindSpawn, "sync pipe", err)
	}
	proc, err := l.deps.Spawner.Spawn(SpawnRequest{
		Namespaces:     DefaultNamespaces,
		SyncFile:       pipe.ChildEnd(),
		InitConfigPath: dir.InitConfig(),
		Dir:            dir.Path(),
	})
	if err != nil {
		pipe.Close()
		return -1, derrors.New(derrors.KindSpawn, "spawn init", err)
	}
	c.process = proc
	guard.attach(proc)
	pid := proc.Pid()
	log = log.WithField("pid", pid)
	log.Info("container spawned")

	td.push("clean bridge", func() error {
		return l.deps.Network.Clean(cfg.Bridge, pid)
	})

	// Host-side setup that needs the child's pid.
	if err := l.deps.IDMapper.SetUp(pid); err != nil {
		log.WithField("step", "idmap").WithError(err).Warn("id mapping failed")
	}
	if err := l.deps.Network.SetUp(cfg.Bridge, pid); err != nil {
		log.WithField("step", "network").WithError(err).Warn("network setup failed")
	}

	if err := pipe.Release(true); err != nil {
		log.WithError(err).Warn("sync release reported an error")
	}

	code, err := proc.Wait()
	if err != nil {
		return -1, derrors.New(derrors.KindWait, fmt.Sprintf("wait %d", pid), err)
	}
	log.WithField("exit_code", code).Info("container exited")
	return code, nil
}

func joinErrors(a, b error) error {
	if a == nil {
		return b
	}
	return fmt.Errorf("%w; %w", a, b)
}
