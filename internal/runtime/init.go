//go:build linux
// +build linux

package runtime

import (
	"errors"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"ducker/internal/rootfs"
	"ducker/internal/syncpipe"
	"ducker/pkg/envutil"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RunContainerInit is the entry point of the containerized init, selected
// by DUCKER_INIT. It never returns.
//
// The wait stage blocks on the sync descriptor and re-executes itself into
// the run stage; the run stage pivots into the overlay root, configures the
// environment and supervises the workload as PID 1.
func RunContainerInit() {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch stage := envutil.GetEnvValue(os.Environ(), envutil.InitEnvVar); stage {
	case envutil.InitStageWait:
		os.Exit(waitAndReexec(logger))
	case envutil.InitStageRun:
		os.Exit(runInit(logger))
	default:
		logger.Errorf("init: unknown stage %q", stage)
		os.Exit(1)
	}
}

func waitAndReexec(logger *logrus.Logger) int {
	environ := os.Environ()
	fd := envutil.SyncFd
	if v := envutil.GetEnvValue(environ, envutil.SyncFdEnvVar); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			logger.Errorf("init: bad %s=%q", envutil.SyncFdEnvVar, v)
			return 1
		}
		fd = n
	}

	if err := syncpipe.Wait(os.NewFile(uintptr(fd), "sync")); err != nil {
		logger.WithError(err).Error("init: waiting for launcher")
		return 1
	}

	env := make([]string, 0, len(environ))
	for _, e := range environ {
		if envutil.IsDuckerEnv(e) {
			continue
		}
		env = append(env, e)
	}
	env = append(env,
		envutil.InitEnvVar+"="+envutil.InitStageRun,
		envutil.ConfigPathEnvVar+"="+envutil.GetEnvValue(environ, envutil.ConfigPathEnvVar),
	)

	err := unix.Exec(selfExe, []string{os.Args[0]}, env)
	logger.WithError(err).Error("init: re-exec")
	return 1
}

func runInit(logger *logrus.Logger) int {
	cfg, err := loadInitConfig(envutil.GetEnvValue(os.Environ(), envutil.ConfigPathEnvVar))
	if err != nil {
		logger.WithError(err).Error("init: load config")
		return 1
	}
	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logger.WithField("run", cfg.RunID)

	p := &initProcess{
		cfg:    cfg,
		fs:     rootfs.NewLayer(rootfs.SysMounter{}, log),
		state:  stateBlocked,
		log:    log,
		etcDir: "/etc",
		sethostname: func(name string) error {
			return unix.Sethostname([]byte(name))
		},
		runWorkload: func(cfg *InitConfig) int {
			return runWorkload(cfg, log)
		},
	}
	return p.run()
}

// runWorkload starts the command with the DUCKER_* variables removed and
// supervises it.
func runWorkload(cfg *InitConfig, log logrus.FieldLogger) int {
	cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = envutil.FilterDuckerEnv(os.Environ())
	if !cfg.TTY {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}
	return superviseWorkload(cmd, cfg.TTY, log)
}

// superviseWorkload starts cmd and acts as PID 1 until it exits:
//   - SIGCHLD: reap every exited child, orphans included
//   - SIGTERM/SIGINT/SIGHUP/SIGQUIT/SIGUSR1/SIGUSR2: forward to cmd
//
// signal.Notify must be installed before Start, otherwise a command that
// exits immediately can lose its SIGCHLD and leave init waiting forever.
func superviseWorkload(cmd *exec.Cmd, tty bool, log logrus.FieldLogger) int {
	sigChan := make(chan os.Signal, 10)
	signal.Notify(sigChan,
		syscall.SIGCHLD,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGQUIT,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
	)
	defer signal.Stop(sigChan)

	if tty {
		session, err := startWithPTY(cmd)
		if err != nil {
			log.WithError(err).Error("start workload on pty")
			return startFailureStatus(err)
		}
		defer session.Close()
	} else if err := cmd.Start(); err != nil {
		log.WithError(err).Error("start workload")
		return startFailureStatus(err)
	}

	mainPid := cmd.Process.Pid
	log.WithField("workload_pid", mainPid).Debug("workload started")

	// The command may already be gone before the first SIGCHLD is read.
	if code, exited := reapZombies(mainPid); exited {
		return code
	}

	for sig := range sigChan {
		switch sig {
		case syscall.SIGCHLD:
			if code, exited := reapZombies(mainPid); exited {
				return code
			}
		default:
			_ = cmd.Process.Signal(sig)
		}
	}
	return 1
}

// startFailureStatus follows the shell: 127 when the command does not
// exist, 126 when it cannot be executed.
func startFailureStatus(err error) int {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return 127
	}
	return 126
}

// reapZombies collects every exited child without blocking and reports the
// main child's status once it has been reaped.
func reapZombies(mainPid int) (int, bool) {
	code, exited := 0, false
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			break
		}
		if pid != mainPid {
			continue
		}
		exited = true
		switch {
		case status.Exited():
			code = status.ExitStatus()
		case status.Signaled():
			code = 128 + int(status.Signal())
		}
	}
	return code, exited
}
