//go:build linux
// +build linux

package runtime

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"ducker/pkg/envutil"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// selfExe always points at the running binary.
const selfExe = "/proc/self/exe"

var namespaceFlags = map[specs.LinuxNamespaceType]uintptr{
	specs.PIDNamespace:     unix.CLONE_NEWPID,
	specs.MountNamespace:   unix.CLONE_NEWNS,
	specs.UTSNamespace:     unix.CLONE_NEWUTS,
	specs.UserNamespace:    unix.CLONE_NEWUSER,
	specs.NetworkNamespace: unix.CLONE_NEWNET,
	specs.IPCNamespace:     unix.CLONE_NEWIPC,
	specs.CgroupNamespace:  unix.CLONE_NEWCGROUP,
}

// cloneFlags maps namespace kinds to clone(2) flags.
func cloneFlags(namespaces []specs.LinuxNamespaceType) (uintptr, error) {
	var flags uintptr
	for _, ns := range namespaces {
		f, ok := namespaceFlags[ns]
		if !ok {
			return 0, fmt.Errorf("unsupported namespace %q", ns)
		}
		flags |= f
	}
	return flags, nil
}

// execSpawner re-executes the current binary in init mode inside the
// requested namespaces.
//
// Go cannot run a function in a clone(2)d child: the runtime is already
// multi-threaded before main. The child instead starts from main() with
// DUCKER_INIT set and takes the init path.
type execSpawner struct{}

// NewSpawner returns the Spawner used in production.
func NewSpawner() Spawner {
	return execSpawner{}
}

func (execSpawner) Spawn(req SpawnRequest) (Process, error) {
	flags, err := cloneFlags(req.Namespaces)
	if err != nil {
		return nil, err
	}
	if req.SyncFile == nil {
		return nil, errors.New("sync file is required")
	}

	cmd := exec.Command(selfExe)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: flags,
	}
	cmd.Dir = req.Dir
	cmd.Env = append(envutil.FilterDuckerEnv(os.Environ()),
		envutil.InitEnvVar+"="+envutil.InitStageWait,
		envutil.ConfigPathEnvVar+"="+req.InitConfigPath,
		fmt.Sprintf("%s=%d", envutil.SyncFdEnvVar, envutil.SyncFd),
	)
	cmd.ExtraFiles = []*os.File{req.SyncFile}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", selfExe, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitStatus(exitErr.ProcessState), nil
	}
	return -1, err
}

// exitStatus converts a process state to a shell-style status: the exit
// code, or 128+signal when killed.
func exitStatus(ps *os.ProcessState) int {
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
