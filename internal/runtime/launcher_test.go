package runtime

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"ducker/internal/config"
	derrors "ducker/pkg/errors"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type journal struct {
	calls []string
	fail  map[string]error
}

func (j *journal) do(call string) error {
	j.calls = append(j.calls, call)
	return j.fail[call]
}

type fakeExtractor struct{ j *journal }

func (f *fakeExtractor) Extract(archivePath, dest string) error {
	if err := f.j.do("extract"); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dest, "marker"), []byte("x"), 0644)
}

type fakeFilesystem struct{ j *journal }

func (f *fakeFilesystem) MountOverlayRoot(mountPoint, lower, upper, work string) error {
	if lower != "/" {
		return errors.New("unexpected lower " + lower)
	}
	return f.j.do("mount")
}

func (f *fakeFilesystem) UnmountOverlayRoot(mountPoint string) error {
	return f.j.do("unmount")
}

type fakeCgroups struct{ j *journal }

func (f *fakeCgroups) Init(entries []config.CgroupEntry, pid int) error {
	return f.j.do("cgroup init")
}

func (f *fakeCgroups) Clean(entries []config.CgroupEntry, pid int) error {
	return f.j.do("cgroup clean")
}

type fakeIDMapper struct{ j *journal }

func (f *fakeIDMapper) SetUp(pid int) error { return f.j.do("idmap") }

type fakeNetwork struct{ j *journal }

func (f *fakeNetwork) SetUp(cfg config.BridgeConfig, pid int) error { return f.j.do("net setup") }

func (f *fakeNetwork) Clean(cfg config.BridgeConfig, pid int) error { return f.j.do("net clean") }

type fakeProcess struct {
	j       *journal
	code    int
	waitErr error

	// onWait runs inside Wait, while the child would be running.
	onWait func()

	mu      sync.Mutex
	signals []os.Signal
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *fakeProcess) received() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

func (p *fakeProcess) Wait() (int, error) {
	if p.onWait != nil {
		p.onWait()
	}
	_ = p.j.do("wait")
	if p.waitErr != nil {
		return -1, p.waitErr
	}
	return p.code, nil
}

type fakeSpawner struct {
	j    *journal
	proc *fakeProcess
	req  SpawnRequest
}

func (f *fakeSpawner) Spawn(req SpawnRequest) (Process, error) {
	f.req = req
	if err := f.j.do("spawn"); err != nil {
		return nil, err
	}
	return f.proc, nil
}

type launcherHarness struct {
	j        *journal
	spawner  *fakeSpawner
	launcher *Launcher
	parent   string
	cwd      string

	// signals is the channel the launcher registered for delivery.
	signals    chan<- os.Signal
	registered []os.Signal
	stopped    bool

	hook *test.Hook
}

func newLauncherHarness(t *testing.T) *launcherHarness {
	t.Helper()
	j := &journal{fail: map[string]error{}}
	h := &launcherHarness{
		j:      j,
		parent: t.TempDir(),
		cwd:    "/home/user",
	}
	h.spawner = &fakeSpawner{j: j, proc: &fakeProcess{j: j}}

	log, hook := test.NewNullLogger()
	h.hook = hook
	l := NewLauncherWith(Deps{
		Extractor:  &fakeExtractor{j: j},
		Filesystem: &fakeFilesystem{j: j},
		Cgroups:    &fakeCgroups{j: j},
		IDMapper:   &fakeIDMapper{j: j},
		Network:    &fakeNetwork{j: j},
		Spawner:    h.spawner,
	}, log)
	l.WorkDirParent = h.parent
	l.getpid = func() int { return 100 }
	l.getwd = func() (string, error) { return h.cwd, nil }
	l.chdir = func(dir string) error {
		if err := j.do("chdir"); err != nil {
			return err
		}
		h.cwd = dir
		return nil
	}
	l.notify = func(c chan<- os.Signal, sigs ...os.Signal) {
		h.signals = c
		h.registered = sigs
	}
	l.stopNotify = func(c chan<- os.Signal) {
		h.stopped = true
	}
	h.launcher = l
	return h
}

func newTestContainer(t *testing.T) *Container {
	t.Helper()
	c, err := NewContainer(config.Default())
	require.NoError(t, err)
	return c
}

func TestRunImageSuccess(t *testing.T) {
	h := newLauncherHarness(t)
	h.spawner.proc.code = 7
	c := newTestContainer(t)

	code, err := h.launcher.RunImage(c, "image.tar.xz")
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	assert.Equal(t, []string{
		"extract",
		"chdir",
		"mount",
		"cgroup init",
		"spawn",
		"idmap",
		"net setup",
		"wait",
		"net clean",
		"cgroup clean",
		"unmount",
		"chdir",
	}, h.j.calls)

	assert.Equal(t, "/home/user", h.cwd)
	assert.Equal(t, 4242, c.Pid())
	assert.Equal(t, DefaultNamespaces, h.spawner.req.Namespaces)
	assert.Equal(t, c.WorkDir().InitConfig(), h.spawner.req.InitConfigPath)
	assert.Equal(t, c.WorkDir().Path(), h.spawner.req.Dir)
	assert.NotNil(t, h.spawner.req.SyncFile)

	_, statErr := os.Stat(c.WorkDir().Path())
	assert.True(t, os.IsNotExist(statErr), "work directory should be removed")
}

func TestRunImageWritesInitConfig(t *testing.T) {
	h := newLauncherHarness(t)
	c := newTestContainer(t)

	var seen *InitConfig
	h.launcher.deps.IDMapper = idMapperFunc(func(pid int) error {
		cfg, err := loadInitConfig(c.WorkDir().InitConfig())
		require.NoError(t, err)
		seen = cfg
		return nil
	})

	_, err := h.launcher.RunImage(c, "image.tar.xz")
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, c.ShortID(), seen.RunID)
	assert.Equal(t, c.WorkDir().Root(), seen.RootDir)
	assert.Equal(t, config.DefaultHostName, seen.HostName)
	assert.Equal(t, []string{config.DefaultShell}, seen.Command)
}

type idMapperFunc func(pid int) error

func (f idMapperFunc) SetUp(pid int) error { return f(pid) }

func TestRunImageStagingFailure(t *testing.T) {
	h := newLauncherHarness(t)
	h.j.fail["extract"] = errors.New("corrupt archive")
	c := newTestContainer(t)

	code, err := h.launcher.RunImage(c, "image.tar.xz")
	require.Error(t, err)
	assert.Equal(t, -1, code)
	assert.True(t, errors.Is(err, derrors.ErrStaging))
	assert.Equal(t, []string{"extract"}, h.j.calls)

	entries, readErr := os.ReadDir(h.parent)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "work directory should be removed")
}

func TestRunImageOverlayFailure(t *testing.T) {
	h := newLauncherHarness(t)
	h.j.fail["mount"] = derrors.New(derrors.KindMount, "mount overlay", errors.New("invalid argument"))
	c := newTestContainer(t)

	code, err := h.launcher.RunImage(c, "image.tar.xz")
	require.Error(t, err)
	assert.Equal(t, -1, code)
	assert.True(t, errors.Is(err, derrors.ErrMount))

	assert.Equal(t, []string{"extract", "chdir", "mount", "unmount", "chdir"}, h.j.calls)
	assert.Equal(t, "/home/user", h.cwd)
}

func TestRunImageSpawnFailure(t *testing.T) {
	h := newLauncherHarness(t)
	h.j.fail["spawn"] = errors.New("operation not permitted")
	c := newTestContainer(t)

	code, err := h.launcher.RunImage(c, "image.tar.xz")
	require.Error(t, err)
	assert.Equal(t, -1, code)
	assert.True(t, errors.Is(err, derrors.ErrSpawn))
	assert.Equal(t, 0, c.Pid())

	assert.Equal(t, []string{
		"extract", "chdir", "mount", "cgroup init", "spawn",
		"cgroup clean", "unmount", "chdir",
	}, h.j.calls)
}

func TestRunImageBestEffortFailuresKeepExitCode(t *testing.T) {
	h := newLauncherHarness(t)
	h.j.fail["cgroup init"] = errors.New("no such controller")
	h.j.fail["idmap"] = errors.New("permission denied")
	h.j.fail["net setup"] = errors.New("file exists")
	h.spawner.proc.code = 3
	c := newTestContainer(t)

	code, err := h.launcher.RunImage(c, "image.tar.xz")
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, h.j.calls, "wait")
}

func TestRunImageTeardownContinuesPastErrors(t *testing.T) {
	h := newLauncherHarness(t)
	h.j.fail["net clean"] = errors.New("link busy")
	h.j.fail["unmount"] = errors.New("device busy")
	c := newTestContainer(t)

	code, err := h.launcher.RunImage(c, "image.tar.xz")
	require.Error(t, err)
	assert.Equal(t, 0, code)
	assert.True(t, errors.Is(err, derrors.ErrTeardown))
	assert.Contains(t, err.Error(), "link busy")
	assert.Contains(t, err.Error(), "device busy")

	assert.Equal(t, []string{"net clean", "cgroup clean", "unmount", "chdir"}, h.j.calls[len(h.j.calls)-4:])
	_, statErr := os.Stat(c.WorkDir().Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunImageWaitFailure(t *testing.T) {
	h := newLauncherHarness(t)
	h.spawner.proc.waitErr = errors.New("no child processes")
	c := newTestContainer(t)

	code, err := h.launcher.RunImage(c, "image.tar.xz")
	require.Error(t, err)
	assert.Equal(t, -1, code)
	assert.True(t, errors.Is(err, derrors.ErrWait))
	assert.Equal(t, []string{"net clean", "cgroup clean", "unmount", "chdir"}, h.j.calls[len(h.j.calls)-4:])
}

func TestRunImageRejectsReuse(t *testing.T) {
	h := newLauncherHarness(t)
	c := newTestContainer(t)

	_, err := h.launcher.RunImage(c, "image.tar.xz")
	require.NoError(t, err)
	calls := len(h.j.calls)

	code, err := h.launcher.RunImage(c, "image.tar.xz")
	assert.ErrorIs(t, err, derrors.ErrContainerUsed)
	assert.Equal(t, -1, code)
	assert.Len(t, h.j.calls, calls, "a reused container must not touch the host")
}

func TestRunImageSurvivesInterruptDuringWait(t *testing.T) {
	h := newLauncherHarness(t)
	h.spawner.proc.code = 130
	h.spawner.proc.onWait = func() {
		h.signals <- syscall.SIGINT
		h.signals <- syscall.SIGTERM
		require.Eventually(t, func() bool {
			return len(h.spawner.proc.received()) == 1
		}, 5*time.Second, 10*time.Millisecond)
	}
	c := newTestContainer(t)

	code, err := h.launcher.RunImage(c, "image.tar.xz")
	require.NoError(t, err)
	assert.Equal(t, 130, code)

	assert.ElementsMatch(t, []os.Signal{syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGHUP}, h.registered)
	// SIGINT reaches the child through the process group; only SIGTERM is relayed.
	assert.Equal(t, []os.Signal{syscall.SIGTERM}, h.spawner.proc.received())
	assert.Equal(t, []string{"net clean", "cgroup clean", "unmount", "chdir"}, h.j.calls[len(h.j.calls)-4:])
	assert.True(t, h.stopped)
}

func TestRunImageInterruptBeforeSpawnAborts(t *testing.T) {
	h := newLauncherHarness(t)
	h.launcher.deps.Cgroups = cgroupsFunc(func() error {
		h.signals <- syscall.SIGINT
		require.Eventually(t, func() bool {
			for _, e := range h.hook.AllEntries() {
				if e.Data["signal"] == syscall.SIGINT {
					return true
				}
			}
			return false
		}, 5*time.Second, 10*time.Millisecond)
		return nil
	})
	c := newTestContainer(t)

	code, err := h.launcher.RunImage(c, "image.tar.xz")
	require.Error(t, err)
	assert.Equal(t, -1, code)
	assert.True(t, errors.Is(err, derrors.ErrSpawn))
	assert.Contains(t, err.Error(), "interrupted")
	assert.NotContains(t, h.j.calls, "spawn")
	assert.Equal(t, []string{"unmount", "chdir"}, h.j.calls[len(h.j.calls)-2:])
	assert.True(t, h.stopped)
}

type cgroupsFunc func() error

func (f cgroupsFunc) Init(entries []config.CgroupEntry, pid int) error { return f() }

func (f cgroupsFunc) Clean(entries []config.CgroupEntry, pid int) error { return nil }
