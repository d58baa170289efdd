package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	derrors "ducker/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ducker", cfg.HostName)
	assert.Equal(t, "1.1.1.1", cfg.Nameserver)
	assert.Equal(t, "10.200.1.1/24", cfg.Bridge.HostAddr().String())
	assert.Equal(t, "10.200.1.2/24", cfg.Bridge.ContainerAddr().String())
	assert.Equal(t, "10.200.1.0/24", cfg.Bridge.ContainerSubnet().String())
	assert.True(t, cfg.Bridge.UsePhysical)
	assert.Equal(t, []CgroupEntry{{"memory", "memory.limit_in_bytes", "512M"}}, cfg.Cgroups)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ducker.yaml")
	data := `
hostName: box
bridge:
  hostIP: 10.9.0.1
  containerIP: 10.9.0.2
cgroups:
  - resource: pids
    variable: pids.max
    value: "64"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "box", cfg.HostName)
	assert.Equal(t, DefaultNameserver, cfg.Nameserver)
	assert.Equal(t, "10.9.0.2", cfg.Bridge.ContainerIP)
	assert.Equal(t, []CgroupEntry{{"pids", "pids.max", "64"}}, cfg.Cgroups)
	assert.Equal(t, []string{DefaultShell}, cfg.Command)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, derrors.ErrInvalidConfig))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestValidateRejectsDuplicateResources(t *testing.T) {
	cfg := Default()
	cfg.Cgroups = append(cfg.Cgroups, CgroupEntry{"memory", "memory.swappiness", "0"})

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, derrors.ErrInvalidConfig))
	assert.Contains(t, err.Error(), `"memory" listed more than once`)
}

func TestValidateRejectsBadFields(t *testing.T) {
	cases := map[string]func(*ContainerConfig){
		"empty template":  func(c *ContainerConfig) { c.TmpDirTemplate = "" },
		"template path":   func(c *ContainerConfig) { c.TmpDirTemplate = "a/b-XXXX" },
		"bad host ip":     func(c *ContainerConfig) { c.Bridge.HostIP = "nope" },
		"ipv6 container":  func(c *ContainerConfig) { c.Bridge.ContainerIP = "fd00::2" },
		"bad nameserver":  func(c *ContainerConfig) { c.Nameserver = "dns.example" },
		"empty command":   func(c *ContainerConfig) { c.Command = nil },
		"slash in cgroup": func(c *ContainerConfig) { c.Cgroups[0].Variable = "../tasks" },
		"dot resource":    func(c *ContainerConfig) { c.Cgroups[0].Resource = "." },
		"dotdot resource": func(c *ContainerConfig) { c.Cgroups[0].Resource = ".." },
		"dotdot variable": func(c *ContainerConfig) { c.Cgroups[0].Variable = ".." },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := Default()
	c := orig.Clone()

	orig.Cgroups[0].Value = "1G"
	orig.Command[0] = "/bin/sh"
	orig.HostName = "changed"

	assert.Equal(t, "512M", c.Cgroups[0].Value)
	assert.Equal(t, DefaultShell, c.Command[0])
	assert.Equal(t, "ducker", c.HostName)
}

func TestParseCgroupEntry(t *testing.T) {
	e, err := ParseCgroupEntry("memory:memory.limit_in_bytes=256M")
	require.NoError(t, err)
	assert.Equal(t, CgroupEntry{"memory", "memory.limit_in_bytes", "256M"}, e)

	e, err = ParseCgroupEntry("cpu:cpu.max=50000 100000")
	require.NoError(t, err)
	assert.Equal(t, "50000 100000", e.Value)

	for _, bad := range []string{"memory", "memory:limit", ":x=1", "memory:=1"} {
		_, err := ParseCgroupEntry(bad)
		assert.Error(t, err, bad)
	}
}
