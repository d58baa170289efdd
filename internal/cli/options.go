package cli

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"ducker/internal/cgroups"
	"ducker/internal/config"
	derrors "ducker/pkg/errors"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/pflag"
)

// runOptions holds the run command's flags. Flags left unset keep the value
// from the config file or the defaults.
type runOptions struct {
	configPath  string
	hostname    string
	nameserver  string
	hostIP      string
	containerIP string
	nat         bool
	cgroups     []string
	memory      string
	tmpDir      string
	imageDigest string
	tty         bool
}

func (o *runOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "YAML file with the container configuration")
	fs.StringVar(&o.hostname, "hostname", "", "container host name (default: the run's short ID when empty)")
	fs.StringVar(&o.nameserver, "nameserver", "", "nameserver written to /etc/resolv.conf")
	fs.StringVar(&o.hostIP, "host-ip", "", "address of the host end of the veth pair")
	fs.StringVar(&o.containerIP, "container-ip", "", "address of the container end of the veth pair")
	fs.BoolVar(&o.nat, "nat", true, "masquerade container traffic through the default-route interface")
	fs.StringArrayVar(&o.cgroups, "cgroup", nil, "cgroup setting as resource:variable=value (repeatable)")
	fs.StringVarP(&o.memory, "memory", "m", "", "memory limit (e.g. 512m, 1g)")
	fs.StringVar(&o.tmpDir, "tmp-dir", "", "work directory name template; trailing X's are randomized")
	fs.StringVar(&o.imageDigest, "image-digest", "", "expected digest of the image archive (e.g. sha256:...)")
	fs.BoolVarP(&o.tty, "tty", "t", false, "run the command on a pseudo-terminal")
}

// containerConfig layers the defaults, the config file and the flags that
// were set. A non-empty command replaces the configured one.
func (o *runOptions) containerConfig(fs *pflag.FlagSet, command []string) (*config.ContainerConfig, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if fs.Changed("hostname") {
		cfg.HostName = o.hostname
	}
	if fs.Changed("nameserver") {
		cfg.Nameserver = o.nameserver
	}
	if fs.Changed("host-ip") {
		cfg.Bridge.HostIP = o.hostIP
	}
	if fs.Changed("container-ip") {
		cfg.Bridge.ContainerIP = o.containerIP
	}
	if fs.Changed("nat") {
		cfg.Bridge.UsePhysical = o.nat
	}
	if fs.Changed("tmp-dir") {
		cfg.TmpDirTemplate = o.tmpDir
	}
	if fs.Changed("tty") {
		cfg.TTY = o.tty
	}

	for _, raw := range o.cgroups {
		entry, err := config.ParseCgroupEntry(raw)
		if err != nil {
			return nil, derrors.New(derrors.KindConfig, "--cgroup", err)
		}
		cfg.Cgroups = setCgroupEntry(cfg.Cgroups, entry)
	}

	if o.memory != "" {
		bytes, err := parseMemoryString(o.memory)
		if err != nil {
			return nil, derrors.New(derrors.KindConfig, "--memory", err)
		}
		variable := "memory.limit_in_bytes"
		if cgroups.Unified(cfg.CgroupRoot) {
			variable = "memory.max"
		}
		cfg.Cgroups = setCgroupEntry(cfg.Cgroups, config.CgroupEntry{
			Resource: "memory",
			Variable: variable,
			Value:    strconv.FormatInt(bytes, 10),
		})
	}

	if len(command) > 0 {
		cfg.Command = append([]string(nil), command...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// digest returns the expected image digest, or "" when none was given.
func (o *runOptions) digest() (digest.Digest, error) {
	if o.imageDigest == "" {
		return "", nil
	}
	d, err := digest.Parse(o.imageDigest)
	if err != nil {
		return "", derrors.New(derrors.KindConfig, "--image-digest", err)
	}
	return d, nil
}

// setCgroupEntry replaces the entry for e's resource, or appends e.
func setCgroupEntry(entries []config.CgroupEntry, e config.CgroupEntry) []config.CgroupEntry {
	for i := range entries {
		if entries[i].Resource == e.Resource {
			entries[i] = e
			return entries
		}
	}
	return append(entries, e)
}

// parseMemoryString converts "512m" to 536870912. Suffixes b/k/kb/m/mb/g/gb
// are case-insensitive; the number may be fractional ("1.5g").
func parseMemoryString(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty memory string")
	}

	var multiplier int64 = 1
	numStr := s

	// kb/mb/gb must be matched before the bare "b".
	switch {
	case strings.HasSuffix(s, "kb"):
		multiplier, numStr = 1<<10, s[:len(s)-2]
	case strings.HasSuffix(s, "k"):
		multiplier, numStr = 1<<10, s[:len(s)-1]
	case strings.HasSuffix(s, "mb"):
		multiplier, numStr = 1<<20, s[:len(s)-2]
	case strings.HasSuffix(s, "m"):
		multiplier, numStr = 1<<20, s[:len(s)-1]
	case strings.HasSuffix(s, "gb"):
		multiplier, numStr = 1<<30, s[:len(s)-2]
	case strings.HasSuffix(s, "g"):
		multiplier, numStr = 1<<30, s[:len(s)-1]
	case strings.HasSuffix(s, "b"):
		numStr = s[:len(s)-1]
	}

	numStr = strings.TrimSpace(numStr)
	if numStr == "" {
		return 0, fmt.Errorf("missing number in %q", s)
	}
	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %s", numStr)
	}
	if num <= 0 {
		return 0, fmt.Errorf("memory value must be positive")
	}
	if num > float64(math.MaxInt64)/float64(multiplier) {
		return 0, fmt.Errorf("memory value too large")
	}
	return int64(num * float64(multiplier)), nil
}
