// Package config holds the container configuration: defaults, YAML loading,
// validation and deep copy.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	derrors "ducker/pkg/errors"

	"gopkg.in/yaml.v3"
)

// Reference defaults.
const (
	DefaultTmpDirTemplate = "ducker-tmp-XXXXXX"
	DefaultHostName       = "ducker"
	DefaultNameserver     = "1.1.1.1"
	DefaultHostIP         = "10.200.1.1"
	DefaultContainerIP    = "10.200.1.2"
	DefaultCgroupRoot     = "/sys/fs/cgroup"
	DefaultShell          = "/bin/bash"

	// PrefixLen is the prefix length used for both ends of the veth pair.
	PrefixLen = 24
)

// BridgeConfig describes the veth link between host and container.
type BridgeConfig struct {
	HostIP      string `yaml:"hostIP" json:"hostIP"`
	ContainerIP string `yaml:"containerIP" json:"containerIP"`

	// UsePhysical enables NAT through the host's default-route interface.
	UsePhysical bool `yaml:"usePhysical" json:"usePhysical"`
}

// HostAddr returns the host end address with a /24 mask.
func (b BridgeConfig) HostAddr() *net.IPNet {
	return ipNet(b.HostIP)
}

// ContainerAddr returns the container end address with a /24 mask.
func (b BridgeConfig) ContainerAddr() *net.IPNet {
	return ipNet(b.ContainerIP)
}

// ContainerSubnet returns the /24 network containing the container address,
// e.g. 10.200.1.0/24.
func (b BridgeConfig) ContainerSubnet() *net.IPNet {
	addr := ipNet(b.ContainerIP)
	if addr == nil {
		return nil
	}
	return &net.IPNet{IP: addr.IP.Mask(addr.Mask), Mask: addr.Mask}
}

func ipNet(s string) *net.IPNet {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(PrefixLen, 32)}
}

// CgroupEntry is one control-file write: <resource>/<variable> = <value>.
type CgroupEntry struct {
	Resource string `yaml:"resource" json:"resource"`
	Variable string `yaml:"variable" json:"variable"`
	Value    string `yaml:"value" json:"value"`
}

func (e CgroupEntry) String() string {
	return fmt.Sprintf("%s:%s=%s", e.Resource, e.Variable, e.Value)
}

// ParseCgroupEntry parses the "resource:variable=value" form used on the
// command line.
func ParseCgroupEntry(s string) (CgroupEntry, error) {
	resource, rest, ok := strings.Cut(s, ":")
	if !ok {
		return CgroupEntry{}, fmt.Errorf("cgroup entry %q: expected resource:variable=value", s)
	}
	variable, value, ok := strings.Cut(rest, "=")
	if !ok {
		return CgroupEntry{}, fmt.Errorf("cgroup entry %q: expected resource:variable=value", s)
	}
	e := CgroupEntry{
		Resource: strings.TrimSpace(resource),
		Variable: strings.TrimSpace(variable),
		Value:    strings.TrimSpace(value),
	}
	if e.Resource == "" || e.Variable == "" {
		return CgroupEntry{}, fmt.Errorf("cgroup entry %q: empty resource or variable", s)
	}
	return e, nil
}

// ContainerConfig is the full description of one container run. Treat it as
// a value: the launcher keeps its own Clone.
type ContainerConfig struct {
	// TmpDirTemplate names the working directory; trailing X characters are
	// replaced with a random suffix.
	TmpDirTemplate string `yaml:"tmpDirTemplate" json:"tmpDirTemplate"`

	// HostName defaults to the run's short ID when empty.
	HostName   string `yaml:"hostName" json:"hostName"`
	Nameserver string `yaml:"nameserver" json:"nameserver"`

	Bridge  BridgeConfig  `yaml:"bridge" json:"bridge"`
	Cgroups []CgroupEntry `yaml:"cgroups" json:"cgroups"`

	Command []string `yaml:"command" json:"command"`
	TTY     bool     `yaml:"tty" json:"tty"`

	CgroupRoot string `yaml:"cgroupRoot" json:"cgroupRoot"`
}

// Default returns the reference configuration.
func Default() *ContainerConfig {
	return &ContainerConfig{
		TmpDirTemplate: DefaultTmpDirTemplate,
		HostName:       DefaultHostName,
		Nameserver:     DefaultNameserver,
		Bridge: BridgeConfig{
			HostIP:      DefaultHostIP,
			ContainerIP: DefaultContainerIP,
			UsePhysical: true,
		},
		Cgroups: []CgroupEntry{
			{Resource: "memory", Variable: "memory.limit_in_bytes", Value: "512M"},
		},
		Command:    []string{DefaultShell},
		CgroupRoot: DefaultCgroupRoot,
	}
}

// Load reads a YAML file on top of the defaults. Fields absent from the file
// keep their default values; a present list replaces the default list.
func Load(path string) (*ContainerConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, derrors.New(derrors.KindConfig, "read "+path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, derrors.New(derrors.KindConfig, "parse "+path, err)
	}
	return cfg, nil
}

// Validate checks the configuration before any side effect happens.
func (c *ContainerConfig) Validate() error {
	var problems []string

	if c.TmpDirTemplate == "" {
		problems = append(problems, "tmpDirTemplate is empty")
	} else if strings.ContainsRune(c.TmpDirTemplate, os.PathSeparator) {
		problems = append(problems, "tmpDirTemplate must be a plain name")
	}
	if c.Bridge.HostAddr() == nil {
		problems = append(problems, fmt.Sprintf("bridge.hostIP %q is not an IPv4 address", c.Bridge.HostIP))
	}
	if c.Bridge.ContainerAddr() == nil {
		problems = append(problems, fmt.Sprintf("bridge.containerIP %q is not an IPv4 address", c.Bridge.ContainerIP))
	}
	if c.Nameserver != "" && net.ParseIP(c.Nameserver) == nil {
		problems = append(problems, fmt.Sprintf("nameserver %q is not an IP address", c.Nameserver))
	}
	if len(c.Command) == 0 || c.Command[0] == "" {
		problems = append(problems, "command is empty")
	}
	if c.CgroupRoot == "" {
		problems = append(problems, "cgroupRoot is empty")
	}

	seen := make(map[string]bool, len(c.Cgroups))
	for _, e := range c.Cgroups {
		if e.Resource == "" || e.Variable == "" {
			problems = append(problems, fmt.Sprintf("cgroup entry %s: empty resource or variable", e))
			continue
		}
		if strings.ContainsAny(e.Resource, "/") || strings.ContainsAny(e.Variable, "/") {
			problems = append(problems, fmt.Sprintf("cgroup entry %s: names must not contain '/'", e))
			continue
		}
		if isDotName(e.Resource) || isDotName(e.Variable) {
			problems = append(problems, fmt.Sprintf("cgroup entry %s: names must not be '.' or '..'", e))
			continue
		}
		if seen[e.Resource] {
			problems = append(problems, fmt.Sprintf("cgroup resource %q listed more than once", e.Resource))
		}
		seen[e.Resource] = true
	}

	if len(problems) > 0 {
		return derrors.New(derrors.KindConfig, "validate", fmt.Errorf("%s", strings.Join(problems, "; ")))
	}
	return nil
}

func isDotName(s string) bool { return s == "." || s == ".." }

// Clone returns a deep copy.
func (c *ContainerConfig) Clone() *ContainerConfig {
	out := *c
	out.Cgroups = append([]CgroupEntry(nil), c.Cgroups...)
	out.Command = append([]string(nil), c.Command...)
	return &out
}
