// Package network attaches a container's network namespace to the host with
// a veth pair and, optionally, NATs it through the host's physical interface.
//
// Naming is keyed by the child's pid:
//
//	host end:       dveth<pid>   HostIP/24
//	container end:  dvpeer<pid>  ContainerIP/24, default route via HostIP
//	pinned netns:   /var/run/netns/<pid> (only while configuring)
package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"ducker/internal/config"
	derrors "ducker/pkg/errors"

	"github.com/sirupsen/logrus"
)

const (
	VethPrefix = "dveth"
	PeerPrefix = "dvpeer"

	loopback = "lo"
)

// VethName returns the host-side interface name for pid.
func VethName(pid int) string { return VethPrefix + strconv.Itoa(pid) }

// PeerName returns the container-side interface name for pid.
func PeerName(pid int) string { return PeerPrefix + strconv.Itoa(pid) }

// Links configures interfaces in one network namespace.
type Links interface {
	AddVethPair(name, peer string) error
	// SetNs moves the named link into the namespace pinned at nsPath.
	SetNs(name, nsPath string) error
	AddAddr(name string, addr *net.IPNet) error
	SetUp(name string) error
	AddDefaultRoute(name string, gw net.IP) error
	// DelLink removes the link. A missing link is not an error.
	DelLink(name string) error
	// DefaultRouteLink names the interface carrying the IPv4 default route.
	DefaultRouteLink() (string, error)
}

// Namespaces pins a child's network namespace to a path and opens Links
// inside it.
type Namespaces interface {
	Pin(pid int) (string, error)
	// Unpin removes the pin. Nothing happens if pid is not pinned.
	Unpin(pid int) error
	Links(nsPath string) (Links, func(), error)
}

// Firewall installs forwarding and NAT rules.
type Firewall interface {
	EnableForwarding() error
	AppendUnique(table, chain string, rule ...string) error
	DeleteIfExists(table, chain string, rule ...string) error
}

// Rule is one iptables rule.
type Rule struct {
	Table string
	Chain string
	Spec  []string
}

func (r Rule) String() string {
	return fmt.Sprintf("-t %s -A %s %v", r.Table, r.Chain, r.Spec)
}

// NATRules returns the masquerade and forward rules for the container's
// subnet leaving through phy.
func NATRules(cfg config.BridgeConfig, pid int, phy string) []Rule {
	veth := VethName(pid)
	subnet := cfg.ContainerSubnet().String()
	return []Rule{
		{"nat", "POSTROUTING", []string{"-s", subnet, "-o", phy, "-j", "MASQUERADE"}},
		{"filter", "FORWARD", []string{"-i", phy, "-o", veth, "-j", "ACCEPT"}},
		{"filter", "FORWARD", []string{"-o", phy, "-i", veth, "-j", "ACCEPT"}},
	}
}

// Bridge sets up and removes the veth link for one container.
type Bridge struct {
	host Links
	ns   Namespaces

	newFirewall func() (Firewall, error)
	fw          Firewall

	log logrus.FieldLogger
}

// NewBridgeWith builds a Bridge from explicit collaborators. newFirewall is
// called at most once, the first time NAT is needed.
func NewBridgeWith(host Links, ns Namespaces, newFirewall func() (Firewall, error), log logrus.FieldLogger) *Bridge {
	return &Bridge{host: host, ns: ns, newFirewall: newFirewall, log: log}
}

func (b *Bridge) firewall() (Firewall, error) {
	if b.fw != nil {
		return b.fw, nil
	}
	fw, err := b.newFirewall()
	if err != nil {
		return nil, err
	}
	b.fw = fw
	return fw, nil
}

// SetUp creates and configures the veth pair for the child pid. The first
// failing step aborts; what was already created stays in place for Clean.
func (b *Bridge) SetUp(cfg config.BridgeConfig, pid int) error {
	veth, peer := VethName(pid), PeerName(pid)
	hostAddr, contAddr := cfg.HostAddr(), cfg.ContainerAddr()
	if hostAddr == nil || contAddr == nil {
		return derrors.New(derrors.KindNetwork, "parse addresses",
			fmt.Errorf("host %q / container %q", cfg.HostIP, cfg.ContainerIP))
	}

	b.log.Debugf("+ pin netns of %d", pid)
	nsPath, err := b.ns.Pin(pid)
	if err != nil {
		return derrors.New(derrors.KindNetwork, "pin netns", err)
	}

	b.log.Debugf("+ ip link add %s type veth peer name %s", veth, peer)
	if err := b.host.AddVethPair(veth, peer); err != nil {
		return derrors.New(derrors.KindNetwork, "add veth "+veth, err)
	}

	b.log.Debugf("+ ip link set %s netns %s", peer, nsPath)
	if err := b.host.SetNs(peer, nsPath); err != nil {
		return derrors.New(derrors.KindNetwork, "move "+peer, err)
	}

	b.log.Debugf("+ ip addr add %s dev %s", hostAddr, veth)
	if err := b.host.AddAddr(veth, hostAddr); err != nil {
		return derrors.New(derrors.KindNetwork, "address "+veth, err)
	}
	b.log.Debugf("+ ip link set %s up", veth)
	if err := b.host.SetUp(veth); err != nil {
		return derrors.New(derrors.KindNetwork, "up "+veth, err)
	}

	if err := b.configurePeer(nsPath, peer, contAddr, hostAddr.IP); err != nil {
		return err
	}

	b.log.Debugf("+ unpin netns of %d", pid)
	if err := b.ns.Unpin(pid); err != nil {
		return derrors.New(derrors.KindNetwork, "unpin netns", err)
	}

	if cfg.UsePhysical {
		return b.setUpNAT(cfg, pid)
	}
	return nil
}

func (b *Bridge) configurePeer(nsPath, peer string, addr *net.IPNet, gw net.IP) error {
	inner, release, err := b.ns.Links(nsPath)
	if err != nil {
		return derrors.New(derrors.KindNetwork, "enter netns "+nsPath, err)
	}
	defer release()

	b.log.Debugf("+ ip netns exec %s ip addr add %s dev %s", nsPath, addr, peer)
	if err := inner.AddAddr(peer, addr); err != nil {
		return derrors.New(derrors.KindNetwork, "address "+peer, err)
	}
	for _, name := range []string{loopback, peer} {
		b.log.Debugf("+ ip netns exec %s ip link set %s up", nsPath, name)
		if err := inner.SetUp(name); err != nil {
			return derrors.New(derrors.KindNetwork, "up "+name, err)
		}
	}
	b.log.Debugf("+ ip netns exec %s ip route add default via %s", nsPath, gw)
	if err := inner.AddDefaultRoute(peer, gw); err != nil {
		return derrors.New(derrors.KindNetwork, "default route", err)
	}
	return nil
}

func (b *Bridge) setUpNAT(cfg config.BridgeConfig, pid int) error {
	phy, err := b.host.DefaultRouteLink()
	if err != nil {
		return derrors.New(derrors.KindNetwork, "find physical interface", err)
	}

	fw, err := b.firewall()
	if err != nil {
		return derrors.New(derrors.KindNetwork, "open firewall", err)
	}

	b.log.Debug("+ sysctl -w net.ipv4.ip_forward=1")
	if err := fw.EnableForwarding(); err != nil {
		return derrors.New(derrors.KindNetwork, "enable forwarding", err)
	}

	for _, r := range NATRules(cfg, pid, phy) {
		b.log.Debugf("+ iptables %s", r)
		if err := fw.AppendUnique(r.Table, r.Chain, r.Spec...); err != nil {
			return derrors.New(derrors.KindNetwork, "append "+r.Chain, err)
		}
	}
	return nil
}

// Clean removes everything SetUp may have created for pid. Every step is
// attempted; errors are joined.
func (b *Bridge) Clean(cfg config.BridgeConfig, pid int) error {
	var errs []error

	if err := b.ns.Unpin(pid); err != nil {
		errs = append(errs, fmt.Errorf("unpin netns: %w", err))
	}

	veth := VethName(pid)
	b.log.Debugf("+ ip link delete %s", veth)
	if err := b.host.DelLink(veth); err != nil {
		errs = append(errs, fmt.Errorf("delete %s: %w", veth, err))
	}

	if cfg.UsePhysical {
		if err := b.cleanNAT(cfg, pid); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return derrors.New(derrors.KindNetwork, "clean", err)
	}
	return nil
}

func (b *Bridge) cleanNAT(cfg config.BridgeConfig, pid int) error {
	if cfg.ContainerSubnet() == nil {
		return nil
	}
	phy, err := b.host.DefaultRouteLink()
	if err != nil {
		return fmt.Errorf("find physical interface: %w", err)
	}
	fw, err := b.firewall()
	if err != nil {
		return fmt.Errorf("open firewall: %w", err)
	}

	var errs []error
	for _, r := range NATRules(cfg, pid, phy) {
		b.log.Debugf("+ iptables -t %s -D %s %v", r.Table, r.Chain, r.Spec)
		if err := fw.DeleteIfExists(r.Table, r.Chain, r.Spec...); err != nil {
			errs = append(errs, fmt.Errorf("delete %s rule: %w", r.Chain, err))
		}
	}
	return errors.Join(errs...)
}
