//go:build linux
// +build linux

package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/coreos/go-iptables/iptables"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

const (
	// NetnsDir is where pinned namespaces live, as with `ip netns`.
	NetnsDir = "/var/run/netns"

	ipForwardPath = "/proc/sys/net/ipv4/ip_forward"
)

// NewBridge returns a Bridge backed by netlink, bind-mounted namespace pins
// and iptables.
func NewBridge(log logrus.FieldLogger) (*Bridge, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("open netlink handle: %w", err)
	}
	return NewBridgeWith(&netlinkLinks{h: h}, &pinnedNamespaces{dir: NetnsDir}, newIptablesFirewall, log), nil
}

// netlinkLinks implements Links over a netlink handle bound to one namespace.
type netlinkLinks struct {
	h *netlink.Handle
}

func (l *netlinkLinks) link(name string) (netlink.Link, error) {
	link, err := l.h.LinkByName(name)
	if err != nil {
		return nil, fmt.Errorf("find link %s: %w", name, err)
	}
	return link, nil
}

func (l *netlinkLinks) AddVethPair(name, peer string) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		PeerName:  peer,
	}
	return l.h.LinkAdd(veth)
}

func (l *netlinkLinks) SetNs(name, nsPath string) error {
	link, err := l.link(name)
	if err != nil {
		return err
	}
	ns, err := netns.GetFromPath(nsPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", nsPath, err)
	}
	defer ns.Close()
	return l.h.LinkSetNsFd(link, int(ns))
}

func (l *netlinkLinks) AddAddr(name string, addr *net.IPNet) error {
	link, err := l.link(name)
	if err != nil {
		return err
	}
	return l.h.AddrAdd(link, &netlink.Addr{IPNet: addr})
}

func (l *netlinkLinks) SetUp(name string) error {
	link, err := l.link(name)
	if err != nil {
		return err
	}
	return l.h.LinkSetUp(link)
}

func (l *netlinkLinks) AddDefaultRoute(name string, gw net.IP) error {
	link, err := l.link(name)
	if err != nil {
		return err
	}
	return l.h.RouteAdd(&netlink.Route{
		LinkIndex: link.Attrs().Index,
		Gw:        gw,
	})
}

func (l *netlinkLinks) DelLink(name string) error {
	link, err := l.h.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return l.h.LinkDel(link)
}

func (l *netlinkLinks) DefaultRouteLink() (string, error) {
	routes, err := l.h.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("list routes: %w", err)
	}
	for _, r := range routes {
		if !isDefault(r) {
			continue
		}
		link, err := l.h.LinkByIndex(r.LinkIndex)
		if err != nil {
			return "", fmt.Errorf("find link %d: %w", r.LinkIndex, err)
		}
		return link.Attrs().Name, nil
	}
	return "", errors.New("no IPv4 default route")
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

func (l *netlinkLinks) Close() {
	l.h.Close()
}

// pinnedNamespaces pins a pid's network namespace by bind-mounting
// /proc/<pid>/ns/net onto <dir>/<pid>.
type pinnedNamespaces struct {
	dir string
}

func (p *pinnedNamespaces) path(pid int) string {
	return filepath.Join(p.dir, strconv.Itoa(pid))
}

func (p *pinnedNamespaces) Pin(pid int) (string, error) {
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", p.dir, err)
	}

	path := p.path(pid)
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0444)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	f.Close()

	source := fmt.Sprintf("/proc/%d/ns/net", pid)
	if err := unix.Mount(source, path, "", unix.MS_BIND, ""); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("bind %s: %w", source, err)
	}
	return path, nil
}

func (p *pinnedNamespaces) Unpin(pid int) error {
	path := p.path(pid)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	// EINVAL: the placeholder exists but nothing is mounted on it.
	if err := unix.Unmount(path, 0); err != nil && !errors.Is(err, unix.EINVAL) {
		return fmt.Errorf("unmount %s: %w", path, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (p *pinnedNamespaces) Links(nsPath string) (Links, func(), error) {
	ns, err := netns.GetFromPath(nsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", nsPath, err)
	}
	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		ns.Close()
		return nil, nil, fmt.Errorf("netlink handle in %s: %w", nsPath, err)
	}
	links := &netlinkLinks{h: h}
	return links, func() {
		links.Close()
		ns.Close()
	}, nil
}

// iptablesFirewall implements Firewall with go-iptables.
type iptablesFirewall struct {
	ipt         *iptables.IPTables
	forwardPath string
}

func newIptablesFirewall() (Firewall, error) {
	ipt, err := iptables.New()
	if err != nil {
		return nil, fmt.Errorf("create iptables instance: %w", err)
	}
	return &iptablesFirewall{ipt: ipt, forwardPath: ipForwardPath}, nil
}

func (f *iptablesFirewall) EnableForwarding() error {
	return os.WriteFile(f.forwardPath, []byte("1"), 0644)
}

func (f *iptablesFirewall) AppendUnique(table, chain string, rule ...string) error {
	return f.ipt.AppendUnique(table, chain, rule...)
}

func (f *iptablesFirewall) DeleteIfExists(table, chain string, rule ...string) error {
	return f.ipt.DeleteIfExists(table, chain, rule...)
}
