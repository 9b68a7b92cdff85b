package network

import (
	"fmt"
	"net"
	"net/netip"
	"slices"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Netlinker is the subset of netlink used for discovery.
type Netlinker interface {
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

// tunnelTypes are link types whose addresses belong to a tunnel, not to a
// local segment.
var tunnelTypes = map[string]bool{
	"wireguard": true,
	"tuntap":    true,
	"ipip":      true,
	"sit":       true,
	"gre":       true,
	"ip6tnl":    true,
}

// DiscoverLANNetworks returns the masked prefixes of every address assigned
// to an up, non-loopback, non-tunnel interface, sorted and without
// duplicates.
func DiscoverLANNetworks(nl Netlinker) ([]netip.Prefix, error) {
	links, err := nl.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	var out []netip.Prefix
	for _, link := range links {
		if !lanLink(link) {
			continue
		}
		addrs, err := nl.AddrList(link, unix.AF_UNSPEC)
		if err != nil {
			return nil, fmt.Errorf("list addresses of %s: %w", link.Attrs().Name, err)
		}
		for _, a := range addrs {
			if p, ok := addrPrefix(a); ok {
				out = append(out, p)
			}
		}
	}

	slices.SortFunc(out, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return a.Bits() - b.Bits()
	})
	return slices.Compact(out), nil
}

func lanLink(link netlink.Link) bool {
	attrs := link.Attrs()
	if attrs == nil {
		return false
	}
	if attrs.Flags&net.FlagLoopback != 0 || attrs.Flags&net.FlagUp == 0 {
		return false
	}
	return !tunnelTypes[link.Type()]
}

func addrPrefix(a netlink.Addr) (netip.Prefix, bool) {
	if a.IPNet == nil {
		return netip.Prefix{}, false
	}
	ip, ok := netip.AddrFromSlice(a.IPNet.IP)
	if !ok {
		return netip.Prefix{}, false
	}
	ip = ip.Unmap()
	if ip.IsLoopback() {
		return netip.Prefix{}, false
	}
	ones, bits := a.IPNet.Mask.Size()
	if bits == 0 {
		return netip.Prefix{}, false
	}
	// Host routes (/32, /128) say nothing about the segment.
	if ones == bits {
		return netip.Prefix{}, false
	}
	return netip.PrefixFrom(ip, ones).Masked(), true
}

// Merge returns base followed by every prefix of extra not already covered
// by an entry of base.
func Merge(base, extra []netip.Prefix) []netip.Prefix {
	out := slices.Clone(base)
	for _, p := range extra {
		if !covered(out, p) {
			out = append(out, p)
		}
	}
	return out
}

func covered(set []netip.Prefix, p netip.Prefix) bool {
	for _, s := range set {
		if s.Bits() <= p.Bits() && s.Contains(p.Addr()) {
			return true
		}
	}
	return false
}
