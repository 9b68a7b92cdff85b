package network

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/miekg/dns"
)

// DefaultResolvConf is where the system resolver configuration lives.
const DefaultResolvConf = "/etc/resolv.conf"

// DiscoverResolvers returns the nameservers listed in a resolv.conf file,
// in file order without duplicates. Loopback stubs are skipped: their
// upstream traffic leaves from the stub, not from the listed address.
func DiscoverResolvers(path string) ([]netip.Addr, error) {
	cc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var out []netip.Addr
	for _, s := range cc.Servers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		addr = addr.WithZone("").Unmap()
		if addr.IsLoopback() || slices.Contains(out, addr) {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

// MergeAddrs returns base followed by every address of extra not in base.
func MergeAddrs(base, extra []netip.Addr) []netip.Addr {
	out := slices.Clone(base)
	for _, a := range extra {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out
}
