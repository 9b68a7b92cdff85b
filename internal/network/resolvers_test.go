package network

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeResolvConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDiscoverResolvers(t *testing.T) {
	path := writeResolvConf(t, `# generated by NetworkManager
search lan
nameserver 10.64.0.1
nameserver 127.0.0.53
nameserver fe80::1%eth0
nameserver 10.64.0.1
options edns0
`)

	got, err := DiscoverResolvers(path)
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{
		netip.MustParseAddr("10.64.0.1"),
		netip.MustParseAddr("fe80::1"),
	}, got)
}

func TestDiscoverResolvers_Missing(t *testing.T) {
	_, err := DiscoverResolvers(filepath.Join(t.TempDir(), "resolv.conf"))
	assert.ErrorContains(t, err, "read ")
}

func TestMergeAddrs(t *testing.T) {
	a := netip.MustParseAddr("10.0.0.53")
	b := netip.MustParseAddr("2001:db8::53")
	assert.Equal(t, []netip.Addr{a, b}, MergeAddrs([]netip.Addr{a}, []netip.Addr{b, a}))
	assert.Equal(t, []netip.Addr{b}, MergeAddrs(nil, []netip.Addr{b}))
}
