package rules

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/leakshield/internal/filter"
)

func allRules() []Rule {
	var out []Rule
	for _, kind := range Kinds() {
		r, _ := Lookup(kind)
		out = append(out, r)
	}
	return out
}

func richContext() Context {
	return Context{
		DNSServers: []netip.Addr{
			netip.MustParseAddr("10.64.0.1"),
			netip.MustParseAddr("fc00:bbbb:bbbb:bb01::1"),
		},
		Endpoints: []Endpoint{
			{Address: netip.MustParseAddr("185.65.134.66"), Port: 51820, Protocol: filter.ProtoUDP},
			{Address: netip.MustParseAddr("2a03:1b20:3:f011::a01f"), Port: 51820, Protocol: filter.ProtoUDP},
		},
	}
}

func TestBlockDNS_ExampleScenario(t *testing.T) {
	specs, err := BlockDNS{}.Emit(Context{})
	require.NoError(t, err)
	require.Len(t, specs, 2)

	v4, v6 := specs[0], specs[1]
	assert.Equal(t, filter.OutboundConnectV4, v4.Layer())
	assert.Equal(t, filter.OutboundConnectV6, v6.Layer())
	for _, s := range specs {
		assert.Equal(t, filter.Block, s.Action())
		assert.Equal(t, filter.WeightMax, s.Weight())
		assert.Equal(t, []filter.Condition{filter.RemotePort(53)}, s.Conditions())
	}
	assert.NotEqual(t, v4.ID(), v6.ID())
	assert.Equal(t, filter.NewID(KindBlockDNS, filter.OutboundConnectV4, ""), v4.ID())
}

func TestBlockDNS_ExemptsResolvers(t *testing.T) {
	ctx := richContext()
	specs, err := BlockDNS{}.Emit(ctx)
	require.NoError(t, err)
	require.Len(t, specs, 4)

	permits := specs[2:]
	assert.Equal(t, filter.OutboundConnectV4, permits[0].Layer())
	assert.Equal(t, filter.OutboundConnectV6, permits[1].Layer())
	for i, p := range permits {
		assert.Equal(t, filter.Permit, p.Action())
		assert.Equal(t, filter.WeightMax, p.Weight())
		c, ok := p.Condition(filter.FieldRemoteAddress)
		require.True(t, ok)
		assert.Equal(t, ctx.DNSServers[i], c.Prefix().Addr())
	}
}

func TestDualStackCompleteness(t *testing.T) {
	// Rules whose intent is independent of the IP version.
	for _, r := range []Rule{BlockDNS{}, BlockAll{}} {
		t.Run(r.Kind(), func(t *testing.T) {
			specs, err := r.Emit(Context{})
			require.NoError(t, err)

			byLayer := map[filter.Layer]filter.Spec{}
			for _, s := range specs {
				byLayer[s.Layer()] = s
			}

			for _, s := range specs {
				if s.Layer().Family() != filter.FamilyIPv4 {
					continue
				}
				var twin filter.Layer
				switch s.Layer() {
				case filter.OutboundConnectV4:
					twin = filter.OutboundConnectV6
				case filter.InboundAcceptV4:
					twin = filter.InboundAcceptV6
				default:
					t.Fatalf("unexpected layer %s", s.Layer())
				}
				other, ok := byLayer[twin]
				require.True(t, ok, "missing %s twin of %s", twin, s.Layer())
				assert.Equal(t, s.Action(), other.Action())
				assert.Equal(t, s.Weight(), other.Weight())
				assert.Equal(t, s.Conditions(), other.Conditions())
				assert.NotEqual(t, s.ID(), other.ID())
			}
		})
	}
}

func TestEveryRuleCoversBothFamilies(t *testing.T) {
	ctx := richContext()
	for _, r := range allRules() {
		t.Run(r.Kind(), func(t *testing.T) {
			specs, err := r.Emit(ctx)
			require.NoError(t, err)
			require.NotEmpty(t, specs)

			families := map[filter.Family]int{}
			for _, s := range specs {
				families[s.Layer().Family()]++
			}
			assert.NotZero(t, families[filter.FamilyIPv4])
			assert.NotZero(t, families[filter.FamilyIPv6])
		})
	}
}

func TestEmitIsDeterministic(t *testing.T) {
	ctx := richContext()
	for _, r := range allRules() {
		t.Run(r.Kind(), func(t *testing.T) {
			first, err := r.Emit(ctx)
			require.NoError(t, err)
			second, err := r.Emit(ctx)
			require.NoError(t, err)

			require.Len(t, second, len(first))
			seen := map[filter.ID]bool{}
			for i := range first {
				assert.True(t, first[i].Equal(second[i]), "emission %d differs", i)
				assert.False(t, seen[first[i].ID()], "identity %s reused within rule", first[i].ID())
				seen[first[i].ID()] = true
			}
		})
	}
}

func TestIdentitiesDistinctAcrossRules(t *testing.T) {
	seen := map[filter.ID]string{}
	for _, r := range allRules() {
		specs, err := r.Emit(richContext())
		require.NoError(t, err)
		for _, s := range specs {
			if prev, ok := seen[s.ID()]; ok {
				t.Fatalf("identity %s shared by %s and %s", s.ID(), prev, r.Kind())
			}
			seen[s.ID()] = r.Kind()
		}
	}
}

func TestBlockLAN(t *testing.T) {
	specs, err := BlockLAN{}.Emit(Context{})
	require.NoError(t, err)
	assert.Len(t, specs, len(DefaultLANNetworks))

	custom := Context{LANNetworks: []netip.Prefix{netip.MustParsePrefix("192.168.1.0/24")}}
	specs, err = BlockLAN{}.Emit(custom)
	require.NoError(t, err)
	require.Len(t, specs, 1)
	c, ok := specs[0].Condition(filter.FieldRemoteAddress)
	require.True(t, ok)
	assert.Equal(t, filter.InRange, c.Operator())
	assert.Equal(t, filter.WeightHigh, specs[0].Weight())
}

func TestBlockPing(t *testing.T) {
	specs, err := BlockPing{}.Emit(Context{})
	require.NoError(t, err)
	require.Len(t, specs, 2)

	c, _ := specs[0].Condition(filter.FieldICMPType)
	assert.Equal(t, uint8(8), c.ICMPType())
	c, _ = specs[1].Condition(filter.FieldICMPType)
	assert.Equal(t, uint8(128), c.ICMPType())
}

func TestPermitEndpoint_InvalidAddress(t *testing.T) {
	_, err := PermitEndpoint{}.Emit(Context{Endpoints: []Endpoint{{Port: 51820}}})
	var cfgErr *filter.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestPermitEndpoint_PortWithoutProtocol(t *testing.T) {
	specs, err := PermitEndpoint{}.Emit(Context{Endpoints: []Endpoint{
		{Address: netip.MustParseAddr("198.51.100.7"), Port: 443},
	}})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	_, hasProto := specs[0].Condition(filter.FieldProtocol)
	assert.False(t, hasProto)
}

func TestPinnedIdentities(t *testing.T) {
	pinned := filter.NewID("legacy-guid", filter.OutboundConnectV4, "")
	ctx := Context{Identities: filter.IdentityTable{
		filter.IdentityKey(KindBlockDNS, filter.OutboundConnectV4, ""): pinned,
	}}
	specs, err := BlockDNS{}.Emit(ctx)
	require.NoError(t, err)
	assert.Equal(t, pinned, specs[0].ID())
	assert.Equal(t, filter.NewID(KindBlockDNS, filter.OutboundConnectV6, ""), specs[1].ID())
}

func TestLookup(t *testing.T) {
	r, err := Lookup(KindBlockDNS)
	require.NoError(t, err)
	assert.Equal(t, KindBlockDNS, r.Kind())

	_, err = Lookup("block_everything_twice")
	assert.Error(t, err)
	assert.Len(t, Kinds(), 7)
}

func TestEndpointString(t *testing.T) {
	ep := Endpoint{Address: netip.MustParseAddr("2001:db8::1"), Port: 51820, Protocol: filter.ProtoUDP}
	assert.Equal(t, "[2001:db8::1]:51820/udp", ep.String())
	assert.Equal(t, "192.0.2.1", Endpoint{Address: netip.MustParseAddr("192.0.2.1")}.String())
	assert.Equal(t, "192.0.2.1:443", Endpoint{Address: netip.MustParseAddr("::ffff:192.0.2.1"), Port: 443}.String())
}

func TestIdentityIgnoresAddressForm(t *testing.T) {
	tests := []struct {
		name  string
		rule  Rule
		plain Context
		other Context
	}{
		{
			name:  "mapped endpoint",
			rule:  PermitEndpoint{},
			plain: Context{Endpoints: []Endpoint{{Address: netip.MustParseAddr("192.0.2.1"), Port: 443, Protocol: filter.ProtoTCP}}},
			other: Context{Endpoints: []Endpoint{{Address: netip.MustParseAddr("::ffff:192.0.2.1"), Port: 443, Protocol: filter.ProtoTCP}}},
		},
		{
			name:  "zoned endpoint",
			rule:  PermitEndpoint{},
			plain: Context{Endpoints: []Endpoint{{Address: netip.MustParseAddr("fe80::10")}}},
			other: Context{Endpoints: []Endpoint{{Address: netip.MustParseAddr("fe80::10%eth0")}}},
		},
		{
			name:  "mapped resolver",
			rule:  BlockDNS{},
			plain: Context{DNSServers: []netip.Addr{netip.MustParseAddr("10.64.0.1")}},
			other: Context{DNSServers: []netip.Addr{netip.MustParseAddr("::ffff:10.64.0.1")}},
		},
		{
			name:  "zoned resolver",
			rule:  BlockDNS{},
			plain: Context{DNSServers: []netip.Addr{netip.MustParseAddr("fe80::53")}},
			other: Context{DNSServers: []netip.Addr{netip.MustParseAddr("fe80::53%wlan0")}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want, err := tt.rule.Emit(tt.plain)
			require.NoError(t, err)
			got, err := tt.rule.Emit(tt.other)
			require.NoError(t, err)
			require.Len(t, got, len(want))
			for i := range want {
				assert.Equal(t, want[i].ID(), got[i].ID())
				assert.True(t, want[i].Equal(got[i]), "%s != %s", want[i], got[i])
			}
		})
	}
}
