package filter

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func params(layer Layer, conds ...Condition) Params {
	return Params{
		ID:         NewID("test", layer, ""),
		Name:       "test filter",
		Layer:      layer,
		Action:     Block,
		Weight:     WeightMax,
		Conditions: conds,
	}
}

func TestNew_Valid(t *testing.T) {
	tests := []struct {
		name  string
		layer Layer
		conds []Condition
	}{
		{"match all", OutboundConnectV4, nil},
		{"remote port", OutboundConnectV4, []Condition{RemotePort(53)}},
		{"port range with tcp", InboundAcceptV6, []Condition{Protocol(ProtoTCP), LocalPortRange(1000, 2000)}},
		{"v4 host", OutboundPacketV4, []Condition{RemoteAddress(netip.MustParseAddr("10.0.0.1"))}},
		{"v6 network", OutboundPacketV6, []Condition{RemoteNetwork(netip.MustParsePrefix("fe80::/10"))}},
		{"icmp echo", OutboundConnectV4, []Condition{Protocol(ProtoICMP), ICMPType(8)}},
		{"icmpv6 echo", OutboundConnectV6, []Condition{ICMPType(128)}},
		{"mapped v4 address", OutboundConnectV4, []Condition{RemoteAddress(netip.MustParseAddr("::ffff:192.0.2.1"))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := New(params(tt.layer, tt.conds...))
			require.NoError(t, err)
			assert.Equal(t, tt.layer, spec.Layer())
			assert.Len(t, spec.Conditions(), len(tt.conds))
		})
	}
}

func TestNew_LayerConditionCompatibility(t *testing.T) {
	tests := []struct {
		name  string
		p     Params
		field string
	}{
		{"remote port at packet layer", params(OutboundPacketV4, RemotePort(53)), "remote_port"},
		{"local port at packet layer", params(InboundPacketV6, LocalPort(22)), "local_port"},
		{"icmp type at packet layer", params(OutboundPacketV4, ICMPType(8)), "icmp_type"},
		{"v6 address at v4 layer", params(OutboundConnectV4, RemoteAddress(netip.MustParseAddr("2001:db8::1"))), "remote_address"},
		{"v4 network at v6 layer", params(OutboundPacketV6, LocalNetwork(netip.MustParsePrefix("10.0.0.0/8"))), "local_address"},
		{"port with icmp", params(OutboundConnectV4, Protocol(ProtoICMP), RemotePort(53)), "protocol"},
		{"icmp at v6 layer", params(OutboundConnectV6, Protocol(ProtoICMP)), "protocol"},
		{"icmp type with udp", params(OutboundConnectV4, Protocol(ProtoUDP), ICMPType(8)), "protocol"},
		{"port and icmp type", params(OutboundConnectV4, RemotePort(53), ICMPType(8)), "conditions"},
		{"conflicting protocols", params(OutboundConnectV4, Protocol(ProtoTCP), Protocol(ProtoUDP)), "protocol"},
		{"inverted range", params(OutboundConnectV4, RemotePortRange(100, 10)), "remote_port"},
		{"invalid address", params(OutboundConnectV4, RemoteAddress(netip.Addr{})), "remote_address"},
		{"zero value condition", params(OutboundConnectV4, Condition{}), "field(0)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.p)
			var cfgErr *ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestNew_RejectsIncompleteParams(t *testing.T) {
	base := params(OutboundConnectV4)

	noID := base
	noID.ID = ID{}
	badLayer := base
	badLayer.Layer = LayerUnknown
	badAction := base
	badAction.Action = ActionUnknown
	badWeight := base
	badWeight.Weight = Weight(42)

	for name, p := range map[string]Params{
		"identity": noID,
		"layer":    badLayer,
		"action":   badAction,
		"weight":   badWeight,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(p)
			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, name, cfgErr.Field)
		})
	}
}

func TestSpec_Immutable(t *testing.T) {
	conds := []Condition{RemotePort(53)}
	spec, err := New(params(OutboundConnectV4, conds...))
	require.NoError(t, err)

	conds[0] = RemotePort(80)
	got := spec.Conditions()
	got[0] = LocalPort(1)

	c, ok := spec.Condition(FieldRemotePort)
	require.True(t, ok)
	lo, _ := c.Ports()
	assert.Equal(t, uint16(53), lo)
}

func TestSpec_Equal(t *testing.T) {
	a, err := New(params(OutboundConnectV4, RemotePort(53)))
	require.NoError(t, err)
	b, err := New(params(OutboundConnectV4, RemotePort(53)))
	require.NoError(t, err)
	c, err := New(params(OutboundConnectV4, RemotePort(54)))
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestConditionValueSemantics(t *testing.T) {
	assert.Equal(t, RemotePort(53), RemotePort(53))
	assert.NotEqual(t, RemotePort(53), LocalPort(53))
	assert.Equal(t,
		RemoteNetwork(netip.MustParsePrefix("10.1.2.3/8")),
		RemoteNetwork(netip.MustParsePrefix("10.0.0.0/8")),
		"networks are stored masked")
}

func TestNewID_Deterministic(t *testing.T) {
	a := NewID("block_dns", OutboundConnectV4, "")
	b := NewID("block_dns", OutboundConnectV4, "")
	v6 := NewID("block_dns", OutboundConnectV6, "")
	q := NewID("block_dns", OutboundConnectV4, "10.0.0.1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, v6)
	assert.NotEqual(t, a, q)
	assert.Equal(t, 5, int(a.Version()))
}

func TestIdentityTable_Resolve(t *testing.T) {
	pinned := NewID("legacy", OutboundConnectV4, "")
	table := IdentityTable{IdentityKey("block_dns", OutboundConnectV4, ""): pinned}

	assert.Equal(t, pinned, table.Resolve("block_dns", OutboundConnectV4, ""))
	assert.Equal(t, NewID("block_dns", OutboundConnectV6, ""), table.Resolve("block_dns", OutboundConnectV6, ""))

	var empty IdentityTable
	assert.Equal(t, NewID("x", InboundAcceptV4, ""), empty.Resolve("x", InboundAcceptV4, ""))
}

func TestParseLayer(t *testing.T) {
	for l := range layerNames {
		parsed, err := ParseLayer(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}
	_, err := ParseLayer("forward")
	assert.Error(t, err)
}

func TestLayerProperties(t *testing.T) {
	assert.Equal(t, FamilyIPv6, OutboundConnect(FamilyIPv6).Family())
	assert.Equal(t, Inbound, InboundPacket(FamilyIPv4).Direction())
	assert.True(t, InboundAccept(FamilyIPv4).Connection())
	assert.False(t, OutboundPacket(FamilyIPv6).Connection())
	assert.False(t, OutboundPacketV4.Supports(FieldRemotePort))
	assert.True(t, OutboundPacketV4.Supports(FieldProtocol))
}
