// Package rules maps high-level protection intents to filter specs.
//
// A Rule is a pure transformation: given a Context it emits the filters that
// implement its intent. Rules perform no I/O and keep no state between
// calls, so emitting twice with the same Context yields identical filters,
// identities included.
//
// Rules whose intent does not depend on the IP version emit one filter per
// entry in filter.Families. Leaving a family out would leak traffic over the
// other protocol version.
package rules

import (
	"fmt"
	"net/netip"

	"grimm.is/leakshield/internal/filter"
)

// Rule is a unit of policy intent.
type Rule interface {
	// Kind names the rule. It is part of every emitted identity.
	Kind() string

	// Emit returns the filters implementing the rule for ctx. An error is
	// always a *filter.ConfigurationError from filter construction.
	Emit(ctx Context) ([]filter.Spec, error)
}

// Endpoint is a remote service that must stay reachable, such as a VPN relay.
type Endpoint struct {
	Address  netip.Addr
	Port     uint16 // 0 matches any port
	Protocol uint8  // 0 matches any protocol
}

// String renders the endpoint with its address normalized, so mapped and
// zoned forms of one address name the same endpoint.
func (e Endpoint) String() string {
	addr := canonical(e.Address)
	s := addr.String()
	if e.Port != 0 {
		s = netip.AddrPortFrom(addr, e.Port).String()
	}
	switch e.Protocol {
	case filter.ProtoTCP:
		s += "/tcp"
	case filter.ProtoUDP:
		s += "/udp"
	case 0:
	default:
		s += fmt.Sprintf("/%d", e.Protocol)
	}
	return s
}

// Context is the environment rules are emitted against.
type Context struct {
	// DNSServers are resolvers exempted from DNS blocking.
	DNSServers []netip.Addr

	// LANNetworks overrides DefaultLANNetworks when non-empty.
	LANNetworks []netip.Prefix

	// Endpoints must stay reachable while everything else is blocked.
	Endpoints []Endpoint

	// Identities pins explicit filter identities.
	Identities filter.IdentityTable
}

// DefaultLANNetworks are the private, link-local and multicast ranges
// treated as local network when no override is configured.
var DefaultLANNetworks = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

func (c Context) lanNetworks() []netip.Prefix {
	if len(c.LANNetworks) > 0 {
		return c.LANNetworks
	}
	return DefaultLANNetworks
}

// canonical strips the IPv4 mapping and zone filter conditions ignore.
func canonical(addr netip.Addr) netip.Addr {
	return addr.Unmap().WithZone("")
}

func familyOf(addr netip.Addr) filter.Family {
	if addr.Unmap().Is4() {
		return filter.FamilyIPv4
	}
	return filter.FamilyIPv6
}

// template carries the parts of a filter shared by every family or qualifier
// a rule emits for. It is copied by value per emission.
type template struct {
	kind        string
	name        string
	description string
	action      filter.Action
	weight      filter.Weight
}

func (t template) build(ctx Context, layer filter.Layer, qualifier string, conds ...filter.Condition) (filter.Spec, error) {
	name := fmt.Sprintf("%s (%s)", t.name, layer.Family())
	if qualifier != "" {
		name = fmt.Sprintf("%s [%s] (%s)", t.name, qualifier, layer.Family())
	}
	return filter.New(filter.Params{
		ID:          ctx.Identities.Resolve(t.kind, layer, qualifier),
		Name:        name,
		Description: t.description,
		Layer:       layer,
		Action:      t.action,
		Weight:      t.weight,
		Conditions:  conds,
	})
}

// dualStack emits one filter per family at the layer picked by layerFor.
func (t template) dualStack(ctx Context, layerFor func(filter.Family) filter.Layer, conds ...filter.Condition) ([]filter.Spec, error) {
	specs := make([]filter.Spec, 0, len(filter.Families))
	for _, fam := range filter.Families {
		spec, err := t.build(ctx, layerFor(fam), "", conds...)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
