// Package policy turns a loaded configuration into the rule set and rule
// context the engine applies.
package policy

import (
	"fmt"
	"net/netip"

	"github.com/google/uuid"

	"grimm.is/leakshield/internal/config"
	"grimm.is/leakshield/internal/filter"
	"grimm.is/leakshield/internal/network"
	"grimm.is/leakshield/internal/rules"
)

// Policy is a rule set with the context it is emitted against.
type Policy struct {
	Rules   []rules.Rule
	Context rules.Context

	// Discovered holds the LAN networks found on local interfaces, if
	// discovery was enabled.
	Discovered []netip.Prefix
	// Resolvers holds the nameservers read from resolv.conf, if enabled.
	Resolvers []netip.Addr
}

// Option configures Build.
type Option func(*builder)

type builder struct {
	nl         network.Netlinker
	resolvConf string
}

// WithNetlinker overrides the netlink handle used for LAN discovery.
func WithNetlinker(nl network.Netlinker) Option {
	return func(b *builder) { b.nl = nl }
}

// WithResolvConf overrides the resolv.conf read for DNS discovery.
func WithResolvConf(path string) Option {
	return func(b *builder) { b.resolvConf = path }
}

// Build resolves cfg into a Policy. cfg should have passed Validate; Build
// still fails on anything it cannot parse.
func Build(cfg *config.Config, opts ...Option) (*Policy, error) {
	b := &builder{nl: network.DefaultNetlinker, resolvConf: network.DefaultResolvConf}
	for _, opt := range opts {
		opt(b)
	}

	p := &Policy{}
	for i, rc := range cfg.Rules {
		r, err := rules.Lookup(rc.Kind)
		if err != nil {
			return nil, fmt.Errorf("rule[%d]: %w", i, err)
		}
		p.Rules = append(p.Rules, r)
	}

	cc := cfg.Context
	if cc == nil {
		return p, nil
	}

	for _, s := range cc.DNSServers {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("dns server: %w", err)
		}
		p.Context.DNSServers = append(p.Context.DNSServers, addr)
	}
	if cc.DetectDNS {
		found, err := network.DiscoverResolvers(b.resolvConf)
		if err != nil {
			return nil, fmt.Errorf("detect dns: %w", err)
		}
		p.Resolvers = found
		p.Context.DNSServers = network.MergeAddrs(p.Context.DNSServers, found)
	}

	for _, s := range cc.LANNetworks {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("lan network: %w", err)
		}
		p.Context.LANNetworks = append(p.Context.LANNetworks, prefix.Masked())
	}
	if cc.DetectLAN {
		found, err := network.DiscoverLANNetworks(b.nl)
		if err != nil {
			return nil, fmt.Errorf("detect lan: %w", err)
		}
		p.Discovered = found
		base := p.Context.LANNetworks
		if len(base) == 0 {
			base = rules.DefaultLANNetworks
		}
		p.Context.LANNetworks = network.Merge(base, found)
	}

	for _, ec := range cc.Endpoints {
		ep, err := endpoint(ec)
		if err != nil {
			return nil, err
		}
		p.Context.Endpoints = append(p.Context.Endpoints, ep)
	}

	if len(cc.Identities) > 0 {
		p.Context.Identities = make(filter.IdentityTable, len(cc.Identities))
	}
	for _, pin := range cc.Identities {
		layer, err := filter.ParseLayer(pin.Layer)
		if err != nil {
			return nil, fmt.Errorf("identity for %s: %w", pin.Rule, err)
		}
		id, err := uuid.Parse(pin.ID)
		if err != nil {
			return nil, fmt.Errorf("identity for %s: %w", pin.Rule, err)
		}
		p.Context.Identities[filter.IdentityKey(pin.Rule, layer, pin.Qualifier)] = id
	}

	return p, nil
}

func endpoint(ec config.EndpointConfig) (rules.Endpoint, error) {
	addr, err := netip.ParseAddr(ec.Address)
	if err != nil {
		return rules.Endpoint{}, fmt.Errorf("endpoint: %w", err)
	}
	if ec.Port < 0 || ec.Port > 65535 {
		return rules.Endpoint{}, fmt.Errorf("endpoint %s: port %d out of range", ec.Address, ec.Port)
	}
	proto, err := config.ParseProtocol(ec.Protocol)
	if err != nil {
		return rules.Endpoint{}, fmt.Errorf("endpoint %s: %w", ec.Address, err)
	}
	return rules.Endpoint{Address: addr, Port: uint16(ec.Port), Protocol: proto}, nil
}

// Kinds returns the kinds of the policy's rules in order.
func (p *Policy) Kinds() []string {
	kinds := make([]string, len(p.Rules))
	for i, r := range p.Rules {
		kinds[i] = r.Kind()
	}
	return kinds
}
