package rules

import (
	"grimm.is/leakshield/internal/filter"
)

const (
	KindBlockAll  = "block_all"
	KindBlockDNS  = "block_dns"
	KindBlockLAN  = "block_lan"
	KindBlockPing = "block_ping"
)

const dnsPort = 53

// BlockDNS blocks all outbound DNS traffic. Resolvers listed in
// Context.DNSServers stay reachable through permit filters of equal weight.
type BlockDNS struct{}

func (BlockDNS) Kind() string { return KindBlockDNS }

func (r BlockDNS) Emit(ctx Context) ([]filter.Spec, error) {
	block := template{
		kind:        KindBlockDNS,
		name:        "Restrict outbound DNS traffic",
		description: "This filter is part of a rule that blocks outbound DNS traffic",
		action:      filter.Block,
		weight:      filter.WeightMax,
	}
	specs, err := block.dualStack(ctx, filter.OutboundConnect, filter.RemotePort(dnsPort))
	if err != nil {
		return nil, err
	}

	permit := block
	permit.name = "Permit outbound DNS to exempted resolver"
	permit.description = "This filter is part of a rule that exempts a resolver from DNS blocking"
	permit.action = filter.Permit

	for _, server := range ctx.DNSServers {
		server = canonical(server)
		spec, err := permit.build(ctx, filter.OutboundConnect(familyOf(server)), server.String(),
			filter.RemoteAddress(server),
			filter.RemotePort(dnsPort),
		)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// BlockAll is the kill-switch baseline: every new outbound connection and
// every new inbound connection is blocked at the lowest weight, so any
// permit rule overrides it.
type BlockAll struct{}

func (BlockAll) Kind() string { return KindBlockAll }

func (BlockAll) Emit(ctx Context) ([]filter.Spec, error) {
	t := template{
		kind:        KindBlockAll,
		name:        "Block all outbound connections",
		description: "This filter is part of a rule that restricts all traffic",
		action:      filter.Block,
		weight:      filter.WeightNormal,
	}
	out, err := t.dualStack(ctx, filter.OutboundConnect)
	if err != nil {
		return nil, err
	}

	t.name = "Block all inbound connections"
	in, err := t.dualStack(ctx, filter.InboundAccept)
	if err != nil {
		return nil, err
	}
	return append(out, in...), nil
}

// BlockLAN blocks outbound connections to local networks.
type BlockLAN struct{}

func (BlockLAN) Kind() string { return KindBlockLAN }

func (BlockLAN) Emit(ctx Context) ([]filter.Spec, error) {
	t := template{
		kind:        KindBlockLAN,
		name:        "Block outbound LAN traffic",
		description: "This filter is part of a rule that blocks local network traffic",
		action:      filter.Block,
		weight:      filter.WeightHigh,
	}

	networks := ctx.lanNetworks()
	specs := make([]filter.Spec, 0, len(networks))
	for _, network := range networks {
		layer := filter.OutboundConnect(familyOf(network.Addr()))
		spec, err := t.build(ctx, layer, network.Masked().String(), filter.RemoteNetwork(network))
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// BlockPing blocks outbound ICMP echo requests over both IP versions.
type BlockPing struct{}

func (BlockPing) Kind() string { return KindBlockPing }

func (BlockPing) Emit(ctx Context) ([]filter.Spec, error) {
	t := template{
		kind:        KindBlockPing,
		name:        "Block outbound echo requests",
		description: "This filter is part of a rule that blocks ping",
		action:      filter.Block,
		weight:      filter.WeightHigh,
	}

	v4, err := t.build(ctx, filter.OutboundConnectV4, "",
		filter.Protocol(filter.ProtoICMP), filter.ICMPType(8))
	if err != nil {
		return nil, err
	}
	v6, err := t.build(ctx, filter.OutboundConnectV6, "",
		filter.Protocol(filter.ProtoICMPv6), filter.ICMPType(128))
	if err != nil {
		return nil, err
	}
	return []filter.Spec{v4, v6}, nil
}
