package rules

import (
	"net/netip"

	"grimm.is/leakshield/internal/filter"
)

const (
	KindPermitLoopback = "permit_loopback"
	KindPermitDHCP     = "permit_dhcp"
	KindPermitEndpoint = "permit_endpoint"
)

var loopback = map[filter.Family]netip.Prefix{
	filter.FamilyIPv4: netip.MustParsePrefix("127.0.0.0/8"),
	filter.FamilyIPv6: netip.MustParsePrefix("::1/128"),
}

// PermitLoopback keeps loopback traffic flowing in both directions.
type PermitLoopback struct{}

func (PermitLoopback) Kind() string { return KindPermitLoopback }

func (PermitLoopback) Emit(ctx Context) ([]filter.Spec, error) {
	t := template{
		kind:        KindPermitLoopback,
		name:        "Permit loopback traffic",
		description: "This filter is part of a rule that permits loopback traffic",
		action:      filter.Permit,
		weight:      filter.WeightMax,
	}

	var specs []filter.Spec
	for _, layerFor := range []func(filter.Family) filter.Layer{filter.OutboundConnect, filter.InboundAccept} {
		for _, fam := range filter.Families {
			spec, err := t.build(ctx, layerFor(fam), "", filter.RemoteNetwork(loopback[fam]))
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

type dhcpPorts struct{ client, server uint16 }

var dhcp = map[filter.Family]dhcpPorts{
	filter.FamilyIPv4: {client: 68, server: 67},
	filter.FamilyIPv6: {client: 546, server: 547},
}

// PermitDHCP lets DHCP and DHCPv6 client exchanges through so the host can
// keep its leases while everything else is blocked.
type PermitDHCP struct{}

func (PermitDHCP) Kind() string { return KindPermitDHCP }

func (PermitDHCP) Emit(ctx Context) ([]filter.Spec, error) {
	t := template{
		kind:        KindPermitDHCP,
		name:        "Permit DHCP client traffic",
		description: "This filter is part of a rule that permits DHCP client traffic",
		action:      filter.Permit,
		weight:      filter.WeightMax,
	}

	var specs []filter.Spec
	for _, layerFor := range []func(filter.Family) filter.Layer{filter.OutboundConnect, filter.InboundAccept} {
		for _, fam := range filter.Families {
			ports := dhcp[fam]
			spec, err := t.build(ctx, layerFor(fam), "",
				filter.Protocol(filter.ProtoUDP),
				filter.LocalPort(ports.client),
				filter.RemotePort(ports.server),
			)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
	}
	return specs, nil
}

// PermitEndpoint keeps every endpoint in Context.Endpoints reachable.
// Each endpoint is bound to one address family, so only that family's
// layer gets a filter.
type PermitEndpoint struct{}

func (PermitEndpoint) Kind() string { return KindPermitEndpoint }

func (PermitEndpoint) Emit(ctx Context) ([]filter.Spec, error) {
	t := template{
		kind:        KindPermitEndpoint,
		name:        "Permit traffic to relay endpoint",
		description: "This filter is part of a rule that permits traffic to a relay",
		action:      filter.Permit,
		weight:      filter.WeightMax,
	}

	specs := make([]filter.Spec, 0, len(ctx.Endpoints))
	for _, ep := range ctx.Endpoints {
		addr := canonical(ep.Address)
		conds := []filter.Condition{filter.RemoteAddress(addr)}
		if ep.Protocol != 0 {
			conds = append(conds, filter.Protocol(ep.Protocol))
		}
		if ep.Port != 0 {
			conds = append(conds, filter.RemotePort(ep.Port))
		}
		spec, err := t.build(ctx, filter.OutboundConnect(familyOf(addr)), ep.String(), conds...)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
