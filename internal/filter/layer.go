package filter

import (
	"fmt"
	"strings"
)

// Family is the IP address family a layer classifies.
type Family uint8

const (
	FamilyIPv4 Family = iota + 1
	FamilyIPv6
)

// Families lists every supported address family in emission order.
// Dual-stack rules iterate this slice.
var Families = []Family{FamilyIPv4, FamilyIPv6}

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Direction of traffic relative to this host.
type Direction uint8

const (
	Outbound Direction = iota + 1
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Layer is a hook point in the classification pipeline.
type Layer uint8

const (
	LayerUnknown Layer = iota
	OutboundConnectV4
	OutboundConnectV6
	InboundAcceptV4
	InboundAcceptV6
	OutboundPacketV4
	OutboundPacketV6
	InboundPacketV4
	InboundPacketV6
)

var layerNames = map[Layer]string{
	OutboundConnectV4: "outbound_connect_v4",
	OutboundConnectV6: "outbound_connect_v6",
	InboundAcceptV4:   "inbound_accept_v4",
	InboundAcceptV6:   "inbound_accept_v6",
	OutboundPacketV4:  "outbound_packet_v4",
	OutboundPacketV6:  "outbound_packet_v6",
	InboundPacketV4:   "inbound_packet_v4",
	InboundPacketV6:   "inbound_packet_v6",
}

func (l Layer) String() string {
	if name, ok := layerNames[l]; ok {
		return name
	}
	return fmt.Sprintf("layer(%d)", uint8(l))
}

// Valid reports whether l is one of the defined layers.
func (l Layer) Valid() bool {
	_, ok := layerNames[l]
	return ok
}

// Family returns the address family the layer sees.
func (l Layer) Family() Family {
	switch l {
	case OutboundConnectV6, InboundAcceptV6, OutboundPacketV6, InboundPacketV6:
		return FamilyIPv6
	default:
		return FamilyIPv4
	}
}

// Direction returns whether the layer classifies outbound or inbound traffic.
func (l Layer) Direction() Direction {
	switch l {
	case InboundAcceptV4, InboundAcceptV6, InboundPacketV4, InboundPacketV6:
		return Inbound
	default:
		return Outbound
	}
}

// Connection reports whether the layer classifies connection attempts
// (transport-aware) rather than raw network packets.
func (l Layer) Connection() bool {
	switch l {
	case OutboundConnectV4, OutboundConnectV6, InboundAcceptV4, InboundAcceptV6:
		return true
	default:
		return false
	}
}

// Supports reports whether a condition on field f can be evaluated at l.
// Packet layers have no transport semantics.
func (l Layer) Supports(f Field) bool {
	switch f {
	case FieldProtocol, FieldRemoteAddress, FieldLocalAddress:
		return l.Valid()
	case FieldRemotePort, FieldLocalPort, FieldICMPType:
		return l.Connection()
	default:
		return false
	}
}

// OutboundConnect returns the outbound connection layer for family f.
func OutboundConnect(f Family) Layer {
	if f == FamilyIPv6 {
		return OutboundConnectV6
	}
	return OutboundConnectV4
}

// InboundAccept returns the inbound accept layer for family f.
func InboundAccept(f Family) Layer {
	if f == FamilyIPv6 {
		return InboundAcceptV6
	}
	return InboundAcceptV4
}

// OutboundPacket returns the outbound network-level layer for family f.
func OutboundPacket(f Family) Layer {
	if f == FamilyIPv6 {
		return OutboundPacketV6
	}
	return OutboundPacketV4
}

// InboundPacket returns the inbound network-level layer for family f.
func InboundPacket(f Family) Layer {
	if f == FamilyIPv6 {
		return InboundPacketV6
	}
	return InboundPacketV4
}

// ParseLayer parses the snake_case layer name used in logs and configs.
func ParseLayer(s string) (Layer, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for l, name := range layerNames {
		if name == s {
			return l, nil
		}
	}
	return LayerUnknown, fmt.Errorf("unknown layer %q", s)
}

// Action is the verdict applied when all conditions match.
type Action uint8

const (
	ActionUnknown Action = iota
	Block
	Permit
)

func (a Action) String() string {
	switch a {
	case Block:
		return "block"
	case Permit:
		return "permit"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// Weight is a relative priority class. Higher weights are evaluated with
// precedence over lower weights at the same layer.
type Weight uint8

const (
	WeightUnknown Weight = iota
	WeightNormal
	WeightHigh
	WeightMax
)

// Weights lists the weight classes from highest to lowest precedence.
var Weights = []Weight{WeightMax, WeightHigh, WeightNormal}

func (w Weight) String() string {
	switch w {
	case WeightNormal:
		return "normal"
	case WeightHigh:
		return "high"
	case WeightMax:
		return "max"
	default:
		return fmt.Sprintf("weight(%d)", uint8(w))
	}
}

// Valid reports whether w is one of the closed weight classes.
func (w Weight) Valid() bool {
	return w >= WeightNormal && w <= WeightMax
}
