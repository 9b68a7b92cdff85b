package filter

import (
	"fmt"
	"net/netip"
)

// IP protocol numbers understood by conditions.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// Field is the packet or connection attribute a condition inspects.
type Field uint8

const (
	FieldUnknown Field = iota
	FieldRemotePort
	FieldLocalPort
	FieldProtocol
	FieldRemoteAddress
	FieldLocalAddress
	FieldICMPType
)

func (f Field) String() string {
	switch f {
	case FieldRemotePort:
		return "remote_port"
	case FieldLocalPort:
		return "local_port"
	case FieldProtocol:
		return "protocol"
	case FieldRemoteAddress:
		return "remote_address"
	case FieldLocalAddress:
		return "local_address"
	case FieldICMPType:
		return "icmp_type"
	default:
		return fmt.Sprintf("field(%d)", uint8(f))
	}
}

func (f Field) isPort() bool    { return f == FieldRemotePort || f == FieldLocalPort }
func (f Field) isAddress() bool { return f == FieldRemoteAddress || f == FieldLocalAddress }

// Operator is how a condition compares the field against its value.
type Operator uint8

const (
	OpUnknown Operator = iota
	Equals
	InRange
)

func (o Operator) String() string {
	switch o {
	case Equals:
		return "=="
	case InRange:
		return "in"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Condition is an immutable predicate over one packet attribute.
// Conditions are plain values and compare with ==.
type Condition struct {
	field  Field
	op     Operator
	lo, hi uint16
	prefix netip.Prefix
}

// RemotePort matches connections whose remote port is p.
func RemotePort(p uint16) Condition {
	return Condition{field: FieldRemotePort, op: Equals, lo: p, hi: p}
}

// RemotePortRange matches remote ports in [lo, hi].
func RemotePortRange(lo, hi uint16) Condition {
	return Condition{field: FieldRemotePort, op: InRange, lo: lo, hi: hi}
}

// LocalPort matches connections whose local port is p.
func LocalPort(p uint16) Condition {
	return Condition{field: FieldLocalPort, op: Equals, lo: p, hi: p}
}

// LocalPortRange matches local ports in [lo, hi].
func LocalPortRange(lo, hi uint16) Condition {
	return Condition{field: FieldLocalPort, op: InRange, lo: lo, hi: hi}
}

// Protocol matches the IP protocol number.
func Protocol(p uint8) Condition {
	return Condition{field: FieldProtocol, op: Equals, lo: uint16(p), hi: uint16(p)}
}

// ICMPType matches the ICMP (or ICMPv6) message type.
func ICMPType(t uint8) Condition {
	return Condition{field: FieldICMPType, op: Equals, lo: uint16(t), hi: uint16(t)}
}

// RemoteAddress matches a single remote host.
func RemoteAddress(addr netip.Addr) Condition {
	return hostCondition(FieldRemoteAddress, addr)
}

// RemoteNetwork matches remote hosts inside prefix.
func RemoteNetwork(prefix netip.Prefix) Condition {
	return networkCondition(FieldRemoteAddress, prefix)
}

// LocalAddress matches a single local address.
func LocalAddress(addr netip.Addr) Condition {
	return hostCondition(FieldLocalAddress, addr)
}

// LocalNetwork matches local addresses inside prefix.
func LocalNetwork(prefix netip.Prefix) Condition {
	return networkCondition(FieldLocalAddress, prefix)
}

func hostCondition(f Field, addr netip.Addr) Condition {
	addr = addr.Unmap()
	return Condition{field: f, op: Equals, prefix: netip.PrefixFrom(addr, addr.BitLen())}
}

func networkCondition(f Field, prefix netip.Prefix) Condition {
	if prefix.IsValid() {
		prefix = netip.PrefixFrom(prefix.Addr().Unmap(), prefix.Bits()).Masked()
	}
	return Condition{field: f, op: InRange, prefix: prefix}
}

// Field returns the inspected attribute.
func (c Condition) Field() Field { return c.field }

// Operator returns the comparison operator.
func (c Condition) Operator() Operator { return c.op }

// Ports returns the inclusive port range for port conditions.
func (c Condition) Ports() (lo, hi uint16) { return c.lo, c.hi }

// Protocol returns the protocol number for protocol conditions.
func (c Condition) Protocol() uint8 { return uint8(c.lo) }

// ICMPType returns the message type for ICMP type conditions.
func (c Condition) ICMPType() uint8 { return uint8(c.lo) }

// Prefix returns the address or network for address conditions.
// Host matches are full-length prefixes.
func (c Condition) Prefix() netip.Prefix { return c.prefix }

func (c Condition) validate() error {
	switch {
	case c.field.isPort():
		switch c.op {
		case Equals:
			if c.lo != c.hi {
				return fmt.Errorf("equality match with port range %d-%d", c.lo, c.hi)
			}
		case InRange:
			if c.lo > c.hi {
				return fmt.Errorf("inverted port range %d-%d", c.lo, c.hi)
			}
		default:
			return fmt.Errorf("unsupported operator %s", c.op)
		}
	case c.field == FieldProtocol, c.field == FieldICMPType:
		if c.op != Equals {
			return fmt.Errorf("unsupported operator %s", c.op)
		}
		if c.lo > 0xff {
			return fmt.Errorf("value %d out of range", c.lo)
		}
	case c.field.isAddress():
		if !c.prefix.IsValid() {
			return fmt.Errorf("invalid address")
		}
		if c.op != Equals && c.op != InRange {
			return fmt.Errorf("unsupported operator %s", c.op)
		}
	default:
		return fmt.Errorf("unknown field")
	}
	return nil
}

func (c Condition) String() string {
	switch {
	case c.field.isPort():
		if c.op == InRange {
			return fmt.Sprintf("%s in %d-%d", c.field, c.lo, c.hi)
		}
		return fmt.Sprintf("%s == %d", c.field, c.lo)
	case c.field.isAddress():
		if c.op == Equals {
			return fmt.Sprintf("%s == %s", c.field, c.prefix.Addr())
		}
		return fmt.Sprintf("%s in %s", c.field, c.prefix)
	default:
		return fmt.Sprintf("%s %s %d", c.field, c.op, c.lo)
	}
}
