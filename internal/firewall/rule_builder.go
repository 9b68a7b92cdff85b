//go:build linux
// +build linux

package firewall

import (
	"fmt"
	"net/netip"

	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"grimm.is/leakshield/internal/filter"
)

const (
	// IP Header Constants
	IPv6AddrLen = 16
	IPv4AddrLen = 4

	// IPv6 Header Offsets (RFC 8200)
	IPv6SrcOffset = 8
	IPv6DstOffset = 24

	// IPv4 Header Offsets (RFC 791)
	IPv4SrcOffset = 12
	IPv4DstOffset = 16
)

// buildRuleExprs translates spec into the expression lists of its kernel
// rules. Usually that is one list; a port match without a protocol condition
// yields one list per transport protocol.
func buildRuleExprs(spec filter.Spec) ([][]expr.Any, error) {
	layer := spec.Layer()
	var head []expr.Any
	head = append(head, familyGuard(layer.Family())...)
	if layer.Connection() {
		head = append(head, ctNewGuard()...)
	}

	var matches []expr.Any
	var hasPort bool
	var protos []uint8
	for _, c := range spec.Conditions() {
		switch c.Field() {
		case filter.FieldProtocol:
			protos = []uint8{c.Protocol()}
		case filter.FieldRemoteAddress, filter.FieldLocalAddress:
			matches = append(matches, addressMatch(c.Prefix(), isSource(layer, c.Field()))...)
		case filter.FieldRemotePort, filter.FieldLocalPort:
			hasPort = true
			lo, hi := c.Ports()
			matches = append(matches, portMatch(isSource(layer, c.Field()), lo, hi)...)
		case filter.FieldICMPType:
			matches = append(matches, icmpTypeMatch(c.ICMPType())...)
		default:
			return nil, fmt.Errorf("unsupported condition field %s", c.Field())
		}
	}

	if protos == nil {
		protos = implicitProtocols(spec, hasPort)
	}

	tail := []expr.Any{&expr.Counter{}, verdict(spec.Action())}

	out := make([][]expr.Any, 0, len(protos))
	for _, proto := range protos {
		exprs := append([]expr.Any{}, head...)
		if proto != 0 {
			exprs = append(exprs, l4protoMatch(proto)...)
		}
		exprs = append(exprs, matches...)
		exprs = append(exprs, tail...)
		out = append(out, exprs)
	}
	return out, nil
}

// familyGuard restricts a rule in the inet table to one IP version.
func familyGuard(fam filter.Family) []expr.Any {
	proto := byte(unix.NFPROTO_IPV4)
	if fam == filter.FamilyIPv6 {
		proto = byte(unix.NFPROTO_IPV6)
	}
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyNFPROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
	}
}

// ctNewGuard matches only the first packet of a connection.
func ctNewGuard() []expr.Any {
	return []expr.Any{
		&expr.Ct{Register: 1, Key: expr.CtKeySTATE},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           binaryutil.NativeEndian.PutUint32(expr.CtStateBitNEW),
			Xor:            binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: []byte{0, 0, 0, 0}},
	}
}

func l4protoMatch(proto uint8) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
	}
}

func portMatch(isSrc bool, lo, hi uint16) []expr.Any {
	offset := uint32(dstPortOffset)
	if isSrc {
		offset = srcPortOffset
	}
	exprs := []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       offset,
			Len:          2,
		},
	}
	if lo == hi {
		return append(exprs, &expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     binaryutil.BigEndian.PutUint16(lo),
		})
	}
	return append(exprs, &expr.Range{
		Op:       expr.CmpOpEq,
		Register: 1,
		FromData: binaryutil.BigEndian.PutUint16(lo),
		ToData:   binaryutil.BigEndian.PutUint16(hi),
	})
}

func icmpTypeMatch(t uint8) []expr.Any {
	return []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       icmpTypeOffset,
			Len:          1,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{t}},
	}
}

// addressMatch builds expressions to match a source or destination prefix.
// The family guard is emitted once per rule, not here.
func addressMatch(prefix netip.Prefix, isSrc bool) []expr.Any {
	addr := prefix.Addr()
	var offset, length uint32
	if addr.Is4() {
		length = IPv4AddrLen
		offset = IPv4DstOffset
		if isSrc {
			offset = IPv4SrcOffset
		}
	} else {
		length = IPv6AddrLen
		offset = IPv6DstOffset
		if isSrc {
			offset = IPv6SrcOffset
		}
	}

	exprs := []expr.Any{
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offset,
			Len:          length,
		},
	}

	// Apply netmask if not a full host match
	if prefix.Bits() < addr.BitLen() {
		exprs = append(exprs, &expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            length,
			Mask:           prefixMask(prefix.Bits(), int(length)),
			Xor:            make([]byte, length),
		})
	}

	return append(exprs, &expr.Cmp{
		Op:       expr.CmpOpEq,
		Register: 1,
		Data:     addr.AsSlice(),
	})
}

func prefixMask(bits, length int) []byte {
	mask := make([]byte, length)
	for i := 0; i < bits; i++ {
		mask[i/8] |= 0x80 >> (i % 8)
	}
	return mask
}

func verdict(a filter.Action) *expr.Verdict {
	if a == filter.Permit {
		return &expr.Verdict{Kind: expr.VerdictAccept}
	}
	return &expr.Verdict{Kind: expr.VerdictDrop}
}
