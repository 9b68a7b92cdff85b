package firewall

import (
	"grimm.is/leakshield/internal/filter"
)

// Table family and hook chain names.
const (
	tableFamily = "inet"
	chainOutput = "output"
	chainInput  = "input"
)

// Transport header offsets.
const (
	srcPortOffset  = 0
	dstPortOffset  = 2
	icmpTypeOffset = 0
)

// hookChain returns the hook chain filters of layer l are evaluated in.
func hookChain(l filter.Layer) string {
	if l.Direction() == filter.Inbound {
		return chainInput
	}
	return chainOutput
}

// weightChain names the regular chain holding filters of weight w under hook.
func weightChain(hook string, w filter.Weight) string {
	return hook + "_" + w.String()
}

// isSource reports whether a remote or local field maps to the packet's
// source. Outbound traffic leaves from the local side.
func isSource(layer filter.Layer, f filter.Field) bool {
	remote := f == filter.FieldRemoteAddress || f == filter.FieldRemotePort
	if layer.Direction() == filter.Inbound {
		return remote
	}
	return !remote
}

// implicitProtocols returns the l4 protocols a spec without a protocol
// condition is expanded to. A zero entry means no protocol match.
func implicitProtocols(spec filter.Spec, hasPort bool) []uint8 {
	switch {
	case hasPort:
		return []uint8{filter.ProtoTCP, filter.ProtoUDP}
	case hasField(spec, filter.FieldICMPType):
		if spec.Layer().Family() == filter.FamilyIPv6 {
			return []uint8{filter.ProtoICMPv6}
		}
		return []uint8{filter.ProtoICMP}
	default:
		return []uint8{0}
	}
}

func hasField(spec filter.Spec, f filter.Field) bool {
	_, ok := spec.Condition(f)
	return ok
}
