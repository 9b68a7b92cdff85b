package filter

import (
	"fmt"
	"slices"
	"strings"
)

// Params describes a filter to construct with New.
type Params struct {
	ID          ID
	Name        string
	Description string
	Layer       Layer
	Action      Action
	Weight      Weight
	Conditions  []Condition
}

// Spec is an immutable, validated description of one filter.
// All conditions must match for the action to apply; no conditions
// matches everything at the layer.
type Spec struct {
	id          ID
	name        string
	description string
	layer       Layer
	action      Action
	weight      Weight
	conditions  []Condition
}

// New validates p and returns the filter it describes.
func New(p Params) (Spec, error) {
	label := p.Name
	if label == "" {
		label = p.ID.String()
	}
	fail := func(field, format string, args ...any) (Spec, error) {
		return Spec{}, &ConfigurationError{Filter: label, Field: field, Message: fmt.Sprintf(format, args...)}
	}

	if p.ID == (ID{}) {
		return fail("identity", "must not be nil")
	}
	if !p.Layer.Valid() {
		return fail("layer", "unknown layer %s", p.Layer)
	}
	if p.Action != Block && p.Action != Permit {
		return fail("action", "unknown action %s", p.Action)
	}
	if !p.Weight.Valid() {
		return fail("weight", "unknown weight class %s", p.Weight)
	}

	var (
		proto    *Condition
		hasPort  bool
		hasICMP  bool
		family   = p.Layer.Family()
		icmpWant = ProtoICMP
	)
	if family == FamilyIPv6 {
		icmpWant = ProtoICMPv6
	}

	for i := range p.Conditions {
		c := p.Conditions[i]
		if err := c.validate(); err != nil {
			return fail(c.field.String(), "%v", err)
		}
		if !p.Layer.Supports(c.field) {
			return fail(c.field.String(), "not available at layer %s", p.Layer)
		}
		switch {
		case c.field.isAddress():
			if c.prefix.Addr().Is4() != (family == FamilyIPv4) {
				return fail(c.field.String(), "%s address at %s layer", addrFamily(c), family)
			}
		case c.field == FieldProtocol:
			if proto != nil && proto.lo != c.lo {
				return fail(c.field.String(), "conflicting protocols %d and %d", proto.lo, c.lo)
			}
			if (c.Protocol() == ProtoICMP || c.Protocol() == ProtoICMPv6) && c.Protocol() != icmpWant {
				return fail(c.field.String(), "protocol %d is not valid for %s", c.Protocol(), family)
			}
			proto = &c
		case c.field.isPort():
			hasPort = true
		case c.field == FieldICMPType:
			hasICMP = true
		}
	}

	if hasPort && hasICMP {
		return fail("conditions", "port and icmp type conditions are mutually exclusive")
	}
	if proto != nil {
		if hasPort && proto.Protocol() != ProtoTCP && proto.Protocol() != ProtoUDP {
			return fail(FieldProtocol.String(), "protocol %d has no ports", proto.Protocol())
		}
		if hasICMP && proto.Protocol() != icmpWant {
			return fail(FieldProtocol.String(), "icmp type requires protocol %d", icmpWant)
		}
	}

	return Spec{
		id:          p.ID,
		name:        p.Name,
		description: p.Description,
		layer:       p.Layer,
		action:      p.Action,
		weight:      p.Weight,
		conditions:  slices.Clone(p.Conditions),
	}, nil
}

func addrFamily(c Condition) Family {
	if c.prefix.Addr().Is4() {
		return FamilyIPv4
	}
	return FamilyIPv6
}

// ID returns the stable identity of the filter.
func (s Spec) ID() ID { return s.id }

// Name returns the human-readable filter name.
func (s Spec) Name() string { return s.name }

// Description returns the filter description.
func (s Spec) Description() string { return s.description }

// Layer returns the hook point the filter is installed at.
func (s Spec) Layer() Layer { return s.layer }

// Action returns what happens to matching traffic.
func (s Spec) Action() Action { return s.action }

// Weight returns the evaluation priority within the layer.
func (s Spec) Weight() Weight { return s.weight }

// Conditions returns a copy of the match conditions, all of which must hold.
func (s Spec) Conditions() []Condition { return slices.Clone(s.conditions) }

// Condition returns the first condition on field f.
func (s Spec) Condition(f Field) (Condition, bool) {
	for _, c := range s.conditions {
		if c.field == f {
			return c, true
		}
	}
	return Condition{}, false
}

// Equal reports whether s and o describe the same filter.
func (s Spec) Equal(o Spec) bool {
	return s.id == o.id &&
		s.name == o.name &&
		s.description == o.description &&
		s.layer == o.layer &&
		s.action == o.action &&
		s.weight == o.weight &&
		slices.Equal(s.conditions, o.conditions)
}

// String formats the filter for logs.
func (s Spec) String() string {
	conds := make([]string, len(s.conditions))
	for i, c := range s.conditions {
		conds[i] = c.String()
	}
	return fmt.Sprintf("%s %s %s weight=%s [%s]", s.id, s.layer, s.action, s.weight, strings.Join(conds, ", "))
}
