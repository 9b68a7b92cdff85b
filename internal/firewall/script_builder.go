package firewall

import (
	"fmt"
	"regexp"
	"strings"

	"grimm.is/leakshield/internal/filter"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

func quote(s string) string {
	if identifierRegex.MatchString(s) {
		return s
	}
	return fmt.Sprintf("%q", s)
}

// ScriptBuilder builds nftables scripts.
type ScriptBuilder struct {
	lines     []string
	tableName string
	family    string
}

// NewScriptBuilder creates a new script builder for the given table.
func NewScriptBuilder(tableName, family string) *ScriptBuilder {
	return &ScriptBuilder{
		tableName: tableName,
		family:    family,
		lines:     make([]string, 0, 32),
	}
}

// AddLine adds a raw nft command line to the script.
func (b *ScriptBuilder) AddLine(line string) {
	b.lines = append(b.lines, line)
}

// AddTable adds a table creation command.
func (b *ScriptBuilder) AddTable() {
	b.AddLine(fmt.Sprintf("add table %s %s", b.family, quote(b.tableName)))
}

// DeleteTable adds a table deletion command. The table must exist, so it is
// usually preceded by AddTable.
func (b *ScriptBuilder) DeleteTable() {
	b.AddLine(fmt.Sprintf("delete table %s %s", b.family, quote(b.tableName)))
}

// AddChain adds a chain creation command. A chain without hook is a regular
// chain reachable only by jump.
func (b *ScriptBuilder) AddChain(name, chainType, hook string, priority int, policy string) {
	if chainType == "" || hook == "" {
		b.AddLine(fmt.Sprintf("add chain %s %s %s", b.family, quote(b.tableName), quote(name)))
		return
	}
	policyStr := ""
	if policy != "" {
		policyStr = fmt.Sprintf("policy %s; ", policy)
	}
	b.AddLine(fmt.Sprintf("add chain %s %s %s { type %s hook %s priority %d; %s}",
		b.family, quote(b.tableName), quote(name), chainType, hook, priority, policyStr))
}

// AddRule appends a rule to a chain. comment is optional.
func (b *ScriptBuilder) AddRule(chainName, ruleExpr string, comment ...string) {
	b.addRule("add", chainName, ruleExpr, comment)
}

// InsertRule prepends a rule to a chain. comment is optional.
func (b *ScriptBuilder) InsertRule(chainName, ruleExpr string, comment ...string) {
	b.addRule("insert", chainName, ruleExpr, comment)
}

func (b *ScriptBuilder) addRule(verb, chainName, ruleExpr string, comment []string) {
	commentClause := ""
	if len(comment) > 0 && comment[0] != "" {
		commentClause = fmt.Sprintf(" comment %q", comment[0])
	}
	b.AddLine(fmt.Sprintf("%s rule %s %s %s %s%s", verb, b.family, quote(b.tableName), quote(chainName), ruleExpr, commentClause))
}

// Build returns the complete script as a string.
func (b *ScriptBuilder) Build() string {
	return strings.Join(b.lines, "\n") + "\n"
}

// String returns the script for debugging.
func (b *ScriptBuilder) String() string {
	return b.Build()
}

// BuildRulesetScript renders the owned table holding exactly specs, in the
// layout the installer maintains. Applying the script replaces the table.
func BuildRulesetScript(table string, specs []filter.Spec) (*ScriptBuilder, error) {
	sb := NewScriptBuilder(table, tableFamily)
	sb.AddTable()
	sb.DeleteTable()
	sb.AddTable()

	for _, hook := range []string{chainOutput, chainInput} {
		sb.AddChain(hook, "filter", hook, 0, "accept")
		for _, w := range filter.Weights {
			sb.AddChain(weightChain(hook, w), "", "", 0, "")
		}
		for _, w := range filter.Weights {
			sb.AddRule(hook, "jump "+quote(weightChain(hook, w)))
		}
	}

	for _, spec := range specs {
		exprs, err := RuleExpressions(spec)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", spec.ID(), err)
		}
		chain := weightChain(hookChain(spec.Layer()), spec.Weight())
		comment := BuildIdentityComment(spec)
		for _, e := range exprs {
			if spec.Action() == filter.Permit {
				sb.InsertRule(chain, e, comment)
			} else {
				sb.AddRule(chain, e, comment)
			}
		}
	}
	return sb, nil
}

// RuleExpressions renders spec as nft rule expressions, one per kernel rule.
func RuleExpressions(spec filter.Spec) ([]string, error) {
	layer := spec.Layer()
	fam := layer.Family()

	var head []string
	if fam == filter.FamilyIPv6 {
		head = append(head, "meta nfproto ipv6")
	} else {
		head = append(head, "meta nfproto ipv4")
	}
	if layer.Connection() {
		head = append(head, "ct state new")
	}

	var matches []string
	var hasPort bool
	var protos []uint8
	for _, c := range spec.Conditions() {
		switch c.Field() {
		case filter.FieldProtocol:
			protos = []uint8{c.Protocol()}
		case filter.FieldRemoteAddress, filter.FieldLocalAddress:
			matches = append(matches, addressExpr(c, layer))
		case filter.FieldRemotePort, filter.FieldLocalPort:
			hasPort = true
			matches = append(matches, portExpr(c, layer))
		case filter.FieldICMPType:
			kw := "icmp"
			if fam == filter.FamilyIPv6 {
				kw = "icmpv6"
			}
			matches = append(matches, fmt.Sprintf("%s type %d", kw, c.ICMPType()))
		default:
			return nil, fmt.Errorf("unsupported condition field %s", c.Field())
		}
	}
	if protos == nil {
		protos = implicitProtocols(spec, hasPort)
	}

	verdict := "drop"
	if spec.Action() == filter.Permit {
		verdict = "accept"
	}

	out := make([]string, 0, len(protos))
	for _, proto := range protos {
		parts := append([]string{}, head...)
		if proto != 0 {
			parts = append(parts, "meta l4proto "+protoName(proto))
		}
		parts = append(parts, matches...)
		parts = append(parts, "counter", verdict)
		out = append(out, strings.Join(parts, " "))
	}
	return out, nil
}

func addressExpr(c filter.Condition, layer filter.Layer) string {
	kw := "ip"
	if c.Prefix().Addr().Is6() {
		kw = "ip6"
	}
	dir := "daddr"
	if isSource(layer, c.Field()) {
		dir = "saddr"
	}
	p := c.Prefix()
	val := p.String()
	if p.IsSingleIP() {
		val = p.Addr().String()
	}
	return fmt.Sprintf("%s %s %s", kw, dir, val)
}

func portExpr(c filter.Condition, layer filter.Layer) string {
	dir := "dport"
	if isSource(layer, c.Field()) {
		dir = "sport"
	}
	lo, hi := c.Ports()
	if lo == hi {
		return fmt.Sprintf("th %s %d", dir, lo)
	}
	return fmt.Sprintf("th %s %d-%d", dir, lo, hi)
}

func protoName(p uint8) string {
	switch p {
	case filter.ProtoTCP:
		return "tcp"
	case filter.ProtoUDP:
		return "udp"
	case filter.ProtoICMP:
		return "icmp"
	case filter.ProtoICMPv6:
		return "ipv6-icmp"
	default:
		return fmt.Sprintf("%d", p)
	}
}
