package config

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"grimm.is/leakshield/internal/filter"
	"grimm.is/leakshield/internal/logging"
	"grimm.is/leakshield/internal/rules"
)

const SeverityWarning = "warning"

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field    string
	Message  string
	Severity string // "error" (default), "warning"
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if any entry is not a warning.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// Errors returns the entries that are not warnings.
func (e ValidationErrors) Errors() ValidationErrors {
	var out ValidationErrors
	for _, v := range e {
		if v.Severity != SeverityWarning {
			out = append(out, v)
		}
	}
	return out
}

// Warnings returns the warning entries.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for _, v := range e {
		if v.Severity == SeverityWarning {
			out = append(out, v)
		}
	}
	return out
}

// nft accepts longer names but we keep them short and shell-safe.
var tableNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,31}$`)

// Validate checks the configuration for errors.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	warn := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Severity: SeverityWarning})
	}

	if !tableNameRegex.MatchString(c.Table) {
		add("table", "invalid table name %q", c.Table)
	}

	if c.Log != nil {
		if _, err := logging.ParseLevel(c.Log.Level); err != nil {
			add("log.level", "%v", err)
		}
	}

	if len(c.Rules) == 0 {
		add("rule", "at least one rule block is required")
	}
	seen := make(map[string]bool)
	for i, r := range c.Rules {
		field := fmt.Sprintf("rule[%d]", i)
		if _, err := rules.Lookup(r.Kind); err != nil {
			add(field, "%v (known: %s)", err, strings.Join(rules.Kinds(), ", "))
			continue
		}
		if seen[r.Kind] {
			warn(field, "rule %q listed more than once", r.Kind)
		}
		seen[r.Kind] = true
	}

	ctx := c.Context
	if ctx == nil {
		ctx = &ContextConfig{}
	}
	for i, s := range ctx.DNSServers {
		if _, err := netip.ParseAddr(s); err != nil {
			add(fmt.Sprintf("context.dns_servers[%d]", i), "invalid address %q", s)
		}
	}
	for i, s := range ctx.LANNetworks {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			add(fmt.Sprintf("context.lan_networks[%d]", i), "invalid prefix %q", s)
			continue
		}
		if p != p.Masked() {
			warn(fmt.Sprintf("context.lan_networks[%d]", i), "%s has host bits set, using %s", p, p.Masked())
		}
	}
	for i, ep := range ctx.Endpoints {
		field := fmt.Sprintf("context.endpoint[%d]", i)
		if _, err := netip.ParseAddr(ep.Address); err != nil {
			add(field+".address", "invalid address %q", ep.Address)
		}
		if ep.Port < 0 || ep.Port > 65535 {
			add(field+".port", "port %d out of range", ep.Port)
		}
		if _, err := ParseProtocol(ep.Protocol); err != nil {
			add(field+".protocol", "%v", err)
		}
	}
	if seen[rules.KindPermitEndpoint] && len(ctx.Endpoints) == 0 {
		warn("context.endpoint", "permit_endpoint is configured without endpoints")
	}

	pinned := make(map[string]bool)
	for i, pin := range ctx.Identities {
		field := fmt.Sprintf("context.identity[%d]", i)
		if _, err := rules.Lookup(pin.Rule); err != nil {
			add(field, "%v", err)
		}
		layer, err := filter.ParseLayer(pin.Layer)
		if err != nil {
			add(field+".layer", "%v", err)
			continue
		}
		if _, err := uuid.Parse(pin.ID); err != nil {
			add(field+".id", "invalid identity %q", pin.ID)
		}
		key := filter.IdentityKey(pin.Rule, layer, pin.Qualifier)
		if pinned[key] {
			add(field, "identity for %s pinned more than once", key)
		}
		pinned[key] = true
	}

	return errs
}

// ParseProtocol maps an endpoint protocol name to its IP protocol number.
// Empty means any protocol.
func ParseProtocol(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "":
		return 0, nil
	case "tcp":
		return filter.ProtoTCP, nil
	case "udp":
		return filter.ProtoUDP, nil
	}
	return 0, fmt.Errorf("unsupported protocol %q (want tcp or udp)", s)
}
