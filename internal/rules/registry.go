package rules

import (
	"fmt"
	"sort"
)

var registry = map[string]func() Rule{
	KindBlockAll:       func() Rule { return BlockAll{} },
	KindBlockDNS:       func() Rule { return BlockDNS{} },
	KindBlockLAN:       func() Rule { return BlockLAN{} },
	KindBlockPing:      func() Rule { return BlockPing{} },
	KindPermitLoopback: func() Rule { return PermitLoopback{} },
	KindPermitDHCP:     func() Rule { return PermitDHCP{} },
	KindPermitEndpoint: func() Rule { return PermitEndpoint{} },
}

// Lookup returns the rule registered under kind.
func Lookup(kind string) (Rule, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown rule kind %q", kind)
	}
	return ctor(), nil
}

// Kinds returns all registered rule kinds, sorted.
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
