package engine

import (
	"fmt"
	"strings"

	"grimm.is/leakshield/internal/filter"
)

// EngineError is returned by every failed Apply or Remove. It records which
// rule and which of its filters failed; Err is a *filter.ConfigurationError,
// an *install.InstallError, or a context error from before Begin.
type EngineError struct {
	Op        string
	Rule      string
	RuleIndex int // -1 when no rule was being processed
	SpecIndex int // -1 when no filter was being processed
	ID        filter.ID
	Err       error
}

func (e *EngineError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.RuleIndex >= 0 {
		fmt.Fprintf(&sb, ": rule %s (#%d)", e.Rule, e.RuleIndex)
	}
	if e.SpecIndex >= 0 {
		fmt.Fprintf(&sb, " filter #%d", e.SpecIndex)
		if e.ID != (filter.ID{}) {
			fmt.Fprintf(&sb, " %s", e.ID)
		}
	}
	fmt.Fprintf(&sb, ": %v", e.Err)
	return sb.String()
}

func (e *EngineError) Unwrap() error { return e.Err }
