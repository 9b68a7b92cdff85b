package filter

import "fmt"

// ConfigurationError reports a filter that can never be installed: its
// conditions are invalid for its layer, or its identity collides with a
// different filter. It is detected before any engine mutation.
type ConfigurationError struct {
	Filter  string // filter name or identity
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("filter %s: %s", e.Filter, e.Message)
	}
	return fmt.Sprintf("filter %s: %s: %s", e.Filter, e.Field, e.Message)
}

// CollisionError returns the ConfigurationError for two different filters
// sharing identity id.
func CollisionError(id ID, first, second string) *ConfigurationError {
	return &ConfigurationError{
		Filter:  id.String(),
		Field:   "identity",
		Message: fmt.Sprintf("collision between %q and %q", first, second),
	}
}
