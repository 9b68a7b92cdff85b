package filter

import (
	"strings"

	"github.com/google/uuid"
)

// ID is the stable identity of a filter. Re-emitting the same rule for the
// same layer always yields the same ID, which is what makes re-apply a
// replace and removal possible.
type ID = uuid.UUID

// Namespace is the name-based UUID namespace for generated identities.
var Namespace = uuid.MustParse("5f0d1c8e-7b44-4b7e-9a51-3c2f6d0e4a17")

// IdentityKey is the lookup key for a (rule kind, layer, qualifier) triple.
func IdentityKey(kind string, layer Layer, qualifier string) string {
	parts := []string{kind, layer.String()}
	if qualifier != "" {
		parts = append(parts, qualifier)
	}
	return strings.Join(parts, "/")
}

// NewID derives the identity for a filter emitted by rule kind at layer.
// qualifier distinguishes several filters of one rule at the same layer
// (for example one per exempted address) and is empty otherwise.
func NewID(kind string, layer Layer, qualifier string) ID {
	return uuid.NewSHA1(Namespace, []byte(IdentityKey(kind, layer, qualifier)))
}

// IdentityTable pins explicit identities, keyed by IdentityKey, for
// deployments that must keep identities assigned by an earlier installer.
type IdentityTable map[string]ID

// Resolve returns the pinned identity for the triple or derives one.
func (t IdentityTable) Resolve(kind string, layer Layer, qualifier string) ID {
	if id, ok := t[IdentityKey(kind, layer, qualifier)]; ok {
		return id
	}
	return NewID(kind, layer, qualifier)
}
