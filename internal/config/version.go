package config

import (
	"fmt"
	"strconv"
	"strings"
)

// SchemaVersion is the X.Y version of the policy file schema.
type SchemaVersion struct {
	Major int
	Minor int
}

// ParseVersion parses a version string like "1.0". Empty means the current
// version.
func ParseVersion(s string) (SchemaVersion, error) {
	if s == "" {
		s = CurrentSchemaVersion
	}

	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return SchemaVersion{}, fmt.Errorf("invalid version format: %s (expected X.Y)", s)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid major version: %s", parts[0])
	}

	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("invalid minor version: %s", parts[1])
	}

	return SchemaVersion{Major: major, Minor: minor}, nil
}

// String returns the version as "X.Y"
func (v SchemaVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// Compare returns -1 if v < other, 0 if equal, 1 if v > other
func (v SchemaVersion) Compare(other SchemaVersion) int {
	switch {
	case v.Major != other.Major:
		return cmpInt(v.Major, other.Major)
	default:
		return cmpInt(v.Minor, other.Minor)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// SupportedVersions lists all schema versions we can read
var SupportedVersions = []SchemaVersion{
	{Major: 1, Minor: 0},
}

// IsSupportedVersion reports whether v is readable. Minor versions within a
// supported major are forward compatible.
func IsSupportedVersion(v SchemaVersion) bool {
	for _, supported := range SupportedVersions {
		if v.Major == supported.Major {
			return true
		}
	}
	return false
}
