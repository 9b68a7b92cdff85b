package firewall

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/google/uuid"

	"grimm.is/leakshield/internal/brand"
	"grimm.is/leakshield/internal/filter"
)

// maxCommentLen keeps comments inside nft's 128 byte limit, NUL included.
const maxCommentLen = 127

// identityRegex parses the identity comment format:
// <tag>:<uuid>[ <name>]
var identityRegex = regexp.MustCompile(`^` + regexp.QuoteMeta(brand.IdentityTag) + `:([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})(?: |$)`)

// BuildIdentityComment creates the comment that tags a kernel rule with the
// identity of the filter it implements.
func BuildIdentityComment(spec filter.Spec) string {
	comment := fmt.Sprintf("%s:%s", brand.IdentityTag, spec.ID())
	if spec.Name() != "" {
		comment += " " + spec.Name()
	}
	return truncateComment(comment)
}

// ParseIdentityComment extracts the filter identity from a rule comment.
// Rules not tagged by leakshield report false.
func ParseIdentityComment(comment string) (filter.ID, bool) {
	match := identityRegex.FindStringSubmatch(comment)
	if match == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(match[1])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func truncateComment(s string) string {
	if len(s) <= maxCommentLen {
		return s
	}
	s = s[:maxCommentLen]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
