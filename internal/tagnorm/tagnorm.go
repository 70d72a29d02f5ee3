// Package tagnorm normalizes tag strings and usernames before they are
// stored or compared, so that visually-identical tags typed with different
// Unicode encodings (combining marks vs precomposed forms) always match.
//
// Grounded on the trim+NFKC+lowercase normalization applied to honeytag
// queries in WebFirstLanguage-beenet/pkg/honeytag/resolver.go.
package tagnorm

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Tag normalizes a tag string: trims whitespace, applies NFKC, and
// lowercases the result so that "Foo" and "foo" are the same tag.
func Tag(raw string) string {
	trimmed := strings.TrimSpace(raw)
	return strings.ToLower(norm.NFKC.String(trimmed))
}

// Tags returns a normalized, deduplicated copy of raw, dropping empty
// tags; raw itself is left unmodified, and the copy is not sorted (order
// is not significant for a tag set).
func Tags(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, t := range raw {
		n := Tag(t)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Username normalizes a username: trims whitespace and applies NFC (the
// identity-preserving form, usernames are case-sensitive unlike tags).
func Username(raw string) string {
	return norm.NFC.String(strings.TrimSpace(raw))
}
