// Package glob compiles push-rule glob patterns into case-insensitive
// matchers.
//
// Patterns support `*` (any run of characters, including none) and `?`
// (exactly one character); every other character matches literally. A
// pattern is compiled in one of two modes: [Whole], where the pattern must
// cover the entire haystack, or [Word], where the pattern must cover a whole
// token bounded by non-word characters (or the ends of the haystack).
package glob

import (
	"fmt"
	"regexp"
	"strings"
)

// MatchMode selects how much of the haystack a compiled pattern must cover.
type MatchMode int

const (
	// Whole requires the pattern to match the entire haystack.
	Whole MatchMode = iota
	// Word requires the pattern to match a whole token within the haystack.
	Word
)

// Matcher is a compiled glob pattern. It is immutable and safe for
// concurrent use.
type Matcher struct {
	re *regexp.Regexp
}

// Compile translates a glob pattern into a [Matcher] for the given mode.
// It returns an error if the translated expression fails to compile.
func Compile(pattern string, mode MatchMode) (*Matcher, error) {
	var sb strings.Builder
	sb.WriteString("(?i)")

	switch mode {
	case Word:
		// A word may sit at the start of the haystack or follow any
		// non-word character.
		sb.WriteString(`(?:^|\W|\b)`)
	default:
		sb.WriteString(`\A`)
	}

	sb.WriteString(translate(pattern))

	switch mode {
	case Word:
		sb.WriteString(`(?:\b|\W|$)`)
	default:
		sb.WriteString(`\z`)
	}

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("compile glob %q: %w", pattern, err)
	}

	return &Matcher{re: re}, nil
}

// Match reports whether the haystack satisfies the compiled pattern.
func (m *Matcher) Match(haystack string) bool {
	return m.re.MatchString(haystack)
}

// translate converts glob syntax to regular-expression syntax, escaping
// every character that is not a wildcard.
func translate(pattern string) string {
	var sb strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			sb.WriteString(".*?")
		case '?':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return sb.String()
}
