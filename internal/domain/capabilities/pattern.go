// Package capabilities implements the capability enforcement layer: method
// patterns, argument constraints, and the quota-tracking capability table
// that authorizes guest tool calls.
package capabilities

import (
	"fmt"
	"strings"
)

// Wildcard segments recognized in method patterns.
const (
	segmentWildcard  = "*"  // matches exactly one segment
	trailingWildcard = "**" // matches zero or more remaining segments, terminal only
)

// splitSegments splits a method identifier or pattern on '/' and '.'.
// A run of consecutive delimiters collapses to a single split point, so
// "stripe//charges" and "stripe/charges" produce the same segments.
func splitSegments(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == '.'
	})
}

// ValidatePattern rejects malformed patterns at configuration time.
// A "**" wildcard may appear only as the final segment; matching never has
// to backtrack because of this restriction.
func ValidatePattern(pattern string) error {
	segments := splitSegments(pattern)
	if len(segments) == 0 {
		return fmt.Errorf("empty capability pattern %q", pattern)
	}
	for i, seg := range segments {
		if seg == trailingWildcard && i != len(segments)-1 {
			return fmt.Errorf("pattern %q: %q must be the final segment", pattern, trailingWildcard)
		}
	}
	return nil
}

// Matches reports whether a method identifier matches a capability pattern.
// Both are split on '/' and '.' into segments; a literal segment must match
// exactly (case-sensitive), "*" consumes exactly one segment, and a terminal
// "**" consumes all remaining segments including none.
//
// Matches is a pure function. It assumes the pattern passed ValidatePattern;
// table construction enforces that.
func Matches(pattern, method string) bool {
	pat := splitSegments(pattern)
	cand := splitSegments(method)

	for i, seg := range pat {
		if seg == trailingWildcard && i == len(pat)-1 {
			return true
		}
		if i >= len(cand) {
			return false
		}
		if seg == segmentWildcard {
			continue
		}
		if seg != cand[i] {
			return false
		}
	}

	return len(pat) == len(cand)
}

// PatternSubsumes reports whether wider covers at least every method that
// narrower matches. Useful when narrowing a grant: replacing a rule's
// pattern is safe only if the old pattern subsumes the new one. Both
// patterns are assumed valid.
func PatternSubsumes(wider, narrower string) bool {
	return subsumes(splitSegments(wider), splitSegments(narrower))
}

func subsumes(w, n []string) bool {
	for {
		if len(w) > 0 && w[0] == trailingWildcard {
			return true
		}
		if len(n) == 0 {
			return len(w) == 0
		}
		if len(w) == 0 {
			return false
		}
		// A trailing "**" in narrower matches arbitrarily many segments;
		// without its own "**", wider cannot cover them all.
		if n[0] == trailingWildcard {
			return false
		}
		if w[0] != segmentWildcard && w[0] != n[0] {
			return false
		}
		w, n = w[1:], n[1:]
	}
}
