// Package urlmatch compiles userscript-style URL patterns ("*://*.example.com/*",
// "<all_urls>") into predicates. Only "*" is a wildcard; every other character
// matches itself.
package urlmatch

import (
	"strings"

	"github.com/gobwas/glob"
)

// AllURLs matches every non-empty URL.
const AllURLs = "<all_urls>"

// Matcher is a compiled pattern. The zero value never matches.
type Matcher struct {
	g   glob.Glob
	all bool
}

// Compile never fails: empty or malformed patterns produce a matcher that
// never matches.
func Compile(pattern string) Matcher {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return Matcher{}
	}
	if pattern == AllURLs {
		return Matcher{all: true}
	}

	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = glob.QuoteMeta(p)
	}
	g, err := glob.Compile(strings.Join(parts, "*"))
	if err != nil {
		return Matcher{}
	}
	return Matcher{g: g}
}

// Match reports whether url satisfies the pattern.
func (m Matcher) Match(url string) bool {
	if url == "" {
		return false
	}
	if m.all {
		return true
	}
	if m.g == nil {
		return false
	}
	return m.g.Match(url)
}

// Matches compiles pattern and tests url against it.
func Matches(pattern, url string) bool {
	return Compile(pattern).Match(url)
}

// MatchesAny reports whether any pattern matches url. Order is irrelevant.
func MatchesAny(patterns []string, url string) bool {
	for _, p := range patterns {
		if Matches(p, url) {
			return true
		}
	}
	return false
}

// Set is a precompiled pattern list with OR semantics. A nil or empty Set
// matches nothing.
type Set []Matcher

// CompileAll compiles each pattern in order. Invalid patterns compile to
// matchers that never match, so the result always has one entry per pattern.
func CompileAll(patterns []string) Set {
	out := make(Set, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, Compile(p))
	}
	return out
}

// Match reports whether any matcher in the set accepts url.
func (s Set) Match(url string) bool {
	for _, m := range s {
		if m.Match(url) {
			return true
		}
	}
	return false
}
