package userscript

import (
	"net/url"
	"regexp"
	"slices"
	"strings"
)

var schemes = []string{"http", "https", "data", "ftp"}

// Schemes lists the URL schemes scripts may run on.
func Schemes() []string {
	return slices.Clone(schemes)
}

// CanRunOnScheme reports whether scripts may run on pages with this scheme.
func CanRunOnScheme(scheme string) bool {
	return slices.Contains(schemes, scheme)
}

// Match reports whether the script's patterns accept the encoded URL.
// Excludes win over includes; no includes means every URL.
// The scheme is not checked here, see Matches.
func (s *Script) Match(url string) bool {
	for _, g := range s.excludes {
		if g.Match(url) {
			return false
		}
	}
	if len(s.includes) == 0 {
		return true
	}
	for _, g := range s.includes {
		if g.Match(url) {
			return true
		}
	}
	return false
}

// Matches checks the scheme and then the script's patterns against u.
func Matches(s *Script, u *url.URL) bool {
	if s == nil || u == nil || !CanRunOnScheme(u.Scheme) {
		return false
	}
	return s.Match(u.String())
}

// PatternExpr translates a URL pattern into an anchored regular expression
// that means the same thing in Go and in JavaScript.
func PatternExpr(p string) string {
	parts := strings.Split(p, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return "^" + strings.Join(parts, ".*") + "$"
}
