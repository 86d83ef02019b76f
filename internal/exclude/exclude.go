// Package exclude decides which request paths bypass the worker handler and
// fall through to the host server.
package exclude

import (
	"errors"
	"fmt"
	"regexp"
)

// ErrInvalidPattern is returned by Compile when a pattern source does not
// compile as a regular expression.
var ErrInvalidPattern = errors.New("invalid exclude pattern")

type kind int

const (
	kindLiteral kind = iota
	kindSource
	kindRegexp
)

// Pattern is a single exclusion rule: an exact path, a regular expression
// source, or an already compiled regular expression.
type Pattern struct {
	kind kind
	s    string
	re   *regexp.Regexp
}

// Literal matches one exact path.
func Literal(path string) Pattern {
	return Pattern{kind: kindLiteral, s: path}
}

// Source matches paths against the regular expression source expr.
func Source(expr string) Pattern {
	return Pattern{kind: kindSource, s: expr}
}

// Regexp matches paths against re.
func Regexp(re *regexp.Regexp) Pattern {
	return Pattern{kind: kindRegexp, re: re}
}

// Sources converts regular expression sources to patterns.
func Sources(exprs ...string) []Pattern {
	patterns := make([]Pattern, 0, len(exprs))
	for _, e := range exprs {
		patterns = append(patterns, Source(e))
	}
	return patterns
}

// String returns the pattern in its source form.
func (p Pattern) String() string {
	if p.kind == kindRegexp && p.re != nil {
		return p.re.String()
	}
	return p.s
}

// Defaults returns the default exclusion list: TypeScript sources, dev server
// internals, installed packages, includes, text files and icons.
func Defaults() []Pattern {
	return Sources(
		`.*.ts`,
		`.*.tsx`,
		`/@.+`,
		`/node_modules/.*`,
		`/inc/.*`,
		`.*.txt`,
		`.*.ico`,
	)
}

// Matcher is a compiled, immutable exclusion list.
type Matcher struct {
	patterns []*regexp.Regexp
	sources  []string
}

// Compile anchors every pattern to the whole path and compiles it once.
func Compile(patterns []Pattern) (*Matcher, error) {
	m := &Matcher{
		patterns: make([]*regexp.Regexp, 0, len(patterns)),
		sources:  make([]string, 0, len(patterns)),
	}
	for i, p := range patterns {
		var expr string
		switch p.kind {
		case kindLiteral:
			expr = regexp.QuoteMeta(p.s)
		case kindSource:
			expr = p.s
		case kindRegexp:
			if p.re == nil {
				return nil, fmt.Errorf("%w %d: nil regexp", ErrInvalidPattern, i)
			}
			expr = p.re.String()
		}
		re, err := regexp.Compile(`^(?:` + expr + `)$`)
		if err != nil {
			return nil, fmt.Errorf("%w %d %q: %v", ErrInvalidPattern, i, p.String(), err)
		}
		m.patterns = append(m.patterns, re)
		m.sources = append(m.sources, p.String())
	}
	return m, nil
}

// Match reports whether path is fully matched by any pattern. Patterns are
// tried in order and the first match wins. An empty path never matches.
func (m *Matcher) Match(path string) bool {
	_, ok := m.Find(path)
	return ok
}

// Find returns the source of the first pattern matching path.
func (m *Matcher) Find(path string) (string, bool) {
	if m == nil || path == "" {
		return "", false
	}
	for i, re := range m.patterns {
		if re.MatchString(path) {
			return m.sources[i], true
		}
	}
	return "", false
}

// Len returns the number of compiled patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}
