// Package topic implements NATS-style topic names and match patterns.
//
// A topic is a non-empty, dot-separated token sequence: "orders.new",
// "odin.token.BTC.trade". A pattern is topic-shaped but may use wildcards:
// "*" matches exactly one token, and a trailing ">" matches one or more
// tokens. "orders.*" matches "orders.new" but not "orders.new.eu";
// "events.>" matches both "events.a" and "events.a.b".
//
// Mixing "*" and ">" in one pattern is rejected (NATS allows it; this engine
// does not), and ">" is only legal as the final token.
package topic

import (
	"fmt"
	"strings"
)

const (
	sep          = "."
	wildcardOne  = "*"
	wildcardTail = ">"
)

// Kind distinguishes the three compiled pattern forms.
type Kind int

const (
	// KindExact is a wildcard-free pattern; matching is string equality.
	KindExact Kind = iota
	// KindSingle contains "*" tokens; candidate arity must match exactly.
	KindSingle
	// KindMulti ends in ">"; the literal prefix must match and at least one
	// candidate token must remain for the tail.
	KindMulti
)

// ValidateTopic checks a concrete topic name: non-empty, no empty tokens,
// and no wildcard characters.
func ValidateTopic(name string) error {
	if name == "" {
		return fmt.Errorf("topic must not be empty")
	}
	for _, tok := range strings.Split(name, sep) {
		if tok == "" {
			return fmt.Errorf("topic %q contains an empty token", name)
		}
		if strings.ContainsAny(tok, wildcardOne+wildcardTail) {
			return fmt.Errorf("topic %q contains a wildcard character; use a pattern subscription", name)
		}
	}
	return nil
}

// IsPattern reports whether s contains wildcard tokens and therefore must be
// compiled as a pattern rather than used as a concrete topic.
func IsPattern(s string) bool {
	return strings.Contains(s, wildcardOne) || strings.Contains(s, wildcardTail)
}

// Pattern is a compiled topic pattern. Compilation validates the grammar
// once; Match is then allocation-free.
type Pattern struct {
	raw    string
	kind   Kind
	tokens []string // KindSingle: all tokens; KindMulti: literal prefix only
}

// Compile parses and validates a pattern string.
func Compile(raw string) (*Pattern, error) {
	if raw == "" {
		return nil, fmt.Errorf("pattern must not be empty")
	}
	tokens := strings.Split(raw, sep)
	hasStar, hasTail := false, false
	for i, tok := range tokens {
		switch tok {
		case "":
			return nil, fmt.Errorf("pattern %q contains an empty token", raw)
		case wildcardOne:
			hasStar = true
		case wildcardTail:
			if i != len(tokens)-1 {
				return nil, fmt.Errorf("pattern %q: %q is only valid as the last token", raw, wildcardTail)
			}
			hasTail = true
		default:
			if strings.ContainsAny(tok, wildcardOne+wildcardTail) {
				return nil, fmt.Errorf("pattern %q: wildcard must be a full token", raw)
			}
		}
	}
	if hasStar && hasTail {
		return nil, fmt.Errorf("pattern %q: %q and %q may not be combined", raw, wildcardOne, wildcardTail)
	}
	p := &Pattern{raw: raw, tokens: tokens}
	switch {
	case hasTail:
		p.kind = KindMulti
		p.tokens = tokens[:len(tokens)-1] // literal prefix before ">"
	case hasStar:
		p.kind = KindSingle
	default:
		p.kind = KindExact
	}
	return p, nil
}

// MustCompile is Compile for static patterns; it panics on grammar errors.
func MustCompile(raw string) *Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original pattern text. Notifications for pattern
// subscriptions carry this exact string as their method name.
func (p *Pattern) String() string { return p.raw }

// Kind returns the compiled form.
func (p *Pattern) Kind() Kind { return p.kind }

// IsLiteral reports whether the pattern is wildcard-free.
func (p *Pattern) IsLiteral() bool { return p.kind == KindExact }

// Match tests a concrete topic against the pattern. O(tokens), no
// allocations.
func (p *Pattern) Match(candidate string) bool {
	if candidate == "" {
		return false
	}
	switch p.kind {
	case KindExact:
		return candidate == p.raw
	case KindSingle:
		pos := 0
		for i, tok := range p.tokens {
			seg, next, ok := nextToken(candidate, pos)
			if !ok || seg == "" {
				return false
			}
			if tok != wildcardOne && tok != seg {
				return false
			}
			if i == len(p.tokens)-1 {
				return next == len(candidate) // arity must match exactly
			}
			pos = next + 1
		}
		return false
	case KindMulti:
		pos := 0
		for _, tok := range p.tokens {
			seg, next, ok := nextToken(candidate, pos)
			if !ok {
				return false
			}
			if tok != seg {
				return false
			}
			pos = next + 1
		}
		// The tail must cover at least one non-empty token.
		seg, _, ok := nextToken(candidate, pos)
		return ok && seg != ""
	}
	return false
}

// nextToken returns the token starting at pos and the index just past it.
// ok is false when pos is beyond the end of the string.
func nextToken(s string, pos int) (seg string, end int, ok bool) {
	if pos > len(s) {
		return "", pos, false
	}
	if i := strings.IndexByte(s[pos:], '.'); i >= 0 {
		return s[pos : pos+i], pos + i, true
	}
	return s[pos:], len(s), true
}
