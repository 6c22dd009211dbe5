package subs

import (
	"sync"

	"github.com/adred-codev/wsrpc/pkg/topic"
)

// Match is one pattern-subscription hit for a published topic. Pattern is
// the original pattern string as subscribed; notifications carry it as
// their method name so the client can demultiplex.
type Match struct {
	ConnID  uint64
	Pattern string
}

// PatternIndex maps connection to its compiled pattern list. Resolution
// walks all patterns; pattern counts are small in practice and each test is
// a cheap token compare, so no trie is kept.
type PatternIndex struct {
	mu     sync.Mutex
	byConn map[uint64][]*topic.Pattern
}

func NewPatternIndex() *PatternIndex {
	return &PatternIndex{byConn: make(map[uint64][]*topic.Pattern)}
}

// Subscribe adds a compiled pattern for a connection. Duplicate pattern
// strings are idempotent; returns false on a duplicate.
func (x *PatternIndex) Subscribe(connID uint64, p *topic.Pattern) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, existing := range x.byConn[connID] {
		if existing.String() == p.String() {
			return false
		}
	}
	x.byConn[connID] = append(x.byConn[connID], p)
	return true
}

// Unsubscribe removes a pattern by its original string. Returns whether it
// was present.
func (x *PatternIndex) Unsubscribe(connID uint64, raw string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	patterns := x.byConn[connID]
	for i, p := range patterns {
		if p.String() == raw {
			x.byConn[connID] = append(patterns[:i], patterns[i+1:]...)
			if len(x.byConn[connID]) == 0 {
				delete(x.byConn, connID)
			}
			return true
		}
	}
	return false
}

// Resolve returns, for a published topic, the first matching pattern of each
// subscribed connection. A connection appears at most once even if several
// of its patterns match.
func (x *PatternIndex) Resolve(topicName string) []Match {
	x.mu.Lock()
	defer x.mu.Unlock()

	var out []Match
	for connID, patterns := range x.byConn {
		for _, p := range patterns {
			if p.Match(topicName) {
				out = append(out, Match{ConnID: connID, Pattern: p.String()})
				break
			}
		}
	}
	return out
}

// PatternsOf snapshots a connection's pattern strings.
func (x *PatternIndex) PatternsOf(connID uint64) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	patterns := x.byConn[connID]
	if len(patterns) == 0 {
		return nil
	}
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, p.String())
	}
	return out
}

// RemoveConn drops all patterns of a connection. Returns how many were held.
func (x *PatternIndex) RemoveConn(connID uint64) int {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := len(x.byConn[connID])
	delete(x.byConn, connID)
	return n
}
