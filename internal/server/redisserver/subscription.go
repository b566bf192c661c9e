package redisserver

import (
	"sync"

	"github.com/statebridge-io/statebridge/pkg/rmatch"
)

// SubType identifies a subscription class. Each connection carries one
// matcher set per type.
type SubType string

const (
	SubState   SubType = "state"
	SubLog     SubType = "log"
	SubMessage SubType = "messagebox"
)

// Subscription couples a pattern with its compiled matcher. The pattern
// is stored with its namespace prefix already stripped.
type Subscription struct {
	Pattern string
	matcher *rmatch.Matcher
}

// MatcherSet is the ordered registry of active patterns for one
// subscription type on one connection. Fan-out runs on goroutines other
// than the connection's own, so access is locked.
type MatcherSet struct {
	mu   sync.Mutex
	subs []*Subscription
}

// NewMatcherSet creates an empty matcher set.
func NewMatcherSet() *MatcherSet {
	return &MatcherSet{}
}

// Subscribe compiles pattern and appends it. Subscribing the same
// pattern text twice replaces the earlier entry in place.
func (s *MatcherSet) Subscribe(pattern string) {
	m := rmatch.Compile(pattern)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.Pattern == pattern {
			s.subs[i] = &Subscription{Pattern: pattern, matcher: m}
			return
		}
	}
	s.subs = append(s.subs, &Subscription{Pattern: pattern, matcher: m})
}

// Unsubscribe removes the subscription with exactly the given pattern
// text. It reports whether anything was removed.
func (s *MatcherSet) Unsubscribe(pattern string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub.Pattern == pattern {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Test returns the first subscription whose matcher accepts id.
// First match only: at most one push message is produced per publish
// even if several patterns would match.
func (s *MatcherSet) Test(id string) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.matcher.Match(id) {
			return sub, true
		}
	}
	return nil, false
}

// Len returns the number of active subscriptions.
func (s *MatcherSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
