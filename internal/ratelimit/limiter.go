// Package ratelimit provides in-process rate limiting for WebSocket events
// using fixed-window counters keyed by (connection, event). Counters live in
// process memory scoped to the connection's lifetime; a multi-instance
// deployment shares nothing here because each connection is pinned to one
// instance anyway.
package ratelimit

import (
	"sync"
	"time"
)

// Rule defines a rate limiting policy: the maximum number of events allowed
// in the window, and the window duration.
type Rule struct {
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Per-event ceilings. Join is capped lower than typing on purpose: a join
// triggers a history snapshot while typing is a two-byte broadcast.
var (
	RuleJoin         = Rule{Limit: 2, Window: 10 * time.Second}
	RuleSendMessage  = Rule{Limit: 5, Window: 1 * time.Second}
	RuleMutate       = Rule{Limit: 10, Window: 10 * time.Second} // edit/delete/reaction
	RuleTyping       = Rule{Limit: 20, Window: 5 * time.Second}
	RuleHistory      = Rule{Limit: 10, Window: 10 * time.Second}
	RuleSearch       = Rule{Limit: 5, Window: 10 * time.Second}
	RuleAnalyzeDraft = Rule{Limit: 10, Window: 10 * time.Second}
)

// window tracks the counter state for one (connection, event) pair.
type window struct {
	count   int
	resetAt time.Time
}

// Limiter performs fixed-window rate limiting checks in process memory.
// It is safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time // injectable clock for tests
}

// NewLimiter creates an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow checks whether the given connection may emit the given event under
// rule. It returns whether the event is allowed and, when it is not, a
// retry-after hint in whole seconds (at least 1).
func (l *Limiter) Allow(connID, event string, rule Rule) (bool, int) {
	key := connID + ":" + event
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		l.windows[key] = &window{count: 1, resetAt: now.Add(rule.Window)}
		return true, 0
	}

	w.count++
	if w.count > rule.Limit {
		retry := int(w.resetAt.Sub(now).Seconds())
		if retry < 1 {
			retry = 1
		}
		return false, retry
	}
	return true, 0
}

// Forget drops all counters for a connection. Called on disconnect so the
// map does not grow with connection churn.
func (l *Limiter) Forget(connID string) {
	prefix := connID + ":"

	l.mu.Lock()
	for key := range l.windows {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(l.windows, key)
		}
	}
	l.mu.Unlock()
}
