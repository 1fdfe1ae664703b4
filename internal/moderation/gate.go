package moderation

import (
	"context"
	"log"
	"time"
)

// DefaultTimeout bounds a single analysis request.
const DefaultTimeout = 3 * time.Second

// Gate wraps an Analyzer with a timeout and the fail-open policy: analyzer
// errors and timeouts yield a permissive result, logged but never surfaced
// as a block.
type Gate struct {
	analyzer Analyzer
	timeout  time.Duration
}

// NewGate creates a Gate. A non-positive timeout falls back to
// DefaultTimeout.
func NewGate(analyzer Analyzer, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{analyzer: analyzer, timeout: timeout}
}

// Analyze runs the analyzer with the gate's timeout. It never fails: on any
// analyzer error the draft is allowed through and the failure is logged.
func (g *Gate) Analyze(ctx context.Context, draft Draft) Result {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.analyzer.Analyze(ctx, draft)
	if err != nil {
		log.Printf("moderation: analyzer unavailable, failing open sender=%s: %v", draft.Sender, err)
		return Allow()
	}
	return result
}
