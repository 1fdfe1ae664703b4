package client

import (
	"context"
	"sync"
	"time"

	"github.com/kindline/chat-app/internal/protocol"
)

// CoachConfig tunes when the typing coach requests analysis.
type CoachConfig struct {
	MinChars  int           // drafts shorter than this are never analyzed
	IdleDelay time.Duration // pause required before analysis fires
}

// DefaultCoachConfig returns the standard coaching thresholds.
func DefaultCoachConfig() CoachConfig {
	return CoachConfig{
		MinChars:  10,
		IdleDelay: time.Second,
	}
}

// DraftCoach watches a draft as the author types and requests advisory
// analysis once the draft is long enough and the author pauses. Hints are
// informational only; the pre-send flow in ComposeText remains the
// authoritative check and supersedes any pending coaching.
type DraftCoach struct {
	client *Client
	config CoachConfig
	onHint func(protocol.DraftAnalysisEvent)

	mu    sync.Mutex
	timer *time.Timer
}

// NewDraftCoach creates a coach delivering hints to onHint. The callback
// runs on a background goroutine. Zero config fields fall back to the
// defaults.
func (c *Client) NewDraftCoach(config CoachConfig, onHint func(protocol.DraftAnalysisEvent)) *DraftCoach {
	defaults := DefaultCoachConfig()
	if config.MinChars <= 0 {
		config.MinChars = defaults.MinChars
	}
	if config.IdleDelay <= 0 {
		config.IdleDelay = defaults.IdleDelay
	}
	return &DraftCoach{client: c, config: config, onHint: onHint}
}

// Update reports the current draft text. Every call resets the idle timer,
// so analysis fires only after the author pauses with a draft at or above
// the length gate. Updating with a short or empty draft cancels any
// pending analysis.
func (dc *DraftCoach) Update(text string) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.timer != nil {
		dc.timer.Stop()
		dc.timer = nil
	}
	if len([]rune(text)) < dc.config.MinChars {
		return
	}
	dc.timer = time.AfterFunc(dc.config.IdleDelay, func() {
		dc.analyze(text)
	})
}

// Stop cancels any pending analysis. Call it before ComposeText so the
// pre-send flow does not race a stale coaching request.
func (dc *DraftCoach) Stop() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.timer != nil {
		dc.timer.Stop()
		dc.timer = nil
	}
}

// analyze runs the advisory request. Failures are dropped on the floor:
// coaching never surfaces errors to the author.
func (dc *DraftCoach) analyze(text string) {
	hint, err := dc.client.AnalyzeDraft(context.Background(), text)
	if err != nil {
		return
	}
	dc.onHint(hint)
}
