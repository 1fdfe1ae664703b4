// Package moderation implements the draft moderation gate: an opaque
// risk-analysis capability consulted before a message is sent, with
// explicit fail-open semantics. Analysis results are ephemeral advice;
// they become persistent only as metadata on a message whose author
// accepted a rewrite.
package moderation

import "context"

// Risk levels for a draft.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Draft is the text plus lightweight context submitted for analysis.
type Draft struct {
	Text     string `json:"text"`
	Sender   string `json:"sender,omitempty"`
	Receiver string `json:"receiver,omitempty"`
	RoomID   string `json:"room_id,omitempty"`
}

// Result is the analyzer's verdict on a draft. It is never persisted as its
// own entity.
type Result struct {
	RiskLevel          string   `json:"risk_level"`
	ShouldSend         bool     `json:"should_send"`
	RewriteSuggestions []string `json:"rewrite_suggestions,omitempty"`
	ObserverSummary    string   `json:"observer_summary,omitempty"`
}

// Allow is the permissive result used when analysis is unavailable: the
// gate fails open rather than blocking the user.
func Allow() Result {
	return Result{RiskLevel: RiskLow, ShouldSend: true}
}

// Analyzer is the external semantic risk-analysis capability. Internals are
// out of scope for the gateway; it only calls Analyze and honors the
// fail-open policy on error.
type Analyzer interface {
	Analyze(ctx context.Context, draft Draft) (Result, error)
}
