package moderation

import (
	"context"
	"encoding/json"
	"fmt"
)

// Requester is the transport used to reach the analyzer worker. It is
// satisfied by messaging.Client.
type Requester interface {
	RequestAnalysis(ctx context.Context, data []byte) ([]byte, error)
}

// NATSAnalyzer sends drafts to the standalone analyzer worker over NATS
// request/reply. Wrap it in a Gate to get timeout and fail-open behavior.
type NATSAnalyzer struct {
	requester Requester
}

// NewNATSAnalyzer creates an Analyzer backed by the given transport.
func NewNATSAnalyzer(requester Requester) *NATSAnalyzer {
	return &NATSAnalyzer{requester: requester}
}

// Analyze marshals the draft, round-trips it through the analyzer worker,
// and decodes the verdict.
func (a *NATSAnalyzer) Analyze(ctx context.Context, draft Draft) (Result, error) {
	payload, err := json.Marshal(draft)
	if err != nil {
		return Result{}, fmt.Errorf("marshal draft: %w", err)
	}

	reply, err := a.requester.RequestAnalysis(ctx, payload)
	if err != nil {
		return Result{}, err
	}

	var result Result
	if err := json.Unmarshal(reply, &result); err != nil {
		return Result{}, fmt.Errorf("unmarshal analysis result: %w", err)
	}
	return result, nil
}
