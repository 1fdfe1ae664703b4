package moderation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHeuristicAnalyze(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantRisk   string
		wantSend   bool
		wantAdvice bool
	}{
		{
			name:     "neutral logistics",
			text:     "Can you pick up Sam at 5pm on Friday?",
			wantRisk: RiskLow,
			wantSend: true,
		},
		{
			name:       "absolute blame",
			text:       "You always change the schedule at the last minute",
			wantRisk:   RiskMedium,
			wantSend:   true,
			wantAdvice: true,
		},
		{
			name:       "shouting",
			text:       "PLEASE ANSWER YOUR PHONE WHEN I CALL",
			wantRisk:   RiskMedium,
			wantSend:   true,
			wantAdvice: true,
		},
		{
			name:       "direct insult",
			text:       "You're such a liar, there was no appointment",
			wantRisk:   RiskMedium,
			wantSend:   true,
			wantAdvice: true,
		},
		{
			name:       "threat blocks",
			text:       "If you do this again I'll take you to court",
			wantRisk:   RiskHigh,
			wantSend:   false,
			wantAdvice: true,
		},
		{
			name:       "insult plus blame blocks",
			text:       "You never listen, you're so selfish!!!",
			wantRisk:   RiskHigh,
			wantSend:   false,
			wantAdvice: true,
		},
		{
			name:     "punctuation flood alone advises",
			text:     "Where are you???",
			wantRisk: RiskMedium,
			wantSend: true,
		},
	}

	analyzer := NewHeuristicAnalyzer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := analyzer.Analyze(context.Background(), Draft{Text: tt.text})
			if err != nil {
				t.Fatalf("Analyze() error = %v", err)
			}
			if result.RiskLevel != tt.wantRisk {
				t.Errorf("RiskLevel = %q, want %q", result.RiskLevel, tt.wantRisk)
			}
			if result.ShouldSend != tt.wantSend {
				t.Errorf("ShouldSend = %v, want %v", result.ShouldSend, tt.wantSend)
			}
			if tt.wantRisk == RiskHigh && len(result.RewriteSuggestions) == 0 {
				t.Error("expected rewrite suggestions for blocked draft")
			}
			if tt.wantAdvice && result.ObserverSummary == "" && tt.wantRisk != RiskLow {
				t.Error("expected observer summary for risky draft")
			}
		})
	}
}

func TestIsShouting(t *testing.T) {
	if isShouting("OK FINE") {
		t.Error("short messages should not count as shouting")
	}
	if !isShouting("STOP CHANGING THE SCHEDULE") {
		t.Error("long all-caps message should count as shouting")
	}
	if isShouting("Please stop changing the schedule") {
		t.Error("normal case message flagged as shouting")
	}
}

type erroringAnalyzer struct{}

func (erroringAnalyzer) Analyze(context.Context, Draft) (Result, error) {
	return Result{}, errors.New("analyzer down")
}

type blockingAnalyzer struct{}

func (blockingAnalyzer) Analyze(ctx context.Context, _ Draft) (Result, error) {
	<-ctx.Done()
	return Result{}, ctx.Err()
}

func TestGateFailsOpen(t *testing.T) {
	gate := NewGate(erroringAnalyzer{}, time.Second)
	result := gate.Analyze(context.Background(), Draft{Text: "hello"})
	if !result.ShouldSend {
		t.Error("gate must fail open when the analyzer errors")
	}
	if result.RiskLevel != RiskLow {
		t.Errorf("RiskLevel = %q, want %q", result.RiskLevel, RiskLow)
	}
}

func TestGateTimeout(t *testing.T) {
	gate := NewGate(blockingAnalyzer{}, 10*time.Millisecond)
	start := time.Now()
	result := gate.Analyze(context.Background(), Draft{Text: "hello"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("gate did not enforce timeout, took %v", elapsed)
	}
	if !result.ShouldSend {
		t.Error("gate must fail open on timeout")
	}
}
