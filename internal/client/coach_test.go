package client

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kindline/chat-app/internal/protocol"
)

func TestDraftCoachAnalyzesAfterPause(t *testing.T) {
	c, gw := newTestClient(t, false)
	hints := make(chan protocol.DraftAnalysisEvent, 1)
	coach := c.NewDraftCoach(CoachConfig{MinChars: 10, IdleDelay: 30 * time.Millisecond},
		func(hint protocol.DraftAnalysisEvent) { hints <- hint })

	// Rapid edits reset the idle timer; only the final draft is analyzed.
	coach.Update("you always do")
	coach.Update("you always do this to me")

	var req protocol.AnalyzeDraftEvent
	if err := json.Unmarshal(gw.next(t), &req); err != nil {
		t.Fatalf("decode analyze_draft: %v", err)
	}
	if req.DraftText != "you always do this to me" {
		t.Errorf("analyzed draft = %q, want the latest text", req.DraftText)
	}

	gw.reply(t, protocol.TypeDraftAnalysis, protocol.DraftAnalysisEvent{
		RiskLevel:       "medium",
		ShouldSend:      true,
		ObserverSummary: "assigns blame in absolute terms",
	})

	select {
	case hint := <-hints:
		if hint.RiskLevel != "medium" {
			t.Errorf("hint risk level = %q, want medium", hint.RiskLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coaching hint")
	}
}

func TestDraftCoachSkipsShortDrafts(t *testing.T) {
	c, gw := newTestClient(t, false)
	coach := c.NewDraftCoach(CoachConfig{MinChars: 10, IdleDelay: 10 * time.Millisecond},
		func(protocol.DraftAnalysisEvent) {})

	coach.Update("short")

	select {
	case data, ok := <-gw.frames:
		if ok {
			t.Fatalf("unexpected frame for a short draft: %s", data)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDraftCoachStopCancelsPending(t *testing.T) {
	c, gw := newTestClient(t, false)
	coach := c.NewDraftCoach(CoachConfig{MinChars: 10, IdleDelay: 50 * time.Millisecond},
		func(protocol.DraftAnalysisEvent) {})

	coach.Update("a draft long enough to analyze")
	coach.Stop()

	select {
	case data, ok := <-gw.frames:
		if ok {
			t.Fatalf("unexpected frame after Stop: %s", data)
		}
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDraftCoachClearingDraftCancelsPending(t *testing.T) {
	c, gw := newTestClient(t, false)
	coach := c.NewDraftCoach(CoachConfig{MinChars: 10, IdleDelay: 50 * time.Millisecond},
		func(protocol.DraftAnalysisEvent) {})

	coach.Update("a draft long enough to analyze")
	coach.Update("")

	select {
	case data, ok := <-gw.frames:
		if ok {
			t.Fatalf("unexpected frame after clearing the draft: %s", data)
		}
	case <-time.After(150 * time.Millisecond):
	}
}
