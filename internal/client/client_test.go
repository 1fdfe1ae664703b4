package client

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/kindline/chat-app/internal/pending"
	"github.com/kindline/chat-app/internal/protocol"
)

// fakeGateway reads client frames off the server end of a pipe and pushes
// the decoded envelopes to a channel, so tests can assert on what the
// client transmitted and reply when they choose.
type fakeGateway struct {
	conn   net.Conn
	frames chan []byte
}

func startFakeGateway(t *testing.T, conn net.Conn) *fakeGateway {
	t.Helper()
	g := &fakeGateway{conn: conn, frames: make(chan []byte, 16)}
	go func() {
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				close(g.frames)
				return
			}
			buf := make([]byte, len(data))
			copy(buf, data)
			g.frames <- buf
		}
	}()
	return g
}

func (g *fakeGateway) next(t *testing.T) []byte {
	t.Helper()
	select {
	case data, ok := <-g.frames:
		if !ok {
			t.Fatal("gateway connection closed")
		}
		return data
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return nil
	}
}

func (g *fakeGateway) reply(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	data, err := protocol.NewServerEvent(eventType, payload)
	if err != nil {
		t.Fatalf("build %s: %v", eventType, err)
	}
	if err := wsutil.WriteServerMessage(g.conn, ws.OpText, data); err != nil {
		t.Fatalf("write %s: %v", eventType, err)
	}
}

func newTestClient(t *testing.T, withQueue bool) (*Client, *fakeGateway) {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	var q *pending.Queue
	if withQueue {
		var err error
		q, err = pending.Open(t.TempDir())
		if err != nil {
			t.Fatalf("open queue: %v", err)
		}
		t.Cleanup(func() { q.Close() })
	}

	c := &Client{
		conn:     clientSide,
		queue:    q,
		handlers: make(map[string]func(json.RawMessage)),
		waiters:  make(map[string]chan json.RawMessage),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	t.Cleanup(func() { c.Close() })

	return c, startFakeGateway(t, serverSide)
}

func TestSendTextConfirmationDrainsQueue(t *testing.T) {
	c, gw := newTestClient(t, true)

	done := make(chan error, 1)
	var optimisticID string
	go func() {
		var err error
		optimisticID, err = c.SendText("hello", "")
		done <- err
	}()

	var sent protocol.SendMessageEvent
	if err := json.Unmarshal(gw.next(t), &sent); err != nil {
		t.Fatalf("decode send_message: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if sent.OptimisticID != optimisticID {
		t.Errorf("optimistic id on wire = %q, want %q", sent.OptimisticID, optimisticID)
	}

	pendingSends, err := c.queue.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pendingSends) != 1 {
		t.Fatalf("pending before confirm = %d, want 1", len(pendingSends))
	}

	gw.reply(t, protocol.TypeMessageSent, protocol.MessageSentEvent{
		OptimisticID: optimisticID,
		MessageID:    "m1",
		Ts:           time.Now().UnixMilli(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		pendingSends, err = c.queue.Pending()
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(pendingSends) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending after confirm = %d, want 0", len(pendingSends))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestComposeTextHoldsOnAdverseVerdict(t *testing.T) {
	c, gw := newTestClient(t, false)

	go func() {
		var req protocol.AnalyzeDraftEvent
		if err := json.Unmarshal(gw.next(t), &req); err != nil {
			return
		}
		gw.reply(t, protocol.TypeDraftAnalysis, protocol.DraftAnalysisEvent{
			RiskLevel:          "high",
			ShouldSend:         false,
			RewriteSuggestions: []string{"Could you rephrase that as a request?"},
			ObserverSummary:    "contains a threat",
		})
	}()

	id, analysis, err := c.ComposeText(context.Background(), "do it or else", "")
	if err != nil {
		t.Fatalf("ComposeText: %v", err)
	}
	if id != "" {
		t.Errorf("held draft got optimistic id %q, want none", id)
	}
	if analysis.ShouldSend {
		t.Error("ShouldSend = true, want false")
	}
	if len(analysis.RewriteSuggestions) == 0 {
		t.Error("expected rewrite suggestions with a hold verdict")
	}

	// An override after a hold transmits the original text.
	go func() {
		if _, err := c.SendOverride("do it or else", ""); err != nil {
			t.Errorf("SendOverride: %v", err)
		}
	}()
	var sent protocol.SendMessageEvent
	if err := json.Unmarshal(gw.next(t), &sent); err != nil {
		t.Fatalf("decode send_message: %v", err)
	}
	if sent.Type != protocol.TypeSendMessage || sent.Text != "do it or else" {
		t.Errorf("override frame = %+v", sent)
	}
	if c.GetMetrics().Overrides != 1 {
		t.Errorf("Overrides = %d, want 1", c.GetMetrics().Overrides)
	}
}

func TestComposeTextSendsOnCleanVerdict(t *testing.T) {
	c, gw := newTestClient(t, false)

	go func() {
		gw.next(t) // analyze_draft
		gw.reply(t, protocol.TypeDraftAnalysis, protocol.DraftAnalysisEvent{
			RiskLevel:  "low",
			ShouldSend: true,
		})
		gw.next(t) // the follow-up send_message
	}()

	_, analysis, err := c.ComposeText(context.Background(), "see you at pickup", "")
	if err != nil {
		t.Fatalf("ComposeText: %v", err)
	}
	if !analysis.ShouldSend {
		t.Error("ShouldSend = false, want true")
	}
}

func TestSendRewriteCarriesProvenance(t *testing.T) {
	c, gw := newTestClient(t, false)

	go func() {
		if _, err := c.SendRewrite("Could you confirm the pickup time?", "answer me now", ""); err != nil {
			t.Errorf("SendRewrite: %v", err)
		}
	}()

	var sent protocol.SendMessageEvent
	if err := json.Unmarshal(gw.next(t), &sent); err != nil {
		t.Fatalf("decode send_message: %v", err)
	}
	if !sent.IsPreApprovedRewrite {
		t.Error("IsPreApprovedRewrite = false, want true")
	}
	if sent.OriginalRewrite != "answer me now" {
		t.Errorf("OriginalRewrite = %q", sent.OriginalRewrite)
	}
}

func TestReplayPendingPreservesOrder(t *testing.T) {
	c, gw := newTestClient(t, true)

	first, err := c.queue.Enqueue("first", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	second, err := c.queue.Enqueue("second", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.ReplayPending(); err != nil {
			t.Errorf("ReplayPending: %v", err)
		}
	}()

	for i, want := range []string{first.CorrelationID, second.CorrelationID} {
		var sent protocol.SendMessageEvent
		if err := json.Unmarshal(gw.next(t), &sent); err != nil {
			t.Fatalf("decode frame %d: %v", i, err)
		}
		if sent.OptimisticID != want {
			t.Errorf("frame %d optimistic id = %q, want %q", i, sent.OptimisticID, want)
		}
	}
	wg.Wait()
}
