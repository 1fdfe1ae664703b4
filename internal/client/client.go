// Package client provides a reusable WebSocket client for the chat
// gateway. It connects using gobwas/ws (the same library the server uses),
// dispatches server events to registered handlers, and integrates the
// durable pending queue so sends made while offline replay on reconnect.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/kindline/chat-app/internal/pending"
	"github.com/kindline/chat-app/internal/protocol"
)

// DefaultRequestTimeout bounds request/response exchanges such as loading
// older history.
const DefaultRequestTimeout = 10 * time.Second

// Metrics tracks per-connection counters. Overrides counts sends the user
// forced through after analysis advised holding them.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Overrides        int
	Errors           int
}

// Client represents a single user connection to the gateway. It manages
// the WebSocket lifecycle, dispatches incoming events to registered
// handlers, and confirms or fails queued sends as the server responds.
type Client struct {
	conn      net.Conn
	queue     *pending.Queue
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	waiters   map[string]chan json.RawMessage
	waitersMu sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the gateway at wsURL, authenticating with the given
// bearer token as a query parameter (browser WebSocket clients cannot set
// headers, so the server accepts both). The queue may be nil for clients
// that do not need durable sends. A background goroutine begins reading
// events immediately.
func Dial(ctx context.Context, wsURL, token string, queue *pending.Queue) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("client: parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		queue:    queue,
		handlers: make(map[string]func(json.RawMessage)),
		waiters:  make(map[string]chan json.RawMessage),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// Send marshals and transmits an event. It is goroutine-safe.
func (c *Client) Send(event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("client: marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Join requests entry into the caller's room.
func (c *Client) Join() error {
	return c.Send(protocol.JoinEvent{Type: protocol.TypeJoin})
}

// SendText durably enqueues the draft (when a queue is configured) and
// transmits it with the queue's correlation ID as the optimistic ID. The
// entry is confirmed by ConfirmSends when message_sent or message_error
// arrives.
func (c *Client) SendText(text, threadID string) (string, error) {
	optimisticID := ""
	if c.queue != nil {
		s, err := c.queue.Enqueue(text, threadID)
		if err != nil {
			return "", err
		}
		optimisticID = s.CorrelationID
	}

	err := c.Send(protocol.SendMessageEvent{
		Type:         protocol.TypeSendMessage,
		Text:         text,
		ThreadID:     threadID,
		OptimisticID: optimisticID,
	})
	return optimisticID, err
}

// AnalyzeDraft submits draft text for advisory risk analysis and blocks
// until the draft_analysis response arrives or the timeout expires. The
// verdict is advisory: the caller decides whether to send, rewrite, or
// override.
func (c *Client) AnalyzeDraft(ctx context.Context, text string) (protocol.DraftAnalysisEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	ch := c.expect(protocol.TypeDraftAnalysis)
	defer c.forget(protocol.TypeDraftAnalysis)

	err := c.Send(protocol.AnalyzeDraftEvent{
		Type:      protocol.TypeAnalyzeDraft,
		DraftText: text,
	})
	if err != nil {
		return protocol.DraftAnalysisEvent{}, err
	}

	select {
	case <-ctx.Done():
		return protocol.DraftAnalysisEvent{}, fmt.Errorf("client: analyze draft: %w", ctx.Err())
	case <-c.done:
		return protocol.DraftAnalysisEvent{}, fmt.Errorf("client: connection closed")
	case raw := <-ch:
		var ev protocol.DraftAnalysisEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return protocol.DraftAnalysisEvent{}, fmt.Errorf("client: decode draft_analysis: %w", err)
		}
		return ev, nil
	}
}

// ComposeText runs the full pre-send flow: analyze the draft, and transmit
// it only when the verdict says to send. When the verdict advises holding,
// nothing is transmitted and the analysis is returned so the caller can
// surface the summary and suggestions, then call SendRewrite or
// SendOverride. An analysis transport failure sends anyway: the gateway's
// own gate is fail-open and the analysis is advisory.
func (c *Client) ComposeText(ctx context.Context, text, threadID string) (string, protocol.DraftAnalysisEvent, error) {
	analysis, err := c.AnalyzeDraft(ctx, text)
	if err != nil || analysis.ShouldSend {
		id, sendErr := c.SendText(text, threadID)
		return id, analysis, sendErr
	}
	return "", analysis, nil
}

// SendRewrite transmits a rewrite the user accepted after a held draft,
// flagged so the server records the provenance without re-analyzing.
func (c *Client) SendRewrite(rewrite, originalText, threadID string) (string, error) {
	optimisticID := ""
	if c.queue != nil {
		s, err := c.queue.Enqueue(rewrite, threadID)
		if err != nil {
			return "", err
		}
		optimisticID = s.CorrelationID
	}

	err := c.Send(protocol.SendMessageEvent{
		Type:                 protocol.TypeSendMessage,
		Text:                 rewrite,
		ThreadID:             threadID,
		OptimisticID:         optimisticID,
		IsPreApprovedRewrite: true,
		OriginalRewrite:      originalText,
	})
	return optimisticID, err
}

// SendOverride transmits the original text despite a hold verdict. The
// override is counted so callers can feed it back into analyzer tuning.
func (c *Client) SendOverride(text, threadID string) (string, error) {
	c.metrics.Overrides++
	return c.SendText(text, threadID)
}

// ReplayPending retransmits every unconfirmed queued send in enqueue
// order. Call it after Join succeeds on a fresh connection.
func (c *Client) ReplayPending() error {
	if c.queue == nil {
		return nil
	}
	sends, err := c.queue.Pending()
	if err != nil {
		return err
	}
	for _, s := range sends {
		err := c.Send(protocol.SendMessageEvent{
			Type:         protocol.TypeSendMessage,
			Text:         s.Text,
			ThreadID:     s.ThreadID,
			OptimisticID: s.CorrelationID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// LoadOlder requests a page of history before the given cursor and blocks
// until the older_messages response arrives or the timeout expires.
func (c *Client) LoadOlder(ctx context.Context, beforeTs int64, beforeID string, limit int) (protocol.OlderMessagesEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	ch := c.expect(protocol.TypeOlderMessages)
	defer c.forget(protocol.TypeOlderMessages)

	err := c.Send(protocol.LoadOlderEvent{
		Type:            protocol.TypeLoadOlder,
		BeforeTimestamp: beforeTs,
		BeforeID:        beforeID,
		Limit:           limit,
	})
	if err != nil {
		return protocol.OlderMessagesEvent{}, err
	}

	select {
	case <-ctx.Done():
		return protocol.OlderMessagesEvent{}, fmt.Errorf("client: load older: %w", ctx.Err())
	case <-c.done:
		return protocol.OlderMessagesEvent{}, fmt.Errorf("client: connection closed")
	case raw := <-ch:
		var ev protocol.OlderMessagesEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return protocol.OlderMessagesEvent{}, fmt.Errorf("client: decode older_messages: %w", err)
		}
		return ev, nil
	}
}

// On registers a handler for a server event type. The handler receives the
// full raw JSON for flexible decoding. Handlers are invoked from the read
// loop goroutine so they should not block for extended periods. Only one
// handler per event type is supported; registering a second replaces the
// first.
func (c *Client) On(eventType string, handler func(json.RawMessage)) {
	c.handlers[eventType] = handler
}

// Close closes the connection and stops the read loop. Safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return c.metrics
}

// expect registers a one-shot channel for the next event of the given type.
func (c *Client) expect(eventType string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.waitersMu.Lock()
	c.waiters[eventType] = ch
	c.waitersMu.Unlock()
	return ch
}

func (c *Client) forget(eventType string) {
	c.waitersMu.Lock()
	delete(c.waiters, eventType)
	c.waitersMu.Unlock()
}

// readLoop continuously reads WebSocket frames from the server and
// dispatches them. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Intentionally closed; not an error.
				return
			default:
			}
			c.metrics.Errors++
			return
		}

		c.metrics.MessagesReceived++

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		// Settle queued sends before user handlers run so a handler that
		// inspects the queue sees the post-confirmation state.
		switch envelope.Type {
		case protocol.TypeMessageSent:
			var ev protocol.MessageSentEvent
			if err := json.Unmarshal(data, &ev); err == nil && c.queue != nil && ev.OptimisticID != "" {
				_ = c.queue.MarkSent(ev.OptimisticID)
			}
		case protocol.TypeMessageError:
			var ev protocol.MessageErrorEvent
			if err := json.Unmarshal(data, &ev); err == nil && c.queue != nil && ev.OptimisticID != "" {
				_ = c.queue.MarkFailed(ev.OptimisticID, ev.Code)
			}
		}

		c.waitersMu.Lock()
		waiter, waiting := c.waiters[envelope.Type]
		if waiting {
			delete(c.waiters, envelope.Type)
		}
		c.waitersMu.Unlock()
		if waiting {
			waiter <- json.RawMessage(data)
		}

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
