package ws

import (
	"log"
	"runtime/debug"
	"time"

	"github.com/kindline/chat-app/internal/metrics"
	"github.com/kindline/chat-app/internal/protocol"
	"github.com/kindline/chat-app/internal/ratelimit"
)

// EventHandler is the callback signature for handling a parsed client event.
// The event parameter is the concrete struct returned by
// protocol.ParseClientEvent (e.g., protocol.JoinEvent, protocol.SendMessageEvent).
type EventHandler func(conn *Connection, event interface{})

// Dispatcher routes incoming WebSocket events to registered handlers based
// on the event type. It applies per-event rate limits before the handler
// runs, handles the built-in ping/pong keepalive internally, and sends
// structured error responses for malformed or unsupported events.
type Dispatcher struct {
	handlers map[string]EventHandler
	rules    map[string]ratelimit.Rule
	limiter  *ratelimit.Limiter
}

// NewDispatcher creates a Dispatcher with the given rate limiter.
func NewDispatcher(limiter *ratelimit.Limiter) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]EventHandler),
		rules:    make(map[string]ratelimit.Rule),
		limiter:  limiter,
	}
}

// Register associates an EventHandler and a rate limit rule with an event
// type. A zero Rule disables rate limiting for that event.
func (d *Dispatcher) Register(eventType string, rule ratelimit.Rule, handler EventHandler) {
	d.handlers[eventType] = handler
	if rule.Limit > 0 {
		d.rules[eventType] = rule
	}
}

// Dispatch is the onMessage callback implementation. It parses the raw
// bytes into a typed event, handles ping internally, applies the event's
// rate limit, and routes to the registered handler. Parse errors and
// unregistered types result in an error event sent back to the client.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	eventType, event, err := protocol.ParseClientEvent(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, protocol.CodeValidation, "invalid event format")
		return
	}

	// Built-in ping handler, no registration required.
	if eventType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[eventType]
	if !ok {
		log.Printf("ws: unsupported event type=%q conn=%s", eventType, conn.ID)
		d.sendError(conn, protocol.CodeValidation, "unsupported event type")
		return
	}

	if rule, limited := d.rules[eventType]; limited {
		allowed, retryAfter := d.limiter.Allow(conn.ID, eventType, rule)
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues(eventType).Inc()
			d.sendRateLimited(conn, eventType, retryAfter)
			return
		}
	}

	// A handler panic must not take down the worker goroutine or leave the
	// connection without a reply.
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ws: handler panic event=%s conn=%s: %v\n%s", eventType, conn.ID, r, debug.Stack())
			d.sendError(conn, protocol.CodeServerError, "internal server error")
		}
	}()

	handler(conn, event)
}

// Forget clears the rate limiter state for a disconnected connection.
func (d *Dispatcher) Forget(connID string) {
	d.limiter.Forget(connID)
}

// sendError sends a structured error event back to the client. Errors
// during event construction or transmission are logged but not propagated.
func (d *Dispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerEvent(protocol.TypeError, protocol.NewErrorEvent(code, message))
	if err != nil {
		log.Printf("ws: failed to build error event conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error event conn=%s: %v", conn.ID, err)
	}
}

// sendRateLimited tells the client which event exceeded its ceiling and
// when it may retry. The triggering event is dropped, not queued.
func (d *Dispatcher) sendRateLimited(conn *Connection, eventType string, retryAfter int) {
	data, err := protocol.NewServerEvent(protocol.TypeRateLimited, protocol.RateLimitedEvent{
		Event:      eventType,
		RetryAfter: retryAfter,
	})
	if err != nil {
		log.Printf("ws: failed to build rate_limited event conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send rate_limited event conn=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong event and updates the
// connection's LastPing timestamp to reflect the most recent keepalive.
func (d *Dispatcher) sendPong(conn *Connection) {
	conn.LastPing = time.Now()

	data, err := protocol.NewServerEvent(protocol.TypePong, protocol.PongEvent{})
	if err != nil {
		log.Printf("ws: failed to build pong event conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong event conn=%s: %v", conn.ID, err)
	}
}
