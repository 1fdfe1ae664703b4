// Package messaging provides a NATS client wrapper for pub/sub fanout
// between gateway instances and request/reply to the draft analyzer
// worker. It handles connection lifecycle, per-room subscriptions, and
// drain-on-close cleanup.
package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	SubjectRoom    = "room"             // + .<room_id> (event fanout)
	SubjectAnalyze = "draft.analyze"    // request/reply to the analyzer worker
)

// Client wraps the NATS connection with helper methods for room fanout and
// analyzer requests.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "kindline",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishRoomEvent publishes an event to room.<roomID> so every gateway
// instance with a member of that room connected can deliver it.
func (c *Client) PublishRoomEvent(roomID string, data []byte) error {
	return c.Publish(SubjectRoom+"."+roomID, data)
}

// SubscribeRoom subscribes a connection to the room.<roomID> subject. The
// subscription is keyed by connection ID so two members of the same room on
// the same server don't overwrite each other.
func (c *Client) SubscribeRoom(roomID, connID string, handler func(data []byte)) error {
	subject := SubjectRoom + "." + roomID
	key := "roomsub:" + connID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeRoom removes a connection's room subscription.
func (c *Client) UnsubscribeRoom(connID string) error {
	return c.unsubscribe("roomsub:" + connID)
}

// RequestAnalysis sends a draft to the analyzer worker over request/reply
// and returns the raw reply payload. The context bounds the wait.
func (c *Client) RequestAnalysis(ctx context.Context, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, SubjectAnalyze, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", SubjectAnalyze, err)
	}
	return msg.Data, nil
}

// SubscribeAnalyze registers the analyzer worker's handler for draft
// analysis requests. The handler's return value is sent back as the reply.
func (c *Client) SubscribeAnalyze(handler func(data []byte) []byte) error {
	sub, err := c.conn.Subscribe(SubjectAnalyze, func(msg *nats.Msg) {
		reply := handler(msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			log.Printf("[nats] respond %s: %v", SubjectAnalyze, err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectAnalyze, err)
	}

	c.mu.Lock()
	c.subs[SubjectAnalyze] = sub
	c.mu.Unlock()
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// unsubscribe removes and unsubscribes a stored subscription by key.
func (c *Client) unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}
