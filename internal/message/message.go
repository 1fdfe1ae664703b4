// Package message implements durable message persistence: create with
// bounded retry, owner-only mutation, soft delete, and per-message
// serialized reaction toggles.
package message

import (
	"strings"
	"time"

	"github.com/kindline/chat-app/internal/protocol"
)

// Message kinds.
const (
	KindUser   = "user"
	KindSystem = "system"
)

// Risk levels attached as moderation metadata when the author accepted a
// rewrite or the analyzer tagged the draft.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// MaxTextChars is the maximum message length in runes, enforced on create
// and edit.
const MaxTextChars = 2000

// Message is a persisted chat message. Receiver is never stored; it is
// derived from current room membership when the message is read.
type Message struct {
	ID        string
	RoomID    string
	Sender    string // lowercased email
	Kind      string // KindUser or KindSystem
	Text      string
	ThreadID  string
	CreatedAt time.Time
	Edited    bool
	EditedAt  time.Time
	Deleted   bool
	DeletedAt time.Time

	// Reactions maps emoji to the set of identities who reacted. Sets,
	// not counters, so toggling is well-defined.
	Reactions map[string][]string

	// FlaggedBy is the set of identities who flagged the message.
	FlaggedBy []string

	// Moderation metadata, present only when the author accepted a rewrite.
	RiskLevel    string
	Rewritten    bool
	OriginalText string

	// Transient marks a message that must never be persisted (explicitly
	// private or ephemeral client state). Create rejects it.
	Transient bool
}

// HasReaction reports whether identity is in the emoji's reaction set.
func (m *Message) HasReaction(emoji, identity string) bool {
	identity = strings.ToLower(identity)
	for _, id := range m.Reactions[emoji] {
		if id == identity {
			return true
		}
	}
	return false
}

// ToWire converts a Message to its protocol representation. The receiver is
// resolved by the caller from current membership.
func (m *Message) ToWire(receiver string) protocol.Message {
	wire := protocol.Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		Sender:    m.Sender,
		Receiver:  receiver,
		Kind:      m.Kind,
		Text:      m.Text,
		ThreadID:  m.ThreadID,
		Ts:        m.CreatedAt.UnixMilli(),
		Edited:    m.Edited,
		Reactions: m.Reactions,
		RiskLevel: m.RiskLevel,
		Rewritten: m.Rewritten,
	}
	if m.Edited {
		wire.EditedTs = m.EditedAt.UnixMilli()
	}
	return wire
}

// ToWireSlice converts a batch of messages, resolving each receiver from
// the given roster.
func ToWireSlice(msgs []*Message, members []string) []protocol.Message {
	out := make([]protocol.Message, 0, len(msgs))
	for _, m := range msgs {
		receiver := ""
		for _, member := range members {
			if member != m.Sender {
				receiver = member
				break
			}
		}
		out = append(out, m.ToWire(receiver))
	}
	return out
}
