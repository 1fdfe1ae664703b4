// Package protocol defines the WebSocket event types and structures used for
// communication between the client and server. All events are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
// The client event set is closed: ParseClientEvent rejects anything outside
// the enumerated types, so dispatch is never string-keyed and dynamic.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoin         = "join"
	TypeSendMessage  = "send_message"
	TypeEditMessage  = "edit_message"
	TypeDeleteMsg    = "delete_message"
	TypeAddReaction  = "add_reaction"
	TypeTyping       = "typing"
	TypeLoadOlder    = "load_older_messages"
	TypeSearch       = "search_messages"
	TypeJumpTo       = "jump_to_message"
	TypeAnalyzeDraft = "analyze_draft"
	TypePing         = "ping"
)

// Server -> Client event types.
const (
	TypeJoinSuccess       = "join_success"
	TypeNewMessage        = "new_message"
	TypeMessageSent       = "message_sent"
	TypeMessageError      = "message_error"
	TypeMessageEdited     = "message_edited"
	TypeMessageDeleted    = "message_deleted"
	TypeReactionUpdated   = "reaction_updated"
	TypeUserTyping        = "user_typing"
	TypeOlderMessages     = "older_messages"
	TypeSearchResults     = "search_results"
	TypeJumpToResult      = "jump_to_message_result"
	TypeDraftAnalysis     = "draft_analysis"
	TypeRosterUpdated     = "roster_updated"
	TypeSessionSuperseded = "session_superseded"
	TypeRateLimited       = "rate_limited"
	TypeError             = "error"
	TypePong              = "pong"
)

// Error codes carried in ErrorEvent and MessageErrorEvent payloads.
const (
	CodeAuthRequired      = "AUTH_REQUIRED"
	CodeAuthInvalid       = "AUTH_INVALID"
	CodeAuthExpired       = "AUTH_EXPIRED"
	CodeRateLimited       = "RATE_LIMITED"
	CodePayloadTooLarge   = "PAYLOAD_TOO_LARGE"
	CodeNotInRoom         = "NOT_IN_ROOM"
	CodeMembershipInvalid = "ROOM_MEMBERSHIP_INVALID"
	CodeValidation        = "VALIDATION_ERROR"
	CodeServerError       = "SERVER_ERROR"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload structs
// ---------------------------------------------------------------------------

// Message is the wire representation of a persisted chat message. Receiver
// is derived from current room membership at read time, never stored.
type Message struct {
	ID        string              `json:"id"`
	RoomID    string              `json:"room_id"`
	Sender    string              `json:"sender"`
	Receiver  string              `json:"receiver,omitempty"`
	Kind      string              `json:"kind"` // "user" or "system"
	Text      string              `json:"text"`
	ThreadID  string              `json:"thread_id,omitempty"`
	Ts        int64               `json:"ts"` // unix milliseconds, server-assigned
	Edited    bool                `json:"edited,omitempty"`
	EditedTs  int64               `json:"edited_ts,omitempty"`
	Reactions map[string][]string `json:"reactions,omitempty"`
	RiskLevel string              `json:"risk_level,omitempty"`
	Rewritten bool                `json:"rewritten,omitempty"`
	Highlight bool                `json:"highlight,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// JoinEvent is sent by the client to join its paired room. Identity comes
// from the connection's authenticated token, not the payload.
type JoinEvent struct {
	Type string `json:"type"`
}

// SendMessageEvent carries an outbound chat message. The optimistic ID is a
// client-generated correlation id echoed back in message_sent/message_error.
type SendMessageEvent struct {
	Type                 string `json:"type"`
	Text                 string `json:"text"`
	IsPreApprovedRewrite bool   `json:"is_pre_approved_rewrite,omitempty"`
	OriginalRewrite      string `json:"original_rewrite,omitempty"`
	OptimisticID         string `json:"optimistic_id"`
	ThreadID             string `json:"thread_id,omitempty"`
}

// EditMessageEvent replaces the text of a message owned by the sender.
type EditMessageEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

// DeleteMessageEvent soft-deletes a message owned by the sender.
type DeleteMessageEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// AddReactionEvent toggles an emoji reaction on a message for the sender's
// identity: adding when absent, removing when present.
type AddReactionEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// TypingEvent indicates whether the client is currently typing.
type TypingEvent struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// LoadOlderEvent requests a strictly-older page of messages. BeforeID breaks
// timestamp ties so paging is gap-free and duplicate-free.
type LoadOlderEvent struct {
	Type            string `json:"type"`
	BeforeTimestamp int64  `json:"before_timestamp"`
	BeforeID        string `json:"before_id,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// SearchEvent requests a full-text search across the room's history.
type SearchEvent struct {
	Type   string `json:"type"`
	Query  string `json:"query"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// JumpToEvent requests a context window centered on a specific message.
type JumpToEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// AnalyzeDraftEvent submits draft text for advisory risk analysis. The
// result is delivered only to the requesting connection.
type AnalyzeDraftEvent struct {
	Type      string `json:"type"`
	DraftText string `json:"draft_text"`
}

// PingEvent is a client-initiated keepalive ping.
type PingEvent struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// JoinSuccessEvent confirms a join, carrying the initial history snapshot.
type JoinSuccessEvent struct {
	Type     string    `json:"type"`
	RoomID   string    `json:"room_id"`
	RoomName string    `json:"room_name"`
	Roster   []string  `json:"roster"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// NewMessageEvent broadcasts a freshly persisted message to the room.
type NewMessageEvent struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// MessageSentEvent acknowledges a send to its author, keyed by the
// client-generated optimistic id.
type MessageSentEvent struct {
	Type         string `json:"type"`
	OptimisticID string `json:"optimistic_id"`
	MessageID    string `json:"message_id"`
	Ts           int64  `json:"ts"`
}

// MessageErrorEvent reports a failed send to its author, keyed by the
// optimistic id so the client can mark exactly that pending entry as failed.
type MessageErrorEvent struct {
	Type         string `json:"type"`
	OptimisticID string `json:"optimistic_id"`
	Code         string `json:"code"`
	Error        string `json:"error"`
}

// MessageEditedEvent broadcasts an edit to the room.
type MessageEditedEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
	Edited    bool   `json:"edited"`
	EditedTs  int64  `json:"edited_ts"`
}

// MessageDeletedEvent broadcasts a soft delete to the room.
type MessageDeletedEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
}

// ReactionUpdatedEvent broadcasts the full reaction state of a message
// after a toggle.
type ReactionUpdatedEvent struct {
	Type      string              `json:"type"`
	MessageID string              `json:"message_id"`
	Reactions map[string][]string `json:"reactions"`
}

// UserTypingEvent relays a participant's typing indicator. Never persisted.
type UserTypingEvent struct {
	Type     string `json:"type"`
	Sender   string `json:"sender"`
	IsTyping bool   `json:"is_typing"`
}

// OlderMessagesEvent returns a page of older history in chronological order.
type OlderMessagesEvent struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// SearchResultsEvent returns a search page plus the total hit count so the
// client can compute has_more.
type SearchResultsEvent struct {
	Type     string    `json:"type"`
	Messages []Message `json:"messages"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"has_more"`
}

// JumpToResultEvent returns the context window around a target message.
type JumpToResultEvent struct {
	Type            string    `json:"type"`
	Messages        []Message `json:"messages"`
	TargetMessageID string    `json:"target_message_id"`
}

// DraftAnalysisEvent delivers the advisory analysis of a draft to the
// requesting connection only.
type DraftAnalysisEvent struct {
	Type               string   `json:"type"`
	RiskLevel          string   `json:"risk_level"`
	ShouldSend         bool     `json:"should_send"`
	RewriteSuggestions []string `json:"rewrite_suggestions,omitempty"`
	ObserverSummary    string   `json:"observer_summary,omitempty"`
}

// RosterUpdatedEvent broadcasts the current member roster of a room.
type RosterUpdatedEvent struct {
	Type   string   `json:"type"`
	RoomID string   `json:"room_id"`
	Roster []string `json:"roster"`
}

// SessionSupersededEvent notifies a connection that a newer join for the
// same identity and room is taking over; the connection closes after this.
type SessionSupersededEvent struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// RateLimitedEvent is sent when the client has exceeded an event ceiling.
type RateLimitedEvent struct {
	Type       string `json:"type"`
	Event      string `json:"event"`
	RetryAfter int    `json:"retry_after"` // seconds
}

// ErrorEvent communicates an error condition with an enumerated code.
type ErrorEvent struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// PongEvent is the server's response to a client ping.
type PongEvent struct {
	Type string `json:"type"`
}

// NewErrorEvent builds an ErrorEvent with the timestamp set to now.
func NewErrorEvent(code, message string) ErrorEvent {
	return ErrorEvent{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEditMessage:
		var m EditMessageEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDeleteMsg:
		var m DeleteMessageEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAddReaction:
		var m AddReactionEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLoadOlder:
		var m LoadOlderEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSearch:
		var m SearchEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJumpTo:
		var m JumpToEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAnalyzeDraft:
		var m AnalyzeDraftEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerEvent creates a JSON-encoded byte slice for a server event.
// The eventType is injected into the payload under the "type" key. The
// payload should be one of the *Event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerEvent(eventType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = eventType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server event: %w", err)
	}
	return out, nil
}
