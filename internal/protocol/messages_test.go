package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnvelopeUnmarshal(t *testing.T) {
	raw := []byte(`{"type":"send_message","text":"hello","optimistic_id":"c1"}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeSendMessage {
		t.Errorf("expected type %q, got %q", TypeSendMessage, env.Type)
	}
	if string(env.Raw) != string(raw) {
		t.Errorf("raw payload not captured: %s", env.Raw)
	}
}

func TestEnvelopeMissingType(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"text":"hello"}`), &env)
	if err == nil {
		t.Fatal("expected error for missing type field")
	}
}

func TestParseClientEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantTyp string
		wantErr bool
	}{
		{
			name:    "join",
			raw:     `{"type":"join"}`,
			wantTyp: TypeJoin,
		},
		{
			name:    "send_message",
			raw:     `{"type":"send_message","text":"hi","optimistic_id":"c-42"}`,
			wantTyp: TypeSendMessage,
		},
		{
			name:    "edit_message",
			raw:     `{"type":"edit_message","message_id":"m1","text":"fixed"}`,
			wantTyp: TypeEditMessage,
		},
		{
			name:    "delete_message",
			raw:     `{"type":"delete_message","message_id":"m1"}`,
			wantTyp: TypeDeleteMsg,
		},
		{
			name:    "add_reaction",
			raw:     `{"type":"add_reaction","message_id":"m1","emoji":"👍"}`,
			wantTyp: TypeAddReaction,
		},
		{
			name:    "typing",
			raw:     `{"type":"typing","is_typing":true}`,
			wantTyp: TypeTyping,
		},
		{
			name:    "load_older",
			raw:     `{"type":"load_older_messages","before_timestamp":1712345678000,"limit":50}`,
			wantTyp: TypeLoadOlder,
		},
		{
			name:    "search",
			raw:     `{"type":"search_messages","query":"school","limit":20,"offset":0}`,
			wantTyp: TypeSearch,
		},
		{
			name:    "jump_to",
			raw:     `{"type":"jump_to_message","message_id":"m7"}`,
			wantTyp: TypeJumpTo,
		},
		{
			name:    "analyze_draft",
			raw:     `{"type":"analyze_draft","draft_text":"you never listen"}`,
			wantTyp: TypeAnalyzeDraft,
		},
		{
			name:    "ping",
			raw:     `{"type":"ping"}`,
			wantTyp: TypePing,
		},
		{
			name:    "server-only type rejected",
			raw:     `{"type":"new_message"}`,
			wantTyp: TypeNewMessage,
			wantErr: true,
		},
		{
			name:    "unknown type rejected",
			raw:     `{"type":"bogus"}`,
			wantTyp: "bogus",
			wantErr: true,
		},
		{
			name:    "invalid json",
			raw:     `{not json`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			typ, msg, err := ParseClientEvent([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got type=%q msg=%#v", typ, msg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if typ != tt.wantTyp {
				t.Errorf("expected type %q, got %q", tt.wantTyp, typ)
			}
			if msg == nil {
				t.Error("expected non-nil decoded event")
			}
		})
	}
}

func TestParseClientEventDecodesFields(t *testing.T) {
	raw := `{"type":"send_message","text":"hello there","optimistic_id":"opt-9","is_pre_approved_rewrite":true,"original_rewrite":"HELLO"}`

	typ, msg, err := ParseClientEvent([]byte(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if typ != TypeSendMessage {
		t.Fatalf("expected send_message, got %q", typ)
	}

	send, ok := msg.(SendMessageEvent)
	if !ok {
		t.Fatalf("expected SendMessageEvent, got %T", msg)
	}
	if send.Text != "hello there" {
		t.Errorf("text = %q", send.Text)
	}
	if send.OptimisticID != "opt-9" {
		t.Errorf("optimistic_id = %q", send.OptimisticID)
	}
	if !send.IsPreApprovedRewrite {
		t.Error("expected is_pre_approved_rewrite to be true")
	}
	if send.OriginalRewrite != "HELLO" {
		t.Errorf("original_rewrite = %q", send.OriginalRewrite)
	}
}

func TestNewServerEventInjectsType(t *testing.T) {
	data, err := NewServerEvent(TypeMessageSent, MessageSentEvent{
		OptimisticID: "opt-1",
		MessageID:    "m-1",
		Ts:           42,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["type"] != TypeMessageSent {
		t.Errorf("expected type %q, got %v", TypeMessageSent, decoded["type"])
	}
	if decoded["optimistic_id"] != "opt-1" {
		t.Errorf("expected optimistic_id opt-1, got %v", decoded["optimistic_id"])
	}
}

func TestNewServerEventOverridesPayloadType(t *testing.T) {
	// The payload's own Type field must not leak through.
	data, err := NewServerEvent(TypeError, ErrorEvent{Type: "spoofed", Code: CodeValidation, Message: "bad"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(data), `"type":"error"`) {
		t.Errorf("type not overridden: %s", data)
	}
}

func TestNewErrorEventTimestamp(t *testing.T) {
	ev := NewErrorEvent(CodeNotInRoom, "no active room")
	if ev.Code != CodeNotInRoom {
		t.Errorf("code = %q", ev.Code)
	}
	if ev.Timestamp == 0 {
		t.Error("expected non-zero timestamp")
	}
}
