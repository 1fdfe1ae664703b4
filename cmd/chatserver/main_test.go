package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kindline/chat-app/internal/protocol"
	"github.com/kindline/chat-app/internal/session"
)

type capturePublisher struct {
	roomID string
	data   []byte
}

func (p *capturePublisher) PublishRoomEvent(roomID string, data []byte) error {
	p.roomID = roomID
	p.data = data
	return nil
}

type captureUnsubscriber struct {
	connIDs []string
}

func (u *captureUnsubscriber) UnsubscribeRoom(connID string) error {
	u.connIDs = append(u.connIDs, connID)
	return nil
}

func TestNotifySupersededTargetsEvictedConnection(t *testing.T) {
	pub := &capturePublisher{}
	evicted := &session.Session{
		ConnectionID: "conn-old",
		UserID:       "user-1",
		Email:        "alex@example.com",
		RoomID:       "room-1",
		JoinedAt:     time.Now().UnixMilli(),
	}

	notifySuperseded(pub, evicted)

	if pub.roomID != "room-1" {
		t.Fatalf("published to room %q, want room-1", pub.roomID)
	}

	var env roomEnvelope
	if err := json.Unmarshal(pub.data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.TargetConn != "conn-old" {
		t.Errorf("TargetConn = %q, want the evicted connection", env.TargetConn)
	}
	if !env.CloseAfter {
		t.Error("CloseAfter = false, want the owning instance to close the socket")
	}
	if env.ExcludeConn != "" {
		t.Errorf("ExcludeConn = %q, want empty for a targeted notice", env.ExcludeConn)
	}

	var inner struct {
		Type   string `json:"type"`
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(env.Data, &inner); err != nil {
		t.Fatalf("unmarshal inner event: %v", err)
	}
	if inner.Type != protocol.TypeSessionSuperseded {
		t.Errorf("inner event type = %q, want %q", inner.Type, protocol.TypeSessionSuperseded)
	}
	if inner.RoomID != "room-1" {
		t.Errorf("inner room_id = %q, want room-1", inner.RoomID)
	}
}

func TestBroadcastEnvelopeExcludesOriginator(t *testing.T) {
	pub := &capturePublisher{}

	broadcastEnvelope(pub, "room-1", protocol.TypeUserTyping, protocol.UserTypingEvent{
		Sender:   "alex@example.com",
		IsTyping: true,
	}, "", "conn-a", false)

	var env roomEnvelope
	if err := json.Unmarshal(pub.data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.ExcludeConn != "conn-a" {
		t.Errorf("ExcludeConn = %q, want the originating connection", env.ExcludeConn)
	}
	if env.TargetConn != "" || env.CloseAfter {
		t.Errorf("broadcast envelope = %+v, want no target and no close", env)
	}
}

func TestRollbackJoinClearsSession(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	unsub := &captureUnsubscriber{}

	if _, err := store.Put(ctx, &session.Session{
		ConnectionID: "conn-1",
		UserID:       "user-1",
		Email:        "alex@example.com",
		RoomID:       "room-1",
		JoinedAt:     time.Now().UnixMilli(),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rollbackJoin(ctx, store, unsub, "conn-1")

	sess, err := store.Get(ctx, "conn-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess != nil {
		t.Error("session still registered after rollback")
	}
	if len(unsub.connIDs) != 1 || unsub.connIDs[0] != "conn-1" {
		t.Errorf("unsubscribed connections = %v, want [conn-1]", unsub.connIDs)
	}
}
