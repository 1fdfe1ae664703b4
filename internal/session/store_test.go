package session

import (
	"context"
	"testing"
)

func TestMemoryPutAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	evicted, err := store.Put(ctx, &Session{
		ConnectionID: "c1", UserID: "u1", Email: "a@x.com", RoomID: "r1",
	})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if evicted != nil {
		t.Fatalf("expected no eviction, got %+v", evicted)
	}

	s, err := store.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if s == nil || s.Email != "a@x.com" || s.RoomID != "r1" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if s.JoinedAt == 0 {
		t.Error("expected JoinedAt to be set")
	}
}

func TestMemoryDuplicateJoinEvicts(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, &Session{ConnectionID: "c1", Email: "a@x.com", RoomID: "r1"})

	evicted, err := store.Put(ctx, &Session{ConnectionID: "c2", Email: "a@x.com", RoomID: "r1"})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if evicted == nil || evicted.ConnectionID != "c1" {
		t.Fatalf("expected c1 evicted, got %+v", evicted)
	}

	// Exactly one session remains for the pair.
	if s, _ := store.Get(ctx, "c1"); s != nil {
		t.Error("c1 should be gone after eviction")
	}
	if s, _ := store.Get(ctx, "c2"); s == nil {
		t.Error("c2 should be registered")
	}

	sessions, _ := store.ListByRoom(ctx, "r1")
	if len(sessions) != 1 {
		t.Fatalf("expected exactly 1 session in room, got %d", len(sessions))
	}
}

func TestMemoryEvictionIsCaseInsensitive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, &Session{ConnectionID: "c1", Email: "a@x.com", RoomID: "r1"})
	evicted, _ := store.Put(ctx, &Session{ConnectionID: "c2", Email: "A@X.COM", RoomID: "r1"})
	if evicted == nil || evicted.ConnectionID != "c1" {
		t.Fatalf("expected case-insensitive eviction of c1, got %+v", evicted)
	}
}

func TestMemorySameIdentityDifferentRooms(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, &Session{ConnectionID: "c1", Email: "a@x.com", RoomID: "r1"})
	evicted, _ := store.Put(ctx, &Session{ConnectionID: "c2", Email: "a@x.com", RoomID: "r2"})
	if evicted != nil {
		t.Fatalf("different rooms must not evict, got %+v", evicted)
	}
}

func TestMemoryRemove(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, &Session{ConnectionID: "c1", Email: "a@x.com", RoomID: "r1"})
	if err := store.Remove(ctx, "c1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if s, _ := store.Get(ctx, "c1"); s != nil {
		t.Error("session should be gone")
	}

	// Removing twice is a no-op.
	if err := store.Remove(ctx, "c1"); err != nil {
		t.Fatalf("second Remove() error: %v", err)
	}
}

func TestMemoryRemoveStaleDoesNotClobberNewerPair(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, &Session{ConnectionID: "c1", Email: "a@x.com", RoomID: "r1"})
	store.Put(ctx, &Session{ConnectionID: "c2", Email: "a@x.com", RoomID: "r1"})

	// Late cleanup of the evicted connection must not unindex c2.
	store.Remove(ctx, "c1")

	evicted, _ := store.Put(ctx, &Session{ConnectionID: "c3", Email: "a@x.com", RoomID: "r1"})
	if evicted == nil || evicted.ConnectionID != "c2" {
		t.Fatalf("expected c2 evicted by c3, got %+v", evicted)
	}
}

func TestMemoryListByRoom(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, &Session{ConnectionID: "c1", Email: "a@x.com", RoomID: "r1"})
	store.Put(ctx, &Session{ConnectionID: "c2", Email: "b@x.com", RoomID: "r1"})
	store.Put(ctx, &Session{ConnectionID: "c3", Email: "c@x.com", RoomID: "r2"})

	sessions, err := store.ListByRoom(ctx, "r1")
	if err != nil {
		t.Fatalf("ListByRoom() error: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
}

// Redis-backed tests require a running Redis on localhost:6379.
func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	store, err := NewRedisStore("localhost:6379")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	ctx := context.Background()
	for _, pattern := range []string{sessionPrefix + "test_*", pairPrefix + "test_*", roomPrefix + "test_*"} {
		iter := store.client.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			store.client.Del(ctx, iter.Val())
		}
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisPutEvictsDuplicatePair(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()

	if _, err := store.Put(ctx, &Session{ConnectionID: "test_c1", Email: "test@x.com", RoomID: "test_r1"}); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	evicted, err := store.Put(ctx, &Session{ConnectionID: "test_c2", Email: "test@x.com", RoomID: "test_r1"})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}
	if evicted == nil || evicted.ConnectionID != "test_c1" {
		t.Fatalf("expected test_c1 evicted, got %+v", evicted)
	}

	sessions, err := store.ListByRoom(ctx, "test_r1")
	if err != nil {
		t.Fatalf("ListByRoom() error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ConnectionID != "test_c2" {
		t.Fatalf("expected only test_c2 in room, got %+v", sessions)
	}
}
