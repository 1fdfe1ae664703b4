package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// sessionPrefix is the Redis key prefix for session hashes.
	sessionPrefix = "session:"

	// pairPrefix indexes (email, room) pairs to the owning connection id
	// so duplicate joins can be detected across instances.
	pairPrefix = "sessionpair:"

	// roomPrefix holds the set of connection ids joined to a room.
	roomPrefix = "sessionroom:"

	// sessionTTL bounds session lifetime so crashed instances don't leak
	// registry entries forever.
	sessionTTL = 1 * time.Hour
)

// RedisStore is the shared-store Store implementation for multi-instance
// deployments. Layout: one hash per session, a pair index key, and a room
// membership set, all expiring together.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Get retrieves a session hash. Returns nil if not found.
func (r *RedisStore) Get(ctx context.Context, connID string) (*Session, error) {
	var s Session
	if err := r.client.HGetAll(ctx, sessionPrefix+connID).Scan(&s); err != nil {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}
	if s.ConnectionID == "" {
		return nil, nil // not found
	}
	return &s, nil
}

// Put registers a session, atomically swapping the pair index. The previous
// holder of the (email, room) pair, if any, is fetched and removed before
// the new session is written.
func (r *RedisStore) Put(ctx context.Context, s *Session) (*Session, error) {
	if s.JoinedAt == 0 {
		s.JoinedAt = time.Now().UnixMilli()
	}
	pairKey := pairPrefix + pairKey(s.Email, s.RoomID)

	oldConn, err := r.client.GetSet(ctx, pairKey, s.ConnectionID).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("session: redis pair swap: %w", err)
	}

	var evicted *Session
	if oldConn != "" && oldConn != s.ConnectionID {
		evicted, err = r.Get(ctx, oldConn)
		if err != nil {
			return nil, err
		}
		pipe := r.client.Pipeline()
		pipe.Del(ctx, sessionPrefix+oldConn)
		pipe.SRem(ctx, roomPrefix+s.RoomID, oldConn)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("session: redis evict: %w", err)
		}
	}

	fields := map[string]interface{}{
		"connection_id": s.ConnectionID,
		"user_id":       s.UserID,
		"email":         s.Email,
		"room_id":       s.RoomID,
		"joined_at":     s.JoinedAt,
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, sessionPrefix+s.ConnectionID, fields)
	pipe.Expire(ctx, sessionPrefix+s.ConnectionID, sessionTTL)
	pipe.Expire(ctx, pairKey, sessionTTL)
	pipe.SAdd(ctx, roomPrefix+s.RoomID, s.ConnectionID)
	pipe.Expire(ctx, roomPrefix+s.RoomID, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("session: redis put: %w", err)
	}
	return evicted, nil
}

// Remove deletes a session and its indexes.
func (r *RedisStore) Remove(ctx context.Context, connID string) error {
	s, err := r.Get(ctx, connID)
	if err != nil {
		return err
	}
	if s == nil {
		return nil
	}

	pipe := r.client.Pipeline()
	pipe.Del(ctx, sessionPrefix+connID)
	pipe.SRem(ctx, roomPrefix+s.RoomID, connID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: redis remove: %w", err)
	}

	// Clear the pair index only if this connection still owns it.
	pk := pairPrefix + pairKey(s.Email, s.RoomID)
	current, err := r.client.Get(ctx, pk).Result()
	if err == nil && current == connID {
		r.client.Del(ctx, pk)
	}
	return nil
}

// ListByRoom returns all sessions joined to a room, skipping stale set
// members whose hashes have expired.
func (r *RedisStore) ListByRoom(ctx context.Context, roomID string) ([]*Session, error) {
	ids, err := r.client.SMembers(ctx, roomPrefix+roomID).Result()
	if err != nil {
		return nil, fmt.Errorf("session: redis list: %w", err)
	}

	var out []*Session
	for _, id := range ids {
		s, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			r.client.SRem(ctx, roomPrefix+roomID, id)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (r *RedisStore) Client() *redis.Client {
	return r.client
}
