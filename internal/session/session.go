// Package session manages join state: one authenticated connection's
// membership in a room. The registry enforces at most one live session per
// (email, room) pair — a fresh join evicts the previous one.
package session

// Session records one connection's joined state for an identity and room.
type Session struct {
	ConnectionID string `redis:"connection_id"`
	UserID       string `redis:"user_id"`
	Email        string `redis:"email"` // lowercased identity key
	RoomID       string `redis:"room_id"`
	JoinedAt     int64  `redis:"joined_at"` // unix milliseconds
}
