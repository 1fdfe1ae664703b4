// Package room resolves a verified identity to its zero-or-one active room
// and answers membership questions. Both the real-time path and the HTTP
// history path go through the same resolver, so access can never diverge
// between the two.
package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// MinMembers is the smallest roster that can exchange messages. A lone
// member may join and read history, but sends are refused until the other
// party is provisioned.
const MinMembers = 2

// ErrNoRoom is returned when an identity has no active room. Callers must
// treat it as "no room" — rooms are never auto-created here.
var ErrNoRoom = errors.New("room: no active room for user")

// Room is a persisted channel shared by paired participants.
type Room struct {
	ID   string
	Name string
}

// Resolver answers room-resolution and membership queries from PostgreSQL.
type Resolver struct {
	db *sql.DB
}

// NewResolver creates a Resolver backed by the given database handle.
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// ResolveRoom maps a user id to its active room. Resolution order: an
// active pairing record carrying a shared room id takes precedence, then a
// direct membership lookup. Returns ErrNoRoom when neither matches.
func (r *Resolver) ResolveRoom(ctx context.Context, userID string) (*Room, error) {
	const pairingQuery = `
		SELECT ro.id, ro.name
		FROM pairings p
		JOIN rooms ro ON ro.id = p.room_id
		WHERE p.active AND (p.user_a = $1 OR p.user_b = $1)
		ORDER BY p.created_at DESC
		LIMIT 1`

	var room Room
	err := r.db.QueryRowContext(ctx, pairingQuery, userID).Scan(&room.ID, &room.Name)
	if err == nil {
		return &room, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room: pairing lookup: %w", err)
	}

	const memberQuery = `
		SELECT ro.id, ro.name
		FROM room_members m
		JOIN rooms ro ON ro.id = m.room_id
		WHERE m.user_id = $1
		ORDER BY m.added_at DESC
		LIMIT 1`

	err = r.db.QueryRowContext(ctx, memberQuery, userID).Scan(&room.ID, &room.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoRoom
	}
	if err != nil {
		return nil, fmt.Errorf("room: membership lookup: %w", err)
	}
	return &room, nil
}

// VerifyMembership is the authoritative check used identically by the
// real-time path and the HTTP path.
func (r *Resolver) VerifyMembership(ctx context.Context, userID, roomID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM room_members WHERE user_id = $1 AND room_id = $2
		)`

	var ok bool
	if err := r.db.QueryRowContext(ctx, query, userID, roomID).Scan(&ok); err != nil {
		return false, fmt.Errorf("room: verify membership: %w", err)
	}
	return ok, nil
}

// Members returns the current roster of a room as lowercased emails, in a
// stable order. Receiver identity is derived from this at read time.
func (r *Resolver) Members(ctx context.Context, roomID string) ([]string, error) {
	const query = `
		SELECT LOWER(email) FROM room_members WHERE room_id = $1 ORDER BY added_at, email`

	rows, err := r.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("room: members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("room: members scan: %w", err)
		}
		members = append(members, email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("room: members rows: %w", err)
	}
	return members, nil
}

// Receiver derives the other participant's identity from the current
// roster. Returns an empty string when the room has no other member.
func Receiver(members []string, sender string) string {
	for _, m := range members {
		if m != sender {
			return m
		}
	}
	return ""
}
