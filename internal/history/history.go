// Package history serves chronological reads over the message table:
// the initial join snapshot, strictly-older pages, jump-to-message context
// windows, and the offset-based HTTP listing. Tombstoned messages are
// excluded from every query here.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/kindline/chat-app/internal/message"
)

const (
	// SnapshotLimit is the size of the initial join snapshot.
	SnapshotLimit = 500

	// DefaultPageLimit applies when a load-older request leaves limit unset.
	DefaultPageLimit = 50

	// MaxPageLimit caps any single page, WS or HTTP.
	MaxPageLimit = 500

	// JumpWindow is the context radius around a jump target: that many
	// messages before and after.
	JumpWindow = 25
)

// ErrNotFound is returned when a jump target does not exist or is deleted.
var ErrNotFound = errors.New("history: message not found")

// Service answers history queries from PostgreSQL.
type Service struct {
	db *sql.DB
}

// NewService creates a history service backed by the given database handle.
func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

const selectColumns = `
	id, room_id, sender, kind, text, COALESCE(thread_id, ''), created_at,
	edited, COALESCE(edited_at, 'epoch'::timestamptz),
	reactions, COALESCE(risk_level, ''), rewritten`

// Snapshot returns the newest SnapshotLimit non-system messages of a room
// in chronological order, plus whether older messages exist beyond them.
func (s *Service) Snapshot(ctx context.Context, roomID string) ([]*message.Message, bool, error) {
	const query = `
		SELECT ` + selectColumns + `
		FROM messages
		WHERE room_id = $1 AND NOT deleted AND kind <> 'system'
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	msgs, err := s.query(ctx, query, roomID, SnapshotLimit+1)
	if err != nil {
		return nil, false, fmt.Errorf("history: snapshot: %w", err)
	}

	hasMore := len(msgs) > SnapshotLimit
	if hasMore {
		msgs = msgs[:SnapshotLimit]
	}
	reverse(msgs)
	return msgs, hasMore, nil
}

// LoadOlder returns a strictly-older page. Rows are fetched newest-first and
// re-sorted to chronological for delivery. The (before, beforeID) composite
// cursor breaks timestamp ties so paging never skips or repeats a message.
// An empty beforeID falls back to a timestamp-only bound.
func (s *Service) LoadOlder(ctx context.Context, roomID string, before time.Time, beforeID string, limit int) ([]*message.Message, bool, error) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	const query = `
		SELECT ` + selectColumns + `
		FROM messages
		WHERE room_id = $1 AND NOT deleted AND kind <> 'system'
		  AND (created_at < $2 OR ($4 <> '' AND created_at = $2 AND id < $4))
		ORDER BY created_at DESC, id DESC
		LIMIT $3`

	msgs, err := s.query(ctx, query, roomID, before, limit+1, beforeID)
	if err != nil {
		return nil, false, fmt.Errorf("history: load older: %w", err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	reverse(msgs)
	return msgs, hasMore, nil
}

// JumpTo returns a symmetric context window around the target message:
// JumpWindow messages on each side plus the target itself, chronological.
// The two sides are fetched in one combined query.
func (s *Service) JumpTo(ctx context.Context, roomID, messageID string) ([]*message.Message, error) {
	target, err := s.lookupTarget(ctx, roomID, messageID)
	if err != nil {
		return nil, err
	}

	const query = `
		(SELECT ` + selectColumns + `
		 FROM messages
		 WHERE room_id = $1 AND NOT deleted AND kind <> 'system'
		   AND (created_at < $2 OR (created_at = $2 AND id <= $3))
		 ORDER BY created_at DESC, id DESC
		 LIMIT $4)
		UNION ALL
		(SELECT ` + selectColumns + `
		 FROM messages
		 WHERE room_id = $1 AND NOT deleted AND kind <> 'system'
		   AND (created_at > $2 OR (created_at = $2 AND id > $3))
		 ORDER BY created_at ASC, id ASC
		 LIMIT $5)`

	msgs, err := s.query(ctx, query, roomID, target.CreatedAt, target.ID, JumpWindow+1, JumpWindow)
	if err != nil {
		return nil, fmt.Errorf("history: jump: %w", err)
	}

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

// Page is the HTTP listing result.
type Page struct {
	Messages []*message.Message
	Total    int
	HasMore  bool
	Limit    int
	Offset   int
}

// ListOptions filters the HTTP listing.
type ListOptions struct {
	Limit    int
	Offset   int
	Before   time.Time // zero = unbounded
	After    time.Time // zero = unbounded
	ThreadID string    // empty = all threads
}

// List serves GET /rooms/{roomId}/messages: offset paging with optional
// time-range and thread filters, returning the total count for has_more.
func (s *Service) List(ctx context.Context, roomID string, opts ListOptions) (*Page, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultPageLimit
	}
	if opts.Limit > MaxPageLimit {
		opts.Limit = MaxPageLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	where := `room_id = $1 AND NOT deleted`
	args := []interface{}{roomID}
	if !opts.Before.IsZero() {
		args = append(args, opts.Before)
		where += fmt.Sprintf(` AND created_at < $%d`, len(args))
	}
	if !opts.After.IsZero() {
		args = append(args, opts.After)
		where += fmt.Sprintf(` AND created_at > $%d`, len(args))
	}
	if opts.ThreadID != "" {
		args = append(args, opts.ThreadID)
		where += fmt.Sprintf(` AND thread_id = $%d`, len(args))
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM messages WHERE ` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("history: list count: %w", err)
	}

	args = append(args, opts.Limit, opts.Offset)
	listQuery := `SELECT ` + selectColumns + ` FROM messages WHERE ` + where +
		fmt.Sprintf(` ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	msgs, err := s.query(ctx, listQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}

	return &Page{
		Messages: msgs,
		Total:    total,
		HasMore:  opts.Offset+len(msgs) < total,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	}, nil
}

// lookupTarget resolves the jump target's cursor position within the room.
func (s *Service) lookupTarget(ctx context.Context, roomID, messageID string) (*message.Message, error) {
	const query = `
		SELECT id, created_at FROM messages
		WHERE id = $1 AND room_id = $2 AND NOT deleted`

	var m message.Message
	err := s.db.QueryRowContext(ctx, query, messageID, roomID).Scan(&m.ID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("history: lookup target: %w", err)
	}
	return &m, nil
}

func (s *Service) query(ctx context.Context, query string, args ...interface{}) ([]*message.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*message.Message
	for rows.Next() {
		m, err := scanHistoryRow(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanHistoryRow(rows *sql.Rows) (*message.Message, error) {
	var (
		m         message.Message
		editedAt  time.Time
		reactions []byte
	)
	if err := rows.Scan(
		&m.ID, &m.RoomID, &m.Sender, &m.Kind, &m.Text, &m.ThreadID, &m.CreatedAt,
		&m.Edited, &editedAt, &reactions, &m.RiskLevel, &m.Rewritten,
	); err != nil {
		return nil, err
	}
	if m.Edited {
		m.EditedAt = editedAt
	}
	if err := unmarshalReactions(reactions, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func unmarshalReactions(data []byte, m *message.Message) error {
	if len(data) == 0 {
		m.Reactions = map[string][]string{}
		return nil
	}
	if err := json.Unmarshal(data, &m.Reactions); err != nil {
		return fmt.Errorf("unmarshal reactions: %w", err)
	}
	return nil
}

func reverse(msgs []*message.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
