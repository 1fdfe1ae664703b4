package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/kindline/chat-app/internal/storage"
)

// Validation and authorization errors. None of these mutate state.
var (
	ErrEmptyText   = errors.New("message: text is empty")
	ErrTextTooLong = fmt.Errorf("message: text exceeds %d characters", MaxTextChars)
	ErrInvalidUTF8 = errors.New("message: text contains invalid UTF-8")
	ErrNoRoom      = errors.New("message: room id is required")
	ErrNoSender    = errors.New("message: sender identity is required")
	ErrTransient   = errors.New("message: transient messages are not persisted")
	ErrNotFound    = errors.New("message: not found")
	ErrNotOwner    = errors.New("message: requester is not the sender")
)

const (
	// createAttempts bounds the retry loop for transient storage faults.
	createAttempts = 3
	// createBackoff is the base delay, doubling per attempt.
	createBackoff = 100 * time.Millisecond
)

// Patch describes an owner-only mutation. Nil fields are left untouched.
type Patch struct {
	Text         *string
	FlaggedBy    []string
	RiskLevel    *string
	Rewritten    *bool
	OriginalText *string
}

// Store persists messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ValidateText checks user-message content requirements. System messages
// are exempted by Create.
func ValidateText(text string) error {
	if len(strings.TrimSpace(text)) == 0 {
		return ErrEmptyText
	}
	if !utf8.ValidString(text) {
		return ErrInvalidUTF8
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return ErrTextTooLong
	}
	return nil
}

const messageColumns = `
	id, room_id, sender, kind, text, COALESCE(thread_id, ''), created_at,
	edited, COALESCE(edited_at, 'epoch'::timestamptz),
	deleted, COALESCE(deleted_at, 'epoch'::timestamptz),
	reactions, flagged_by,
	COALESCE(risk_level, ''), rewritten, COALESCE(original_text, '')`

// Create validates and inserts a message, retrying transient storage faults
// with bounded exponential backoff before raising a hard failure. The
// message's ID and CreatedAt are filled in if absent; the server-assigned
// timestamp is the ordering authority.
func (s *Store) Create(ctx context.Context, m *Message) error {
	if m.Transient {
		return ErrTransient
	}
	if m.RoomID == "" {
		return ErrNoRoom
	}
	if m.Sender == "" {
		return ErrNoSender
	}
	if m.Kind == "" {
		m.Kind = KindUser
	}
	if m.Kind != KindSystem {
		if err := ValidateText(m.Text); err != nil {
			return err
		}
	}

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	m.Sender = strings.ToLower(m.Sender)
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Reactions == nil {
		m.Reactions = map[string][]string{}
	}
	if m.FlaggedBy == nil {
		m.FlaggedBy = []string{}
	}

	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return fmt.Errorf("message: marshal reactions: %w", err)
	}
	flaggedBy, err := json.Marshal(m.FlaggedBy)
	if err != nil {
		return fmt.Errorf("message: marshal flagged_by: %w", err)
	}

	const query = `
		INSERT INTO messages
			(id, room_id, sender, kind, text, thread_id, created_at,
			 reactions, flagged_by, risk_level, rewritten, original_text)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, NULLIF($10, ''), $11, NULLIF($12, ''))`

	var lastErr error
	backoff := createBackoff
	for attempt := 1; attempt <= createAttempts; attempt++ {
		_, lastErr = s.db.ExecContext(ctx, query,
			m.ID, m.RoomID, m.Sender, m.Kind, m.Text, m.ThreadID, m.CreatedAt,
			reactions, flaggedBy, m.RiskLevel, m.Rewritten, m.OriginalText,
		)
		if lastErr == nil {
			return nil
		}
		if !storage.IsTransient(lastErr) {
			return fmt.Errorf("message: insert: %w", lastErr)
		}

		log.Printf("message: transient insert fault id=%s attempt=%d/%d: %v",
			m.ID, attempt, createAttempts, lastErr)
		if attempt < createAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("message: insert: %w", ctx.Err())
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("message: insert after %d attempts: %w", createAttempts, lastErr)
}

// Get returns a non-deleted message by id.
func (s *Store) Get(ctx context.Context, id string) (*Message, error) {
	return s.get(ctx, id, false)
}

// GetAudit returns a message by id including tombstoned ones. This is the
// single internal read path that can see deleted messages.
func (s *Store) GetAudit(ctx context.Context, id string) (*Message, error) {
	return s.get(ctx, id, true)
}

func (s *Store) get(ctx context.Context, id string, includeDeleted bool) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	if !includeDeleted {
		query += ` AND NOT deleted`
	}

	m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: get: %w", err)
	}
	return m, nil
}

// Update applies an owner-only patch. The requester must match the original
// sender case-insensitively; otherwise nothing is mutated. A text patch
// marks the message edited and stamps edited_at.
func (s *Store) Update(ctx context.Context, id, requester string, patch Patch) (*Message, error) {
	requester = strings.ToLower(requester)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("message: begin: %w", err)
	}
	defer tx.Rollback()

	m, err := lockMessage(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if m.Sender != requester {
		return nil, ErrNotOwner
	}

	now := time.Now().UTC()
	if patch.Text != nil {
		if err := ValidateText(*patch.Text); err != nil {
			return nil, err
		}
		m.Text = *patch.Text
		m.Edited = true
		m.EditedAt = now
	}
	if patch.FlaggedBy != nil {
		m.FlaggedBy = patch.FlaggedBy
	}
	if patch.RiskLevel != nil {
		m.RiskLevel = *patch.RiskLevel
	}
	if patch.Rewritten != nil {
		m.Rewritten = *patch.Rewritten
	}
	if patch.OriginalText != nil {
		m.OriginalText = *patch.OriginalText
	}

	if err := writeMessage(ctx, tx, m); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("message: commit: %w", err)
	}
	return m, nil
}

// Delete soft-deletes a message owned by the requester. The tombstone is
// permanent; external reads never see the message again.
func (s *Store) Delete(ctx context.Context, id, requester string) error {
	requester = strings.ToLower(requester)

	const query = `
		UPDATE messages SET deleted = TRUE, deleted_at = NOW()
		WHERE id = $1 AND NOT deleted AND sender = $2`

	res, err := s.db.ExecContext(ctx, query, id, requester)
	if err != nil {
		return fmt.Errorf("message: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("message: delete rows: %w", err)
	}
	if n == 0 {
		// Distinguish "not found" from "not yours" for the error reply.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotOwner
	}
	return nil
}

// ToggleReaction adds identity to the emoji's reaction set when absent and
// removes it when present. The row lock serializes concurrent toggles on
// the same message so no update is lost. An emptied set is pruned. Any room
// member may react; ownership is not required.
func (s *Store) ToggleReaction(ctx context.Context, id, emoji, identity string) (*Message, error) {
	if strings.TrimSpace(emoji) == "" {
		return nil, fmt.Errorf("message: emoji is required: %w", ErrEmptyText)
	}
	identity = strings.ToLower(identity)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("message: begin: %w", err)
	}
	defer tx.Rollback()

	m, err := lockMessage(ctx, tx, id)
	if err != nil {
		return nil, err
	}

	set := m.Reactions[emoji]
	idx := -1
	for i, member := range set {
		if member == identity {
			idx = i
			break
		}
	}
	if idx >= 0 {
		set = append(set[:idx], set[idx+1:]...)
	} else {
		set = append(set, identity)
		sort.Strings(set)
	}
	if len(set) == 0 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = set
	}

	if err := writeMessage(ctx, tx, m); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("message: commit: %w", err)
	}
	return m, nil
}

// lockMessage reads a non-deleted message inside tx with a row lock,
// serializing read-modify-write cycles per message id.
func lockMessage(ctx context.Context, tx *sql.Tx, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1 AND NOT deleted FOR UPDATE`

	m, err := scanMessage(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("message: lock: %w", err)
	}
	return m, nil
}

// writeMessage flushes mutable fields of m inside tx.
func writeMessage(ctx context.Context, tx *sql.Tx, m *Message) error {
	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return fmt.Errorf("message: marshal reactions: %w", err)
	}
	flaggedBy, err := json.Marshal(m.FlaggedBy)
	if err != nil {
		return fmt.Errorf("message: marshal flagged_by: %w", err)
	}

	const query = `
		UPDATE messages SET
			text = $2, edited = $3, edited_at = NULLIF($4, 'epoch'::timestamptz),
			reactions = $5, flagged_by = $6,
			risk_level = NULLIF($7, ''), rewritten = $8, original_text = NULLIF($9, '')
		WHERE id = $1`

	editedAt := time.Unix(0, 0).UTC()
	if m.Edited {
		editedAt = m.EditedAt
	}
	if _, err := tx.ExecContext(ctx, query,
		m.ID, m.Text, m.Edited, editedAt, reactions, flaggedBy,
		m.RiskLevel, m.Rewritten, m.OriginalText,
	); err != nil {
		return fmt.Errorf("message: update: %w", err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanMessage.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		m                   Message
		editedAt, deletedAt time.Time
		reactions, flagged  []byte
	)
	err := row.Scan(
		&m.ID, &m.RoomID, &m.Sender, &m.Kind, &m.Text, &m.ThreadID, &m.CreatedAt,
		&m.Edited, &editedAt,
		&m.Deleted, &deletedAt,
		&reactions, &flagged,
		&m.RiskLevel, &m.Rewritten, &m.OriginalText,
	)
	if err != nil {
		return nil, err
	}
	if m.Edited {
		m.EditedAt = editedAt
	}
	if m.Deleted {
		m.DeletedAt = deletedAt
	}
	if err := json.Unmarshal(reactions, &m.Reactions); err != nil {
		return nil, fmt.Errorf("unmarshal reactions: %w", err)
	}
	if err := json.Unmarshal(flagged, &m.FlaggedBy); err != nil {
		return nil, fmt.Errorf("unmarshal flagged_by: %w", err)
	}
	return &m, nil
}
