// Package pending implements the client-side durable send queue. Drafts
// survive restarts in BadgerDB until the server confirms or rejects them,
// so sends made while offline replay in order on reconnect.
package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Queued send statuses.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ErrNotFound is returned when no queued send matches the correlation ID.
var ErrNotFound = errors.New("pending: queued send not found")

// Send is one queued outbound message. CorrelationID ties server
// confirmations back to the queue entry.
type Send struct {
	Seq           uint64    `json:"seq"`
	CorrelationID string    `json:"correlation_id"`
	Text          string    `json:"text"`
	ThreadID      string    `json:"thread_id,omitempty"`
	Status        string    `json:"status"`
	ErrorCode     string    `json:"error_code,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// Queue is the durable send queue. Keys are zero-padded sequence numbers so
// Badger's lexicographic iteration yields enqueue order.
type Queue struct {
	db  *badger.DB
	mu  sync.Mutex
	seq uint64
}

// Open opens (or creates) the queue at dir. The sequence counter resumes
// from the highest existing key.
func Open(dir string) (*Queue, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("pending: open queue: %w", err)
	}

	q := &Queue{db: db}
	if err := q.restoreSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// restoreSeq scans for the last used key so new entries keep ordering
// across restarts.
func (q *Queue) restoreSeq() error {
	return q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		// Seek past the entire prefix range, backwards.
		it.Seek([]byte("send:\xff"))
		if it.ValidForPrefix([]byte("send:")) {
			var last Send
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &last)
			})
			if err != nil {
				return fmt.Errorf("pending: restore seq: %w", err)
			}
			q.seq = last.Seq
		}
		return nil
	})
}

func sendKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("send:%020d", seq))
}

// Enqueue durably stores a draft and returns the queue entry, including
// the correlation ID the client attaches to the send event.
func (q *Queue) Enqueue(text, threadID string) (Send, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	s := Send{
		Seq:           q.seq,
		CorrelationID: uuid.New().String(),
		Text:          text,
		ThreadID:      threadID,
		Status:        StatusPending,
		EnqueuedAt:    time.Now(),
	}

	data, err := json.Marshal(s)
	if err != nil {
		return Send{}, fmt.Errorf("pending: marshal: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sendKey(s.Seq), data)
	})
	if err != nil {
		return Send{}, fmt.Errorf("pending: enqueue: %w", err)
	}
	return s, nil
}

// Pending returns all unconfirmed sends in enqueue order.
func (q *Queue) Pending() ([]Send, error) {
	var sends []Send
	prefix := []byte("send:")

	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var s Send
			err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &s)
			})
			if err != nil {
				return fmt.Errorf("pending: unmarshal: %w", err)
			}
			if s.Status == StatusPending {
				sends = append(sends, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sends, nil
}

// MarkSent removes a confirmed send from the queue: once the server has
// persisted the message there is nothing left to replay.
func (q *Queue) MarkSent(correlationID string) error {
	return q.update(correlationID, func(s *Send) bool {
		return true // delete
	}, StatusSent, "")
}

// MarkFailed keeps the entry with its rejection code so the client can
// surface it; a failed send is not retried automatically.
func (q *Queue) MarkFailed(correlationID, errorCode string) error {
	return q.update(correlationID, func(s *Send) bool {
		return false
	}, StatusFailed, errorCode)
}

// update locates the entry by correlation ID and either deletes it or
// rewrites it with the new status.
func (q *Queue) update(correlationID string, remove func(*Send) bool, status, errorCode string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("send:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var s Send
			err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &s)
			})
			if err != nil {
				return fmt.Errorf("pending: unmarshal: %w", err)
			}
			if s.CorrelationID != correlationID {
				continue
			}

			key := item.KeyCopy(nil)
			if remove(&s) {
				return txn.Delete(key)
			}

			s.Status = status
			s.ErrorCode = errorCode
			data, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("pending: marshal: %w", err)
			}
			return txn.Set(key, data)
		}
		return ErrNotFound
	})
}

// Close closes the underlying database.
func (q *Queue) Close() error {
	return q.db.Close()
}
