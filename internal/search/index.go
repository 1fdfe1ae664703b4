// Package search maintains a full-text index over user messages using
// bluge. The index tracks the message table: entries are added on create,
// replaced on edit, and removed on delete so tombstoned messages can never
// surface in results.
package search

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/blugelabs/bluge"
)

// MinQueryLength is the minimum accepted query length in runes.
const MinQueryLength = 2

// ErrQueryTooShort is returned for queries below MinQueryLength.
var ErrQueryTooShort = fmt.Errorf("search: query shorter than %d characters", MinQueryLength)

// Hit is one search result.
type Hit struct {
	MessageID string
	RoomID    string
	Sender    string
	Text      string
	Ts        int64 // unix milliseconds
}

// Result is a page of hits plus the total count for has_more computation.
type Result struct {
	Hits    []Hit
	Total   int
	HasMore bool
}

// Index wraps a bluge writer. Writes are serialized; reads open a snapshot
// reader per query.
type Index struct {
	mu     sync.Mutex
	writer *bluge.Writer
}

// Open creates or opens the index at dir.
func Open(dir string) (*Index, error) {
	writer, err := bluge.OpenWriter(bluge.DefaultConfig(dir))
	if err != nil {
		return nil, fmt.Errorf("search: open index: %w", err)
	}
	return &Index{writer: writer}, nil
}

// Add indexes (or re-indexes, on edit) a message. System messages are not
// indexed: history search covers conversation content only.
func (i *Index) Add(messageID, roomID, sender, text string, ts int64) error {
	doc := bluge.NewDocument(messageID).
		AddField(bluge.NewKeywordField("room_id", roomID).StoreValue()).
		AddField(bluge.NewKeywordField("sender", sender).StoreValue()).
		AddField(bluge.NewTextField("text", text).StoreValue()).
		AddField(bluge.NewKeywordField("ts", strconv.FormatInt(ts, 10)).StoreValue())

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.writer.Update(doc.ID(), doc); err != nil {
		return fmt.Errorf("search: index message %s: %w", messageID, err)
	}
	return nil
}

// Remove drops a message from the index. Called on soft delete.
func (i *Index) Remove(messageID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.writer.Delete(bluge.Identifier(messageID)); err != nil {
		return fmt.Errorf("search: remove message %s: %w", messageID, err)
	}
	return nil
}

// Search runs a room-scoped match query with offset paging. The query must
// be at least MinQueryLength runes after trimming.
func (i *Index) Search(ctx context.Context, roomID, query string, limit, offset int) (*Result, error) {
	query = strings.TrimSpace(query)
	if len([]rune(query)) < MinQueryLength {
		return nil, ErrQueryTooShort
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	reader, err := i.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("search: reader: %w", err)
	}
	defer reader.Close()

	q := bluge.NewBooleanQuery().
		AddMust(bluge.NewTermQuery(roomID).SetField("room_id")).
		AddMust(bluge.NewMatchQuery(query).SetField("text"))

	req := bluge.NewTopNSearch(limit, q).
		SetFrom(offset).
		WithStandardAggregations()

	iter, err := reader.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: query: %w", err)
	}

	var hits []Hit
	for {
		match, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("search: iterate: %w", err)
		}
		if match == nil {
			break
		}

		var hit Hit
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case "_id":
				hit.MessageID = string(value)
			case "room_id":
				hit.RoomID = string(value)
			case "sender":
				hit.Sender = string(value)
			case "text":
				hit.Text = string(value)
			case "ts":
				hit.Ts, _ = strconv.ParseInt(string(value), 10, 64)
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("search: stored fields: %w", err)
		}
		hits = append(hits, hit)
	}

	total := int(iter.Aggregations().Count())
	return &Result{
		Hits:    hits,
		Total:   total,
		HasMore: offset+len(hits) < total,
	}, nil
}

// Close flushes and closes the underlying writer.
func (i *Index) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.writer.Close()
}
