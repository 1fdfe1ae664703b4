package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestAddAndSearch(t *testing.T) {
	req := require.New(t)
	idx := newTestIndex(t)
	ctx := context.Background()

	req.NoError(idx.Add("m1", "r1", "a@x.com", "pickup is at the school gate", 1000))
	req.NoError(idx.Add("m2", "r1", "b@x.com", "dentist appointment moved", 2000))
	req.NoError(idx.Add("m3", "r2", "c@x.com", "school fees are due", 3000))

	res, err := idx.Search(ctx, "r1", "school", 20, 0)
	req.NoError(err)
	req.Equal(1, res.Total)
	req.Len(res.Hits, 1)
	req.Equal("m1", res.Hits[0].MessageID)
	req.Equal("a@x.com", res.Hits[0].Sender)
	req.Equal(int64(1000), res.Hits[0].Ts)
	req.False(res.HasMore)
}

func TestSearchIsRoomScoped(t *testing.T) {
	req := require.New(t)
	idx := newTestIndex(t)
	ctx := context.Background()

	req.NoError(idx.Add("m1", "r1", "a@x.com", "holiday plans", 1000))
	req.NoError(idx.Add("m2", "r2", "b@x.com", "holiday plans", 2000))

	res, err := idx.Search(ctx, "r1", "holiday", 20, 0)
	req.NoError(err)
	req.Len(res.Hits, 1)
	req.Equal("r1", res.Hits[0].RoomID)
}

func TestRemoveExcludesFromResults(t *testing.T) {
	req := require.New(t)
	idx := newTestIndex(t)
	ctx := context.Background()

	req.NoError(idx.Add("m1", "r1", "a@x.com", "soccer practice", 1000))
	req.NoError(idx.Remove("m1"))

	res, err := idx.Search(ctx, "r1", "soccer", 20, 0)
	req.NoError(err)
	req.Equal(0, res.Total)
	req.Empty(res.Hits)
}

func TestEditReplacesDocument(t *testing.T) {
	req := require.New(t)
	idx := newTestIndex(t)
	ctx := context.Background()

	req.NoError(idx.Add("m1", "r1", "a@x.com", "original text", 1000))
	req.NoError(idx.Add("m1", "r1", "a@x.com", "revised wording", 1000))

	res, err := idx.Search(ctx, "r1", "original", 20, 0)
	req.NoError(err)
	req.Equal(0, res.Total)

	res, err = idx.Search(ctx, "r1", "revised", 20, 0)
	req.NoError(err)
	req.Equal(1, res.Total)
}

func TestPaginationAndTotal(t *testing.T) {
	req := require.New(t)
	idx := newTestIndex(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		req.NoError(idx.Add(
			string(rune('a'+i)), "r1", "a@x.com", "weekend schedule update", int64(i)*1000,
		))
	}

	res, err := idx.Search(ctx, "r1", "schedule", 2, 0)
	req.NoError(err)
	req.Equal(5, res.Total)
	req.Len(res.Hits, 2)
	req.True(res.HasMore)

	res, err = idx.Search(ctx, "r1", "schedule", 2, 4)
	req.NoError(err)
	req.Len(res.Hits, 1)
	req.False(res.HasMore)
}

func TestQueryTooShort(t *testing.T) {
	idx := newTestIndex(t)

	_, err := idx.Search(context.Background(), "r1", "a", 20, 0)
	require.ErrorIs(t, err, ErrQueryTooShort)

	_, err = idx.Search(context.Background(), "r1", "  x  ", 20, 0)
	require.ErrorIs(t, err, ErrQueryTooShort)
}
