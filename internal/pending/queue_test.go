package pending

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueuePreservesOrder(t *testing.T) {
	q := openTestQueue(t)

	first, err := q.Enqueue("first", "")
	require.NoError(t, err)
	second, err := q.Enqueue("second", "t-1")
	require.NoError(t, err)

	sends, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, sends, 2)
	require.Equal(t, first.CorrelationID, sends[0].CorrelationID)
	require.Equal(t, second.CorrelationID, sends[1].CorrelationID)
	require.Equal(t, "t-1", sends[1].ThreadID)
}

func TestMarkSentRemovesEntry(t *testing.T) {
	q := openTestQueue(t)

	s, err := q.Enqueue("hello", "")
	require.NoError(t, err)
	require.NoError(t, q.MarkSent(s.CorrelationID))

	sends, err := q.Pending()
	require.NoError(t, err)
	require.Empty(t, sends)
}

func TestMarkFailedKeepsEntryOutOfPending(t *testing.T) {
	q := openTestQueue(t)

	s, err := q.Enqueue("hello", "")
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(s.CorrelationID, "VALIDATION_ERROR"))

	sends, err := q.Pending()
	require.NoError(t, err)
	require.Empty(t, sends)
}

func TestMarkUnknownCorrelation(t *testing.T) {
	q := openTestQueue(t)
	require.ErrorIs(t, q.MarkSent("nope"), ErrNotFound)
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	q, err := Open(dir)
	require.NoError(t, err)
	_, err = q.Enqueue("one", "")
	require.NoError(t, err)
	_, err = q.Enqueue("two", "")
	require.NoError(t, err)
	require.NoError(t, q.Close())

	q, err = Open(dir)
	require.NoError(t, err)
	defer q.Close()

	third, err := q.Enqueue("three", "")
	require.NoError(t, err)
	require.Equal(t, uint64(3), third.Seq)

	sends, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, sends, 3)
	require.Equal(t, "three", sends[2].Text)
}
