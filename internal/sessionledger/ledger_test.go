package sessionledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordOpenThenCloseIsVisibleInRecent(t *testing.T) {
	l, err := Open(":memory:", 0)
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	start := time.Now().UTC()
	require.NoError(t, l.RecordOpen(ctx, "s1", "cam-01", "rtsp://in", start))
	require.NoError(t, l.RecordClose(ctx, "s1", start.Add(5*time.Second), []string{"person", "vehicle"}))

	recent, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, "s1", recent[0].ID)
	require.NotNil(t, recent[0].EndTs)
	require.ElementsMatch(t, []string{"person", "vehicle"}, recent[0].Classes)
}

func TestMarkArchivedSetsFlag(t *testing.T) {
	l, err := Open(":memory:", 0)
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	require.NoError(t, l.RecordOpen(ctx, "s1", "cam-01", "rtsp://in", time.Now()))
	require.NoError(t, l.MarkArchived(ctx, "s1"))

	recent, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.True(t, recent[0].Archived)
}

func TestTrimEvictsOldestBeyondRetention(t *testing.T) {
	l, err := Open(":memory:", 2)
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, l.RecordOpen(ctx, "s1", "cam-01", "rtsp://in", base))
	require.NoError(t, l.RecordOpen(ctx, "s2", "cam-01", "rtsp://in", base.Add(time.Second)))
	require.NoError(t, l.RecordOpen(ctx, "s3", "cam-01", "rtsp://in", base.Add(2*time.Second)))

	recent, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	for _, e := range recent {
		require.NotEqual(t, "s1", e.ID)
	}
}
