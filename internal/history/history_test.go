package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ledger", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewStore(db)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func TestLedgerRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TransferAdded(ctx, "abc123", "audiobook.m4b", 20480, "/data/dl"))
	require.NoError(t, s.TransferCompleted(ctx, "abc123"))
	require.NoError(t, s.SeedingStopped(ctx, "abc123", 1.25, "ratio"))
	require.NoError(t, s.TransferRemoved(ctx, "abc123", true))

	events, err := s.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 4)

	kinds := make(map[string]Event, len(events))
	for _, ev := range events {
		assert.Equal(t, "abc123", ev.Fingerprint)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.CreatedAt.IsZero())
		kinds[ev.Event] = ev
	}

	added := kinds[EventAdded]
	assert.Equal(t, "audiobook.m4b", added.Name)
	assert.Equal(t, int64(20480), added.TotalBytes)
	assert.Equal(t, "/data/dl", added.Detail)

	stop := kinds[EventSeedingStop]
	assert.Equal(t, "ratio", stop.Detail)
	assert.InDelta(t, 1.25, stop.Ratio, 1e-9)

	assert.Contains(t, kinds, EventFilesDeleted)
}

func TestLedgerErrored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.TransferErrored(ctx, "def456", "disk full"))
	events, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventErrored, events[0].Event)
	assert.Equal(t, "disk full", events[0].Detail)
}

func TestListLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.TransferCompleted(ctx, "abc123"))
	}
	events, err := s.List(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, events, 3)
}
