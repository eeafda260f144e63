package regions

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "offline", "regions.db"), WithClock(now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAllocatesIDs(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1_700_000_000, 0)
	s := open(t, func() time.Time { return ts })
	ctx := context.Background()

	a := &Region{Title: "a", Source: "osm", MaxZoom: 14}
	require.NoError(t, s.Insert(ctx, a))
	assert.Equal(t, ts.Unix(), a.MapID)
	assert.Equal(t, ts.Unix(), a.Timestamp)

	// same second: one past the largest id
	b := &Region{Title: "b", Source: "osm"}
	require.NoError(t, s.Insert(ctx, b))
	assert.Equal(t, ts.Unix()+1, b.MapID)

	next, err := s.NextID(ctx)
	require.NoError(t, err)
	assert.Equal(t, ts.Unix()+2, next)
}

func TestLifecycle(t *testing.T) {
	t.Parallel()

	ts := time.Unix(1_700_000_000, 0)
	s := open(t, func() time.Time { return ts })
	ctx := context.Background()

	first := &Region{MapID: 10, Title: "first", Timestamp: 100, Lng0: -122.44, Lat0: 37.76, Lng1: -122.42, Lat1: 37.78}
	second := &Region{MapID: 5, Title: "second", Timestamp: 200}
	require.NoError(t, s.Insert(ctx, second))
	require.NoError(t, s.Insert(ctx, first))

	pending, err := s.EnumeratePending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].Title)
	assert.InDelta(t, -122.44, pending[0].Lng0, 1e-9)

	require.NoError(t, s.MarkDone(ctx, 10))
	pending, err = s.EnumeratePending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.EqualValues(t, 5, pending[0].MapID)

	all, err := s.EnumerateAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Done)

	got, err := s.Get(ctx, 10)
	require.NoError(t, err)
	assert.True(t, got.Done)

	require.NoError(t, s.Delete(ctx, 10))
	_, err = s.Get(ctx, 10)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, 10), ErrNotFound)
	assert.ErrorIs(t, s.MarkDone(ctx, 10), ErrNotFound)
}
