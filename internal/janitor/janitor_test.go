package janitor

import (
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/mbtiles"
	"tilecache/internal/tile"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func blob(i int) []byte {
	b := make([]byte, 1000)
	binary.BigEndian.PutUint32(b, uint32(i))
	return b
}

func TestCutoff(t *testing.T) {
	t.Parallel()

	base := time.Unix(1_700_000_000, 0)
	entries := []entry{
		{lastAccess: base, bytes: 10},
		{lastAccess: base.Add(2 * time.Second), bytes: 10},
		{lastAccess: base.Add(time.Second), bytes: 10},
	}
	cut, ok := cutoff(entries, 15)
	require.True(t, ok)
	assert.Equal(t, base.Add(2*time.Second), cut)

	_, ok = cutoff(entries, 30)
	assert.False(t, ok)
}

func TestShrinkToBudget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	pool := mbtiles.NewPool(mbtiles.WithClock(c.now))
	defer pool.Close()

	older, err := pool.Open(filepath.Join(dir, "older.mbtiles"), mbtiles.ReadWriteCreate)
	require.NoError(t, err)
	newer, err := pool.Open(filepath.Join(dir, "newer.mbtiles"), mbtiles.ReadWriteCreate)
	require.NoError(t, err)

	start := c.t
	for i := 0; i < 150; i++ {
		c.t = start.Add(time.Duration(i) * time.Minute)
		s := older
		if i >= 75 {
			s = newer
		}
		require.NoError(t, s.Put(tile.New(i, 0, 10), blob(i), mbtiles.Region{}))
	}
	c.t = start
	for i := 0; i < 10; i++ {
		require.NoError(t, older.Put(tile.New(i, 1, 10), blob(1000+i), mbtiles.Region{ID: 7}))
	}

	j := New(pool, dir)
	ctx := context.Background()
	u, err := j.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, u.Stores)
	assert.EqualValues(t, 160_000, u.Bytes)
	assert.EqualValues(t, 10_000, u.Pinned)

	r, err := j.ShrinkToBudget(ctx, 100_000)
	require.NoError(t, err)
	assert.EqualValues(t, 50, r.Deleted)
	assert.Equal(t, 1, r.Vacuumed)
	assert.EqualValues(t, 100_000, r.After.Bytes-r.After.Pinned)
	assert.EqualValues(t, 10_000, r.After.Pinned)
	assert.Equal(t, start.Add(49*time.Minute+time.Second), r.Cutoff)

	for i := 0; i < 10; i++ {
		_, found, err := older.Get(tile.New(i, 1, 10), mbtiles.Region{})
		require.NoError(t, err)
		assert.True(t, found, "pinned tile %d evicted", i)
	}
	_, found, err := older.Get(tile.New(49, 0, 10), mbtiles.Region{})
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = older.Get(tile.New(50, 0, 10), mbtiles.Region{})
	require.NoError(t, err)
	assert.True(t, found)

	// within budget now
	r, err = j.ShrinkToBudget(ctx, 100_000)
	require.NoError(t, err)
	assert.Zero(t, r.Deleted)
	assert.True(t, r.Cutoff.IsZero())
}
