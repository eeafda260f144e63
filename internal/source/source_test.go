package source

import (
	"bytes"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/mbtiles"
	"tilecache/internal/tile"
	"tilecache/internal/urlclient"
	"tilecache/internal/urlclient/urlclienttest"
)

const template = "https://tiles.test/{z}/{x}/{y}.pbf"

func serve(fake *urlclienttest.Fake, tiles map[string][]byte) {
	fake.Respond(func(url string) urlclient.Response {
		if data, ok := tiles[url]; ok {
			return urlclient.Response{Data: data}
		}
		return urlclient.Response{Err: &urlclient.StatusError{URL: url, Code: 404}}
	})
}

func openStore(t *testing.T, opts ...mbtiles.Option) *mbtiles.Store {
	t.Helper()
	s, err := mbtiles.Open(filepath.Join(t.TempDir(), "cache.mbtiles"), mbtiles.ReadWriteCreate, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// load runs the task through the chain and fails if done runs zero or more
// than one time.
func load(t *testing.T, c *Chain, task *Task) *Task {
	t.Helper()
	var calls atomic.Int32
	ch := make(chan *Task, 2)
	c.Load(task, func(r *Task) {
		calls.Add(1)
		ch <- r
	})
	select {
	case r := <-ch:
		time.Sleep(10 * time.Millisecond)
		require.EqualValues(t, 1, calls.Load())
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("done never called")
	}
	return nil
}

func TestCacheFirstWritesNetworkResult(t *testing.T) {
	t.Parallel()

	fake := urlclienttest.New()
	serve(fake, map[string][]byte{"https://tiles.test/3/2/5.pbf": []byte("net")})
	store := openStore(t)
	cache := NewCacheSource("osm", store)
	defer cache.Close()
	chain := NewChain(discardLogger(), cache, NewNetworkSource("osm", template, fake))

	r := load(t, chain, NewTask(tile.New(2, 5, 3)))
	assert.True(t, r.Ready())
	assert.Equal(t, []byte("net"), r.Data())
	assert.Equal(t, 1, r.RawSource())

	got, found, err := store.Get(tile.New(2, 5, 3), mbtiles.Region{})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("net"), got.Data)

	// served from the store the second time
	r = load(t, chain, NewTask(tile.New(2, 5, 3)))
	assert.Equal(t, []byte("net"), r.Data())
	assert.Len(t, fake.Requests(), 1)
}

func TestCacheFirstMiss(t *testing.T) {
	t.Parallel()

	fake := urlclienttest.New()
	cache := NewCacheSource("osm", openStore(t))
	defer cache.Close()
	chain := NewChain(discardLogger(), cache, NewNetworkSource("osm", template, fake))

	r := load(t, chain, NewTask(tile.New(0, 0, 1)))
	assert.False(t, r.Ready())
	assert.False(t, r.HasData())
	assert.True(t, urlclient.IsPermanent(r.Err()))
}

func TestPassThroughWithoutStore(t *testing.T) {
	t.Parallel()

	fake := urlclienttest.New()
	serve(fake, map[string][]byte{"https://tiles.test/1/0/0.pbf": []byte("net")})
	chain := NewChain(discardLogger(), NewCacheSource("osm", nil), NewNetworkSource("osm", template, fake))

	r := load(t, chain, NewTask(tile.New(0, 0, 1)))
	assert.Equal(t, []byte("net"), r.Data())
}

func TestOfflineFallback(t *testing.T) {
	t.Parallel()

	fake := urlclienttest.New()
	serve(fake, map[string][]byte{"https://tiles.test/1/1/1.pbf": []byte("fresh")})
	store := openStore(t)
	require.NoError(t, store.Put(tile.New(0, 0, 1), []byte("offline"), mbtiles.Region{}))
	cache := NewCacheSource("osm", store, WithMode(OfflineFallback))
	defer cache.Close()
	chain := NewChain(discardLogger(), cache, NewNetworkSource("osm", template, fake))

	// network failure falls back to the store
	r := load(t, chain, NewTask(tile.New(0, 0, 1)))
	assert.True(t, r.Ready())
	assert.Equal(t, []byte("offline"), r.Data())
	assert.NoError(t, r.Err())

	// network success passes through
	r = load(t, chain, NewTask(tile.New(1, 1, 1)))
	assert.Equal(t, []byte("fresh"), r.Data())

	// both miss
	r = load(t, chain, NewTask(tile.New(1, 0, 1)))
	assert.False(t, r.Ready())
	assert.Len(t, fake.Requests(), 3)
}

func TestCanceledBeforeLoad(t *testing.T) {
	t.Parallel()

	fake := urlclienttest.New()
	cache := NewCacheSource("osm", openStore(t))
	defer cache.Close()
	chain := NewChain(discardLogger(), cache, NewNetworkSource("osm", template, fake))

	task := NewTask(tile.New(0, 0, 0))
	task.Cancel(fake)
	r := load(t, chain, task)
	assert.True(t, r.Canceled())
	assert.False(t, r.Ready())
	assert.Empty(t, fake.Requests())
}

func TestCancelInFlight(t *testing.T) {
	t.Parallel()

	fake := urlclienttest.New()
	serve(fake, map[string][]byte{"https://tiles.test/0/0/0.pbf": []byte("late")})
	fake.Hold(true)
	store := openStore(t)
	cache := NewCacheSource("osm", store)
	defer cache.Close()
	chain := NewChain(discardLogger(), cache, NewNetworkSource("osm", template, fake))

	task := NewTask(tile.New(0, 0, 0))
	var calls atomic.Int32
	ch := make(chan *Task, 2)
	chain.Load(task, func(r *Task) {
		calls.Add(1)
		ch <- r
	})
	require.Eventually(t, func() bool { return fake.Held() == 1 }, 5*time.Second, 5*time.Millisecond)

	task.Cancel(fake)
	select {
	case r := <-ch:
		assert.True(t, r.Canceled())
		assert.ErrorIs(t, r.Err(), urlclient.ErrCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("done never called")
	}
	fake.Wait()
	assert.EqualValues(t, 1, calls.Load())
	_, found, err := store.Get(tile.New(0, 0, 0), mbtiles.Region{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStaleTile(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	fake := urlclienttest.New()
	store := openStore(t, mbtiles.WithClock(clock))
	require.NoError(t, store.Put(tile.New(0, 0, 1), []byte("old"), mbtiles.Region{}))
	require.NoError(t, store.Put(tile.New(1, 0, 1), []byte("old"), mbtiles.Region{}))
	serve(fake, map[string][]byte{"https://tiles.test/1/1/0.pbf": []byte("new")})

	later := func() time.Time { return now.Add(2 * time.Hour) }
	cache := NewCacheSource("osm", store, WithMaxAge(time.Hour), WithClock(later))
	defer cache.Close()
	chain := NewChain(discardLogger(), cache, NewNetworkSource("osm", template, fake))

	// refetch fails, stale bytes are served and not rewritten
	r := load(t, chain, NewTask(tile.New(0, 0, 1)))
	assert.Equal(t, []byte("old"), r.Data())
	got, _, err := store.Get(tile.New(0, 0, 1), mbtiles.Region{})
	require.NoError(t, err)
	assert.Equal(t, now.Unix(), got.CreatedAt.Unix())

	// refetch succeeds
	r = load(t, chain, NewTask(tile.New(1, 0, 1)))
	assert.Equal(t, []byte("new"), r.Data())
	got, _, err = store.Get(tile.New(1, 0, 1), mbtiles.Region{})
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got.Data)
}

func TestGzipPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("vector tile"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	fake := urlclienttest.New()
	serve(fake, map[string][]byte{"https://tiles.test/0/0/0.pbf": buf.Bytes()})
	store := openStore(t)
	cache := NewCacheSource("osm", store)
	defer cache.Close()
	chain := NewChain(discardLogger(), cache, NewNetworkSource("osm", template, fake))

	r := load(t, chain, NewTask(tile.New(0, 0, 0)))
	assert.Equal(t, []byte("vector tile"), r.Data())
	assert.Equal(t, buf.Bytes(), r.Raw())
	assert.Equal(t, mbtiles.CompressionUndefined, store.Compression())

	got, found, err := store.Get(tile.New(0, 0, 0), mbtiles.Region{})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("vector tile"), got.Data)
	assert.Equal(t, mbtiles.Hash(buf.Bytes()), got.Hash)
}

func TestRegionTagging(t *testing.T) {
	t.Parallel()

	fake := urlclienttest.New()
	serve(fake, map[string][]byte{"https://tiles.test/1/1/1.pbf": []byte("net")})
	store := openStore(t)
	require.NoError(t, store.Put(tile.New(0, 0, 1), []byte("cached"), mbtiles.Region{}))
	cache := NewCacheSource("osm", store)
	defer cache.Close()
	chain := NewChain(discardLogger(), NewMemorySource(16), cache, NewNetworkSource("osm", template, fake))

	region := mbtiles.Region{ID: 77, Mode: mbtiles.TagOnly}
	r := load(t, chain, NewTask(tile.New(0, 0, 1), WithRegion(region)))
	assert.Equal(t, mbtiles.Sentinel, r.Data())
	r = load(t, chain, NewTask(tile.New(1, 1, 1), WithRegion(region)))
	assert.Equal(t, []byte("net"), r.Data())

	size, err := store.OfflineSize()
	require.NoError(t, err)
	assert.EqualValues(t, len("cached")+len("net"), size)
}

func TestMemorySourceCollapsesLoads(t *testing.T) {
	t.Parallel()

	fake := urlclienttest.New()
	serve(fake, map[string][]byte{"https://tiles.test/2/1/1.pbf": []byte("net")})
	fake.Hold(true)
	mem := NewMemorySource(2)
	chain := NewChain(discardLogger(), mem, NewNetworkSource("osm", template, fake))

	results := make(chan *Task, 3)
	for i := 0; i < 3; i++ {
		chain.Load(NewTask(tile.New(1, 1, 2)), func(r *Task) { results <- r })
	}
	require.Eventually(t, func() bool { return fake.Held() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	fake.Release(1)
	for i := 0; i < 3; i++ {
		select {
		case r := <-results:
			assert.Equal(t, []byte("net"), r.Data())
		case <-time.After(5 * time.Second):
			t.Fatal("done never called")
		}
	}
	fake.Hold(false)
	assert.Len(t, fake.Requests(), 1)
	assert.Equal(t, 1, mem.Len())

	r := load(t, chain, NewTask(tile.New(1, 1, 2)))
	assert.Equal(t, []byte("net"), r.Data())
	assert.Len(t, fake.Requests(), 1)
}

func TestMemorySourceCancelKeepsSharedLoad(t *testing.T) {
	t.Parallel()

	fake := urlclienttest.New()
	serve(fake, map[string][]byte{"https://tiles.test/2/1/1.pbf": []byte("net")})
	fake.Hold(true)
	mem := NewMemorySource(2)
	chain := NewChain(discardLogger(), mem, NewNetworkSource("osm", template, fake))

	first := make(chan *Task, 1)
	a := NewTask(tile.New(1, 1, 2))
	chain.Load(a, func(r *Task) { first <- r })
	require.Eventually(t, func() bool { return fake.Held() == 1 }, 5*time.Second, 5*time.Millisecond)
	second := make(chan *Task, 1)
	b := NewTask(tile.New(1, 1, 2))
	chain.Load(b, func(r *Task) { second <- r })

	a.Cancel(fake)
	select {
	case r := <-first:
		assert.True(t, r.Canceled())
		assert.False(t, r.HasData())
	case <-time.After(5 * time.Second):
		t.Fatal("canceled caller never completed")
	}
	assert.Equal(t, 1, fake.Held())

	fake.Release(1)
	select {
	case r := <-second:
		assert.False(t, r.Canceled())
		assert.NoError(t, r.Err())
		assert.Equal(t, []byte("net"), r.Data())
	case <-time.After(5 * time.Second):
		t.Fatal("done never called")
	}
	fake.Wait()
	assert.Len(t, fake.Requests(), 1)
	assert.Equal(t, 1, mem.Len())
}

func TestMemorySourceLastCancelAborts(t *testing.T) {
	t.Parallel()

	fake := urlclienttest.New()
	serve(fake, map[string][]byte{"https://tiles.test/2/1/1.pbf": []byte("net")})
	fake.Hold(true)
	mem := NewMemorySource(2)
	chain := NewChain(discardLogger(), mem, NewNetworkSource("osm", template, fake))

	results := make(chan *Task, 2)
	a, b := NewTask(tile.New(1, 1, 2)), NewTask(tile.New(1, 1, 2))
	chain.Load(a, func(r *Task) { results <- r })
	chain.Load(b, func(r *Task) { results <- r })
	require.Eventually(t, func() bool { return fake.Held() == 1 }, 5*time.Second, 5*time.Millisecond)

	a.Cancel(fake)
	b.Cancel(fake)
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			assert.True(t, r.Canceled())
		case <-time.After(5 * time.Second):
			t.Fatal("done never called")
		}
	}
	require.Eventually(t, func() bool { return fake.Held() == 0 }, 5*time.Second, 5*time.Millisecond)
	fake.Wait()
	assert.Zero(t, mem.Len())

	// a new caller is not joined to the aborted load
	fake.Hold(false)
	r := load(t, chain, NewTask(tile.New(1, 1, 2)))
	assert.Equal(t, []byte("net"), r.Data())
	assert.Len(t, fake.Requests(), 2)
}

func TestMemorySourceEvicts(t *testing.T) {
	t.Parallel()

	mem := NewMemorySource(2)
	mem.set(tile.New(0, 0, 1), []byte("a"))
	mem.set(tile.New(1, 0, 1), []byte("b"))
	_, _ = mem.get(tile.New(0, 0, 1))
	mem.set(tile.New(0, 1, 1), []byte("c"))

	_, ok := mem.get(tile.New(1, 0, 1))
	assert.False(t, ok)
	_, ok = mem.get(tile.New(0, 0, 1))
	assert.True(t, ok)
	assert.Equal(t, 2, mem.Len())
}

func TestSubdomainRotation(t *testing.T) {
	t.Parallel()

	n := NewNetworkSource("osm", "https://{s}.tiles.test/{z}/{x}/{y}.png", urlclienttest.New(),
		WithURLOptions(tile.URLOptions{Subdomains: []string{"a", "b", "c"}}))
	var hosts []string
	for i := 0; i < 4; i++ {
		hosts = append(hosts, n.URL(tile.New(0, 0, 0))[8:9])
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, hosts)
}

func TestURLFunction(t *testing.T) {
	t.Parallel()

	fake := urlclienttest.New()
	serve(fake, map[string][]byte{"https://fn.test/3": []byte("fn")})
	n := NewNetworkSource("fn", "function(x, y, z) { ... }", fake,
		WithURLFunc(func(id tile.ID) string { return "https://fn.test/" + id.Quadkey() }))
	chain := NewChain(discardLogger(), n)

	r := load(t, chain, NewTask(tile.New(1, 1, 1)))
	assert.Equal(t, []byte("fn"), r.Data())

	none := NewChain(discardLogger(), NewNetworkSource("fn", "function() {}", fake))
	r = load(t, none, NewTask(tile.New(1, 1, 1)))
	assert.ErrorIs(t, r.Err(), ErrNoURL)
}

func TestURLFunctionResultExpanded(t *testing.T) {
	t.Parallel()

	n := NewNetworkSource("fn", "function(x, y, z) { ... }", urlclienttest.New(),
		WithURLOptions(tile.URLOptions{Subdomains: []string{"a", "b"}}),
		WithURLFunc(func(id tile.ID) string {
			if id.Z == 0 {
				return "https://fn.test/{z}"
			}
			return "https://{s}.fn.test/{z}/{x}/{y}"
		}))

	// the rotation advances even when the URL has no {s}
	assert.Equal(t, "https://fn.test/0", n.URL(tile.New(0, 0, 0)))
	assert.Equal(t, "https://b.fn.test/1/1/0", n.URL(tile.New(1, 0, 1)))
	assert.Equal(t, "https://a.fn.test/1/1/0", n.URL(tile.New(1, 0, 1)))
}

func TestTaskShares(t *testing.T) {
	t.Parallel()

	task := NewTask(tile.New(0, 0, 0))
	task.Share()
	assert.False(t, task.Release())
	assert.True(t, task.Release())
}

func TestTaskCancelHooks(t *testing.T) {
	t.Parallel()

	fake := urlclienttest.New()
	task := NewTask(tile.New(0, 0, 0))
	var got []urlclient.Service
	task.whenCanceled(func(urls urlclient.Service) { got = append(got, urls) })
	task.Cancel(fake)
	task.Cancel(nil)
	// registered after the cancel, runs at once
	task.whenCanceled(func(urls urlclient.Service) { got = append(got, urls) })

	require.Len(t, got, 2)
	assert.Same(t, fake, got[0])
	assert.Same(t, fake, got[1])
	select {
	case <-task.canceledC:
	default:
		t.Fatal("cancel channel still open")
	}
}
