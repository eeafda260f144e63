package source

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"tilecache/internal/mbtiles"
	"tilecache/internal/worker"
)

// CacheMode fixes how a CacheSource composes with the next source.
type CacheMode int

const (
	// CacheFirst reads the store and goes to the next source on a miss,
	// writing what it returns.
	CacheFirst CacheMode = iota
	// OfflineFallback goes to the next source first and reads the store
	// only when that fails.
	OfflineFallback
)

// ErrClosed completes tasks submitted to a closed source.
var ErrClosed = errors.New("source: closed")

// CacheOption configures a CacheSource.
type CacheOption func(*CacheSource)

// WithMode sets the composition mode.
func WithMode(m CacheMode) CacheOption {
	return func(c *CacheSource) { c.mode = m }
}

// WithMaxAge makes cache-first hits older than d refetch from the next
// source, serving the stale bytes if that fails.
func WithMaxAge(d time.Duration) CacheOption {
	return func(c *CacheSource) { c.maxAge = d }
}

// WithCacheLogger sets the logger.
func WithCacheLogger(l logrus.FieldLogger) CacheOption {
	return func(c *CacheSource) { c.log = l }
}

// WithClock replaces time.Now for tile age checks.
func WithClock(now func() time.Time) CacheOption {
	return func(c *CacheSource) { c.now = now }
}

// CacheSource serves tiles from a tile store. All store I/O runs on the
// source's own worker. A nil store makes it a pass-through.
type CacheSource struct {
	Link
	name   string
	store  *mbtiles.Store
	mode   CacheMode
	maxAge time.Duration
	now    func() time.Time
	log    logrus.FieldLogger
	worker *worker.Queue
}

// NewCacheSource returns a source over store, which may be nil.
func NewCacheSource(name string, store *mbtiles.Store, opts ...CacheOption) *CacheSource {
	c := &CacheSource{
		name:  name,
		store: store,
		now:   time.Now,
		log:   discardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("source", name)
	if store != nil {
		c.worker = worker.New()
	}
	return c
}

// Store returns the underlying store, nil for a pass-through.
func (c *CacheSource) Store() *mbtiles.Store { return c.store }

// Close drains the worker. Tasks submitted afterwards complete as misses.
func (c *CacheSource) Close() {
	if c.worker != nil {
		c.worker.Close()
	}
}

// LoadTile implements DataSource.
func (c *CacheSource) LoadTile(t *Task, done Done) {
	if c.store == nil {
		if !c.Delegate(t, done) {
			done(t)
		}
		return
	}
	if t.RawSource() > c.Level() {
		c.loadNext(t, done)
		return
	}
	if c.mode == OfflineFallback {
		c.loadNext(t, done)
		return
	}
	c.post(t, done, func() { c.loadCacheFirst(t, done) })
}

// post runs fn on the worker unless the task is canceled by then.
func (c *CacheSource) post(t *Task, done Done, fn func()) {
	ok := c.worker.Post(func() {
		if t.Canceled() {
			c.log.WithField("tile", t.ID()).Debug("canceled tile")
			done(t)
			return
		}
		fn()
	})
	if !ok {
		t.SetErr(ErrClosed)
		done(t)
	}
}

func (c *CacheSource) loadCacheFirst(t *Task, done Done) {
	log := c.log.WithField("tile", t.ID())
	res, found, err := c.store.Get(t.ID(), t.Region())
	if err != nil {
		log.WithError(err).Error("reading tile")
		t.SetErr(err)
	}

	if found && c.maxAge > 0 && c.Next() != nil && !res.CreatedAt.IsZero() &&
		c.now().Sub(res.CreatedAt) > c.maxAge {
		log.Debug("stale tile")
		t.setStale(res.Data)
		c.loadNext(t, func(t *Task) {
			if stale := t.takeStale(); stale != nil && !t.HasData() {
				t.SetData(stale)
			}
			done(t)
		})
		return
	}

	if found {
		t.SetData(res.Data)
		log.Debugf("loaded tile, %d bytes", len(res.Data))
		done(t)
		return
	}
	if c.Next() == nil {
		log.Debug("missing tile")
		done(t)
		return
	}
	log.Debug("requesting tile")
	c.loadNext(t, done)
}

// loadNext delegates to the next source and intercepts its result: data is
// written to the store before done runs; with OfflineFallback a failure is
// answered from the store.
func (c *CacheSource) loadNext(t *Task, done Done) {
	intercept := func(t *Task) {
		if t.Canceled() {
			done(t)
			return
		}
		if t.HasData() {
			c.decodeGzip(t)
			if !c.store.Writable() {
				done(t)
				return
			}
			c.post(t, done, func() {
				c.write(t)
				done(t)
			})
			return
		}
		if c.mode == OfflineFallback {
			c.log.WithField("tile", t.ID()).Debug("try fallback tile")
			c.post(t, done, func() {
				res, found, err := c.store.Get(t.ID(), t.Region())
				if err != nil {
					c.log.WithError(err).WithField("tile", t.ID()).Error("reading fallback tile")
				}
				if found {
					t.SetErr(nil)
					t.SetData(res.Data)
				}
				done(t)
			})
			return
		}
		c.log.WithField("tile", t.ID()).Debug("missing tile")
		done(t)
	}
	if !c.Delegate(t, intercept) {
		if c.mode == OfflineFallback {
			intercept(t)
			return
		}
		done(t)
	}
}

// decodeGzip inflates gzip payloads for the consumer; the compressed bytes
// are what get stored.
func (c *CacheSource) decodeGzip(t *Task) {
	raw := t.Data()
	if !mbtiles.IsGzip(raw) {
		return
	}
	out, err := mbtiles.Inflate(raw)
	if err != nil {
		return
	}
	t.SetPayload(out, raw)
	if c.store.Writable() && c.store.Compression() != mbtiles.CompressionUndefined {
		if err := c.store.SetCompressionUndefined(); err != nil {
			c.log.WithError(err).Error("updating compression")
		}
	}
}

func (c *CacheSource) write(t *Task) {
	err := c.store.Put(t.ID(), t.Raw(), t.Region())
	if err == nil {
		return
	}
	log := c.log.WithError(err).WithField("tile", t.ID())
	if t.Region().Tagged() {
		// the region would miss this tile, force a retry
		log.Warn("storing offline tile")
		t.SetPayload(nil, nil)
		t.SetErr(err)
		return
	}
	log.Error("storing tile")
}
