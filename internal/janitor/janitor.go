// Package janitor keeps the tile caches under a byte budget.
package janitor

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tilecache/internal/mbtiles"
)

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(j *Janitor) { j.log = l }
}

// Janitor evicts least recently used tiles from every cache file in a
// directory. It must not run while a download writes to the same stores.
type Janitor struct {
	pool *mbtiles.Pool
	dir  string
	log  logrus.FieldLogger

	mu sync.Mutex
}

// New returns a janitor over the *.mbtiles files in dir.
func New(pool *mbtiles.Pool, dir string, opts ...Option) *Janitor {
	l := logrus.New()
	l.SetOutput(io.Discard)
	j := &Janitor{pool: pool, dir: dir, log: l}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Usage is the byte count of the caches.
type Usage struct {
	Stores int   `json:"stores"`
	Bytes  int64 `json:"bytes"`
	Pinned int64 `json:"pinned"`
}

// Report describes one shrink.
type Report struct {
	Before  Usage     `json:"before"`
	After   Usage     `json:"after"`
	Cutoff  time.Time `json:"cutoff"`
	Deleted int64     `json:"deleted"`
	// Vacuumed counts stores that were vacuumed.
	Vacuumed int `json:"vacuumed"`
}

type entry struct {
	lastAccess time.Time
	bytes      int64
}

func (j *Janitor) stores() []*mbtiles.Store {
	stores, err := j.pool.OpenAll(j.dir)
	if err != nil {
		j.log.WithError(err).Warn("opening cache files")
	}
	out := stores[:0]
	for _, s := range stores {
		if s.Writable() {
			out = append(out, s)
		}
	}
	return out
}

// scan collects the unpinned tiles of every store concurrently.
func scan(ctx context.Context, stores []*mbtiles.Store) ([]entry, Usage, error) {
	results := make([][]entry, len(stores))
	usages := make([]Usage, len(stores))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range stores {
		i, s := i, s
		g.Go(func() error {
			u := &usages[i]
			return s.EnumerateSizes(func(ts mbtiles.TileSize) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				u.Bytes += ts.Bytes
				if ts.Pinned {
					u.Pinned += ts.Bytes
					return nil
				}
				// never accessed tiles are never evicted
				if ts.LastAccess.IsZero() {
					return nil
				}
				results[i] = append(results[i], entry{lastAccess: ts.LastAccess, bytes: ts.Bytes})
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, Usage{}, err
	}

	var all []entry
	total := Usage{Stores: len(stores)}
	for i := range stores {
		all = append(all, results[i]...)
		total.Bytes += usages[i].Bytes
		total.Pinned += usages[i].Pinned
	}
	return all, total, nil
}

// Usage sums the sizes of every cache.
func (j *Janitor) Usage(ctx context.Context) (Usage, error) {
	_, u, err := scan(ctx, j.stores())
	return u, err
}

// cutoff walks entries newest first and returns the time before which
// tiles must go to keep the rest within maxBytes. ok is false when
// everything fits.
func cutoff(entries []entry, maxBytes int64) (time.Time, bool) {
	sort.Slice(entries, func(a, b int) bool { return entries[a].lastAccess.After(entries[b].lastAccess) })
	var sum int64
	for _, e := range entries {
		sum += e.bytes
		if sum > maxBytes {
			// last access has second resolution; the boundary tile goes too
			return e.lastAccess.Add(time.Second), true
		}
	}
	return time.Time{}, false
}

// ShrinkToBudget deletes the least recently used unpinned tiles until the
// unpinned tiles of all caches fit in maxBytes.
func (j *Janitor) ShrinkToBudget(ctx context.Context, maxBytes int64) (Report, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	stores := j.stores()
	entries, before, err := scan(ctx, stores)
	if err != nil {
		return Report{}, err
	}
	r := Report{Before: before, After: before}
	cut, ok := cutoff(entries, maxBytes)
	if !ok {
		j.log.WithField("bytes", before.Bytes).Debug("cache within budget")
		return r, nil
	}
	r.Cutoff = cut

	g, _ := errgroup.WithContext(ctx)
	deletions := make([]mbtiles.Deletion, len(stores))
	for i, s := range stores {
		i, s := i, s
		g.Go(func() error {
			d, err := s.DeleteOlderThan(cut)
			deletions[i] = d
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return r, err
	}
	for _, d := range deletions {
		r.Deleted += d.Rows
		if d.Vacuumed {
			r.Vacuumed++
		}
	}

	if _, r.After, err = scan(ctx, stores); err != nil {
		return r, err
	}
	j.log.WithFields(logrus.Fields{
		"before":   r.Before.Bytes,
		"after":    r.After.Bytes,
		"deleted":  r.Deleted,
		"vacuumed": r.Vacuumed,
	}).Info("cache shrunk")
	return r, nil
}
