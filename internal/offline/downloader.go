package offline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/teris-io/shortid"

	"tilecache/internal/mbtiles"
	"tilecache/internal/search"
	"tilecache/internal/source"
	"tilecache/internal/tile"
	"tilecache/internal/urlclient"
)

// Indexer receives the decoded tiles of regions that have search fields.
type Indexer interface {
	IndexTile(ctx context.Context, id tile.ID, data []byte, regionID int64, fields []search.Fields) (int, error)
	DeleteRegion(ctx context.Context, regionID int64) (int64, error)
}

type pendingTile struct {
	id   tile.ID
	task *source.Task
}

// Downloader fetches the tiles of one job for one source.
type Downloader struct {
	runID      string
	jobID      int64
	name       string
	srcMaxZoom int
	search     []search.Fields
	imported   bool

	store       *mbtiles.Store
	cache       *source.CacheSource
	chain       *source.Chain
	urls        urlclient.Service
	indexer     Indexer
	offlineSize int64
	signal      func()
	progress    func()
	log         logrus.FieldLogger

	mu       sync.Mutex
	queue    []tile.ID
	pending  []pendingTile
	failures map[tile.ID]int
	total    int
	dropped  int
	canceled bool
}

type downloaderDeps struct {
	pool     *mbtiles.Pool
	urls     urlclient.Service
	indexer  Indexer
	signal   func()
	progress func()
	log      logrus.FieldLogger
}

func newDownloader(ctx context.Context, job *Job, src SourceSettings, deps downloaderDeps) (*Downloader, error) {
	runID, err := shortid.Generate()
	if err != nil {
		return nil, err
	}
	d := &Downloader{
		runID:      runID,
		jobID:      job.ID,
		name:       src.Name,
		srcMaxZoom: job.MaxZoom,
		search:     src.Search,
		imported:   src.Import != nil,
		urls:       deps.urls,
		indexer:    deps.indexer,
		signal:     deps.signal,
		progress:   deps.progress,
		failures:   make(map[tile.ID]int),
	}
	if src.MaxZoom > 0 && src.MaxZoom < d.srcMaxZoom {
		d.srcMaxZoom = src.MaxZoom
	}
	d.log = deps.log.WithFields(logrus.Fields{"run": runID, "region": job.ID, "source": src.Name})

	opts := []mbtiles.Option{mbtiles.WithName(src.Name)}
	if src.Format != "" {
		opts = append(opts, mbtiles.WithFormat(src.Format))
	}
	store, err := deps.pool.Open(src.CacheFile, mbtiles.ReadWriteCreate, opts...)
	if err != nil {
		return nil, fmt.Errorf("open cache for %s: %w", src.Name, err)
	}
	if !store.Writable() {
		return nil, fmt.Errorf("%s: %w", src.CacheFile, mbtiles.ErrNotCache)
	}
	d.store = store
	if d.offlineSize, err = store.OfflineSize(); err != nil {
		return nil, fmt.Errorf("offline size of %s: %w", src.CacheFile, err)
	}
	d.cache = source.NewCacheSource(src.Name, store, source.WithCacheLogger(d.log))

	if src.Import != nil {
		if err := store.Import(ctx, *src.Import); err != nil {
			d.cache.Close()
			return nil, err
		}
		d.chain = source.NewChain(d.log, d.cache)
		if len(d.search) > 0 {
			err := store.RegionTiles(job.ID, d.srcMaxZoom, func(id tile.ID, _ []byte) error {
				d.queue = append(d.queue, id)
				return nil
			})
			if err != nil {
				d.log.WithError(err).Error("listing imported tiles")
			}
		}
	} else {
		network := source.NewNetworkSource(src.Name, src.URL, deps.urls,
			source.WithURLOptions(src.URLOptions), source.WithNetworkLogger(d.log))
		d.chain = source.NewChain(d.log, d.cache, network)
		d.queue = job.enumerate(d.srcMaxZoom)
	}
	d.total = len(d.queue)
	d.log.WithField("tiles", d.total).Info("downloader started")
	return d, nil
}

// FetchNext submits the head of the queue to the chain and reports whether
// there was one.
func (d *Downloader) FetchNext() bool {
	d.mu.Lock()
	if len(d.queue) == 0 || d.canceled {
		d.mu.Unlock()
		return false
	}
	id := d.queue[0]
	d.queue = d.queue[1:]

	var region mbtiles.Region
	if !d.imported {
		region = mbtiles.Region{ID: d.jobID, Mode: mbtiles.TagOnly}
		if d.wantsData(id) {
			region.Mode = mbtiles.TagAndLoad
		}
	}
	t := source.NewTask(id, source.WithRegion(region))
	d.pending = append(d.pending, pendingTile{id: id, task: t})
	d.mu.Unlock()

	d.chain.Load(t, d.tileDone)
	return true
}

func (d *Downloader) wantsData(id tile.ID) bool {
	return len(d.search) > 0 && id.Z == d.srcMaxZoom
}

func (d *Downloader) tileDone(t *source.Task) {
	id := t.ID()
	log := d.log.WithField("tile", id)

	d.mu.Lock()
	canceled := d.canceled || t.Canceled()
	d.mu.Unlock()

	// index before the tile leaves pending so progress never runs ahead of
	// the search index
	if !canceled && t.HasData() && d.wantsData(id) && d.indexer != nil {
		if _, err := d.indexer.IndexTile(context.Background(), id, t.Data(), d.jobID, d.search); err != nil {
			log.WithError(err).Warn("indexing tile")
		}
	}

	d.mu.Lock()
	idx := -1
	for i, p := range d.pending {
		if p.task == t {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		log.Error("completed tile is not pending")
		return
	}
	d.pending = append(d.pending[:idx], d.pending[idx+1:]...)

	switch {
	case canceled:
		log.Debug("dropping canceled tile")
	case !t.HasData():
		d.retry(id, t.Err(), log)
	}
	d.mu.Unlock()

	if d.progress != nil {
		d.progress()
	}
	d.signal()
}

// retry puts a failed tile back at the tail of the queue. Permanent
// failures get one more attempt. Must be called with d.mu held.
func (d *Downloader) retry(id tile.ID, err error, log logrus.FieldLogger) {
	if urlclient.IsPermanent(err) || errors.Is(err, source.ErrNoURL) {
		d.failures[id]++
		if d.failures[id] > 1 {
			d.dropped++
			log.WithError(err).Warn("giving up on tile")
			return
		}
	}
	d.queue = append(d.queue, id)
	log.WithError(err).Warn("tile not loaded, retrying later")
}

// Cancel empties the queue and cancels the tiles in flight; their
// completions are dropped.
func (d *Downloader) Cancel() {
	d.mu.Lock()
	d.canceled = true
	d.queue = nil
	pending := append([]pendingTile(nil), d.pending...)
	d.mu.Unlock()

	for _, p := range pending {
		p.task.Cancel(d.urls)
	}
	d.log.Info("downloader canceled")
}

// Remaining counts queued and in-flight tiles.
func (d *Downloader) Remaining() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue) + len(d.pending)
}

// Pending counts in-flight tiles.
func (d *Downloader) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Total is the number of tiles enumerated for the job.
func (d *Downloader) Total() int {
	return d.total
}

// Dropped counts tiles given up on.
func (d *Downloader) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Close stops the cache worker and returns the net pinned bytes added by
// the job to the store.
func (d *Downloader) Close() int64 {
	d.cache.Close()
	size, err := d.store.OfflineSize()
	if err != nil {
		d.log.WithError(err).Error("reading offline size")
		return 0
	}
	added := size - d.offlineSize
	d.log.WithFields(logrus.Fields{"bytes": added, "dropped": d.Dropped()}).Info("downloader finished")
	return added
}
