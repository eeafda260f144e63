package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"

	"tilecache/internal/mbtiles"
	"tilecache/internal/regions"
	"tilecache/internal/urlclient"
	"tilecache/internal/worker"
)

// Resolver returns the source settings of a configured source name.
type Resolver func(name string) ([]SourceSettings, error)

// Progress is pushed to the progress hook after each tile.
type Progress struct {
	RegionID   int64  `json:"id"`
	Downloaded int    `json:"downloaded"`
	Total      int    `json:"total"`
	Text       string `json:"status"`
}

// Config wires a Manager.
type Config struct {
	Regions  *regions.Store
	Pool     *mbtiles.Pool
	URLs     urlclient.Service
	Resolve  Resolver
	Indexer  Indexer
	CacheDir string
	Logger   logrus.FieldLogger

	MaxConcurrent int
	MaxPending    int

	OnProgress func(Progress)
	OnStorage  func(bytes int64)
	OnComplete func(Result)
}

// Manager keeps region records and coordinator jobs in step.
type Manager struct {
	regions  *regions.Store
	pool     *mbtiles.Pool
	resolve  Resolver
	indexer  Indexer
	cacheDir string
	log      logrus.FieldLogger
	main     *worker.Queue
	coord    *Coordinator

	onProgress func(Progress)
	onStorage  func(int64)
	onComplete func(Result)
}

// NewManager builds a manager and its coordinator. Call Start to run it.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		regions:    cfg.Regions,
		pool:       cfg.Pool,
		resolve:    cfg.Resolve,
		indexer:    cfg.Indexer,
		cacheDir:   cfg.CacheDir,
		log:        cfg.Logger,
		main:       worker.New(),
		onProgress: cfg.OnProgress,
		onStorage:  cfg.OnStorage,
		onComplete: cfg.OnComplete,
	}
	if m.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		m.log = l
	}
	opts := []Option{
		WithMaxConcurrent(cfg.MaxConcurrent),
		WithMaxPending(cfg.MaxPending),
		WithLogger(m.log),
		WithMainQueue(m.main),
		WithCompletion(m.completed),
		WithStorage(m.storage),
	}
	if cfg.Indexer != nil {
		opts = append(opts, WithIndexer(cfg.Indexer))
	}
	if m.onProgress != nil {
		opts = append(opts, WithProgress(m.progress))
	}
	m.coord = NewCoordinator(cfg.Pool, cfg.URLs, opts...)
	return m
}

// Start runs the coordinator and requeues unfinished regions.
func (m *Manager) Start(ctx context.Context) error {
	m.coord.Start()
	_, err := m.Resume(ctx)
	return err
}

// Stop halts downloads; unfinished regions resume on the next Start.
func (m *Manager) Stop() {
	m.coord.Stop()
	m.main.Close()
}

// Coordinator returns the underlying coordinator.
func (m *Manager) Coordinator() *Coordinator { return m.coord }

// RegionRequest describes a region to download.
type RegionRequest struct {
	Title   string  `json:"title" binding:"required"`
	Source  string  `json:"source" binding:"required"`
	Lng0    float64 `json:"lng0"`
	Lat0    float64 `json:"lat0"`
	Lng1    float64 `json:"lng1"`
	Lat1    float64 `json:"lat1"`
	MaxZoom int     `json:"maxZoom" binding:"min=0,max=20"`
}

// SaveRegion records the region and queues its download.
func (m *Manager) SaveRegion(ctx context.Context, req RegionRequest) (*regions.Region, error) {
	sources, err := m.resolve(req.Source)
	if err != nil {
		return nil, err
	}
	r := &regions.Region{
		Lng0:    min(req.Lng0, req.Lng1),
		Lat0:    min(req.Lat0, req.Lat1),
		Lng1:    max(req.Lng0, req.Lng1),
		Lat1:    max(req.Lat0, req.Lat1),
		MaxZoom: req.MaxZoom,
		Source:  req.Source,
		Title:   req.Title,
	}
	if err := m.regions.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("save region: %w", err)
	}
	m.coord.Queue(regionJob(r, sources))
	m.log.WithFields(logrus.Fields{"region": r.MapID, "title": r.Title}).Info("region saved")
	return r, nil
}

func regionJob(r *regions.Region, sources []SourceSettings) Job {
	return Job{
		ID:      r.MapID,
		Lng0:    r.Lng0,
		Lat0:    r.Lat0,
		Lng1:    r.Lng1,
		Lat1:    r.Lat1,
		Zoom:    JobZoom(r.Lng0, r.Lat0, r.Lng1, r.Lat1),
		MaxZoom: r.MaxZoom,
		Sources: sources,
	}
}

// Resume queues every unfinished region, oldest first, and returns how
// many were queued. Regions whose source is gone are skipped.
func (m *Manager) Resume(ctx context.Context) (int, error) {
	pending, err := m.regions.EnumeratePending(ctx)
	if err != nil {
		return 0, fmt.Errorf("resume: %w", err)
	}
	n := 0
	for i := range pending {
		r := &pending[i]
		if m.coord.Status(r.MapID).State != StateUnknown {
			continue
		}
		sources, err := m.resolve(r.Source)
		if err != nil {
			m.log.WithError(err).WithField("region", r.MapID).Warn("cannot resume region")
			continue
		}
		m.coord.Queue(regionJob(r, sources))
		n++
	}
	if n > 0 {
		m.log.WithField("regions", n).Info("downloads resumed")
	}
	return n, nil
}

// RegionStatus is a region with its download status text.
type RegionStatus struct {
	regions.Region
	Status string `json:"status"`
}

// ListRegions returns every region, newest first.
func (m *Manager) ListRegions(ctx context.Context) ([]RegionStatus, error) {
	all, err := m.regions.EnumerateAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]RegionStatus, 0, len(all))
	for _, r := range all {
		rs := RegionStatus{Region: r}
		if !r.Done {
			rs.Status = m.coord.Status(r.MapID).String()
		}
		out = append(out, rs)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// Status reports the download status of a region.
func (m *Manager) Status(id int64) Status {
	return m.coord.Status(id)
}

// DeleteRegion cancels any download of the region and removes it. A
// running download is removed once the coordinator reports it canceled.
func (m *Manager) DeleteRegion(ctx context.Context, id int64) error {
	switch m.coord.Cancel(id) {
	case StateDownloading, StateCanceling:
		return nil
	}
	return m.deleteRegion(ctx, id)
}

// deleteRegion removes the region's tiles from every cache store, its
// search entries and its record.
func (m *Manager) deleteRegion(ctx context.Context, id int64) error {
	log := m.log.WithField("region", id)
	stores, err := m.pool.OpenAll(m.cacheDir)
	if err != nil {
		log.WithError(err).Warn("opening cache stores")
	}
	var freed int64
	var errs []error
	for _, s := range stores {
		if !s.Writable() {
			continue
		}
		before, err := s.OfflineSize()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := s.DeleteRegion(id, true); err != nil {
			errs = append(errs, fmt.Errorf("delete region %d from %s: %w", id, s.Path(), err))
			continue
		}
		after, err := s.OfflineSize()
		if err == nil {
			freed += before - after
		}
	}
	if freed != 0 && m.onStorage != nil {
		m.onStorage(-freed)
	}
	if m.indexer != nil {
		if _, err := m.indexer.DeleteRegion(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.regions.Delete(ctx, id); err != nil && !errors.Is(err, regions.ErrNotFound) {
		errs = append(errs, err)
	}
	log.WithField("bytes", freed).Info("region deleted")
	return errors.Join(errs...)
}

func (m *Manager) completed(res Result) {
	ctx := context.Background()
	log := m.log.WithField("region", res.JobID)
	switch {
	case res.Canceled:
		if err := m.deleteRegion(ctx, res.JobID); err != nil {
			log.WithError(err).Error("deleting canceled region")
		}
	case res.Err != nil:
		log.WithError(res.Err).Error("download failed")
		if err := m.deleteRegion(ctx, res.JobID); err != nil {
			log.WithError(err).Error("deleting failed region")
		}
	default:
		if err := m.regions.MarkDone(ctx, res.JobID); err != nil {
			log.WithError(err).Error("marking region done")
		}
	}
	if m.onComplete != nil {
		m.onComplete(res)
	}
}

func (m *Manager) storage(bytes int64) {
	if m.onStorage != nil {
		m.onStorage(bytes)
	}
}

func (m *Manager) progress(id int64) {
	s := m.coord.Status(id)
	if s.State == StateUnknown {
		return
	}
	m.onProgress(Progress{RegionID: id, Downloaded: s.Downloaded, Total: s.Total, Text: s.String()})
}
