package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"tilecache/internal/janitor"
	"tilecache/internal/mbtiles"
	"tilecache/internal/offline"
	"tilecache/internal/regions"
	"tilecache/internal/search"
	"tilecache/internal/server"
	"tilecache/internal/source"
	"tilecache/internal/urlclient"
)

// Engine holds everything one command needs, built from the config.
type Engine struct {
	Pool    *mbtiles.Pool
	URLs    *urlclient.Client
	Regions *regions.Store
	Search  *search.Index
	Manager *offline.Manager
	Janitor *janitor.Janitor
	Hub     *server.Hub

	caches []*source.CacheSource
}

// EngineHooks are progress callbacks a command attaches to the manager.
type EngineHooks struct {
	OnProgress func(offline.Progress)
	OnComplete func(offline.Result)
}

// NewEngine opens the databases and builds the download manager. The
// manager is not started.
func NewEngine(ctx context.Context, hooks EngineHooks) (*Engine, error) {
	e := &Engine{
		Pool: mbtiles.NewPool(mbtiles.WithLogger(log)),
		URLs: urlclient.New(
			urlclient.WithTimeout(conf.HTTP.Timeout),
			urlclient.WithUserAgent(conf.HTTP.UserAgent),
			urlclient.WithWorkers(conf.HTTP.Workers),
			urlclient.WithLogger(log.WithField("module", "http")),
		),
		Hub: server.NewHub(log.WithField("module", "ws")),
	}

	var err error
	e.Regions, err = regions.Open(conf.Offline.RegionsDB, regions.WithLogger(log.WithField("module", "regions")))
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Search, err = search.Open(ctx, conf.Search.DB, search.WithLogger(log.WithField("module", "search")))
	if err != nil {
		e.Close()
		return nil, err
	}

	onProgress := e.Hub.Broadcast
	if hooks.OnProgress != nil {
		onProgress = func(p offline.Progress) {
			e.Hub.Broadcast(p)
			hooks.OnProgress(p)
		}
	}
	e.Manager = offline.NewManager(offline.Config{
		Regions:       e.Regions,
		Pool:          e.Pool,
		URLs:          e.URLs,
		Resolve:       conf.resolve,
		Indexer:       e.Search,
		CacheDir:      conf.Cache.Directory,
		Logger:        log.WithField("module", "offline"),
		MaxConcurrent: conf.Offline.MaxConcurrent,
		MaxPending:    conf.Offline.MaxPending,
		OnProgress:    onProgress,
		OnStorage: func(bytes int64) {
			log.WithField("module", "offline").Debugf("offline storage %d bytes", bytes)
		},
		OnComplete: hooks.OnComplete,
	})
	e.Janitor = janitor.New(e.Pool, conf.Cache.Directory, janitor.WithLogger(log.WithField("module", "janitor")))
	return e, nil
}

// Layers builds one memory, cache and network chain per configured source.
func (e *Engine) Layers() (map[string]server.Layer, error) {
	layers := make(map[string]server.Layer, len(conf.Sources))
	for _, s := range conf.Sources {
		store, err := e.Pool.Open(conf.cacheFile(s), mbtiles.ReadWriteCreate,
			mbtiles.WithName(s.Name), mbtiles.WithFormat(s.Format))
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", s.Name, err)
		}
		slog := log.WithField("module", "source")

		opts := []source.CacheOption{source.WithCacheLogger(slog), source.WithMaxAge(conf.Cache.MaxAge)}
		if s.OfflineFallback {
			opts = append(opts, source.WithMode(source.OfflineFallback))
		}
		cache := source.NewCacheSource(s.Name, store, opts...)
		e.caches = append(e.caches, cache)

		network := source.NewNetworkSource(s.Name, s.URL, e.URLs,
			source.WithURLOptions(urlOptions(s)),
			source.WithNetworkLogger(slog))

		layers[s.Name] = server.Layer{
			Chain:  source.NewChain(slog, source.NewMemorySource(conf.Cache.MemoryTiles), cache, network),
			Format: s.Format,
		}
	}
	return layers, nil
}

// Server builds the HTTP surface over the engine.
func (e *Engine) Server() (*server.Server, error) {
	layers, err := e.Layers()
	if err != nil {
		return nil, err
	}
	return server.New(server.Config{
		Layers:   layers,
		URLs:     e.URLs,
		Manager:  e.Manager,
		Search:   e.Search,
		Janitor:  e.Janitor,
		Hub:      e.Hub,
		MaxBytes: conf.Cache.MaxBytes,
		Logger:   log.WithField("module", "server"),
	}), nil
}

// Close stops the manager and closes every database.
func (e *Engine) Close() {
	if e.Manager != nil {
		e.Manager.Stop()
	}
	e.Hub.Close()
	for _, c := range e.caches {
		c.Close()
	}
	closeLogged("tile stores", e.Pool.Close)
	if e.Search != nil {
		closeLogged("search index", e.Search.Close)
	}
	if e.Regions != nil {
		closeLogged("regions", e.Regions.Close)
	}
}

func closeLogged(what string, fn func() error) {
	if err := fn(); err != nil {
		log.WithFields(logrus.Fields{"module": "engine"}).WithError(err).Errorf("closing %s", what)
	}
}
