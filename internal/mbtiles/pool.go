package mbtiles

import (
	"errors"
	"path/filepath"
	"sort"
	"sync"
)

// Pool shares one Store per cache file between the renderer-facing source
// chains and the offline downloaders.
type Pool struct {
	opts []Option

	mu     sync.Mutex
	stores map[string]*Store
	modes  map[string]Mode
	// replaced read-only stores, still usable by whoever holds them
	retired []*Store
}

// NewPool returns an empty pool. opts are applied to every store it opens.
func NewPool(opts ...Option) *Pool {
	return &Pool{opts: opts, stores: make(map[string]*Store), modes: make(map[string]Mode)}
}

// Open returns the store for path, opening it on first use. A store opened
// read-only is replaced by a writable one when a writable mode is
// requested; the old store stays open until Close. One that was downgraded
// to read-only is returned as is.
func (p *Pool) Open(path string, mode Mode, opts ...Option) (*Store, error) {
	key := filepath.Clean(path)

	p.mu.Lock()
	defer p.mu.Unlock()

	if s, ok := p.stores[key]; ok {
		if mode == ReadOnly || p.modes[key] != ReadOnly || s.Writable() {
			return s, nil
		}
	}
	s, err := Open(path, mode, append(append([]Option{}, p.opts...), opts...)...)
	if err != nil {
		return nil, err
	}
	if old, ok := p.stores[key]; ok {
		p.retired = append(p.retired, old)
	}
	p.stores[key] = s
	p.modes[key] = mode
	return s, nil
}

// OpenAll opens every *.mbtiles file in dir for writing and returns them
// with the stores already open elsewhere, sorted by path. Files that fail
// to open are reported in the joined error and skipped.
func (p *Pool) OpenAll(dir string) ([]*Store, error) {
	var errs []error
	if dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, "*.mbtiles"))
		if err != nil {
			return nil, err
		}
		for _, path := range matches {
			if _, err := p.Open(path, ReadWrite); err != nil {
				errs = append(errs, err)
			}
		}
	}
	stores := p.Stores()
	sort.Slice(stores, func(i, j int) bool { return stores[i].Path() < stores[j].Path() })
	return stores, errors.Join(errs...)
}

// Stores returns the open stores.
func (p *Pool) Stores() []*Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Store, 0, len(p.stores))
	for _, s := range p.stores {
		out = append(out, s)
	}
	return out
}

// Close closes every store.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for key, s := range p.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.stores, key)
		delete(p.modes, key)
	}
	for _, s := range p.retired {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.retired = nil
	return errors.Join(errs...)
}
