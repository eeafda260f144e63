// Package source composes tile data sources into chains: an optional memory
// cache, the on-disk tile store and the network. Every load completes
// through a callback that runs exactly once per task.
package source

import (
	"sync"
	"sync/atomic"

	"tilecache/internal/mbtiles"
	"tilecache/internal/tile"
	"tilecache/internal/urlclient"
)

// Done is the completion continuation of a load.
type Done func(*Task)

// Task is one tile load travelling down a source chain.
type Task struct {
	id     tile.ID
	region mbtiles.Region

	rawSource atomic.Int32
	canceled  atomic.Bool
	ready     atomic.Bool
	shares    atomic.Int32
	handle    atomic.Uint64

	mu    sync.Mutex
	data  []byte
	raw   []byte
	err   error
	stale []byte

	// guarded by mu
	cancelDone bool
	cancelURLs urlclient.Service
	onCancel   []func(urlclient.Service)
	canceledC  chan struct{}
}

// TaskOption configures a new Task.
type TaskOption func(*Task)

// WithRegion claims the loaded tile for an offline region.
func WithRegion(r mbtiles.Region) TaskOption {
	return func(t *Task) { t.region = r }
}

// NewTask returns a task for id that needs loading.
func NewTask(id tile.ID, opts ...TaskOption) *Task {
	t := &Task{id: id, canceledC: make(chan struct{})}
	for _, opt := range opts {
		opt(t)
	}
	t.shares.Store(1)
	return t
}

// ID returns the tile id.
func (t *Task) ID() tile.ID { return t.id }

// Region returns the region claim.
func (t *Task) Region() mbtiles.Region { return t.region }

// RawSource is the level of the first source that should see the task.
func (t *Task) RawSource() int { return int(t.rawSource.Load()) }

func (t *Task) setRawSource(level int) { t.rawSource.Store(int32(level)) }

// Cancel marks the task canceled and aborts its in-flight URL request, if
// any. The completion still runs.
func (t *Task) Cancel(urls urlclient.Service) {
	if t.canceled.Swap(true) {
		return
	}
	if h := urlclient.Handle(t.handle.Swap(0)); h != 0 && urls != nil {
		urls.CancelRequest(h)
	}
	t.mu.Lock()
	t.cancelDone = true
	t.cancelURLs = urls
	hooks := t.onCancel
	t.onCancel = nil
	t.mu.Unlock()
	close(t.canceledC)
	for _, fn := range hooks {
		fn(urls)
	}
}

// whenCanceled runs fn with the service passed to Cancel, immediately if
// the task is already canceled.
func (t *Task) whenCanceled(fn func(urlclient.Service)) {
	t.mu.Lock()
	if t.cancelDone {
		urls := t.cancelURLs
		t.mu.Unlock()
		fn(urls)
		return
	}
	t.onCancel = append(t.onCancel, fn)
	t.mu.Unlock()
}

// Canceled reports whether Cancel was called.
func (t *Task) Canceled() bool { return t.canceled.Load() }

// Ready reports whether the task finished with data.
func (t *Task) Ready() bool { return t.ready.Load() }

// Share takes another reference for a holder that may cancel the task.
func (t *Task) Share() { t.shares.Add(1) }

// Release drops a reference and reports whether it was the last one, in
// which case the caller may cancel.
func (t *Task) Release() bool { return t.shares.Add(-1) <= 0 }

func (t *Task) setHandle(h urlclient.Handle) { t.handle.Store(uint64(h)) }

func (t *Task) clearHandle() { t.handle.Store(0) }

// Data returns the payload, nil on a miss.
func (t *Task) Data() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

// HasData reports a non-empty payload.
func (t *Task) HasData() bool {
	return len(t.Data()) > 0
}

// SetData stores the payload. The bytes written to a cache are the same.
func (t *Task) SetData(data []byte) {
	t.SetPayload(data, data)
}

// SetPayload stores the decoded payload and the raw bytes to persist.
func (t *Task) SetPayload(data, raw []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = data
	t.raw = raw
}

// Raw returns the bytes as received, before any decoding.
func (t *Task) Raw() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.raw == nil {
		return t.data
	}
	return t.raw
}

// Err returns the last load error.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// SetErr records a load error.
func (t *Task) SetErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *Task) setStale(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stale = data
}

func (t *Task) takeStale() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stale
	t.stale = nil
	return s
}

// finish marks the task complete. Ready is set only for a non-canceled task
// with data.
func (t *Task) finish() {
	t.ready.Store(!t.Canceled() && t.HasData())
}
