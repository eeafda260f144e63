package source

import (
	"container/list"
	"sync"

	"golang.org/x/sync/singleflight"

	"tilecache/internal/tile"
	"tilecache/internal/urlclient"
)

type entry struct {
	key   tile.ID
	value []byte
}

// MemorySource is an in-memory LRU in front of the disk cache. Concurrent
// misses on one tile share a single load from the next source. Each caller
// holds a share of the load's task and the last one to cancel cancels it.
// Region downloads bypass it so that their tags reach the store.
type MemorySource struct {
	Link
	group singleflight.Group

	mu      sync.Mutex
	maxSize int
	items   map[tile.ID]*list.Element
	lruList *list.List
	// shared load task per tile, in step with group's calls
	flights map[tile.ID]*Task
}

// NewMemorySource returns a cache of at most maxSize tiles.
func NewMemorySource(maxSize int) *MemorySource {
	return &MemorySource{
		maxSize: maxSize,
		items:   make(map[tile.ID]*list.Element),
		lruList: list.New(),
		flights: make(map[tile.ID]*Task),
	}
}

// Len is the number of cached tiles.
func (m *MemorySource) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lruList.Len()
}

func (m *MemorySource) get(key tile.ID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.items[key]
	if !ok {
		return nil, false
	}
	m.lruList.MoveToFront(elem)
	return elem.Value.(*entry).value, true
}

func (m *MemorySource) set(key tile.ID, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		elem.Value.(*entry).value = value
		m.lruList.MoveToFront(elem)
		return
	}

	if m.lruList.Len() >= m.maxSize {
		oldest := m.lruList.Back()
		if oldest != nil {
			delete(m.items, oldest.Value.(*entry).key)
			m.lruList.Remove(oldest)
		}
	}

	elem := m.lruList.PushFront(&entry{key: key, value: value})
	m.items[key] = elem
}

type loadResult struct {
	data []byte
	err  error
}

// LoadTile implements DataSource.
func (m *MemorySource) LoadTile(t *Task, done Done) {
	if t.Region().Tagged() || m.maxSize <= 0 {
		if !m.Delegate(t, done) {
			done(t)
		}
		return
	}
	key := t.ID().Key()
	if data, ok := m.get(key); ok {
		t.SetData(data)
		done(t)
		return
	}
	if m.Next() == nil {
		done(t)
		return
	}

	m.mu.Lock()
	shared, joined := m.flights[key]
	if joined {
		shared.Share()
	} else {
		shared = NewTask(key)
		m.flights[key] = shared
	}
	ch := m.group.DoChan(key.String(), func() (any, error) {
		return m.fetch(key, shared), nil
	})
	m.mu.Unlock()

	t.whenCanceled(func(urls urlclient.Service) {
		m.mu.Lock()
		last := shared.Release()
		if last {
			// later callers start a fresh load
			m.forget(key, shared)
		}
		m.mu.Unlock()
		if last {
			shared.Cancel(urls)
		}
	})

	go func() {
		select {
		case v := <-ch:
			r := v.Val.(loadResult)
			if !t.HasData() && len(r.data) > 0 {
				t.SetData(r.data)
			}
			if t.Err() == nil && r.err != nil && !t.HasData() {
				t.SetErr(r.err)
			}
		case <-t.canceledC:
		}
		done(t)
	}()
}

// fetch runs the shared load through the rest of the chain.
func (m *MemorySource) fetch(key tile.ID, shared *Task) loadResult {
	ch := make(chan *Task, 1)
	m.Delegate(shared, func(r *Task) { ch <- r })
	r := <-ch
	if r.HasData() && !r.Canceled() {
		m.set(key, r.Data())
	}
	m.mu.Lock()
	m.forget(key, shared)
	m.mu.Unlock()
	return loadResult{data: r.Data(), err: r.Err()}
}

// forget drops the flight of key if shared still owns it. m.mu must be
// held.
func (m *MemorySource) forget(key tile.ID, shared *Task) {
	if m.flights[key] == shared {
		delete(m.flights, key)
		m.group.Forget(key.String())
	}
}
