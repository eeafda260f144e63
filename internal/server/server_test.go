package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/janitor"
	"tilecache/internal/mbtiles"
	"tilecache/internal/offline"
	"tilecache/internal/regions"
	"tilecache/internal/search"
	"tilecache/internal/source"
	"tilecache/internal/urlclient"
	"tilecache/internal/urlclient/urlclienttest"
)

const urlTemplate = "https://tiles.test/{z}/{x}/{y}.pbf"

type fixture struct {
	t    *testing.T
	dir  string
	url  string
	fake *urlclienttest.Fake
	hub  *Hub
	hook *test.Hook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	dir := t.TempDir()
	cacheDir := filepath.Join(dir, "cache")
	fake := urlclienttest.New()
	fake.Respond(func(url string) urlclient.Response {
		return urlclient.Response{Data: []byte("tile " + url)}
	})

	pool := mbtiles.NewPool()
	store, err := pool.Open(filepath.Join(cacheDir, "osm.mbtiles"), mbtiles.ReadWriteCreate, mbtiles.WithName("osm"))
	require.NoError(t, err)
	cache := source.NewCacheSource("osm", store)
	chain := source.NewChain(logger, cache, source.NewNetworkSource("osm", urlTemplate, fake))

	rs, err := regions.Open(filepath.Join(dir, "regions.db"))
	require.NoError(t, err)
	ix, err := search.Open(context.Background(), filepath.Join(dir, "search.db"))
	require.NoError(t, err)

	settings := offline.SourceSettings{Name: "osm", CacheFile: store.Path(), URL: urlTemplate}
	hub := NewHub(logger)
	mgr := offline.NewManager(offline.Config{
		Regions:  rs,
		Pool:     pool,
		URLs:     fake,
		Indexer:  ix,
		CacheDir: cacheDir,
		Logger:   logger,
		Resolve: func(name string) ([]offline.SourceSettings, error) {
			if name != "osm" {
				return nil, fmt.Errorf("%w: %s", offline.ErrUnknownSource, name)
			}
			return []offline.SourceSettings{settings}, nil
		},
		MaxConcurrent: 4,
		OnProgress:    hub.Broadcast,
	})
	require.NoError(t, mgr.Start(context.Background()))

	s := New(Config{
		Layers:   map[string]Layer{"osm": {Chain: chain, Format: "pbf"}},
		URLs:     fake,
		Manager:  mgr,
		Search:   ix,
		Janitor:  janitor.New(pool, cacheDir),
		Hub:      hub,
		MaxBytes: 1 << 20,
		Logger:   logger,
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		hub.Close()
		mgr.Stop()
		cache.Close()
		fake.Wait()
		pool.Close()
		ix.Close()
		rs.Close()
	})
	return &fixture{t: t, dir: dir, url: ts.URL, fake: fake, hub: hub, hook: hook}
}

func (f *fixture) do(method, path string, body any) (int, []byte) {
	f.t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(f.t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.url+path, r)
	require.NoError(f.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(f.t, err)
	return resp.StatusCode, data
}

var sf = offline.RegionRequest{Title: "sf", Source: "osm", Lng0: -122.44, Lat0: 37.76, Lng1: -122.42, Lat1: 37.78, MaxZoom: 14}

func TestGetTile(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.fake.Respond(func(url string) urlclient.Response {
		switch {
		case strings.Contains(url, "/1/1/1"):
			return urlclient.Response{Err: &urlclient.StatusError{URL: url, Code: http.StatusNotFound}}
		case strings.Contains(url, "/1/0/1"):
			return urlclient.Response{Err: &urlclient.StatusError{URL: url, Code: http.StatusServiceUnavailable}}
		}
		return urlclient.Response{Data: []byte("tile " + url)}
	})

	resp, err := http.Get(f.url + "/tiles/osm/14/2620/6333.pbf")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/vnd.mapbox-vector-tile", resp.Header.Get("Content-Type"))
	assert.Equal(t, "tile https://tiles.test/14/2620/6333.pbf", string(body))

	// second read is a cache hit
	code, body := f.do(http.MethodGet, "/tiles/osm/14/2620/6333", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "tile https://tiles.test/14/2620/6333.pbf", string(body))
	assert.Len(t, f.fake.Requests(), 1)

	code, _ = f.do(http.MethodGet, "/tiles/osm/1/1/1", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(http.MethodGet, "/tiles/osm/1/0/1", nil)
	assert.Equal(t, http.StatusBadGateway, code)
	code, _ = f.do(http.MethodGet, "/tiles/osm/30/0/0", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(http.MethodGet, "/tiles/osm/a/0/0", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(http.MethodGet, "/tiles/nope/1/0/0", nil)
	assert.Equal(t, http.StatusNotFound, code)

	require.Eventually(t, func() bool {
		for _, e := range f.hook.AllEntries() {
			if e.Message == "request" && e.Data["path"] == "/tiles/nope/1/0/0" {
				return e.Data["status"] == http.StatusNotFound
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRegionLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	code, body := f.do(http.MethodPost, "/regions", sf)
	require.Equal(t, http.StatusCreated, code, string(body))
	var r regions.Region
	require.NoError(t, json.Unmarshal(body, &r))
	assert.Equal(t, "sf", r.Title)

	require.Eventually(t, func() bool {
		_, body := f.do(http.MethodGet, "/regions", nil)
		var list []offline.RegionStatus
		if json.Unmarshal(body, &list) != nil || len(list) != 1 {
			return false
		}
		return list[0].Done
	}, 10*time.Second, 20*time.Millisecond)

	code, body = f.do(http.MethodGet, fmt.Sprintf("/regions/%d", r.MapID), nil)
	assert.Equal(t, http.StatusOK, code)
	var p offline.Progress
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Empty(t, p.Text)

	code, _ = f.do(http.MethodDelete, fmt.Sprintf("/regions/%d", r.MapID), nil)
	assert.Equal(t, http.StatusNoContent, code)
	_, body = f.do(http.MethodGet, "/regions", nil)
	assert.JSONEq(t, "[]", string(body))

	bad := sf
	bad.Source = "nope"
	code, _ = f.do(http.MethodPost, "/regions", bad)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(http.MethodPost, "/regions", map[string]any{"source": "osm"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(http.MethodDelete, "/regions/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestImportUnknownArchive(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	path := filepath.Join(f.dir, "bogus.mbtiles")
	db, err := sql.Open(mbtiles.DriverName, path)
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE things (id INTEGER)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	code, body := f.do(http.MethodPost, "/regions/import", map[string]string{"path": path, "source": "osm"})
	assert.Equal(t, http.StatusBadRequest, code, string(body))
	code, _ = f.do(http.MethodPost, "/regions/import", map[string]string{"path": path})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestProgressWebsocket(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.url, "http")+"/ws/progress", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	f.fake.Hold(true)
	code, body := f.do(http.MethodPost, "/regions", sf)
	require.Equal(t, http.StatusCreated, code)
	var r regions.Region
	require.NoError(t, json.Unmarshal(body, &r))
	require.Eventually(t, func() bool { return f.fake.Held() > 0 }, 5*time.Second, 10*time.Millisecond)
	f.fake.Release(1)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var p offline.Progress
	require.NoError(t, conn.ReadJSON(&p))
	assert.Equal(t, r.MapID, p.RegionID)
	assert.Contains(t, p.Text, "tiles downloaded")
	assert.Positive(t, p.Total)

	f.fake.Hold(false)
	f.fake.Release(f.fake.Held())
}

func TestSearchEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	code, _ := f.do(http.MethodGet, "/search", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body := f.do(http.MethodGet, "/search?q=cafe", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "[]", string(body))

	_, body = f.do(http.MethodGet, "/search/history", nil)
	assert.JSONEq(t, `["cafe"]`, string(body))
}

func TestShrink(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	for _, p := range []string{"/tiles/osm/2/0/0", "/tiles/osm/2/1/0"} {
		code, _ := f.do(http.MethodGet, p, nil)
		require.Equal(t, http.StatusOK, code)
	}

	code, body := f.do(http.MethodGet, "/cache/usage", nil)
	assert.Equal(t, http.StatusOK, code)
	var u janitor.Usage
	require.NoError(t, json.Unmarshal(body, &u))
	assert.Equal(t, 1, u.Stores)
	assert.Positive(t, u.Bytes)

	code, body = f.do(http.MethodPost, "/cache/shrink", map[string]int64{"maxBytes": 0})
	require.Equal(t, http.StatusOK, code, string(body))
	var r janitor.Report
	require.NoError(t, json.Unmarshal(body, &r))
	assert.EqualValues(t, 2, r.Deleted)
	assert.Zero(t, r.After.Bytes)

	// no shrinking under a running download
	f.fake.Hold(true)
	code, _ = f.do(http.MethodPost, "/regions", sf)
	require.Equal(t, http.StatusCreated, code)
	code, _ = f.do(http.MethodPost, "/cache/shrink", nil)
	assert.Equal(t, http.StatusConflict, code)
	f.fake.Hold(false)
	f.fake.Release(f.fake.Held())
}

func TestStatusMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusNotFound, status(fmt.Errorf("get: %w", regions.ErrNotFound)))
	assert.Equal(t, http.StatusBadRequest, status(fmt.Errorf("%w: x", offline.ErrUnknownSource)))
	assert.Equal(t, http.StatusBadRequest, status(mbtiles.ErrUnknownArchive))
	assert.Equal(t, http.StatusServiceUnavailable, status(fmt.Errorf("put: %w", sqlite3.Error{Code: sqlite3.ErrBusy})))
	assert.Equal(t, http.StatusInternalServerError, status(io.ErrUnexpectedEOF))
}
