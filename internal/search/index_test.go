package search

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilecache/internal/tile"
)

func vectorTile(t *testing.T, id tile.ID) []byte {
	t.Helper()
	cafe := geojson.NewFeature(orb.Point{-122.43, 37.77})
	cafe.Properties["name"] = "Blue Bottle"
	cafe.Properties["amenity"] = "cafe"

	unnamed := geojson.NewFeature(orb.Point{-122.43, 37.77})
	unnamed.Properties["amenity"] = "bench"

	road := geojson.NewFeature(orb.LineString{{-122.44, 37.76}, {-122.42, 37.78}})
	road.Properties["name"] = "Market Street"

	poi := geojson.NewFeatureCollection()
	poi.Append(cafe)
	poi.Append(unnamed)
	poi.Append(road)

	water := geojson.NewFeatureCollection()
	lake := geojson.NewFeature(orb.Point{-122.43, 37.77})
	lake.Properties["name"] = "Blue Lake"
	water.Append(lake)

	layers := mvt.NewLayers(map[string]*geojson.FeatureCollection{"poi": poi, "water": water})
	layers.ProjectToTile(id.Maptile())
	data, err := mvt.MarshalGzipped(layers)
	require.NoError(t, err)
	return data
}

func open(t *testing.T) *Index {
	t.Helper()
	ix, err := Open(context.Background(), filepath.Join(t.TempDir(), "search.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestIndexAndSearch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ix := open(t)
	id := tile.LngLatToTile(-122.43, 37.77, 14)
	fields := []Fields{{Layer: "poi", Fields: []string{"name", "amenity"}}}

	n, err := ix.IndexTile(ctx, id, vectorTile(t, id), 42, fields)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := ix.Search(ctx, "cafe", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Blue Bottle", res[0].Props["name"])
	assert.EqualValues(t, 42, res[0].RegionID)
	assert.InDelta(t, -122.43, res[0].Lng, 1e-3)
	assert.InDelta(t, 37.77, res[0].Lat, 1e-3)

	// layers without search fields are skipped
	res, err = ix.Search(ctx, "lake", 10)
	require.NoError(t, err)
	assert.Empty(t, res)

	deleted, err := ix.DeleteRegion(ctx, 42)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
	res, err = ix.Search(ctx, "cafe", 10)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestIndexTileWithoutFields(t *testing.T) {
	t.Parallel()

	ix := open(t)
	n, err := ix.IndexTile(context.Background(), tile.New(0, 0, 0), []byte("not a tile"), 1, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndexTileRejectsGarbage(t *testing.T) {
	t.Parallel()

	ix := open(t)
	_, err := ix.IndexTile(context.Background(), tile.New(0, 0, 0), []byte{0xff, 0xff, 0xff},
		1, []Fields{{Layer: "poi", Fields: []string{"name"}}})
	require.Error(t, err)
}

func TestReopenKeepsIndex(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "search.db")
	ix, err := Open(ctx, path)
	require.NoError(t, err)
	id := tile.LngLatToTile(-122.43, 37.77, 14)
	_, err = ix.IndexTile(ctx, id, vectorTile(t, id), 7, []Fields{{Layer: "water", Fields: []string{"name"}}})
	require.NoError(t, err)
	require.NoError(t, ix.Close())

	ix, err = Open(ctx, path)
	require.NoError(t, err)
	defer ix.Close()
	res, err := ix.Search(ctx, "blue", 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "Blue Lake", res[0].Props["name"])
}

func TestHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ix := open(t)
	require.NoError(t, ix.AddHistory(ctx, "cafe"))
	require.NoError(t, ix.AddHistory(ctx, "park"))
	require.NoError(t, ix.AddHistory(ctx, "cafe"))

	h, err := ix.History(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"cafe", "park"}, h)
}
