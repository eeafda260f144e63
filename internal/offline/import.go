package offline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"tilecache/internal/mbtiles"
	"tilecache/internal/regions"
)

// ImportArchive installs the MBTiles archive at path into the cache of
// sourceName as a new region. The copy runs on the coordinator; the region
// is marked done once it has and the imported tiles are indexed.
func (m *Manager) ImportArchive(ctx context.Context, path, sourceName string) (*regions.Region, error) {
	sources, err := m.resolve(sourceName)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, sourceName)
	}
	archive, err := mbtiles.ProbeArchive(path)
	if err != nil {
		return nil, err
	}

	id, err := m.regions.NextID(ctx)
	if err != nil {
		return nil, err
	}
	lng0, lat0, lng1, lat1 := archive.Bounds()
	r := &regions.Region{
		MapID:   id,
		Lng0:    lng0,
		Lat0:    lat0,
		Lng1:    lng1,
		Lat1:    lat1,
		MaxZoom: archive.MaxZoom,
		Source:  sourceName,
		Title:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
	}
	if err := m.regions.Insert(ctx, r); err != nil {
		return nil, fmt.Errorf("import %s: %w", path, err)
	}

	plan := archive.Plan(id)
	src := sources[0]
	src.Import = &plan
	src.MaxZoom = archive.MaxZoom
	m.coord.Queue(Job{
		ID:      id,
		Lng0:    lng0,
		Lat0:    lat0,
		Lng1:    lng1,
		Lat1:    lat1,
		MaxZoom: archive.MaxZoom,
		Sources: []SourceSettings{src},
	})
	m.log.WithFields(logrus.Fields{
		"region":  id,
		"archive": path,
		"layout":  archive.Layout,
		"maxZoom": archive.MaxZoom,
	}).Info("archive import queued")
	return r, nil
}
