// Package offline downloads regions into tile stores in the background.
//
// A Coordinator owns a FIFO of jobs. For the head job it runs one
// Downloader per source, feeding tiles into each source chain while the
// URL service has spare capacity. The Manager ties jobs to region records.
package offline

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"tilecache/internal/mbtiles"
	"tilecache/internal/search"
	"tilecache/internal/tile"
)

// ErrUnknownSource is returned when a region names a source that is not
// configured.
var ErrUnknownSource = errors.New("offline: unknown source")

// SourceSettings is one source of a job.
type SourceSettings struct {
	Name       string
	CacheFile  string
	URL        string
	URLOptions tile.URLOptions
	Format     string
	// MaxZoom caps the job's max zoom for this source; zero means no cap.
	MaxZoom int
	Search  []search.Fields
	// Import replaces tile enumeration with an archive copy.
	Import *mbtiles.ImportPlan
}

// Job is a queued region download.
type Job struct {
	ID                     int64
	Lng0, Lat0, Lng1, Lat1 float64
	Zoom, MaxZoom          int
	Sources                []SourceSettings

	canceled bool
}

// JobZoom is the zoom at which the smaller side of the bounds spans about
// one tile. Downloads start there; lower zooms only get the world grid.
func JobZoom(lng0, lat0, lng1, lat1 float64) int {
	height := geo.Distance(orb.Point{lng0, lat0}, orb.Point{lng0, lat1})
	width := geo.Distance(orb.Point{lng0, lat0}, orb.Point{lng1, lat0})
	side := math.Min(height, width)
	if side <= 0 {
		return tile.ZoomMax
	}
	z := int(math.Round(tile.ZoomAtMetersPerPixel(side / tile.TileSize)))
	if z < tile.ZoomMin {
		return tile.ZoomMin
	}
	if z > tile.ZoomMax {
		return tile.ZoomMax
	}
	return z
}

// worldZoom is downloaded in full with every region deeper than it.
const worldZoom = 3

// enumerate lists the tiles of the job for a source capped at maxZoom.
func (j *Job) enumerate(maxZoom int) []tile.ID {
	var out []tile.ID
	for z := min(j.Zoom, maxZoom); z <= maxZoom; z++ {
		t00 := tile.LngLatToTile(j.Lng0, j.Lat0, z)
		t11 := tile.LngLatToTile(j.Lng1, j.Lat1, z)
		for x := t00.X; x <= t11.X; x++ {
			for y := t11.Y; y <= t00.Y; y++ {
				out = append(out, tile.New(x, y, z))
			}
		}
	}
	if j.Zoom > worldZoom && maxZoom > worldZoom {
		n := 1 << worldZoom
		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				out = append(out, tile.New(x, y, worldZoom))
			}
		}
	}
	return out
}
