// Package tile holds tile identifier math shared by the store, the data
// sources and the offline downloader.
package tile

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// TileSize is the tile edge in pixels.
const TileSize = 256

// ZoomMin is the shallowest zoom level.
const ZoomMin = 0

// ZoomMax is the deepest zoom level.
const ZoomMax = 20

// Constants representing TileFormat types
const (
	GZIP string = "gzip" // encoding = gzip
	ZLIB        = "zlib" // encoding = deflate
	PNG         = "png"
	JPG         = "jpg"
	PBF         = "pbf"
	MVT         = "mvt"
	WEBP        = "webp"
)

// MimeType maps a tile format to the value stored in metadata.format.
func MimeType(format string) string {
	switch format {
	case PNG:
		return "image/png"
	case JPG, "jpeg":
		return "image/jpeg"
	case WEBP:
		return "image/webp"
	case PBF, MVT:
		return "application/vnd.mapbox-vector-tile"
	}
	return format
}

// ID identifies a tile in WMTS convention (y grows southward).
// S is a rendering scale hint; it is never persisted.
type ID struct {
	X, Y, Z int
	S       int
}

// New returns the tile (x, y, z) with no scale hint.
func New(x, y, z int) ID {
	return ID{X: x, Y: y, Z: z}
}

func (t ID) String() string {
	if t.S > t.Z {
		return fmt.Sprintf("%d/%d/%d@%d", t.Z, t.X, t.Y, t.S)
	}
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Valid reports whether the tile lies inside the zoom and grid limits.
func (t ID) Valid() bool {
	if t.Z < ZoomMin || t.Z > ZoomMax {
		return false
	}
	n := 1 << uint(t.Z)
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// Key drops the scale hint so the id can be used as a map key.
func (t ID) Key() ID {
	return ID{X: t.X, Y: t.Y, Z: t.Z}
}

// FlipY converts a row between WMTS and TMS. The conversion is its own inverse.
func FlipY(y, z int) int {
	return (1 << uint(z)) - 1 - y
}

// TMSY is the on-disk row of the tile.
func (t ID) TMSY() int {
	return FlipY(t.Y, t.Z)
}

// Maptile converts to the orb representation.
func (t ID) Maptile() maptile.Tile {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Z))
}

// FromMaptile converts from the orb representation.
func FromMaptile(mt maptile.Tile) ID {
	return ID{X: int(mt.X), Y: int(mt.Y), Z: int(mt.Z)}
}

// LngLatToTile returns the tile containing (lng, lat) at zoom z, clamped
// to the tile grid.
func LngLatToTile(lng, lat float64, z int) ID {
	mt := maptile.At(orb.Point{lng, lat}, maptile.Zoom(z))
	t := FromMaptile(mt)
	maxIdx := (1 << uint(z)) - 1
	t.X = clamp(t.X, 0, maxIdx)
	t.Y = clamp(t.Y, 0, maxIdx)
	return t
}

// Bounds returns minLng, minLat, maxLng, maxLat of the tile in degrees.
func (t ID) Bounds() (minLng, minLat, maxLng, maxLat float64) {
	b := t.Maptile().Bound()
	return b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()
}

// Quadkey encodes the tile as a base-4 string of length Z, one digit per
// level, x bit in the low position and y bit in the high position.
func (t ID) Quadkey() string {
	key := make([]byte, 0, t.Z)
	for i := t.Z; i > 0; i-- {
		digit := byte('0')
		mask := 1 << uint(i-1)
		if t.X&mask != 0 {
			digit++
		}
		if t.Y&mask != 0 {
			digit += 2
		}
		key = append(key, digit)
	}
	return string(key)
}

// SouthWest returns the south-west corner of the tile.
func (t ID) SouthWest() (lng, lat float64) {
	minLng, minLat, _, _ := t.Bounds()
	return minLng, minLat
}

// Count returns the number of tiles in the inclusive rectangle.
func Count(x0, x1, y0, y1 int) int {
	if x1 < x0 || y1 < y0 {
		return 0
	}
	return (x1 - x0 + 1) * (y1 - y0 + 1)
}

// MetersPerPixel at the equator for the given zoom.
func MetersPerPixel(z float64) float64 {
	return 2 * math.Pi * 6378137.0 / (TileSize * math.Pow(2, z))
}

// ZoomAtMetersPerPixel is the inverse of MetersPerPixel.
func ZoomAtMetersPerPixel(mpp float64) float64 {
	return math.Log2(2 * math.Pi * 6378137.0 / (TileSize * mpp))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
