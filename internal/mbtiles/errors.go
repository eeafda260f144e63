package mbtiles

import "errors"

var (
	// ErrReadOnly is returned when a write or a region tag is attempted on a
	// store that was not opened as a writable cache.
	ErrReadOnly = errors.New("mbtiles: database is read-only")

	// ErrInvalidSchema is returned when the file lacks the metadata table or
	// the tiles table/view.
	ErrInvalidSchema = errors.New("mbtiles: invalid MBTiles schema")

	// ErrUnsupportedCompression is returned for a metadata.compression value
	// outside identity, deflate, undefined and unknown.
	ErrUnsupportedCompression = errors.New("mbtiles: unsupported tile compression")

	// ErrUnknownArchive is returned by ProbeArchive when the file has neither
	// the flat nor the split layout.
	ErrUnknownArchive = errors.New("mbtiles: unknown MBTiles schema")

	// ErrEmptyArchive is returned by ProbeArchive when the archive has no tiles.
	ErrEmptyArchive = errors.New("mbtiles: archive contains no tiles")
)

// ErrNotCache is returned when a writable store is required but the file was
// not created as a cache by this engine.
var ErrNotCache = errors.New("mbtiles: not a tile cache")
