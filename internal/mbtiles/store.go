// Package mbtiles implements the on-disk tile store: an MBTiles file with
// content-addressed blobs, region pins and last-access bookkeeping.
package mbtiles

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tilecache/internal/tile"
)

// Mode selects how Open treats the file.
type Mode int

const (
	// ReadOnly never writes; region tags are rejected.
	ReadOnly Mode = iota
	// ReadWrite opens an existing file for writing.
	ReadWrite
	// ReadWriteCreate opens for writing and creates the file with the
	// canonical schema when it does not exist.
	ReadWriteCreate
)

// vacuumThreshold is the number of changed rows past which a delete
// reclaims file space.
const vacuumThreshold = 32

// RegionMode controls what a tagged read returns.
type RegionMode int

const (
	// TagOnly tags the tile for the region and returns a one-byte
	// sentinel instead of the payload.
	TagOnly RegionMode = iota
	// TagAndLoad tags the tile and returns its payload.
	TagAndLoad
)

// Region is the offline region claim carried by a read or write. The zero
// value means no claim.
type Region struct {
	ID   int64
	Mode RegionMode
}

// Tagged reports whether the read or write pins the tile to a region.
func (r Region) Tagged() bool { return r.ID != 0 }

// Sentinel is returned as the payload of a TagOnly hit.
var Sentinel = []byte{0}

// Tile is a blob read from the store.
type Tile struct {
	Data []byte
	Hash string
	// CreatedAt is zero for rows written before created_at existed.
	CreatedAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithName sets metadata.name for a newly created store.
func WithName(name string) Option {
	return func(s *Store) { s.name = name }
}

// WithFormat sets metadata.format for a newly created store.
func WithFormat(format string) Option {
	return func(s *Store) { s.format = format }
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock replaces time.Now for created_at and last_access.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is one open MBTiles file. All methods are safe for concurrent use;
// statements are serialized on a single connection.
type Store struct {
	db       *sql.DB
	path     string
	name     string
	format   string
	writable bool
	log      logrus.FieldLogger
	now      func() time.Time

	mu          sync.RWMutex
	compression Compression
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Open opens the MBTiles file at path. A valid file without the
// CreationMarker is opened read-only whatever mode is requested.
func Open(path string, mode Mode, opts ...Option) (*Store, error) {
	s := &Store{
		path: path,
		log:  discardLogger(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.name == "" {
		s.name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if s.format == "" {
		s.format = tile.PBF
	}
	s.log = s.log.WithField("store", path)

	db, created, err := s.connect(mode)
	if err != nil {
		return nil, err
	}
	s.db = db

	if created {
		s.log.Info("creating SQLite database")
		if err := initSchema(db, s.name, tile.MimeType(s.format)); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema %s: %w", path, err)
		}
	}

	info, err := testSchema(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s.compression = info.compression
	if info.format != "" {
		s.format = info.format
	}

	s.writable = mode != ReadOnly && info.isCache
	if mode != ReadOnly && !info.isCache {
		s.log.Warn("not created as a cache, opened read-only")
	}
	if s.writable {
		if err := migrateSchema(db, s.now().Unix()); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate %s: %w", path, err)
		}
	}

	s.log.WithFields(logrus.Fields{
		"writable":    s.writable,
		"compression": s.compression,
	}).Info("SQLite database opened")
	return s, nil
}

func (s *Store) connect(mode Mode) (*sql.DB, bool, error) {
	open := func(m Mode) (*sql.DB, error) {
		db, err := sql.Open(DriverName, dsn(s.path, m))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	}

	if mode != ReadWriteCreate {
		db, err := open(mode)
		if err != nil {
			return nil, false, fmt.Errorf("open %s: %w", s.path, err)
		}
		return db, false, nil
	}

	if _, err := os.Stat(s.path); err == nil {
		db, err := open(ReadWrite)
		if err != nil {
			return nil, false, fmt.Errorf("open %s: %w", s.path, err)
		}
		return db, false, nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, false, err
	}
	db, err := open(ReadWriteCreate)
	if err != nil {
		return nil, false, fmt.Errorf("create %s: %w", s.path, err)
	}
	return db, true, nil
}

// Path returns the file path.
func (s *Store) Path() string { return s.path }

// Writable reports whether the store accepts writes and region tags.
func (s *Store) Writable() bool { return s.writable }

// Compression returns the current metadata.compression.
func (s *Store) Compression() Compression {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.compression
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get looks up the tile. found is false on a miss. A tagged read pins the
// tile to the region; with TagOnly the payload is not read and Data is
// Sentinel.
func (s *Store) Get(id tile.ID, region Region) (t Tile, found bool, err error) {
	if region.Tagged() && !s.writable {
		return Tile{}, false, ErrReadOnly
	}
	y := id.TMSY()

	if region.Tagged() && region.Mode == TagOnly {
		err := s.db.QueryRow(`SELECT map.tile_id FROM map JOIN images ON images.tile_id = map.tile_id
			WHERE map.zoom_level = ? AND map.tile_column = ? AND map.tile_row = ?`,
			id.Z, id.X, y).Scan(&t.Hash)
		if errors.Is(err, sql.ErrNoRows) {
			return Tile{}, false, nil
		}
		if err != nil {
			return Tile{}, false, err
		}
		if err := s.touch(t.Hash, region); err != nil {
			return Tile{}, false, err
		}
		t.Data = Sentinel
		return t, true, nil
	}

	var blob []byte
	if s.writable {
		var created sql.NullInt64
		err = s.db.QueryRow(`SELECT images.tile_data, images.tile_id, images.created_at
			FROM map JOIN images ON images.tile_id = map.tile_id
			WHERE map.zoom_level = ? AND map.tile_column = ? AND map.tile_row = ?`,
			id.Z, id.X, y).Scan(&blob, &t.Hash, &created)
		if created.Valid && created.Int64 > 0 {
			t.CreatedAt = time.Unix(created.Int64, 0)
		}
	} else {
		err = s.db.QueryRow(`SELECT tile_data FROM tiles
			WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
			id.Z, id.X, y).Scan(&blob)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return Tile{}, false, nil
	}
	if err != nil {
		return Tile{}, false, err
	}

	t.Data, err = decode(s.Compression(), blob)
	if err != nil {
		s.log.WithError(err).WithField("tile", id).Warn("invalid deflate compression")
		return Tile{}, false, nil
	}
	if len(t.Data) == 0 {
		return Tile{}, false, nil
	}

	if s.writable {
		if err := s.touch(t.Hash, region); err != nil {
			// an untagged tile would be missed by the region, report a miss
			// so it is fetched again
			if region.Tagged() {
				return Tile{}, false, err
			}
			s.log.WithError(err).Warn("updating last access")
		}
	}
	return t, true, nil
}

func (s *Store) touch(hash string, region Region) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if region.Tagged() {
		if _, err := tx.Exec("REPLACE INTO offline_tiles (tile_id, offline_id) VALUES (?, ?)", hash, region.ID); err != nil {
			return fmt.Errorf("tag tile: %w", err)
		}
	}
	if _, err := tx.Exec("REPLACE INTO tile_last_access (tile_id, last_access) VALUES (?, ?)", hash, s.now().Unix()); err != nil {
		return fmt.Errorf("touch tile: %w", err)
	}
	return tx.Commit()
}

// Put writes the tile and pins it to region when tagged. The map row, the
// blob, the region pin and the access time are written in one transaction;
// a blob replaced at this position is removed when nothing references it.
func (s *Store) Put(id tile.ID, data []byte, region Region) error {
	if !s.writable {
		return ErrReadOnly
	}
	hash := Hash(data)
	now := s.now().Unix()
	y := id.TMSY()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var old sql.NullString
	err = tx.QueryRow("SELECT tile_id FROM map WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		id.Z, id.X, y).Scan(&old)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if _, err := tx.Exec("REPLACE INTO map (zoom_level, tile_column, tile_row, tile_id) VALUES (?, ?, ?, ?)",
		id.Z, id.X, y, hash); err != nil {
		return fmt.Errorf("put map: %w", err)
	}
	if _, err := tx.Exec("REPLACE INTO images (tile_id, tile_data, created_at) VALUES (?, ?, ?)",
		hash, data, now); err != nil {
		return fmt.Errorf("put image: %w", err)
	}
	if old.Valid && old.String != hash {
		if _, err := tx.Exec(`DELETE FROM images WHERE tile_id = ?1
			AND tile_id NOT IN (SELECT tile_id FROM map)
			AND tile_id NOT IN (SELECT tile_id FROM offline_tiles)`, old.String); err != nil {
			return fmt.Errorf("drop replaced image: %w", err)
		}
	}
	if region.Tagged() {
		if _, err := tx.Exec("REPLACE INTO offline_tiles (tile_id, offline_id) VALUES (?, ?)", hash, region.ID); err != nil {
			return fmt.Errorf("tag tile: %w", err)
		}
	}
	if _, err := tx.Exec("REPLACE INTO tile_last_access (tile_id, last_access) VALUES (?, ?)", hash, now); err != nil {
		return fmt.Errorf("touch tile: %w", err)
	}
	return tx.Commit()
}

// SetCompressionUndefined marks blobs as possibly compressed. It is called
// once gzip payloads start being stored verbatim.
func (s *Store) SetCompressionUndefined() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.compression == CompressionUndefined {
		return nil
	}
	if !s.writable {
		return ErrReadOnly
	}
	if _, err := s.db.Exec("REPLACE INTO metadata (name, value) VALUES ('compression', ?)",
		CompressionUndefined.String()); err != nil {
		return err
	}
	s.compression = CompressionUndefined
	return nil
}

// Deletion reports the outcome of a bulk delete.
type Deletion struct {
	Rows     int64
	Vacuumed bool
}

// DeleteRegion unpins every tile of the region. With deleteTiles, blobs
// pinned by this region alone are removed as well.
func (s *Store) DeleteRegion(regionID int64, deleteTiles bool) (Deletion, error) {
	var d Deletion
	if !s.writable {
		return d, ErrReadOnly
	}

	tx, err := s.db.Begin()
	if err != nil {
		return d, err
	}
	defer tx.Rollback()

	if deleteTiles {
		res, err := tx.Exec(`DELETE FROM images WHERE tile_id IN (
			SELECT tile_id FROM offline_tiles WHERE offline_id = ?1
			AND tile_id NOT IN (SELECT tile_id FROM offline_tiles WHERE offline_id <> ?1))`, regionID)
		if err != nil {
			return d, fmt.Errorf("delete region tiles: %w", err)
		}
		n, _ := res.RowsAffected()
		d.Rows += n
	}
	res, err := tx.Exec("DELETE FROM offline_tiles WHERE offline_id = ?", regionID)
	if err != nil {
		return d, fmt.Errorf("delete region pins: %w", err)
	}
	n, _ := res.RowsAffected()
	d.Rows += n

	if err := tx.Commit(); err != nil {
		return d, err
	}
	s.log.WithFields(logrus.Fields{"region": regionID, "rows": d.Rows}).Info("region deleted")
	return s.vacuumIfNeeded(d)
}

// DeleteOlderThan evicts unpinned tiles last accessed before cutoff. Tiles
// that were never accessed through this store have no last access and are
// kept.
func (s *Store) DeleteOlderThan(cutoff time.Time) (Deletion, error) {
	var d Deletion
	if !s.writable {
		return d, ErrReadOnly
	}
	res, err := s.db.Exec(`DELETE FROM images WHERE tile_id IN (
		SELECT tile_id FROM tile_last_access WHERE last_access < ?)
		AND tile_id NOT IN (SELECT tile_id FROM offline_tiles)`, cutoff.Unix())
	if err != nil {
		return d, fmt.Errorf("delete old tiles: %w", err)
	}
	d.Rows, _ = res.RowsAffected()
	s.log.WithFields(logrus.Fields{"cutoff": cutoff.Unix(), "rows": d.Rows}).Info("old tiles deleted")
	return s.vacuumIfNeeded(d)
}

func (s *Store) vacuumIfNeeded(d Deletion) (Deletion, error) {
	if d.Rows <= vacuumThreshold {
		return d, nil
	}
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return d, fmt.Errorf("vacuum: %w", err)
	}
	d.Vacuumed = true
	return d, nil
}

// OfflineSize is the byte size of all pinned blobs.
func (s *Store) OfflineSize() (int64, error) {
	if !s.writable {
		return 0, nil
	}
	var size int64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(LENGTH(tile_data)), 0) FROM images
		WHERE tile_id IN (SELECT tile_id FROM offline_tiles)`).Scan(&size)
	return size, err
}

// TileSize describes one stored blob.
type TileSize struct {
	Hash string
	// Pinned is set when a region references the blob; RegionID is the
	// lowest such region.
	Pinned   bool
	RegionID int64
	// LastAccess is zero when the tile has no access row.
	LastAccess time.Time
	Bytes      int64
}

// EnumerateSizes calls fn for every blob. fn must not call back into the
// store.
func (s *Store) EnumerateSizes(fn func(TileSize) error) error {
	if !s.writable {
		return nil
	}
	rows, err := s.db.Query(`SELECT images.tile_id, o.offline_id, a.last_access, LENGTH(images.tile_data)
		FROM images
		LEFT JOIN (SELECT tile_id, MIN(offline_id) AS offline_id FROM offline_tiles GROUP BY tile_id) AS o
			ON o.tile_id = images.tile_id
		LEFT JOIN tile_last_access AS a ON a.tile_id = images.tile_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ts     TileSize
			region sql.NullInt64
			access sql.NullInt64
		)
		if err := rows.Scan(&ts.Hash, &region, &access, &ts.Bytes); err != nil {
			return err
		}
		ts.Pinned = region.Valid
		ts.RegionID = region.Int64
		if access.Valid {
			ts.LastAccess = time.Unix(access.Int64, 0)
		}
		if err := fn(ts); err != nil {
			return err
		}
	}
	return rows.Err()
}

// RegionTiles calls fn with every tile pinned by the region at zoom z. fn
// must not call back into the store.
func (s *Store) RegionTiles(regionID int64, z int, fn func(tile.ID, []byte) error) error {
	if !s.writable {
		return nil
	}
	rows, err := s.db.Query(`SELECT map.tile_column, map.tile_row, images.tile_data
		FROM offline_tiles
		JOIN images ON images.tile_id = offline_tiles.tile_id
		JOIN map ON map.tile_id = offline_tiles.tile_id
		WHERE offline_tiles.offline_id = ? AND map.zoom_level = ?`, regionID, z)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var x, y int
		var blob []byte
		if err := rows.Scan(&x, &y, &blob); err != nil {
			return err
		}
		data, err := decode(s.Compression(), blob)
		if err != nil {
			continue
		}
		if err := fn(tile.New(x, tile.FlipY(y, z), z), data); err != nil {
			return err
		}
	}
	return rows.Err()
}
