package mbtiles

import (
	"database/sql"
	"fmt"
	"strings"
)

// CreationMarker is written to metadata.description of every cache created
// here. Only stores carrying it are opened writable.
const CreationMarker = "MBTiles tile container created by tilecache."

// SchemaVersion is the PRAGMA user_version of a freshly created store.
const SchemaVersion = 3

const schemaDDL = `
CREATE TABLE IF NOT EXISTS map (
	zoom_level INTEGER DEFAULT 0,
	tile_column INTEGER DEFAULT 0,
	tile_row INTEGER DEFAULT 0,
	tile_id TEXT);
CREATE UNIQUE INDEX IF NOT EXISTS map_index ON map (zoom_level, tile_column, tile_row);
CREATE INDEX IF NOT EXISTS map_tile_id ON map (tile_id);
CREATE TABLE IF NOT EXISTS images (
	tile_data BLOB,
	tile_id TEXT,
	created_at INTEGER DEFAULT 0);
CREATE UNIQUE INDEX IF NOT EXISTS images_id ON images (tile_id);
CREATE TABLE IF NOT EXISTS offline_tiles (
	tile_id TEXT,
	offline_id INTEGER);
CREATE UNIQUE INDEX IF NOT EXISTS offline_index ON offline_tiles (tile_id, offline_id);
CREATE TABLE IF NOT EXISTS tile_last_access (
	tile_id TEXT PRIMARY KEY,
	last_access INTEGER);
CREATE TABLE IF NOT EXISTS metadata (
	name TEXT,
	value TEXT);
CREATE UNIQUE INDEX IF NOT EXISTS name ON metadata (name);
CREATE VIEW IF NOT EXISTS tiles AS
	SELECT map.zoom_level AS zoom_level,
	map.tile_column AS tile_column,
	map.tile_row AS tile_row,
	images.tile_data AS tile_data
	FROM map JOIN images ON images.tile_id = map.tile_id;
CREATE TRIGGER IF NOT EXISTS delete_tile AFTER DELETE ON images
BEGIN
	DELETE FROM map WHERE tile_id = OLD.tile_id;
	DELETE FROM tile_last_access WHERE tile_id = OLD.tile_id;
END;
`

// Compression is the parsed metadata.compression value.
type Compression int

const (
	// CompressionUndefined blobs may or may not be zlib/gzip streams.
	CompressionUndefined Compression = iota
	// CompressionIdentity blobs are stored as-is.
	CompressionIdentity
	// CompressionDeflate blobs are zlib or gzip streams.
	CompressionDeflate
	// CompressionUnsupported disables the store.
	CompressionUnsupported
)

func (c Compression) String() string {
	switch c {
	case CompressionUndefined:
		return "undefined"
	case CompressionIdentity:
		return "identity"
	case CompressionDeflate:
		return "deflate"
	}
	return "unsupported"
}

// ParseCompression maps a metadata value to a Compression. A missing value
// and "unknown" are both undefined.
func ParseCompression(v string) Compression {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "undefined", "unknown":
		return CompressionUndefined
	case "identity", "none":
		return CompressionIdentity
	case "deflate", "gzip":
		return CompressionDeflate
	}
	return CompressionUnsupported
}

func initSchema(db *sql.DB, name, format string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaDDL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	meta := [][2]string{
		{"name", name},
		{"type", "baselayer"},
		{"version", "1"},
		{"description", CreationMarker},
		{"format", format},
		{"compression", CompressionIdentity.String()},
	}
	for _, kv := range meta {
		if _, err := tx.Exec("REPLACE INTO metadata (name, value) VALUES (?, ?)", kv[0], kv[1]); err != nil {
			return fmt.Errorf("seed metadata %s: %w", kv[0], err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

type schemaInfo struct {
	isCache     bool
	compression Compression
	format      string
}

// testSchema checks for the metadata table and the tiles table or view and
// reads the metadata rows that drive the store's behaviour.
func testSchema(db *sql.DB) (schemaInfo, error) {
	var info schemaInfo

	var hasMetadata, hasTiles bool
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type IN ('table', 'view')")
	if err != nil {
		return info, err
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return info, err
		}
		switch name {
		case "metadata":
			hasMetadata = true
		case "tiles":
			hasTiles = true
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return info, err
	}
	if !hasMetadata || !hasTiles {
		return info, ErrInvalidSchema
	}

	meta, err := readMetadata(db)
	if err != nil {
		return info, err
	}
	info.isCache = meta["description"] == CreationMarker
	info.compression = ParseCompression(meta["compression"])
	info.format = meta["format"]
	if info.compression == CompressionUnsupported {
		return info, fmt.Errorf("%w: %q", ErrUnsupportedCompression, meta["compression"])
	}
	return info, nil
}

func readMetadata(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		meta[name] = value.String
	}
	return meta, rows.Err()
}

// migrateSchema brings an older cache up to SchemaVersion.
func migrateSchema(db *sql.DB, now int64) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version >= SchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if version < 2 {
		stmt := fmt.Sprintf("ALTER TABLE images ADD COLUMN created_at INTEGER DEFAULT %d", now)
		if _, err := tx.Exec(stmt); err != nil && !strings.Contains(err.Error(), "duplicate column") {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	if version < 3 {
		if _, err := tx.Exec("CREATE INDEX IF NOT EXISTS map_tile_id ON map (tile_id)"); err != nil {
			return fmt.Errorf("migrate to v3: %w", err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
