// Package search extracts named point features from vector tiles into a
// full-text index, so offline regions stay searchable without a network.
package search

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"tilecache/internal/tile"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Fields selects the properties of one vector tile layer that become
// searchable text.
type Fields struct {
	Layer  string   `mapstructure:"layer" json:"layer"`
	Fields []string `mapstructure:"fields" json:"fields"`
}

// Result is one search hit.
type Result struct {
	Props    map[string]any `json:"props"`
	Lng      float64        `json:"lng"`
	Lat      float64        `json:"lat"`
	RegionID int64          `json:"region"`
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(ix *Index) { ix.log = l }
}

// Index is the search database.
type Index struct {
	db  *sql.DB
	log logrus.FieldLogger
}

// Open opens or creates the index at path and applies pending migrations.
func Open(ctx context.Context, path string, opts ...Option) (*Index, error) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	ix := &Index{log: l}
	for _, opt := range opts {
		opt(ix)
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open search db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("search migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate search db: %w", err)
	}

	ix.db = db
	return ix, nil
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// IndexTile decodes a vector tile and indexes every named point feature of
// the configured layers under regionID. It returns the number of rows
// added.
func (ix *Index) IndexTile(ctx context.Context, id tile.ID, data []byte, regionID int64, fields []Fields) (int, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	layers, err := mvt.UnmarshalGzipped(data)
	if err != nil {
		layers, err = mvt.Unmarshal(data)
	}
	if err != nil {
		return 0, fmt.Errorf("decode tile %s: %w", id, err)
	}
	layers.ProjectToWGS84(id.Maptile())

	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO points_fts (tags, props, lng, lat, mapid) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	n := 0
	for _, layer := range layers {
		for _, sf := range fields {
			if sf.Layer != layer.Name {
				continue
			}
			for _, feature := range layer.Features {
				name, _ := feature.Properties["name"].(string)
				pt, ok := firstPoint(feature.Geometry)
				if name == "" || !ok {
					continue
				}
				var tags []string
				for _, field := range sf.Fields {
					if v, ok := feature.Properties[field]; ok && v != nil {
						tags = append(tags, fmt.Sprint(v))
					}
				}
				props, err := json.Marshal(feature.Properties)
				if err != nil {
					return n, err
				}
				if _, err := stmt.ExecContext(ctx, strings.Join(tags, " "), string(props), pt.Lon(), pt.Lat(), regionID); err != nil {
					return n, fmt.Errorf("index feature: %w", err)
				}
				n++
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	ix.log.WithFields(logrus.Fields{"tile": id, "region": regionID, "features": n}).Debug("tile indexed")
	return n, nil
}

func firstPoint(g orb.Geometry) (orb.Point, bool) {
	switch g := g.(type) {
	case orb.Point:
		return g, true
	case orb.MultiPoint:
		if len(g) > 0 {
			return g[0], true
		}
	}
	return orb.Point{}, false
}

// Search runs a full-text query, best matches first.
func (ix *Index) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := ix.db.QueryContext(ctx, `SELECT props, lng, lat, mapid FROM points_fts
		WHERE points_fts MATCH ? ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var (
			r     Result
			props string
		)
		if err := rows.Scan(&props, &r.Lng, &r.Lat, &r.RegionID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(props), &r.Props); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRegion drops every entry indexed for the region.
func (ix *Index) DeleteRegion(ctx context.Context, regionID int64) (int64, error) {
	res, err := ix.db.ExecContext(ctx, "DELETE FROM points_fts WHERE mapid = ?", regionID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AddHistory records a query; repeating it moves it to the front.
func (ix *Index) AddHistory(ctx context.Context, query string) error {
	_, err := ix.db.ExecContext(ctx, "REPLACE INTO history (query, timestamp) VALUES (?, ?)",
		query, time.Now().UnixNano())
	return err
}

// History returns recent queries, newest first.
func (ix *Index) History(ctx context.Context, limit int) ([]string, error) {
	rows, err := ix.db.QueryContext(ctx, "SELECT query FROM history ORDER BY timestamp DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var q string
		if err := rows.Scan(&q); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
