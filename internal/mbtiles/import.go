package mbtiles

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"

	"tilecache/internal/tile"
)

// Layout is the table layout of an external archive.
type Layout int

const (
	// LayoutFlat archives have a single tiles table with inline blobs.
	LayoutFlat Layout = iota + 1
	// LayoutSplit archives have the map and images tables of a cache.
	LayoutSplit
)

func (l Layout) String() string {
	switch l {
	case LayoutFlat:
		return "flat"
	case LayoutSplit:
		return "split"
	}
	return "unknown"
}

// Archive describes an external MBTiles file about to be imported.
type Archive struct {
	Path    string
	Layout  Layout
	Format  string
	MaxZoom int
	// Tile range at MaxZoom, rows in TMS order.
	MinRow, MaxRow int
	MinCol, MaxCol int
}

// Bounds returns the south-west and north-east corners of the tile range
// at MaxZoom.
func (a *Archive) Bounds() (lng0, lat0, lng1, lat1 float64) {
	sw := tile.New(a.MinCol, tile.FlipY(a.MinRow, a.MaxZoom), a.MaxZoom)
	ne := tile.New(a.MaxCol, tile.FlipY(a.MaxRow, a.MaxZoom), a.MaxZoom)
	lng0, lat0, _, _ = sw.Bounds()
	_, _, lng1, lat1 = ne.Bounds()
	return lng0, lat0, lng1, lat1
}

// ProbeArchive opens path read-only and detects its layout and tile range.
func ProbeArchive(path string) (*Archive, error) {
	db, err := sql.Open(DriverName, dsn(path, ReadOnly))
	if err != nil {
		return nil, err
	}
	defer db.Close()

	tables := make(map[string]bool)
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type = 'table'")
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", path, err)
	}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		tables[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	a := &Archive{Path: path}
	table := "tiles"
	switch {
	case tables["map"] && tables["images"]:
		a.Layout = LayoutSplit
		table = "map"
	case tables["tiles"]:
		a.Layout = LayoutFlat
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownArchive, path)
	}

	var minRow, maxRow, minCol, maxCol, maxZoom sql.NullInt64
	err = db.QueryRow(fmt.Sprintf(`SELECT MIN(tile_row), MAX(tile_row), MIN(tile_column), MAX(tile_column), MAX(zoom_level)
		FROM %[1]s WHERE zoom_level = (SELECT MAX(zoom_level) FROM %[1]s)`, table)).
		Scan(&minRow, &maxRow, &minCol, &maxCol, &maxZoom)
	if err != nil {
		return nil, fmt.Errorf("probe %s bounds: %w", path, err)
	}
	if !maxZoom.Valid {
		return nil, fmt.Errorf("%w: %s", ErrEmptyArchive, path)
	}
	a.MinRow, a.MaxRow = int(minRow.Int64), int(maxRow.Int64)
	a.MinCol, a.MaxCol = int(minCol.Int64), int(maxCol.Int64)
	a.MaxZoom = int(maxZoom.Int64)

	if tables["metadata"] {
		var format sql.NullString
		if err := db.QueryRow("SELECT value FROM metadata WHERE name = 'format'").Scan(&format); err == nil {
			a.Format = format.String
		}
	}
	return a, nil
}

// Statement is one parameterized statement of an import plan.
type Statement struct {
	SQL  string
	Args []any
}

// ImportPlan copies an attached archive into a store as one region. The
// statements run in a single transaction between ATTACH and DETACH.
type ImportPlan struct {
	Archive    string
	RegionID   int64
	Statements []Statement
}

// Plan builds the import statements pinning every archive tile to regionID.
func (a *Archive) Plan(regionID int64) ImportPlan {
	p := ImportPlan{Archive: a.Path, RegionID: regionID}
	if a.Layout == LayoutFlat {
		p.Statements = []Statement{
			{SQL: `REPLACE INTO map (zoom_level, tile_column, tile_row, tile_id)
				SELECT zoom_level, tile_column, tile_row, md5(tile_data) FROM src.tiles`},
			{SQL: `DELETE FROM images WHERE tile_id NOT IN (SELECT tile_id FROM map)
				AND tile_id NOT IN (SELECT tile_id FROM offline_tiles)`},
			{SQL: `REPLACE INTO images (tile_id, tile_data)
				SELECT md5(tile_data), tile_data FROM src.tiles`},
			{SQL: `REPLACE INTO offline_tiles (tile_id, offline_id)
				SELECT DISTINCT md5(tile_data), ? FROM src.tiles`, Args: []any{regionID}},
		}
		return p
	}
	p.Statements = []Statement{
		{SQL: `REPLACE INTO map (zoom_level, tile_column, tile_row, tile_id)
			SELECT zoom_level, tile_column, tile_row, tile_id FROM src.map`},
		{SQL: `DELETE FROM images WHERE tile_id NOT IN (SELECT tile_id FROM map)
			AND tile_id NOT IN (SELECT tile_id FROM offline_tiles)`},
		{SQL: `REPLACE INTO images (tile_id, tile_data)
			SELECT tile_id, tile_data FROM src.images WHERE tile_id IN (SELECT tile_id FROM src.map)`},
		{SQL: `REPLACE INTO offline_tiles (tile_id, offline_id)
			SELECT DISTINCT tile_id, ? FROM src.map`, Args: []any{regionID}},
	}
	return p
}

// Import executes the plan. Either every statement commits or the store is
// left unchanged.
func (s *Store) Import(ctx context.Context, plan ImportPlan) error {
	if !s.writable {
		return ErrReadOnly
	}
	log := s.log.WithFields(logrus.Fields{"archive": plan.Archive, "region": plan.RegionID})

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS src", plan.Archive); err != nil {
		return fmt.Errorf("attach %s: %w", plan.Archive, err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "DETACH DATABASE src"); err != nil {
			log.WithError(err).Error("detach archive")
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, stmt := range plan.Statements {
		if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			return fmt.Errorf("import statement %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info("archive imported")
	return nil
}
