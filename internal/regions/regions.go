// Package regions keeps the offline region records in their own SQLite
// database, apart from any tile store.
package regions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned for an unknown region id.
var ErrNotFound = errors.New("regions: region not found")

// Region is one offline map. Bounds are the south-west and north-east
// corners in degrees.
type Region struct {
	MapID     int64   `gorm:"column:mapid;primaryKey;autoIncrement:false" json:"id"`
	Lng0      float64 `gorm:"column:lng0" json:"lng0"`
	Lat0      float64 `gorm:"column:lat0" json:"lat0"`
	Lng1      float64 `gorm:"column:lng1" json:"lng1"`
	Lat1      float64 `gorm:"column:lat1" json:"lat1"`
	MaxZoom   int     `gorm:"column:maxzoom" json:"maxZoom"`
	Source    string  `gorm:"column:source" json:"source"`
	Title     string  `gorm:"column:title" json:"title"`
	Done      bool    `gorm:"column:done;index" json:"done"`
	Timestamp int64   `gorm:"column:timestamp" json:"timestamp"`
}

// TableName implements gorm's tabler.
func (Region) TableName() string { return "offlinemaps" }

// Option configures a Store.
type Option func(*Store)

// WithLogger routes gorm warnings and slow queries to l.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock replaces time.Now for timestamps and id allocation.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the region metadata database.
type Store struct {
	db  *gorm.DB
	log logrus.FieldLogger
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	s := &Store{log: l, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.New(s.log, logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("open regions db %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Region{}); err != nil {
		return nil, fmt.Errorf("migrate regions db: %w", err)
	}
	s.db = db
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Insert stores r as a pending region. A zero MapID is replaced by a fresh
// id: the current unix time, or one past the largest id when that is later.
func (s *Store) Insert(ctx context.Context, r *Region) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if r.MapID == 0 {
			id, err := nextID(tx, s.now())
			if err != nil {
				return err
			}
			r.MapID = id
		}
		if r.Timestamp == 0 {
			r.Timestamp = s.now().Unix()
		}
		return tx.Create(r).Error
	})
}

// NextID returns the id Insert would allocate now.
func (s *Store) NextID(ctx context.Context) (int64, error) {
	return nextID(s.db.WithContext(ctx), s.now())
}

func nextID(tx *gorm.DB, now time.Time) (int64, error) {
	var maxID sql.NullInt64
	if err := tx.Model(&Region{}).Select("MAX(mapid)").Row().Scan(&maxID); err != nil {
		return 0, err
	}
	id := now.Unix()
	if maxID.Valid && maxID.Int64+1 > id {
		id = maxID.Int64 + 1
	}
	return id, nil
}

// MarkDone flags the region as completely downloaded.
func (s *Store) MarkDone(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Model(&Region{}).Where("mapid = ?", id).Update("done", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// Delete removes the region record.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res := s.db.WithContext(ctx).Where("mapid = ?", id).Delete(&Region{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// Get returns one region.
func (s *Store) Get(ctx context.Context, id int64) (*Region, error) {
	var r Region
	err := s.db.WithContext(ctx).Where("mapid = ?", id).First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// EnumeratePending returns unfinished regions, oldest first.
func (s *Store) EnumeratePending(ctx context.Context) ([]Region, error) {
	var out []Region
	err := s.db.WithContext(ctx).Where("done = ?", false).Order("timestamp, mapid").Find(&out).Error
	return out, err
}

// EnumerateAll returns every region, oldest first.
func (s *Store) EnumerateAll(ctx context.Context) ([]Region, error) {
	var out []Region
	err := s.db.WithContext(ctx).Order("timestamp, mapid").Find(&out).Error
	return out, err
}
