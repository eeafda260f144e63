package mbtiles

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"net/url"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver used for tile stores. It is the
// sqlite3 driver with an md5() scalar function installed on every
// connection, which archive imports need to content-address flat tiles.
const DriverName = "sqlite3_mbtiles"

func init() {
	sql.Register(DriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("md5", Hash, true)
		},
	})
}

// Hash is the content address of a tile blob: the lowercase hex md5 digest.
func Hash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// HashLen is the length of every value returned by Hash.
const HashLen = md5.Size * 2

func dsn(path string, mode Mode) string {
	q := url.Values{}
	switch mode {
	case ReadOnly:
		q.Set("mode", "ro")
	case ReadWrite:
		q.Set("mode", "rw")
	case ReadWriteCreate:
		q.Set("mode", "rwc")
	}
	q.Set("_mutex", "full")
	q.Set("_busy_timeout", "5000")
	return "file:" + filepath.ToSlash(path) + "?" + q.Encode()
}

// IsTransient reports whether err is a locked or busy database, which is
// worth retrying later.
func IsTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
