//go:build cgo && sqlite_vec

package sqlite

import (
	"database/sql"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver, required by sqlite-vec
)

// driverName is the database/sql driver registered for this build. The
// cgo,sqlite_vec build uses mattn/go-sqlite3 so that the sqlite-vec
// extension's vec0 virtual table (see vector_index_vec0.go) can be loaded
// into the same connection the primary store writes through.
const driverName = "sqlite3"

func init() {
	// vec.Auto() registers sqlite-vec as an auto-loadable extension for
	// every connection opened by the mattn/go-sqlite3 driver from this
	// point on. It must run before the first sql.Open in this process,
	// which running from init() guarantees: the extension loads exactly
	// once per process.
	vec.Auto()
}

func openDB(dsn string) (*sql.DB, error) {
	return sql.Open(driverName, dsn)
}

const hasVecExtension = true
