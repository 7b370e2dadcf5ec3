//go:build !(cgo && sqlite_vec)

package sqlite

import (
	"database/sql"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// driverName is the database/sql driver registered for this build. The
// default, CGO-free build uses modernc.org/sqlite and gets the brute-force
// fallback vector index (see vector_index_fallback.go); it never loads the
// sqlite-vec extension.
const driverName = "sqlite"

func openDB(dsn string) (*sql.DB, error) {
	return sql.Open(driverName, dsn)
}

// hasVecExtension is false in this build: the real vec0 virtual table is
// unavailable without CGO.
const hasVecExtension = false
