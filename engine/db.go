package engine

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

// OpenDB opens the SQLite file backing the service. A single connection
// keeps modernc's file locking honest under WAL.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, err
}

// OpenTestDB opens a throwaway database under the test's temp directory.
func OpenTestDB(t *testing.T) *sql.DB {
	path := filepath.Join(t.TempDir(), "db")
	db, err := OpenDB(path)
	if err != nil {
		t.Fatal(err)
	}
	return db
}

// MustMigrate runs a batch of migration statements and panics if any fail.
// Migrations are written to tolerate being re-run on every startup.
func MustMigrate(db *sql.DB, migration string) {
	_, err := db.Exec(migration)
	if err != nil {
		panic(fmt.Errorf("error while migrating database: %s", err))
	}
}
