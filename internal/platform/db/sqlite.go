package db

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteParams enables WAL, foreign keys and immediate write locks so that
// concurrent writers queue on the busy timeout instead of failing.
const sqliteParams = "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate"

// OpenSQLite opens the database file at path and verifies the connection.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+sqliteParams)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}
