package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the checkpoint and task tables if they don't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path))
	if err != nil {
		return nil, err
	}

	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY between block workers.
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS checkpoints (
		task_key TEXT NOT NULL,
		block INTEGER NOT NULL,
		position INTEGER NOT NULL,
		block_end INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT,
		PRIMARY KEY (task_key, block)
	)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS tasks (
		task_key TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		url TEXT NOT NULL,
		redirect_url TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		supports_range INTEGER NOT NULL DEFAULT 0,
		remove_on_cancel INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT ''
	)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
