package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

// SQLiteConfig shapes the connection string handed to the sqlite3
// driver. Zero-value fields are omitted from the DSN so the driver
// defaults apply.
type SQLiteConfig struct {
	File string
	// Mode can be ro | rw | rwc | memory.
	Mode string
	// Cache can be shared | private.
	Cache string
	// JournalMode can be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF.
	JournalMode string
}

func (c SQLiteConfig) dsn() string {
	q := url.Values{}
	if c.Mode != "" {
		q.Set("mode", c.Mode)
	}
	if c.Cache != "" {
		q.Set("cache", c.Cache)
	}
	if c.JournalMode != "" {
		q.Set("journal_mode", c.JournalMode)
	}
	if len(q) == 0 {
		return "file:" + c.File
	}
	return "file:" + c.File + "?" + q.Encode()
}

// SQLiteDB is the shared handle behind the chat and notification
// stores, with schema migration attached.
type SQLiteDB struct {
	*sql.DB
	migrationDir string
}

func OpenSQLite(cfg SQLiteConfig, migrationDir string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("Open(%s): %w", cfg.dsn(), err)
	}
	return &SQLiteDB{DB: db, migrationDir: migrationDir}, nil
}

// Migrate applies every pending goose migration from the configured
// directory.
func (db *SQLiteDB) Migrate() error {
	goose.SetBaseFS(os.DirFS(db.migrationDir))
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("SetDialect: %w", err)
	}
	if err := goose.Up(db.DB, "."); err != nil {
		return fmt.Errorf("Up: %w", err)
	}
	return nil
}
