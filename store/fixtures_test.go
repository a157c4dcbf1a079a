package store

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

// baseFixture opens a shared in-memory sqlite database with migrations
// applied. The database outlives a single test, so tests scope their
// rows by fresh uuids instead of assuming an empty table.
type baseFixture struct {
	ctx      context.Context
	db       *sql.DB
	t        *testing.T
	roomID   string
	tearDown func()
}

func newBaseFixture(t *testing.T) *baseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}

	migrationfs := os.DirFS("../migrations")
	goose.SetBaseFS(migrationfs)

	if err := goose.SetDialect("sqlite3"); err != nil {
		t.Fatal(err)
	}

	if err := goose.Up(db, "."); err != nil {
		t.Fatal(err)
	}

	return &baseFixture{
		ctx:    ctx,
		db:     db,
		t:      t,
		roomID: uuid.NewString(),
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}
