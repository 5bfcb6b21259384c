// Package sqlite implements an engine storage backend using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/micromdm/nanoflow/engine/storage/sqldb"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schema string

// SQLite implements a storage.Storage using SQLite.
type SQLite struct {
	*sqldb.SQLStorage
}

// New opens the SQLite database at dsn and creates the storage tables if needed.
// A dsn of ":memory:" is a private in-memory database.
func New(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// in-memory databases exist per connection
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, err
	}
	if err = sqldb.ExecSchema(context.Background(), db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{SQLStorage: sqldb.New(db)}, nil
}
