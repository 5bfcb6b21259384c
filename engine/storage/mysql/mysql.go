// Package mysql implements an engine storage backend using MySQL.
package mysql

import (
	"context"
	"database/sql"
	_ "embed"

	"github.com/micromdm/nanoflow/engine/storage/sqldb"
)

// Schema holds the MySQL schema for the engine storage tables.
//
//go:embed schema.sql
var Schema string

// MySQLStorage implements a storage.Storage using MySQL.
type MySQLStorage struct {
	*sqldb.SQLStorage
}

type config struct {
	driver string
	dsn    string
	db     *sql.DB
	schema bool
}

// Option allows configuring a MySQLStorage.
type Option func(*config)

// WithDSN sets the storage MySQL data source name.
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithDriver sets a custom MySQL driver for the storage.
// Default driver is "mysql" but is ignored if WithDB is used.
func WithDriver(driver string) Option {
	return func(c *config) {
		c.driver = driver
	}
}

// WithDB sets a custom MySQL *sql.DB to the storage.
// If set, driver passed via WithDriver is ignored.
func WithDB(db *sql.DB) Option {
	return func(c *config) {
		c.db = db
	}
}

// WithSchema creates the storage tables if they do not exist.
func WithSchema() Option {
	return func(c *config) {
		c.schema = true
	}
}

// New creates and returns a new MySQL.
func New(opts ...Option) (*MySQLStorage, error) {
	cfg := &config{driver: "mysql"}
	for _, opt := range opts {
		opt(cfg)
	}
	var err error
	if cfg.db == nil {
		cfg.db, err = sql.Open(cfg.driver, cfg.dsn)
		if err != nil {
			return nil, err
		}
	}
	if err = cfg.db.Ping(); err != nil {
		return nil, err
	}
	if cfg.schema {
		if err = sqldb.ExecSchema(context.Background(), cfg.db, Schema); err != nil {
			return nil, err
		}
	}
	return &MySQLStorage{SQLStorage: sqldb.New(cfg.db)}, nil
}
