package main

import (
	"fmt"
	"path/filepath"

	storageeng "github.com/micromdm/nanoflow/engine/storage"
	storageengdiskv "github.com/micromdm/nanoflow/engine/storage/diskv"
	storageenginmem "github.com/micromdm/nanoflow/engine/storage/inmem"
	storageengmysql "github.com/micromdm/nanoflow/engine/storage/mysql"
	storageengredis "github.com/micromdm/nanoflow/engine/storage/redis"
	storageengsqlite "github.com/micromdm/nanoflow/engine/storage/sqlite"
	storageflow "github.com/micromdm/nanoflow/subsystem/flow/storage"
	storageflowdiskv "github.com/micromdm/nanoflow/subsystem/flow/storage/diskv"
	storageflowinmem "github.com/micromdm/nanoflow/subsystem/flow/storage/inmem"
	storageflowredis "github.com/micromdm/nanoflow/subsystem/flow/storage/redis"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
)

type storageConfig struct {
	engine storageeng.Storage
	flow   storageflow.Storage
}

// parseStorage configures the engine and flow storage backends.
// For the SQL backends options is an optional diskv path for flow
// definitions which are otherwise kept in memory.
func parseStorage(name, dsn, options string) (*storageConfig, error) {
	var flows storageflow.Storage = storageflowinmem.New()
	if options != "" {
		flows = storageflowdiskv.New(options)
	}

	switch name {
	case "inmem":
		return &storageConfig{
			engine: storageenginmem.New(),
			flow:   storageflowinmem.New(),
		}, nil
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return &storageConfig{
			engine: storageengdiskv.New(dsn),
			flow:   storageflowdiskv.New(filepath.Join(dsn, "flows")),
		}, nil
	case "redis":
		if dsn == "" {
			dsn = "redis://localhost:6379/0"
		}
		opt, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(opt)
		return &storageConfig{
			engine: storageengredis.New(client, "nanoflow:"),
			flow:   storageflowredis.New(client, "nanoflow:"),
		}, nil
	case "mysql":
		eng, err := storageengmysql.New(storageengmysql.WithDSN(dsn))
		if err != nil {
			return nil, err
		}
		return &storageConfig{engine: eng, flow: flows}, nil
	case "sqlite":
		if dsn == "" {
			dsn = "nanoflow.db"
		}
		eng, err := storageengsqlite.New(dsn)
		if err != nil {
			return nil, err
		}
		return &storageConfig{engine: eng, flow: flows}, nil
	}
	return nil, fmt.Errorf("unknown storage: %s", name)
}
