package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/option"

	"lockbox.dev/authz/grants"
	dsstorer "lockbox.dev/authz/grants/storers/datastore"
	"lockbox.dev/authz/grants/storers/jsonfile"
	"lockbox.dev/authz/grants/storers/memory"
	"lockbox.dev/authz/grants/storers/postgres"
	"lockbox.dev/authz/grants/storers/sqlite"
)

const (
	driverMemory    = "memory"
	driverSQLite    = "sqlite"
	driverPostgres  = "postgres"
	driverDatastore = "datastore"
	driverJSONFile  = "jsonfile"
)

// storage is an opened grant store, plus the SQL connection behind it for
// the drivers that have one.
type storage struct {
	Storer grants.Storer
	DB     *sql.DB
	close  func() error
}

func (s storage) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func openStorage(ctx context.Context, cfg StorageConfig) (storage, error) {
	switch cfg.Driver {
	case driverMemory:
		storer, err := memory.NewStorer()
		if err != nil {
			return storage{}, err
		}
		return storage{Storer: storer}, nil
	case driverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return storage{}, fmt.Errorf("creating SQLite directory: %w", err)
		}
		db, err := sqlite.Open(cfg.Path)
		if err != nil {
			return storage{}, err
		}
		return storage{Storer: sqlite.NewStorer(ctx, db), DB: db, close: db.Close}, nil
	case driverPostgres:
		db, err := sql.Open("postgres", cfg.DSN)
		if err != nil {
			return storage{}, fmt.Errorf("connecting to Postgres: %w", err)
		}
		return storage{Storer: postgres.NewStorer(ctx, db), DB: db, close: db.Close}, nil
	case driverDatastore:
		var opts []option.ClientOption
		if cfg.Datastore.Credentials != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Datastore.Credentials))
		}
		client, err := datastore.NewClient(ctx, cfg.Datastore.Project, opts...)
		if err != nil {
			return storage{}, fmt.Errorf("connecting to Datastore: %w", err)
		}
		return storage{Storer: dsstorer.NewStorer(ctx, client, cfg.Datastore.Namespace), close: client.Close}, nil
	case driverJSONFile:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return storage{}, fmt.Errorf("creating grants file directory: %w", err)
		}
		return storage{Storer: jsonfile.NewStorer(cfg.Path)}, nil
	}
	return storage{}, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
