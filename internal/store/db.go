package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// Options selects and configures a backend.
type Options struct {
	Driver        string
	BadgerDir     string
	DatabaseURL   string
	MigrationsDir string
}

// New opens the configured backend. Postgres is migrated before use.
func New(ctx context.Context, opts Options) (Store, error) {
	switch opts.Driver {
	case "", DriverBadger:
		return OpenBadger(opts.BadgerDir)
	case DriverPostgres:
		db, err := Open(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := ApplyMigrations(ctx, db, opts.MigrationsDir); err != nil {
			_ = db.Close()
			return nil, err
		}
		return NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}

func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
