package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/salonworks/storyline/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "storyline.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		st.SetAttemptLease(cfg.Pipeline.AttemptLease())
		return st, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{MaxConns: cfg.Store.MaxConns})
		if err != nil {
			return nil, err
		}
		st.SetAttemptLease(cfg.Pipeline.AttemptLease())
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore opens the configured store and applies migrations. Callers
// should defer Close.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// openQueryStore is openStore for read-only commands.
func openQueryStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("query"); err != nil {
		return nil, err
	}
	return openStore(ctx)
}
