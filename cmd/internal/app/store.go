package app

import (
	"context"
	"fmt"
	"time"

	"arclink/cmd/internal/auth/tokenstore"
)

// openedStore is a token store plus what the app must release on shutdown.
type openedStore struct {
	tokenstore.Store

	// file is set for the file backend so the CLI can watch it.
	file *tokenstore.FileStore

	ping  func(ctx context.Context) error
	close func() error
}

// openStore selects the token store backend named by cfg.TokenStore.
func openStore(ctx context.Context, cfg Config, log Logger) (*openedStore, error) {
	noop := func() error { return nil }
	ready := func(context.Context) error { return nil }

	switch cfg.TokenStore {
	case StoreMemory:
		log.Info("tokenstore.open", "backend", StoreMemory)
		return &openedStore{Store: tokenstore.NewMemoryStore(), ping: ready, close: noop}, nil

	case StoreFile:
		fs := tokenstore.NewFileStore(cfg.TokenPath, tokenstore.WithPassphrase(cfg.TokenPassphrase))
		log.Info("tokenstore.open", "backend", StoreFile, "path", fs.Path(), "sealed", cfg.TokenPassphrase != "")
		return &openedStore{Store: fs, file: fs, ping: ready, close: noop}, nil

	case StoreSQLite:
		st, err := tokenstore.OpenSQLite(ctx, cfg.TokenPath, cfg.Profile)
		if err != nil {
			return nil, fmt.Errorf("open sqlite token store: %w", err)
		}
		log.Info("tokenstore.open", "backend", StoreSQLite, "profile", cfg.Profile)
		return &openedStore{Store: st, ping: ready, close: st.Close}, nil

	case StorePostgres:
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		st, err := tokenstore.NewPostgresStore(pool, "", cfg.Profile)
		if err == nil {
			err = st.EnsureSchema(ctx)
		}
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("open postgres token store: %w", err)
		}
		log.Info("tokenstore.open", "backend", StorePostgres, "profile", cfg.Profile)
		return &openedStore{
			Store: st,
			ping:  func(ctx context.Context) error { return PingDB(ctx, pool, 2*time.Second) },
			close: func() error { pool.Close(); return nil },
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown token store %q", ErrConfig, cfg.TokenStore)
}
