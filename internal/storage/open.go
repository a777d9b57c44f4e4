package storage

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/loraedge-tracker/internal/config"
)

// Open creates the store selected by cfg.Driver
func Open(cfg config.DatabaseConfig) (Store, error) {
	switch cfg.Driver {
	case "memory":
		log.Warn().Msg("Using in-memory store; sessions are not shared between instances")
		return NewMemoryStore(), nil

	case "sqlite":
		return NewSQLiteStore(cfg.DSN)

	case "postgres":
		store, err := NewPostgresStore(cfg.DSN, PoolOptions{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		if cfg.AutoMigrate {
			if err := store.Migrate(); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	}

	return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
}
