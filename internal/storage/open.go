package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/ride-lifecycle/internal/config"
)

// Open builds the configured backend and verifies it is reachable.
func Open(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "redis":
		s := NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgresStore(cfg.PGDSN, logger)
		if err != nil {
			return nil, err
		}
		if cfg.RunMigrations {
			if err := s.Migrate(ctx); err != nil {
				_ = s.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema applied", "backend", "postgres")
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

var (
	_ Backend = (*MemoryStore)(nil)
	_ Backend = (*RedisStore)(nil)
)
