package store

import (
	"context"
	"fmt"
	"github/martinmaurice/spoolr/pkg/env"
	"log/slog"
)

const (
	MemoryDriver   = "memory"
	RedisDriver    = "redis"
	PostgresDriver = "postgres"
)

// Open builds the store selected by envObj.StoreDriver.
func Open(ctx context.Context, envObj *env.Specification) (Store, error) {
	slog.Info("opening store", "driver", envObj.StoreDriver)

	switch envObj.StoreDriver {
	case MemoryDriver, "":
		return NewMemoryStore(), nil
	case RedisDriver:
		s := NewRedis(envObj)
		if err := s.Ping(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", envObj.RedisAddr, err)
		}
		return s, nil
	case PostgresDriver:
		return NewPostgres(ctx, envObj.DatabaseUrl, envObj.DatabaseMaxConns)
	default:
		return nil, fmt.Errorf("unknown store driver %q", envObj.StoreDriver)
	}
}
