package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"raffleBridge/internal/config"
	"raffleBridge/internal/storage"
	"raffleBridge/internal/storage/postgres"
	"raffleBridge/internal/storage/sqlite"
)

// OpenStore opens the KV driver named by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (storage.KV, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryKV(), nil
	case "", "file":
		kv, err := storage.NewFileKV(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return kv, nil
	case "redis":
		kv, err := storage.NewRedisKV(cfg.RedisAddr, cfg.RedisPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return kv, nil
	case "postgres":
		kv, err := postgres.NewStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return kv, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		kv, err := sqlite.NewStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return kv, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
