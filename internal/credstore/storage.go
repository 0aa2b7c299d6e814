package credstore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"drillquiz/internal/config"
)

// Persisted keys. Expiries are stored as unix milliseconds.
const (
	KeyAccess           = "drillquiz.access"
	KeyRefresh          = "drillquiz.refresh"
	KeyAccessExpiresAt  = "drillquiz.access.expiresAt"
	KeyRefreshExpiresAt = "drillquiz.refresh.expiresAt"
	KeyUser             = "drillquiz.user"
)

// AllKeys lists every key the store writes.
var AllKeys = []string{KeyAccess, KeyRefresh, KeyAccessExpiresAt, KeyRefreshExpiresAt, KeyUser}

// Storage is a string key/value persistence port. Get reports found=false for
// absent keys; Delete of an absent key is not an error.
type Storage interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// OpenStorage builds the backend selected by cfg. The returned closer releases
// any connection or handle the backend holds.
func OpenStorage(ctx context.Context, cfg config.Storage) (Storage, io.Closer, error) {
	switch cfg.Backend {
	case config.StorageMemory:
		return NewMemoryStorage(), nopCloser{}, nil
	case config.StorageFile:
		return NewFileStorage(cfg.Path), nopCloser{}, nil
	case config.StorageSQLite:
		store, err := OpenSQLiteStorage(ctx, cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case config.StorageRedis:
		store := NewRedisStorage(RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.RedisKey,
		})
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("connect redis credential storage: %w", err)
		}
		return store, store, nil
	default:
		return nil, nil, errors.New("unknown storage backend " + cfg.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
