// Package kv provides the durable key-value storage the sync core persists
// its cache, queue and pending statuses into.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trackingdudes/offsync/internal/metrics"
)

// ErrNotFound is returned by GetItem when the key has no value.
var ErrNotFound = errors.New("kv: key not found")

// Storage is a string key-value store with setItem/getItem/removeItem
// semantics.
type Storage interface {
	SetItem(ctx context.Context, key, value string) error
	GetItem(ctx context.Context, key string) (string, error)
	RemoveItem(ctx context.Context, key string) error
	// Keys returns every stored key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Config selects a backend for Open.
type Config struct {
	Backend string // memory, file, redis, postgres, s3

	Dir string

	Redis RedisConfig

	DatabaseURL string

	S3 S3Config

	// EncryptionKey, when set, wraps the backend in Sealed.
	EncryptionKey string
}

// Open creates a Storage from a backend type.
func Open(ctx context.Context, cfg Config) (Storage, error) {
	var (
		s   Storage
		err error
	)

	switch cfg.Backend {
	case "memory":
		s = NewMemory()
	case "file":
		s, err = NewFile(cfg.Dir)
	case "redis":
		s, err = NewRedis(cfg.Redis)
	case "postgres":
		s, err = NewPostgres(ctx, cfg.DatabaseURL)
	case "s3":
		s, err = NewS3(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s storage: %w", cfg.Backend, err)
	}

	if cfg.EncryptionKey != "" {
		sealed, err := NewSealed(s, []byte(cfg.EncryptionKey))
		if err != nil {
			s.Close()
			return nil, err
		}
		return sealed, nil
	}
	return s, nil
}

// observe records a backend operation. ErrNotFound counts as success.
func observe(backend, op string, start time.Time, err error) {
	metrics.RecordStorageOperation(backend, op, time.Since(start), err == nil || errors.Is(err, ErrNotFound))
}
