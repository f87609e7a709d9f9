package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis backend settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

// Redis stores items as plain string keys under a namespace prefix.
type Redis struct {
	cli    *redis.Client
	prefix string
}

// NewRedis connects to Redis.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	cli := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	return NewRedisFromClient(cli, cfg.Prefix), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(cli *redis.Client, prefix string) *Redis {
	return &Redis{cli: cli, prefix: prefix}
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) SetItem(ctx context.Context, key, value string) (err error) {
	start := time.Now()
	defer func() { observe("redis", "set", start, err) }()
	return r.cli.Set(ctx, r.key(key), value, 0).Err()
}

func (r *Redis) GetItem(ctx context.Context, key string) (v string, err error) {
	start := time.Now()
	defer func() { observe("redis", "get", start, err) }()

	v, err = r.cli.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *Redis) RemoveItem(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { observe("redis", "remove", start, err) }()
	return r.cli.Del(ctx, r.key(key)).Err()
}

func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := r.cli.Scan(ctx, 0, globEscape(r.key(prefix))+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) Close() error { return r.cli.Close() }

func globEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}
