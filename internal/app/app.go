// Package app wires the sync core together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/trackingdudes/offsync/internal/config"
	"github.com/trackingdudes/offsync/internal/logging"
	"github.com/trackingdudes/offsync/pkg/cache"
	"github.com/trackingdudes/offsync/pkg/connectivity"
	"github.com/trackingdudes/offsync/pkg/kv"
	"github.com/trackingdudes/offsync/pkg/offline"
	"github.com/trackingdudes/offsync/pkg/queue"
	"github.com/trackingdudes/offsync/pkg/retry"
	"github.com/trackingdudes/offsync/pkg/syncer"
	"github.com/trackingdudes/offsync/pkg/transport"
)

// App holds every component of a running sync core.
type App struct {
	Config    *config.Config
	Storage   kv.Storage
	Cache     *cache.Store
	Queue     *queue.Queue
	Client    *transport.Client
	Monitor   *connectivity.Monitor
	Engine    *syncer.Engine
	Requester *offline.Requester

	// Manual is set when connectivity is driven by the host.
	Manual *connectivity.Manual

	transport transport.Transport
	source    connectivity.Source
	log       *zap.Logger
}

// Option overrides a component New would otherwise build from config.
type Option func(*App)

// WithStorage uses s instead of opening the configured backend.
func WithStorage(s kv.Storage) Option {
	return func(a *App) { a.Storage = s }
}

// WithTransport sends requests through t instead of the HTTP client.
func WithTransport(t transport.Transport) Option {
	return func(a *App) { a.transport = t }
}

// WithSource feeds the monitor from src instead of the configured mode.
func WithSource(src connectivity.Source) Option {
	return func(a *App) { a.source = src }
}

// New builds the sync core described by cfg. The queue is loaded from
// storage before New returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		Config: cfg,
		log:    logging.Named("app"),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.Storage == nil {
		s, err := kv.Open(ctx, storageConfig(cfg))
		if err != nil {
			return nil, err
		}
		a.Storage = s
	}

	a.Cache = cache.New(a.Storage, cfg.Cache.VolatileParams...)

	q, err := queue.Open(ctx, a.Storage)
	if err != nil {
		a.Storage.Close()
		return nil, fmt.Errorf("load queue: %w", err)
	}
	a.Queue = q

	a.Client = transport.New(transport.Config{
		BaseURL:       cfg.ServerURL,
		Timeout:       cfg.Timeout,
		RetryConfig:   retryConfig(cfg.Retry),
		AuthToken:     cfg.AuthToken,
		BasicUser:     cfg.BasicUser,
		BasicPassword: cfg.BasicPassword,
	})
	if a.transport == nil {
		a.transport = a.Client
	}

	if a.source == nil {
		a.source = a.sourceFor(cfg.Connectivity)
	}
	a.Monitor = connectivity.NewMonitor(a.source)

	policy, err := retryPolicy(cfg.Retry)
	if err != nil {
		a.Storage.Close()
		return nil, err
	}
	a.Engine = syncer.New(a.Queue, a.Cache, a.transport, a.Monitor, syncer.WithRetryPolicy(policy))
	a.Requester = offline.New(a.transport, a.Cache, a.Queue, a.Monitor, a.Engine)

	a.log.Info("sync core ready",
		zap.String("server", cfg.ServerURL),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("connectivity", cfg.Connectivity.Mode),
		zap.String("retry", cfg.Retry.Policy),
		zap.Int("queued", a.Queue.Len()))
	return a, nil
}

func (a *App) sourceFor(c config.Connectivity) connectivity.Source {
	switch c.Mode {
	case "sse":
		return connectivity.NewSSESource(a.Client, c.EventsPath)
	case "probe":
		return connectivity.NewProbeSource(a.Client, c.HealthPath, c.ProbeInterval)
	default:
		a.Manual = connectivity.NewManual()
		return a.Manual
	}
}

// Run drives the connectivity monitor and the sync engine until ctx is
// done.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("component stopped", zap.String("component", name), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
				cancel()
			}
		}()
	}

	run("connectivity", a.Monitor.Run)
	run("syncer", a.Engine.Run)

	wg.Wait()
	return errors.Join(errs...)
}

// Close releases the storage backend.
func (a *App) Close() error {
	return a.Storage.Close()
}

func storageConfig(cfg *config.Config) kv.Config {
	s := cfg.Storage
	return kv.Config{
		Backend: s.Backend,
		Dir:     s.Dir,
		Redis: kv.RedisConfig{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
			Prefix:   s.Prefix,
		},
		DatabaseURL: s.DatabaseURL,
		S3: kv.S3Config{
			Endpoint:  s.S3Endpoint,
			Bucket:    s.S3Bucket,
			AccessKey: s.S3AccessKey,
			SecretKey: s.S3SecretKey,
			Region:    s.S3Region,
			Prefix:    s.Prefix,
		},
		EncryptionKey: s.EncryptionKey,
	}
}

func retryConfig(r config.Retry) retry.Config {
	cfg := retry.DefaultConfig()
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.InitialWait > 0 {
		cfg.InitialWait = r.InitialWait
	}
	if r.MaxWait > 0 {
		cfg.MaxWait = r.MaxWait
	}
	return cfg
}

func retryPolicy(r config.Retry) (retry.Policy, error) {
	switch r.Policy {
	case "", "stop":
		return retry.Once{}, nil
	case "backoff":
		return retry.Backoff{Config: retryConfig(r)}, nil
	default:
		return nil, fmt.Errorf("unknown retry policy: %q", r.Policy)
	}
}
