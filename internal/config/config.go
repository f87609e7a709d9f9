// Package config loads configuration from a YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all sync core configuration.
type Config struct {
	// Remote API
	ServerURL     string        `yaml:"server_url"`
	AuthToken     string        `yaml:"auth_token"`
	BasicUser     string        `yaml:"basic_user"`
	BasicPassword string        `yaml:"basic_password"`
	Timeout       time.Duration `yaml:"timeout"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Debug API (empty disables it)
	DebugAddr string `yaml:"debug_addr"`

	Storage      Storage      `yaml:"storage"`
	Cache        Cache        `yaml:"cache"`
	Retry        Retry        `yaml:"retry"`
	Connectivity Connectivity `yaml:"connectivity"`
}

// Storage selects and configures the durable key-value backend.
type Storage struct {
	Backend string `yaml:"backend"` // memory, file, redis, postgres, s3

	// File backend
	Dir string `yaml:"dir"`

	// Redis backend
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// Postgres backend
	DatabaseURL string `yaml:"database_url"`

	// S3 backend
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Region    string `yaml:"s3_region"`

	// Namespace prepended to every key (redis, s3).
	Prefix string `yaml:"prefix"`

	// Optional at-rest encryption of stored values.
	EncryptionKey string `yaml:"encryption_key"`
}

// Cache configures key normalization.
type Cache struct {
	VolatileParams []string `yaml:"volatile_params"`
}

// Retry configures the drain retry policy.
type Retry struct {
	Policy      string        `yaml:"policy"` // stop, backoff
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// Connectivity selects the reachability source.
type Connectivity struct {
	Mode          string        `yaml:"mode"` // manual, sse, probe
	ProbeInterval time.Duration `yaml:"probe_interval"`
	HealthPath    string        `yaml:"health_path"`
	EventsPath    string        `yaml:"events_path"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ServerURL: "http://localhost:8080",
		Timeout:   30 * time.Second,
		LogLevel:  "info",
		LogFormat: "json",
		Storage: Storage{
			Backend:  "file",
			Dir:      defaultDataDir(),
			Prefix:   "offsync:",
			S3Region: "us-east-1",
		},
		Cache: Cache{
			VolatileParams: []string{"_t", "t", "timestamp", "page"},
		},
		Retry: Retry{
			Policy:      "stop",
			MaxAttempts: 3,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     10 * time.Second,
		},
		Connectivity: Connectivity{
			Mode:          "probe",
			ProbeInterval: 15 * time.Second,
			HealthPath:    "/health",
			EventsPath:    "/api/v1/events",
		},
	}
}

// Load reads the YAML file at path (if non-empty), then applies
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ServerURL = envOr("OFFSYNC_SERVER_URL", c.ServerURL)
	c.AuthToken = envOr("OFFSYNC_AUTH_TOKEN", c.AuthToken)
	c.BasicUser = envOr("OFFSYNC_BASIC_USER", c.BasicUser)
	c.BasicPassword = envOr("OFFSYNC_BASIC_PASSWORD", c.BasicPassword)
	c.Timeout = envDuration("OFFSYNC_TIMEOUT", c.Timeout)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.DebugAddr = envOr("OFFSYNC_DEBUG_ADDR", c.DebugAddr)

	c.Storage.Backend = envOr("OFFSYNC_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Dir = envOr("OFFSYNC_STORAGE_DIR", c.Storage.Dir)
	c.Storage.RedisAddr = envOr("REDIS_ADDR", c.Storage.RedisAddr)
	c.Storage.RedisPassword = envOr("REDIS_PASSWORD", c.Storage.RedisPassword)
	c.Storage.RedisDB = envInt("REDIS_DB", c.Storage.RedisDB)
	c.Storage.DatabaseURL = envOr("DATABASE_URL", c.Storage.DatabaseURL)
	c.Storage.S3Endpoint = envOr("S3_ENDPOINT", c.Storage.S3Endpoint)
	c.Storage.S3Bucket = envOr("S3_BUCKET", c.Storage.S3Bucket)
	c.Storage.S3AccessKey = envOr("S3_ACCESS_KEY", c.Storage.S3AccessKey)
	c.Storage.S3SecretKey = envOr("S3_SECRET_KEY", c.Storage.S3SecretKey)
	c.Storage.S3Region = envOr("S3_REGION", c.Storage.S3Region)
	c.Storage.Prefix = envOr("OFFSYNC_STORAGE_PREFIX", c.Storage.Prefix)
	c.Storage.EncryptionKey = envOr("OFFSYNC_ENCRYPTION_KEY", c.Storage.EncryptionKey)

	if v := os.Getenv("OFFSYNC_VOLATILE_PARAMS"); v != "" {
		c.Cache.VolatileParams = splitList(v)
	}

	c.Retry.Policy = envOr("OFFSYNC_RETRY_POLICY", c.Retry.Policy)
	c.Retry.MaxAttempts = envInt("OFFSYNC_RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)
	c.Retry.InitialWait = envDuration("OFFSYNC_RETRY_INITIAL_WAIT", c.Retry.InitialWait)
	c.Retry.MaxWait = envDuration("OFFSYNC_RETRY_MAX_WAIT", c.Retry.MaxWait)

	c.Connectivity.Mode = envOr("OFFSYNC_CONNECTIVITY_MODE", c.Connectivity.Mode)
	c.Connectivity.ProbeInterval = envDuration("OFFSYNC_PROBE_INTERVAL", c.Connectivity.ProbeInterval)
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerURL == "" {
		errs = append(errs, errors.New("server_url is required"))
	}

	switch c.Storage.Backend {
	case "memory":
	case "file":
		if c.Storage.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the file backend"))
		}
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, errors.New("storage.redis_addr is required for the redis backend"))
		}
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			errs = append(errs, errors.New("storage.database_url is required for the postgres backend"))
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			errs = append(errs, errors.New("storage.s3_bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend: %q", c.Storage.Backend))
	}

	switch c.Retry.Policy {
	case "stop", "backoff":
	default:
		errs = append(errs, fmt.Errorf("unknown retry policy: %q", c.Retry.Policy))
	}

	switch c.Connectivity.Mode {
	case "manual", "sse", "probe":
	default:
		errs = append(errs, fmt.Errorf("unknown connectivity mode: %q", c.Connectivity.Mode))
	}

	return errors.Join(errs...)
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "offsync"
	}
	return os.TempDir() + string(os.PathSeparator) + "offsync"
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
