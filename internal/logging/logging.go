// Package logging provides structured logging with zap.
//
// The sync core is usually embedded in a host application, so nothing is
// logged until Init is called: the default logger is a no-op.
package logging

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

var (
	mu     sync.RWMutex
	global = zap.NewNop()
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the global logger from cfg.
func Init(cfg Config) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	level.SetLevel(lvl)

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.DisableStacktrace = true
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return err
	}
	Replace(logger)
	return nil
}

// Replace swaps the global logger. Loggers handed out by Named before the
// swap keep writing to the old one.
func Replace(logger *zap.Logger) {
	mu.Lock()
	global = logger
	mu.Unlock()
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}

// L returns the global logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Named returns the logger a component logs through.
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// FromContext returns the request-scoped logger, or the global one.
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*zap.Logger); ok {
		return logger
	}
	return L()
}

// Info logs on the global logger.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs on the global logger.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs on the global logger.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// String and Err save callers a zap import for the common fields.
func String(key, val string) zap.Field { return zap.String(key, val) }

func Err(err error) zap.Field { return zap.Error(err) }

// responseWriter wraps http.ResponseWriter to capture status and size.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

// Flush lets streaming handlers flush through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware tags each request with an X-Request-ID and logs it once it
// completes. Health and metrics scrapes log at debug level.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		logger := L().With(zap.String("request_id", requestID))
		r = r.WithContext(context.WithValue(r.Context(), contextKey{}, logger))

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		log := logger.Info
		if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/metrics") {
			log = logger.Debug
		}
		log("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int64("size", rw.size),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
