package connectivity

import (
	"bufio"
	"context"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trackingdudes/offsync/internal/logging"
)

// Manual is a Source fed by the host platform's network callbacks.
type Manual struct {
	ch chan Status
}

// NewManual creates a manual source.
func NewManual() *Manual {
	return &Manual{ch: make(chan Status, 16)}
}

// Set reports a new status. It blocks only if 16 reports are already
// waiting to be consumed.
func (s *Manual) Set(st Status) {
	s.ch <- st
}

// Run implements Source.
func (s *Manual) Run(ctx context.Context, emit func(Status)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-s.ch:
			emit(st)
		}
	}
}

// Streamer opens a server event stream.
type Streamer interface {
	Stream(ctx context.Context, path string) (io.ReadCloser, error)
}

// SSESource treats an open server-sent event stream as proof of
// reachability. A dropped stream reports offline and is reopened with
// exponential backoff.
type SSESource struct {
	streamer     Streamer
	path         string
	reconnectMin time.Duration
	reconnectMax time.Duration
	log          *zap.Logger
}

// NewSSESource creates an SSE source on path.
func NewSSESource(streamer Streamer, path string) *SSESource {
	return &SSESource{
		streamer:     streamer,
		path:         path,
		reconnectMin: 1 * time.Second,
		reconnectMax: 30 * time.Second,
		log:          logging.Named("connectivity.sse"),
	}
}

// WithReconnect overrides the reconnect backoff bounds.
func (s *SSESource) WithReconnect(minDelay, maxDelay time.Duration) *SSESource {
	s.reconnectMin = minDelay
	s.reconnectMax = maxDelay
	return s
}

// Run implements Source.
func (s *SSESource) Run(ctx context.Context, emit func(Status)) error {
	reconnectDelay := s.reconnectMin

	for {
		if ctx.Err() != nil {
			return nil
		}

		opened, err := s.connect(ctx, emit)
		if ctx.Err() != nil {
			return nil
		}
		emit(Reachable(false))
		if opened {
			reconnectDelay = s.reconnectMin
		}

		s.log.Warn("event stream down", zap.Error(err), zap.Duration("retry_in", reconnectDelay))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}

		reconnectDelay *= 2
		if reconnectDelay > s.reconnectMax {
			reconnectDelay = s.reconnectMax
		}
	}
}

// connect holds one stream open until it ends. opened reports whether the
// server accepted the stream.
func (s *SSESource) connect(ctx context.Context, emit func(Status)) (opened bool, err error) {
	body, err := s.streamer.Stream(ctx, s.path)
	if err != nil {
		return false, err
	}
	defer body.Close()

	s.log.Info("event stream connected", zap.String("path", s.path))
	emit(Reachable(true))

	scanner := bufio.NewScanner(body)
	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventType != "" {
				s.log.Debug("event", zap.String("type", eventType))
			}
			eventType = ""
		case strings.HasPrefix(line, ":"):
			// Comment or heartbeat
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		}
	}
	if err := scanner.Err(); err != nil {
		return true, err
	}
	return true, io.EOF
}

// Pinger checks a server health endpoint.
type Pinger interface {
	Ping(ctx context.Context, path string) error
}

// ProbeSource polls a health endpoint for hosts without a network push API.
// It reports immediately and then every interval.
type ProbeSource struct {
	pinger   Pinger
	path     string
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

// NewProbeSource creates a probe of path every interval.
func NewProbeSource(pinger Pinger, path string, interval time.Duration) *ProbeSource {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &ProbeSource{
		pinger:   pinger,
		path:     path,
		interval: interval,
		timeout:  5 * time.Second,
		log:      logging.Named("connectivity.probe"),
	}
}

// Run implements Source.
func (s *ProbeSource) Run(ctx context.Context, emit func(Status)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		st := s.probe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		emit(st)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *ProbeSource) probe(ctx context.Context) Status {
	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.pinger.Ping(pctx, s.path); err != nil {
		s.log.Debug("health probe failed", zap.String("path", s.path), zap.Error(err))
		return Reachable(false)
	}
	return Reachable(true)
}
