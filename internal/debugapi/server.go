// Package debugapi exposes the sync core's state over HTTP for operators
// and host shells: queue contents, pending statuses, connectivity, cache
// keys, metrics and a live event stream.
package debugapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/trackingdudes/offsync/internal/app"
	"github.com/trackingdudes/offsync/internal/logging"
	"github.com/trackingdudes/offsync/internal/metrics"
	"github.com/trackingdudes/offsync/pkg/connectivity"
)

// Server serves the debug API for one App.
type Server struct {
	app *app.App
	log *zap.Logger
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// New creates a debug API server.
func New(a *app.App) *Server {
	return &Server{app: a, log: logging.Named("debugapi")}
}

// Handler returns the routed handler wrapped in logging and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)
	r.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)
	r.HandleFunc("/drain", s.handleDrain).Methods(http.MethodPost)
	r.HandleFunc("/sync/last", s.handleLastSync).Methods(http.MethodGet)

	r.HandleFunc("/connectivity", s.handleConnectivity).Methods(http.MethodGet)
	r.HandleFunc("/connectivity", s.handleSetConnectivity).Methods(http.MethodPost)

	r.HandleFunc("/cache", s.handleCacheKeys).Methods(http.MethodGet)
	r.HandleFunc("/cache/entry", s.handleCacheEntry).Methods(http.MethodGet)
	r.HandleFunc("/cache", s.handleCacheClear).Methods(http.MethodDelete)

	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	return logging.Middleware(metrics.Middleware(r))
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("debug API listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown debug API: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": s.app.Monitor.IsConnected(),
		"queued":    s.app.Queue.Len(),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.app.Queue.List())
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.app.Queue.Pending())
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	ev, err := s.app.Engine.Drain(r.Context())
	if err != nil {
		s.sendJSON(w, http.StatusBadGateway, map[string]any{
			"error": err.Error(),
			"event": ev,
		})
		return
	}
	s.sendJSON(w, http.StatusOK, ev)
}

func (s *Server) handleLastSync(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.app.Engine.Last()
	if !ok {
		s.sendError(w, http.StatusNotFound, "no sync yet")
		return
	}
	s.sendJSON(w, http.StatusOK, ev)
}

type connectivityResponse struct {
	Connected bool                `json:"connected"`
	Last      connectivity.Status `json:"last"`
	Reports   int                 `json:"reports"`
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	last, reports := s.app.Monitor.Status()
	s.sendJSON(w, http.StatusOK, connectivityResponse{
		Connected: s.app.Monitor.IsConnected(),
		Last:      last,
		Reports:   reports,
	})
}

// handleSetConnectivity lets the host shell report network state when the
// core runs in manual mode.
func (s *Server) handleSetConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.app.Manual == nil {
		s.sendError(w, http.StatusConflict, "connectivity is not in manual mode")
		return
	}
	var st connectivity.Status
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid status: "+err.Error())
		return
	}
	s.app.Manual.Set(st)
	s.sendJSON(w, http.StatusAccepted, map[string]bool{"connected": st.Connected()})
}

func (s *Server) handleCacheKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.app.Cache.Keys(r.Context())
	if keys == nil {
		keys = []string{}
	}
	s.sendJSON(w, http.StatusOK, keys)
}

func (s *Server) handleCacheEntry(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.sendError(w, http.StatusBadRequest, "key is required")
		return
	}
	entry, ok := s.app.Cache.Entry(r.Context(), key)
	if !ok {
		s.sendError(w, http.StatusNotFound, "not cached: "+key)
		return
	}
	s.sendJSON(w, http.StatusOK, entry)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	n := s.app.Cache.Clear(r.Context())
	s.log.Info("cache cleared", zap.Int("entries", n))
	s.sendJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// handleEvents streams connectivity transitions and sync events as
// server-sent events until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	transitions := s.app.Monitor.Watch(ctx)
	synced := s.app.Engine.Watch(ctx)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		var (
			name    string
			payload any
		)
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			name, payload = "connectivity", tr
		case ev, ok := <-synced:
			if !ok {
				return
			}
			name, payload = "sync", ev
		}

		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		flusher.Flush()
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response not written", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, ErrorResponse{Error: message, Code: code})
}
