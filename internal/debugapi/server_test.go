package debugapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackingdudes/offsync/internal/app"
	"github.com/trackingdudes/offsync/internal/config"
	"github.com/trackingdudes/offsync/pkg/connectivity"
	"github.com/trackingdudes/offsync/pkg/models"
	"github.com/trackingdudes/offsync/pkg/offline"
	"github.com/trackingdudes/offsync/pkg/syncer"
	"github.com/trackingdudes/offsync/pkg/transport"
)

type transportFunc func(ctx context.Context, req transport.Request) (json.RawMessage, error)

func (f transportFunc) Do(ctx context.Context, req transport.Request) (json.RawMessage, error) {
	return f(ctx, req)
}

func echoID(_ context.Context, req transport.Request) (json.RawMessage, error) {
	return json.RawMessage(`{"id":1}`), nil
}

func newTestApp(t *testing.T, mode string, tr transport.Transport) *app.App {
	t.Helper()
	cfg := config.Default()
	cfg.ServerURL = "http://127.0.0.1:1"
	cfg.Storage.Backend = "memory"
	cfg.Connectivity.Mode = mode

	a, err := app.New(context.Background(), cfg, app.WithTransport(tr))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthQueueAndPending(t *testing.T) {
	a := newTestApp(t, "manual", transportFunc(echoID))
	h := New(a).Handler()
	ctx := context.Background()

	_, err := a.Requester.Put(ctx, "/vehicles/status", map[string]any{"ids": []int{4}, "status": "disabled"}, offline.Options{
		AffectedIDs:   []models.Identity{models.ServerID("4")},
		PendingStatus: "disabled",
	})
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","connected":false,"queued":1}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, h, http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var queued []models.QueuedMutation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queued))
	require.Len(t, queued, 1)
	assert.Equal(t, models.MethodPut, queued[0].Method)
	assert.Equal(t, "/vehicles/status", queued[0].Endpoint)

	rec = do(t, h, http.MethodGet, "/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"server:4":"disabled"}`, rec.Body.String())
}

func TestDrain(t *testing.T) {
	a := newTestApp(t, "manual", transportFunc(echoID))
	h := New(a).Handler()
	ctx := context.Background()

	rec := do(t, h, http.MethodGet, "/sync/last", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := a.Requester.Put(ctx, "/items/1", map[string]any{"name": "A"}, offline.Options{})
	require.NoError(t, err)
	a.Monitor.Update(connectivity.Reachable(true))

	rec = do(t, h, http.MethodPost, "/drain", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var ev syncer.SyncEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ev))
	assert.Equal(t, 1, ev.Mutations)
	assert.Equal(t, []models.Identity{models.ServerID("1")}, ev.Synced)

	rec = do(t, h, http.MethodGet, "/sync/last", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, a.Queue.Len())
}

func TestDrainFailure(t *testing.T) {
	fail := transportFunc(func(context.Context, transport.Request) (json.RawMessage, error) {
		return nil, errors.New("connection refused")
	})
	a := newTestApp(t, "manual", fail)
	h := New(a).Handler()

	_, err := a.Requester.Put(context.Background(), "/items/1", map[string]any{"name": "A"}, offline.Options{})
	require.NoError(t, err)
	a.Monitor.Update(connectivity.Reachable(true))

	rec := do(t, h, http.MethodPost, "/drain", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
	assert.Equal(t, 1, a.Queue.Len())
}

func TestSetConnectivity(t *testing.T) {
	a := newTestApp(t, "manual", transportFunc(echoID))
	h := New(a).Handler()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Monitor.Run(ctx)

	rec := do(t, h, http.MethodPost, "/connectivity", `{"isConnected":true,"isInternetReachable":null}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"connected":true}`, rec.Body.String())

	require.Eventually(t, a.Monitor.IsConnected, 2*time.Second, 10*time.Millisecond)

	rec = do(t, h, http.MethodGet, "/connectivity", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got connectivityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Connected)
	assert.Equal(t, 1, got.Reports)

	rec = do(t, h, http.MethodPost, "/connectivity", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetConnectivityRequiresManualMode(t *testing.T) {
	a := newTestApp(t, "probe", transportFunc(echoID))
	h := New(a).Handler()

	rec := do(t, h, http.MethodPost, "/connectivity", `{"isConnected":true}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCacheEndpoints(t *testing.T) {
	a := newTestApp(t, "manual", transportFunc(echoID))
	h := New(a).Handler()
	ctx := context.Background()

	a.Cache.Set(ctx, "/items?_t=99", []map[string]any{{"id": 1}})

	rec := do(t, h, http.MethodGet, "/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["/items"]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/cache/entry?key=/items", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entry models.CacheEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, "/items", entry.Key)
	assert.JSONEq(t, `[{"id":1}]`, string(entry.Value))

	rec = do(t, h, http.MethodGet, "/cache/entry?key=/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodGet, "/cache/entry", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodDelete, "/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"cleared":1}`, rec.Body.String())
}

func TestEventsStream(t *testing.T) {
	a := newTestApp(t, "manual", transportFunc(echoID))
	srv := httptest.NewServer(New(a).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go a.Monitor.Run(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	a.Manual.Set(connectivity.Reachable(true))

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			event = v
		}
		if v, ok := strings.CutPrefix(line, "data: "); ok {
			data = v
			break
		}
	}
	require.Equal(t, "connectivity", event)
	var tr connectivity.Transition
	require.NoError(t, json.Unmarshal([]byte(data), &tr))
	assert.True(t, tr.Connected)
}
