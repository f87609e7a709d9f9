package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trackingdudes/offsync/internal/config"
	"github.com/trackingdudes/offsync/pkg/connectivity"
	"github.com/trackingdudes/offsync/pkg/models"
	"github.com/trackingdudes/offsync/pkg/offline"
	"github.com/trackingdudes/offsync/pkg/retry"
	"github.com/trackingdudes/offsync/pkg/syncer"
)

// itemServer is a tiny collection API that assigns ids from 7 upwards.
type itemServer struct {
	mu      sync.Mutex
	nextID  int
	items   []map[string]any
	created []map[string]any
}

func (s *itemServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/items":
		json.NewEncoder(w).Encode(s.items)
	case r.Method == http.MethodPost && r.URL.Path == "/items":
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"message":"bad body"}`, http.StatusBadRequest)
			return
		}
		s.created = append(s.created, body)
		item := map[string]any{"id": s.nextID, "name": body["name"]}
		s.nextID++
		s.items = append(s.items, item)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"id":     item["id"],
				"name":   item["name"],
				"tempId": body["tempId"],
			},
		})
	default:
		http.NotFound(w, r)
	}
}

func testConfig(serverURL string) *config.Config {
	cfg := config.Default()
	cfg.ServerURL = serverURL
	cfg.Storage.Backend = "memory"
	cfg.Connectivity.Mode = "manual"
	return cfg
}

func TestOfflineCreateSyncsWhenBackOnline(t *testing.T) {
	api := &itemServer{nextID: 7}
	srv := httptest.NewServer(api)
	defer srv.Close()

	ctx := context.Background()
	a, err := New(ctx, testConfig(srv.URL))
	require.NoError(t, err)
	defer a.Close()
	require.NotNil(t, a.Manual)

	synced := make(chan syncer.SyncEvent, 4)
	unsubscribe := a.Requester.AddQueueListener(func(ev syncer.SyncEvent) { synced <- ev })
	defer unsubscribe()

	res, err := a.Requester.Post(ctx, "/items", map[string]any{"name": "Pump"}, offline.Options{})
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.True(t, res.Pending)
	require.Len(t, res.Records, 1)
	tempID := models.IDString(res.Records[0][models.FieldTempID])
	require.NotEmpty(t, tempID)
	assert.Equal(t, 1, a.Queue.Len())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	a.Manual.Set(connectivity.Reachable(true))

	var ev syncer.SyncEvent
	select {
	case ev = <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("no sync event after going online")
	}
	assert.Equal(t, 1, ev.Mutations)
	assert.Equal(t, 0, ev.Remaining)
	require.Len(t, ev.Rewrites, 1)
	assert.Equal(t, models.LocalID(tempID), ev.Rewrites[0].Local)
	assert.Equal(t, models.ServerID("7"), ev.Rewrites[0].Server)
	assert.Contains(t, ev.Synced, models.ServerID("7"))

	assert.Equal(t, 0, a.Queue.Len())

	rows, ok := a.Cache.GetRecords(ctx, "/items")
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "7", models.IDString(rows[0][models.FieldID]))
	assert.False(t, rows[0].IsPending())
	assert.Nil(t, rows[0][models.FieldTempID])

	api.mu.Lock()
	require.Len(t, api.created, 1)
	assert.Equal(t, "Pump", api.created[0]["name"])
	assert.Equal(t, tempID, api.created[0]["tempId"])
	api.mu.Unlock()

	res, err = a.Requester.Get(ctx, "/items")
	require.NoError(t, err)
	assert.False(t, res.Offline)
	assert.JSONEq(t, `[{"id":7,"name":"Pump"}]`, string(res.Data))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Storage.Backend = "file"
	cfg.Storage.Dir = t.TempDir()

	ctx := context.Background()
	a, err := New(ctx, cfg)
	require.NoError(t, err)

	_, err = a.Requester.Post(ctx, "/items", map[string]any{"name": "Valve"}, offline.Options{})
	require.NoError(t, err)
	_, err = a.Requester.Put(ctx, "/items/3", map[string]any{"name": "Gauge"}, offline.Options{})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := New(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()

	queued := b.Queue.List()
	require.Len(t, queued, 2)
	assert.Equal(t, models.MethodPost, queued[0].Method)
	assert.Equal(t, models.MethodPut, queued[1].Method)

	res, err := b.Requester.Get(ctx, "/items")
	require.NoError(t, err)
	assert.True(t, res.Offline)
	assert.Len(t, res.Records, 2)
}

func TestSourceForMode(t *testing.T) {
	ctx := context.Background()
	for _, mode := range []string{"manual", "sse", "probe"} {
		t.Run(mode, func(t *testing.T) {
			cfg := testConfig("http://127.0.0.1:1")
			cfg.Connectivity.Mode = mode
			a, err := New(ctx, cfg)
			require.NoError(t, err)
			defer a.Close()

			switch mode {
			case "manual":
				assert.IsType(t, &connectivity.Manual{}, a.source)
				assert.NotNil(t, a.Manual)
			case "sse":
				assert.IsType(t, &connectivity.SSESource{}, a.source)
				assert.Nil(t, a.Manual)
			case "probe":
				assert.IsType(t, &connectivity.ProbeSource{}, a.source)
				assert.Nil(t, a.Manual)
			}
			assert.False(t, a.Monitor.IsConnected())
		})
	}
}

func TestRetryPolicy(t *testing.T) {
	p, err := retryPolicy(config.Retry{Policy: "stop"})
	require.NoError(t, err)
	assert.Equal(t, retry.Once{}, p)

	p, err = retryPolicy(config.Retry{Policy: "backoff", MaxAttempts: 5, InitialWait: time.Second})
	require.NoError(t, err)
	b, ok := p.(retry.Backoff)
	require.True(t, ok)
	assert.Equal(t, 5, b.Config.MaxAttempts)
	assert.Equal(t, time.Second, b.Config.InitialWait)

	_, err = retryPolicy(config.Retry{Policy: "forever"})
	assert.Error(t, err)
}

func TestStorageConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "redis"
	cfg.Storage.RedisAddr = "localhost:6379"
	cfg.Storage.Prefix = "fleet:"
	cfg.Storage.EncryptionKey = "secret"

	kc := storageConfig(cfg)
	assert.Equal(t, "redis", kc.Backend)
	assert.Equal(t, "localhost:6379", kc.Redis.Addr)
	assert.Equal(t, "fleet:", kc.Redis.Prefix)
	assert.Equal(t, "fleet:", kc.S3.Prefix)
	assert.Equal(t, "secret", kc.EncryptionKey)
}
