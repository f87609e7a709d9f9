package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/trackingdudes/offsync/pkg/cache"
	"github.com/trackingdudes/offsync/pkg/connectivity"
	"github.com/trackingdudes/offsync/pkg/kv"
	"github.com/trackingdudes/offsync/pkg/models"
	"github.com/trackingdudes/offsync/pkg/queue"
	"github.com/trackingdudes/offsync/pkg/retry"
	"github.com/trackingdudes/offsync/pkg/transport"
	"github.com/trackingdudes/offsync/pkg/transport/mocks"
)

// call matches a transport request by method and endpoint.
type call struct {
	method   models.Method
	endpoint string
}

func (c call) Matches(x any) bool {
	r, ok := x.(transport.Request)
	return ok && r.Method == c.method && r.Endpoint == c.endpoint
}

func (c call) String() string {
	return fmt.Sprintf("%s %s", c.method, c.endpoint)
}

type fixture struct {
	store   kv.Storage
	queue   *queue.Queue
	cache   *cache.Store
	monitor *connectivity.Monitor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kv.NewMemory()
	q, err := queue.Open(context.Background(), store)
	require.NoError(t, err)
	return &fixture{
		store:   store,
		queue:   q,
		cache:   cache.New(store),
		monitor: connectivity.NewMonitor(nil),
	}
}

func (f *fixture) enqueue(t *testing.T, m models.QueuedMutation) models.QueuedMutation {
	t.Helper()
	m, err := f.queue.Enqueue(context.Background(), m)
	require.NoError(t, err)
	return m
}

func put(id, body string) models.QueuedMutation {
	target := models.ServerID(id)
	return models.QueuedMutation{
		Method:      models.MethodPut,
		Endpoint:    "/items/" + id,
		Collection:  "/items",
		Body:        json.RawMessage(body),
		UseToken:    true,
		Target:      &target,
		AffectedIDs: []models.Identity{target},
	}
}

func TestDrain_StopsAtFirstFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	f := newFixture(t)
	f.monitor.Update(connectivity.Reachable(true))

	f.enqueue(t, put("A", `{"n":"A"}`))
	b := f.enqueue(t, put("B", `{"n":"B"}`))
	c := f.enqueue(t, put("C", `{"n":"C"}`))

	gomock.InOrder(
		tr.EXPECT().Do(gomock.Any(), call{models.MethodPut, "/items/A"}).Return(json.RawMessage(`{}`), nil),
		tr.EXPECT().Do(gomock.Any(), call{models.MethodPut, "/items/B"}).Return(nil, errors.New("connection reset")),
	)

	e := New(f.queue, f.cache, tr, f.monitor)
	var events []SyncEvent
	e.AddQueueListener(func(ev SyncEvent) { events = append(events, ev) })

	ev, err := e.Drain(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, ev.Mutations)
	assert.Equal(t, 2, ev.Remaining)

	remaining := f.queue.List()
	require.Len(t, remaining, 2)
	assert.Equal(t, b.ID, remaining[0].ID)
	assert.Equal(t, c.ID, remaining[1].ID)

	require.Len(t, events, 1)
	assert.Equal(t, []models.Identity{models.ServerID("A")}, events[0].Synced)

	// The queue survives a restart in the same state.
	reloaded, err := queue.Open(context.Background(), f.store)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Len())
}

func TestDrain_NoopWhenOfflineOrEmpty(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	f := newFixture(t)
	e := New(f.queue, f.cache, tr, f.monitor)

	ev, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, ev.Mutations)

	f.enqueue(t, put("1", `{}`))
	ev, err = e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Remaining)
	_, ok := e.Last()
	assert.False(t, ok)
}

func TestDrain_RefusesUnloadedQueue(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t)
	f.monitor.Update(connectivity.Reachable(true))
	e := New(queue.New(f.store), f.cache, mocks.NewMockTransport(ctrl), f.monitor)

	_, err := e.Drain(context.Background())
	assert.ErrorIs(t, err, queue.ErrNotLoaded)
}

func TestDrain_CreateReconciliation(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	f := newFixture(t)

	f.cache.SetRecords(ctx, "/items", []models.Record{
		{"id": json.Number("1"), "name": "existing"},
		{"tempId": "T1", "name": "draft", "pending": true},
	})
	f.enqueue(t, models.QueuedMutation{
		Method:      models.MethodPost,
		Endpoint:    "/items",
		Body:        json.RawMessage(`{"name":"draft","tempId":"T1"}`),
		UseToken:    true,
		TempID:      "T1",
		AffectedIDs: []models.Identity{models.LocalID("T1")},
	})
	local := models.LocalID("T1")
	f.enqueue(t, models.QueuedMutation{
		Method:      models.MethodPut,
		Endpoint:    "/items/T1",
		Collection:  "/items",
		Body:        json.RawMessage(`{"name":"final"}`),
		UseToken:    true,
		Target:      &local,
		AffectedIDs: []models.Identity{local},
	})
	require.NoError(t, f.queue.SetPending(ctx, []models.Identity{local}, "disabled"))

	gomock.InOrder(
		tr.EXPECT().Do(gomock.Any(), call{models.MethodPost, "/items"}).
			Return(json.RawMessage(`{"data":{"id":42,"name":"draft","tempId":"T1"}}`), nil),
		tr.EXPECT().Do(gomock.Any(), call{models.MethodPut, "/items/42"}).
			Return(json.RawMessage(`{"id":42,"name":"final"}`), nil),
	)

	f.monitor.Update(connectivity.Reachable(true))
	e := New(f.queue, f.cache, tr, f.monitor)

	var got SyncEvent
	e.AddQueueListener(func(ev SyncEvent) { got = ev })

	_, err := e.Drain(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, f.queue.Len())
	assert.Equal(t, 2, got.Mutations)
	assert.Contains(t, got.Synced, models.LocalID("T1"))
	assert.Contains(t, got.Synced, models.ServerID("42"))
	require.Len(t, got.Rewrites, 1)
	assert.Equal(t, Rewrite{Local: local, Server: models.ServerID("42")}, got.Rewrites[0])

	assert.Empty(t, f.queue.Pending())

	list, ok := f.cache.GetRecords(ctx, "/items")
	require.True(t, ok)
	require.Len(t, list, 2)
	row := list[1]
	assert.Equal(t, "42", models.IDString(row["id"]))
	assert.False(t, row.IsPending())
	_, hasTemp := row[models.FieldTempID]
	assert.False(t, hasTemp)
}

func TestDrain_CreateWithoutIDRefreshesCollection(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	f := newFixture(t)
	f.monitor.Update(connectivity.Reachable(true))

	f.cache.SetRecords(ctx, "/items", []models.Record{{"tempId": "T9", "pending": true}})
	f.enqueue(t, models.QueuedMutation{
		Method:   models.MethodPost,
		Endpoint: "/items",
		Body:     json.RawMessage(`{"tempId":"T9"}`),
		UseToken: true,
		TempID:   "T9",
	})

	gomock.InOrder(
		tr.EXPECT().Do(gomock.Any(), call{models.MethodPost, "/items"}).Return(json.RawMessage(`{"status":"ok"}`), nil),
		tr.EXPECT().Do(gomock.Any(), call{models.MethodGet, "/items"}).Return(json.RawMessage(`[{"id":7}]`), nil),
	)

	e := New(f.queue, f.cache, tr, f.monitor)
	_, err := e.Drain(ctx)
	require.NoError(t, err)

	raw, ok := f.cache.Get(ctx, "/items")
	require.True(t, ok)
	assert.JSONEq(t, `[{"id":7}]`, string(raw))
}

func TestDrain_RefreshAfterSync(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	f := newFixture(t)
	f.monitor.Update(connectivity.Reachable(true))

	m := put("5", `{"status":"enabled"}`)
	m.RefreshAfterSync = true
	f.enqueue(t, m)

	gomock.InOrder(
		tr.EXPECT().Do(gomock.Any(), call{models.MethodPut, "/items/5"}).Return(json.RawMessage(`null`), nil),
		tr.EXPECT().Do(gomock.Any(), call{models.MethodGet, "/items"}).Return(json.RawMessage(`[{"id":5,"status":"enabled"}]`), nil),
	)

	e := New(f.queue, f.cache, tr, f.monitor)
	_, err := e.Drain(ctx)
	require.NoError(t, err)

	list, ok := f.cache.GetRecords(ctx, "/items")
	require.True(t, ok)
	assert.Equal(t, "enabled", list[0]["status"])
}

func TestDrain_PendingKeptWhileStillQueued(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	f := newFixture(t)
	f.monitor.Update(connectivity.Reachable(true))

	f.enqueue(t, put("1", `{"status":"disabled"}`))
	f.enqueue(t, put("2", `{"status":"disabled"}`))
	f.enqueue(t, put("1", `{"status":"enabled"}`))
	require.NoError(t, f.queue.SetPending(ctx, models.ServerIDs("1", "2"), "enabled"))

	gomock.InOrder(
		tr.EXPECT().Do(gomock.Any(), call{models.MethodPut, "/items/1"}).Return(json.RawMessage(`{}`), nil),
		tr.EXPECT().Do(gomock.Any(), call{models.MethodPut, "/items/2"}).Return(json.RawMessage(`{}`), nil),
		tr.EXPECT().Do(gomock.Any(), call{models.MethodPut, "/items/1"}).Return(nil, &transport.StatusError{Code: 500}),
	)

	e := New(f.queue, f.cache, tr, f.monitor)
	_, err := e.Drain(ctx)
	require.Error(t, err)

	pending := f.queue.Pending()
	assert.Contains(t, pending, models.ServerID("1"))
	assert.NotContains(t, pending, models.ServerID("2"))
}

func TestDrain_BackoffPolicy(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	f := newFixture(t)
	f.monitor.Update(connectivity.Reachable(true))
	f.enqueue(t, put("1", `{}`))

	gomock.InOrder(
		tr.EXPECT().Do(gomock.Any(), call{models.MethodPut, "/items/1"}).Return(nil, retry.Retryable(errors.New("timeout"))),
		tr.EXPECT().Do(gomock.Any(), call{models.MethodPut, "/items/1"}).Return(json.RawMessage(`{}`), nil),
	)

	policy := retry.Backoff{Config: retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}}
	e := New(f.queue, f.cache, tr, f.monitor, WithRetryPolicy(policy))
	_, err := e.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.queue.Len())
}

// badGateway counts requests per method and answers every one with 502.
type badGateway struct {
	posts atomic.Int32
	puts  atomic.Int32
}

func (b *badGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		b.posts.Add(1)
	case http.MethodPut:
		b.puts.Add(1)
	}
	w.WriteHeader(http.StatusBadGateway)
}

func httpClient(url string) *transport.Client {
	return transport.New(transport.Config{
		BaseURL:     url,
		RetryConfig: retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond},
	})
}

func TestDrain_OneAttemptPerDrainOverHTTP(t *testing.T) {
	ctx := context.Background()
	api := &badGateway{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	f := newFixture(t)
	f.monitor.Update(connectivity.Reachable(true))
	f.enqueue(t, models.QueuedMutation{
		Method:      models.MethodPost,
		Endpoint:    "/items",
		Collection:  "/items",
		Body:        json.RawMessage(`{"name":"A","tempId":"T1"}`),
		TempID:      "T1",
		AffectedIDs: []models.Identity{models.LocalID("T1")},
	})

	e := New(f.queue, f.cache, httpClient(srv.URL), f.monitor)

	_, err := e.Drain(ctx)
	require.Error(t, err)
	assert.EqualValues(t, 1, api.posts.Load())
	assert.Equal(t, 1, f.queue.Len())

	_, err = e.Drain(ctx)
	require.Error(t, err)
	assert.EqualValues(t, 2, api.posts.Load())
}

func TestDrain_BackoffPolicyIsTheOnlyRetryOverHTTP(t *testing.T) {
	ctx := context.Background()
	api := &badGateway{}
	srv := httptest.NewServer(api)
	defer srv.Close()

	policy := retry.Backoff{Config: retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: time.Millisecond}}

	f := newFixture(t)
	f.monitor.Update(connectivity.Reachable(true))
	f.enqueue(t, put("1", `{"name":"A"}`))

	e := New(f.queue, f.cache, httpClient(srv.URL), f.monitor, WithRetryPolicy(policy))
	_, err := e.Drain(ctx)
	require.Error(t, err)
	assert.EqualValues(t, 3, api.puts.Load())

	g := newFixture(t)
	g.monitor.Update(connectivity.Reachable(true))
	g.enqueue(t, models.QueuedMutation{
		Method:   models.MethodPost,
		Endpoint: "/items",
		Body:     json.RawMessage(`{"name":"B","tempId":"T2"}`),
		TempID:   "T2",
	})

	e = New(g.queue, g.cache, httpClient(srv.URL), g.monitor, WithRetryPolicy(policy))
	_, err = e.Drain(ctx)
	require.Error(t, err)
	assert.EqualValues(t, 1, api.posts.Load(), "a POST the server may have seen is not re-sent")
}

// flakyStore fails queue writes while broken is set.
type flakyStore struct {
	kv.Storage
	broken atomic.Bool
}

func (s *flakyStore) SetItem(ctx context.Context, key, value string) error {
	if s.broken.Load() && key == queue.QueueKey {
		return errors.New("disk full")
	}
	return s.Storage.SetItem(ctx, key, value)
}

func TestDrain_StopsWhenRemovalNotPersisted(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)

	store := &flakyStore{Storage: kv.NewMemory()}
	q, err := queue.Open(ctx, store)
	require.NoError(t, err)
	monitor := connectivity.NewMonitor(nil)
	monitor.Update(connectivity.Reachable(true))

	for _, id := range []string{"A", "B"} {
		_, err := q.Enqueue(ctx, put(id, `{}`))
		require.NoError(t, err)
	}

	tr.EXPECT().Do(gomock.Any(), call{models.MethodPut, "/items/A"}).Return(json.RawMessage(`{}`), nil)

	e := New(q, cache.New(store), tr, monitor)
	store.broken.Store(true)
	ev, err := e.Drain(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1, ev.Mutations)
	assert.Equal(t, 1, q.Len())

	// Once storage recovers the next drain carries on and persists.
	store.broken.Store(false)
	tr.EXPECT().Do(gomock.Any(), call{models.MethodPut, "/items/B"}).Return(json.RawMessage(`{}`), nil)
	_, err = e.Drain(ctx)
	require.NoError(t, err)

	reloaded, err := queue.Open(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Len())
}

func TestDrain_SettlesRowsOfUntargetedPut(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	f := newFixture(t)
	f.monitor.Update(connectivity.Reachable(true))

	f.cache.SetRecords(ctx, "/items", []models.Record{
		{"id": json.Number("1"), "status": "disabled", "pending": true},
		{"id": json.Number("2"), "status": "enabled"},
	})
	f.enqueue(t, models.QueuedMutation{
		Method:      models.MethodPut,
		Endpoint:    "/items",
		Collection:  "/items",
		Body:        json.RawMessage(`{"status":"disabled"}`),
		AffectedIDs: models.ServerIDs("1"),
	})

	tr.EXPECT().Do(gomock.Any(), call{models.MethodPut, "/items"}).Return(json.RawMessage(`null`), nil)

	e := New(f.queue, f.cache, tr, f.monitor)
	ev, err := e.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Identity{models.ServerID("1")}, ev.Synced)

	list, ok := f.cache.GetRecords(ctx, "/items")
	require.True(t, ok)
	assert.False(t, list[0].IsPending())
	assert.Equal(t, "disabled", list[0]["status"])
}

func TestDrain_CreateKeepsEnvelope(t *testing.T) {
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	tr := mocks.NewMockTransport(ctrl)
	f := newFixture(t)
	f.monitor.Update(connectivity.Reachable(true))

	f.cache.Set(ctx, "/items", json.RawMessage(`{"data":[{"id":1},{"tempId":"T1","pending":true}],"total":1}`))
	f.enqueue(t, models.QueuedMutation{
		Method:     models.MethodPost,
		Endpoint:   "/items",
		Collection: "/items",
		Body:       json.RawMessage(`{"tempId":"T1"}`),
		TempID:     "T1",
	})

	tr.EXPECT().Do(gomock.Any(), call{models.MethodPost, "/items"}).Return(json.RawMessage(`{"id":2}`), nil)

	e := New(f.queue, f.cache, tr, f.monitor)
	_, err := e.Drain(ctx)
	require.NoError(t, err)

	raw, ok := f.cache.Get(ctx, "/items")
	require.True(t, ok)
	assert.JSONEq(t, `{"data":[{"id":1},{"id":2}],"total":1}`, string(raw))
}

// countingTransport answers every request with an empty object.
type countingTransport struct {
	calls atomic.Int32
}

func (c *countingTransport) Do(context.Context, transport.Request) (json.RawMessage, error) {
	c.calls.Add(1)
	return json.RawMessage(`{}`), nil
}

func TestRun_DrainsOncePerTransition(t *testing.T) {
	f := newFixture(t)
	tr := &countingTransport{}
	e := New(f.queue, f.cache, tr, f.monitor)

	var mu sync.Mutex
	notified := 0
	e.AddQueueListener(func(SyncEvent) {
		mu.Lock()
		notified++
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	f.enqueue(t, put("1", `{}`))

	// Whether Run sees this as a transition or as the initial state, the
	// mutation is replayed once.
	f.monitor.Update(connectivity.Reachable(true))
	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), tr.calls.Load())

	// Another online report is not a transition and must not drain.
	f.enqueue(t, put("2", `{}`))
	f.monitor.Update(connectivity.Reachable(true))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.queue.Len())

	f.monitor.Update(connectivity.Reachable(false))
	f.monitor.Update(connectivity.Reachable(true))
	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), tr.calls.Load())

	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, notified)
}
