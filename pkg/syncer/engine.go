// Package syncer replays queued mutations against the server once
// connectivity returns and reconciles local state with the answers.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trackingdudes/offsync/internal/logging"
	"github.com/trackingdudes/offsync/internal/metrics"
	"github.com/trackingdudes/offsync/pkg/cache"
	"github.com/trackingdudes/offsync/pkg/connectivity"
	"github.com/trackingdudes/offsync/pkg/events"
	"github.com/trackingdudes/offsync/pkg/models"
	"github.com/trackingdudes/offsync/pkg/queue"
	"github.com/trackingdudes/offsync/pkg/retry"
	"github.com/trackingdudes/offsync/pkg/transport"
)

// Connectivity is the part of connectivity.Monitor the engine needs.
type Connectivity interface {
	IsConnected() bool
	Subscribe(fn func(connectivity.Transition)) func()
}

// Rewrite records that an offline-created record received its server id.
type Rewrite struct {
	Local  models.Identity `json:"local"`
	Server models.Identity `json:"server"`
}

// SyncEvent describes one drain that confirmed at least one mutation.
type SyncEvent struct {
	Synced    []models.Identity `json:"synced"`
	Mutations int               `json:"mutations"`
	Rewrites  []Rewrite         `json:"rewrites,omitempty"`
	Remaining int               `json:"remaining"`
	Err       error             `json:"-"`
	At        time.Time         `json:"at"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy sets how each mutation is attempted. The default is
// retry.Once: a failure stops the drain immediately.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// Engine drains the mutation queue.
type Engine struct {
	queue     *queue.Queue
	cache     *cache.Store
	transport transport.Transport
	conn      Connectivity
	policy    retry.Policy
	bus       *events.Bus[SyncEvent]
	log       *zap.Logger

	// drainMu serializes drains.
	drainMu sync.Mutex

	lastMu sync.RWMutex
	last   *SyncEvent
}

// New creates an engine.
func New(q *queue.Queue, c *cache.Store, t transport.Transport, conn Connectivity, opts ...Option) *Engine {
	e := &Engine{
		queue:     q,
		cache:     c,
		transport: t,
		conn:      conn,
		policy:    retry.Once{},
		bus:       events.NewBus[SyncEvent](16),
		log:       logging.Named("syncer"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddQueueListener registers fn for drains that synced something and
// returns its unsubscribe func.
func (e *Engine) AddQueueListener(fn func(SyncEvent)) func() {
	return e.bus.Subscribe(fn)
}

// Watch returns a channel of sync events closed when ctx is done.
func (e *Engine) Watch(ctx context.Context) <-chan SyncEvent {
	return e.bus.Watch(ctx)
}

// Last returns the most recent published event.
func (e *Engine) Last() (SyncEvent, bool) {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	if e.last == nil {
		return SyncEvent{}, false
	}
	return *e.last, true
}

// Run drains once now if connected and then once per online transition,
// until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		stopped bool
	)
	spawn := func() {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.Drain(ctx); err != nil && ctx.Err() == nil {
				e.log.Warn("drain stopped", zap.Error(err))
			}
		}()
	}

	unsubscribe := e.conn.Subscribe(func(tr connectivity.Transition) {
		if tr.Connected {
			spawn()
		}
	})

	if e.conn.IsConnected() {
		spawn()
	}

	<-ctx.Done()
	unsubscribe()
	mu.Lock()
	stopped = true
	mu.Unlock()
	wg.Wait()
	return nil
}

// drainState accumulates the results of one drain.
type drainState struct {
	synced    []models.Identity
	seen      map[models.Identity]bool
	rewrites  []Rewrite
	mutations int
	refresh   map[string]bool // collection -> useToken
}

func (s *drainState) add(ids ...models.Identity) {
	for _, id := range ids {
		if id.IsZero() || s.seen[id] {
			continue
		}
		s.seen[id] = true
		s.synced = append(s.synced, id)
	}
}

// Drain replays the queue in order and stops at the first failure, or once
// the queue fails to persist a synced mutation's removal. It is a
// no-op while offline or with an empty queue. The returned error is the
// replay failure that stopped the drain, if any. Listeners are called
// after the drain lock is released, so they may start another drain.
func (e *Engine) Drain(ctx context.Context) (SyncEvent, error) {
	e.drainMu.Lock()
	ev, err := e.drain(ctx)
	e.drainMu.Unlock()

	if ev.Mutations > 0 {
		e.lastMu.Lock()
		e.last = &ev
		e.lastMu.Unlock()
		e.bus.Publish(ev)
	}
	return ev, err
}

func (e *Engine) drain(ctx context.Context) (SyncEvent, error) {
	if !e.queue.Loaded() {
		return SyncEvent{}, queue.ErrNotLoaded
	}
	if !e.conn.IsConnected() || e.queue.Len() == 0 {
		metrics.RecordDrain("noop", 0)
		return SyncEvent{Remaining: e.queue.Len()}, nil
	}

	start := time.Now()
	snapshot := e.queue.List()
	inSnapshot := make(map[string]bool, len(snapshot))
	for _, m := range snapshot {
		inSnapshot[m.ID] = true
	}
	e.log.Info("drain started", zap.Int("queued", len(snapshot)))

	st := &drainState{seen: make(map[models.Identity]bool), refresh: make(map[string]bool)}
	var replayErr error

	// Re-read the head each round: a create earlier in this drain may have
	// rewritten the mutations behind it.
	for {
		m, ok := e.queue.Head()
		if !ok || !inSnapshot[m.ID] {
			break
		}
		if ctx.Err() != nil {
			replayErr = ctx.Err()
			break
		}

		var resp json.RawMessage
		err := e.policy.Do(ctx, func() error {
			var err error
			resp, err = e.transport.Do(ctx, transport.RequestFor(m))
			return err
		})
		metrics.RecordReplay(string(m.Method), err == nil)
		if err != nil {
			replayErr = fmt.Errorf("replay %s %s: %w", m.Method, m.Endpoint, err)
			e.log.Warn("replay failed, stopping drain",
				zap.String("id", m.ID),
				zap.String("method", string(m.Method)),
				zap.String("endpoint", m.Endpoint),
				zap.Error(err))
			break
		}

		persistErr := e.queue.Remove(ctx, m.ID)
		st.mutations++
		st.add(m.AffectedIDs...)
		if m.Target != nil {
			st.add(*m.Target)
		}

		if m.IsCreate() {
			if err := e.reconcileCreate(ctx, m, resp, st); err != nil && persistErr == nil {
				persistErr = err
			}
		} else {
			for _, id := range m.Rows() {
				e.settleRow(ctx, m.Collection, id)
			}
		}
		if m.RefreshAfterSync {
			st.refresh[m.Collection] = st.refresh[m.Collection] || m.UseToken
		}

		// Stop while the stored queue lags behind the server.
		if persistErr != nil {
			replayErr = fmt.Errorf("sync %s %s: %w", m.Method, m.Endpoint, persistErr)
			e.log.Error("queue not persisted after sync, stopping drain",
				zap.String("id", m.ID), zap.Error(persistErr))
			break
		}

		e.log.Debug("mutation synced", zap.String("id", m.ID), zap.String("endpoint", m.Endpoint))
	}

	e.clearPending(ctx, st.synced)
	e.refreshCollections(ctx, st.refresh)

	remaining := e.queue.Len()
	outcome := "complete"
	if replayErr != nil {
		outcome = "partial"
	}
	metrics.RecordDrain(outcome, time.Since(start))
	e.log.Info("drain finished",
		zap.String("outcome", outcome),
		zap.Int("synced", st.mutations),
		zap.Int("remaining", remaining))

	return SyncEvent{
		Synced:    st.synced,
		Mutations: st.mutations,
		Rewrites:  st.rewrites,
		Remaining: remaining,
		Err:       replayErr,
		At:        time.Now(),
	}, replayErr
}

// reconcileCreate moves an offline-created record from its tempId to the
// id the server assigned. Without a usable id the collection is re-fetched.
// The returned error is a failure to persist the rewritten queue.
func (e *Engine) reconcileCreate(ctx context.Context, m models.QueuedMutation, resp json.RawMessage, st *drainState) error {
	local := models.LocalID(m.TempID)
	st.add(local)

	rec, ok := models.ExtractRecord(resp)
	var rawID any
	if ok {
		rawID = rec[models.FieldID]
	}
	if models.IDString(rawID) == "" {
		e.log.Warn("create response has no id, refreshing collection",
			zap.String("temp_id", m.TempID), zap.String("collection", m.Collection))
		e.settleRow(ctx, m.Collection, local)
		st.refresh[m.Collection] = st.refresh[m.Collection] || m.UseToken
		return nil
	}
	if echoed := models.IDString(rec[models.FieldTempID]); echoed != "" && echoed != m.TempID {
		e.log.Warn("create response echoes a different tempId, skipping rewrite",
			zap.String("temp_id", m.TempID), zap.String("echoed", echoed))
		e.settleRow(ctx, m.Collection, local)
		st.refresh[m.Collection] = st.refresh[m.Collection] || m.UseToken
		return nil
	}

	server := models.ServerID(models.IDString(rawID))
	st.add(server)
	st.rewrites = append(st.rewrites, Rewrite{Local: local, Server: server})

	_, err := e.queue.RewriteIdentity(ctx, m.TempID, rawID)
	if err != nil {
		e.log.Error("identity rewrite not persisted", zap.String("temp_id", m.TempID), zap.Error(err))
	}
	e.replaceRow(ctx, m.Collection, local, server, rec)
	return err
}

// replaceRow swaps the cached temp row for the server record.
func (e *Engine) replaceRow(ctx context.Context, collection string, local, server models.Identity, rec models.Record) {
	list, ok := e.cache.GetRecords(ctx, collection)
	if !ok {
		return
	}

	pending := e.stillQueued(collection, server)
	serverRow := rec.Clone()
	delete(serverRow, models.FieldPending)
	delete(serverRow, models.FieldTempID)

	out := make([]models.Record, 0, len(list))
	placed := false
	for _, row := range list {
		switch {
		case row.Matches(local):
			if placed {
				continue
			}
			merged := row.Merge(serverRow)
			delete(merged, models.FieldPending)
			delete(merged, models.FieldTempID)
			if pending {
				merged[models.FieldPending] = true
			}
			out = append(out, merged)
			placed = true
		case row.Matches(server):
			// Already fetched from the server; keep one row.
			if placed {
				continue
			}
			out = append(out, row)
			placed = true
		default:
			out = append(out, row)
		}
	}
	e.cache.SetRecords(ctx, collection, out)
}

// settleRow drops the pending marker from the cached row for id once no
// queued mutation still targets it.
func (e *Engine) settleRow(ctx context.Context, collection string, id models.Identity) {
	if e.stillQueued(collection, id) {
		return
	}

	list, ok := e.cache.GetRecords(ctx, collection)
	if !ok {
		return
	}
	changed := false
	for i, row := range list {
		if row.Matches(id) && row.IsPending() {
			settled := row.Clone()
			delete(settled, models.FieldPending)
			list[i] = settled
			changed = true
		}
	}
	if changed {
		e.cache.SetRecords(ctx, collection, list)
	}
}

// stillQueued reports whether a queued mutation in collection still writes
// the record id.
func (e *Engine) stillQueued(collection string, id models.Identity) bool {
	for _, m := range e.queue.ForCollection(collection) {
		for _, row := range m.Rows() {
			if row == id {
				return true
			}
		}
	}
	return false
}

// clearPending removes pending statuses of synced ids that no remaining
// mutation still affects.
func (e *Engine) clearPending(ctx context.Context, synced []models.Identity) {
	if len(synced) == 0 {
		return
	}
	still := make(map[models.Identity]bool)
	for _, m := range e.queue.List() {
		for _, id := range m.AffectedIDs {
			still[id] = true
		}
		if m.Target != nil {
			still[*m.Target] = true
		}
	}

	var settled []models.Identity
	for _, id := range synced {
		if !still[id] {
			settled = append(settled, id)
		}
	}
	if err := e.queue.ClearPending(ctx, settled); err != nil {
		e.log.Error("pending statuses not cleared", zap.Error(err))
	}
}

func (e *Engine) refreshCollections(ctx context.Context, collections map[string]bool) {
	for collection, useToken := range collections {
		resp, err := e.transport.Do(ctx, transport.Request{
			Method:   models.MethodGet,
			Endpoint: collection,
			UseToken: useToken,
		})
		if err != nil {
			e.log.Warn("refresh after sync failed", zap.String("collection", collection), zap.Error(err))
			continue
		}
		e.cache.Set(ctx, collection, resp)
	}
}
