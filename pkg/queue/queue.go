// Package queue holds writes that the server has not confirmed yet, in the
// order they were made, together with the pending status overrides shown to
// the user until those writes sync.
//
// Both are persisted on every change under the storage keys QueueKey and
// PendingKey, and must be reloaded with Reload before use: a queue that has
// not been loaded refuses writes so that it never overwrites persisted
// entries with an empty list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trackingdudes/offsync/internal/logging"
	"github.com/trackingdudes/offsync/internal/metrics"
	"github.com/trackingdudes/offsync/pkg/kv"
	"github.com/trackingdudes/offsync/pkg/models"
)

// Storage keys.
const (
	QueueKey   = "offlineQueue"
	PendingKey = "pendingUpdates"
)

var (
	// ErrNotLoaded is returned by operations that need the persisted state
	// before Reload has succeeded.
	ErrNotLoaded = errors.New("queue not loaded")

	// ErrInvalidMutation wraps validation failures from Enqueue.
	ErrInvalidMutation = errors.New("invalid mutation")
)

var validate = validator.New()

// Queue is the durable FIFO of unconfirmed mutations.
type Queue struct {
	kv    kv.Storage
	newID func() string
	now   func() time.Time
	log   *zap.Logger

	mu      sync.Mutex
	loaded  bool
	items   []models.QueuedMutation
	pending map[models.Identity]string
}

// New creates an unloaded queue on s.
func New(s kv.Storage) *Queue {
	return &Queue{
		kv:      s,
		newID:   uuid.NewString,
		now:     time.Now,
		log:     logging.Named("queue"),
		pending: make(map[models.Identity]string),
	}
}

// Open creates a queue and loads its persisted state.
func Open(ctx context.Context, s kv.Storage) (*Queue, error) {
	q := New(s)
	if err := q.Reload(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

// Reload replaces the in-memory state with the persisted one. Missing or
// corrupt data loads as empty; storage read errors are returned.
func (q *Queue) Reload(ctx context.Context) error {
	var items []models.QueuedMutation
	if data, ok, err := q.load(ctx, QueueKey); err != nil {
		return err
	} else if ok {
		if err := json.Unmarshal(data, &items); err != nil {
			q.log.Warn("persisted queue corrupt, starting empty", zap.Error(err))
			items = nil
		}
	}

	pending := make(map[models.Identity]string)
	if data, ok, err := q.load(ctx, PendingKey); err != nil {
		return err
	} else if ok {
		if err := json.Unmarshal(data, &pending); err != nil || pending == nil {
			q.log.Warn("persisted pending statuses corrupt, starting empty", zap.Error(err))
			pending = make(map[models.Identity]string)
		}
	}

	q.mu.Lock()
	q.items = items
	q.pending = pending
	q.loaded = true
	q.gauges()
	q.mu.Unlock()

	q.log.Info("queue loaded", zap.Int("mutations", len(items)), zap.Int("pending", len(pending)))
	return nil
}

func (q *Queue) load(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := q.kv.GetItem(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	return []byte(data), true, nil
}

// Loaded reports whether Reload has succeeded.
func (q *Queue) Loaded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loaded
}

// Enqueue appends m and persists the queue. It assigns the entry id,
// enqueue time and default collection. When persisting fails the mutation
// stays queued in memory and the error is returned with it.
func (q *Queue) Enqueue(ctx context.Context, m models.QueuedMutation) (models.QueuedMutation, error) {
	if err := validate.Struct(m); err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMutation, err)
	}
	if m.Target != nil && m.Target.IsZero() {
		return m, fmt.Errorf("%w: empty target", ErrInvalidMutation)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.loaded {
		return m, ErrNotLoaded
	}

	if m.ID == "" {
		m.ID = q.newID()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.now()
	}
	if m.Collection == "" {
		m.Collection = m.Endpoint
	}

	q.items = append(q.items, m)
	q.gauges()
	metrics.RecordEnqueue(string(m.Method))
	q.log.Info("mutation queued",
		zap.String("id", m.ID),
		zap.String("method", string(m.Method)),
		zap.String("endpoint", m.Endpoint),
		zap.Int("depth", len(q.items)))

	if err := q.persistQueue(ctx); err != nil {
		return m, err
	}
	return m, nil
}

// List returns a snapshot of the queue in replay order.
func (q *Queue) List() []models.QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueuedMutation, len(q.items))
	for i, m := range q.items {
		out[i] = cloneMutation(m)
	}
	return out
}

// Len returns the number of queued mutations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Head returns the next mutation to replay.
func (q *Queue) Head() (models.QueuedMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return models.QueuedMutation{}, false
	}
	return cloneMutation(q.items[0]), true
}

// ForCollection returns the queued mutations affecting collection, in order.
func (q *Queue) ForCollection(collection string) []models.QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.QueuedMutation
	for _, m := range q.items {
		if m.Collection == collection {
			out = append(out, cloneMutation(m))
		}
	}
	return out
}

// Remove drops the mutation with entry id and persists the queue.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.loaded {
		return ErrNotLoaded
	}

	for i, m := range q.items {
		if m.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.gauges()
			return q.persistQueue(ctx)
		}
	}
	return nil
}

// SetPending records status as the displayed status of each id.
func (q *Queue) SetPending(ctx context.Context, ids []models.Identity, status string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.loaded {
		return ErrNotLoaded
	}

	for _, id := range ids {
		if !id.IsZero() {
			q.pending[id] = status
		}
	}
	q.gauges()
	return q.persistPending(ctx)
}

// PendingStatus returns the pending status of id.
func (q *Queue) PendingStatus(id models.Identity) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.pending[id]
	return s, ok
}

// Pending returns a copy of the pending status map.
func (q *Queue) Pending() map[models.Identity]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[models.Identity]string, len(q.pending))
	for k, v := range q.pending {
		out[k] = v
	}
	return out
}

// ClearPending removes the pending status of each id.
func (q *Queue) ClearPending(ctx context.Context, ids []models.Identity) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.loaded {
		return ErrNotLoaded
	}

	changed := false
	for _, id := range ids {
		if _, ok := q.pending[id]; ok {
			delete(q.pending, id)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	q.gauges()
	return q.persistPending(ctx)
}

// RewriteIdentity replaces every reference to the offline-created record
// tempID with its server id: mutation targets, affected ids, endpoint path
// segments, top-level body values and pending statuses. serverID is the raw
// id value from the server so bodies keep its JSON type. It returns how
// many mutations changed.
func (q *Queue) RewriteIdentity(ctx context.Context, tempID string, serverID any) (int, error) {
	local := models.LocalID(tempID)
	server := models.ServerID(models.IDString(serverID))
	if local.IsZero() || server.IsZero() {
		return 0, fmt.Errorf("rewrite %q: empty identity", tempID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.loaded {
		return 0, ErrNotLoaded
	}

	changed := 0
	for i := range q.items {
		if rewriteMutation(&q.items[i], local, server, serverID) {
			changed++
		}
	}

	var errs []error
	if changed > 0 {
		errs = append(errs, q.persistQueue(ctx))
	}
	if status, ok := q.pending[local]; ok {
		delete(q.pending, local)
		q.pending[server] = status
		errs = append(errs, q.persistPending(ctx))
	}

	q.log.Info("identity rewritten",
		zap.String("from", local.String()),
		zap.String("to", server.String()),
		zap.Int("mutations", changed))
	return changed, errors.Join(errs...)
}

func rewriteMutation(m *models.QueuedMutation, local, server models.Identity, serverID any) bool {
	changed := false

	if m.Target != nil && *m.Target == local {
		t := server
		m.Target = &t
		changed = true
	}
	for j, id := range m.AffectedIDs {
		if id == local {
			m.AffectedIDs[j] = server
			changed = true
		}
	}

	if ep, ok := rewritePath(m.Endpoint, local.Value, server.Value); ok {
		m.Endpoint = ep
		changed = true
	}

	// A queued create keeps its own tempId; only references from other
	// mutations are rewritten.
	if m.TempID != local.Value {
		if body := m.BodyRecord(); body != nil {
			touched := false
			for k, v := range body {
				if k == models.FieldTempID {
					continue
				}
				if s, ok := v.(string); ok && s == local.Value {
					body[k] = serverID
					touched = true
				}
			}
			if touched {
				if raw, err := json.Marshal(body); err == nil {
					m.Body = raw
					changed = true
				}
			}
		}
	}
	return changed
}

func rewritePath(endpoint, from, to string) (string, bool) {
	path, query, hasQuery := strings.Cut(endpoint, "?")
	segs := strings.Split(path, "/")
	changed := false
	for i, s := range segs {
		if s == from {
			segs[i] = to
			changed = true
		}
	}
	if !changed {
		return endpoint, false
	}
	out := strings.Join(segs, "/")
	if hasQuery {
		out += "?" + query
	}
	return out, true
}

func (q *Queue) persistQueue(ctx context.Context) error {
	data, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.kv.SetItem(ctx, QueueKey, string(data)); err != nil {
		q.log.Error("queue persist failed", zap.Int("depth", len(q.items)), zap.Error(err))
		return fmt.Errorf("persist queue: %w", err)
	}
	return nil
}

func (q *Queue) persistPending(ctx context.Context) error {
	data, err := json.Marshal(q.pending)
	if err != nil {
		return fmt.Errorf("encode pending: %w", err)
	}
	if err := q.kv.SetItem(ctx, PendingKey, string(data)); err != nil {
		q.log.Error("pending persist failed", zap.Int("entries", len(q.pending)), zap.Error(err))
		return fmt.Errorf("persist pending: %w", err)
	}
	return nil
}

func (q *Queue) gauges() {
	metrics.SetQueueDepth(len(q.items))
	metrics.SetPendingStatuses(len(q.pending))
}

func cloneMutation(m models.QueuedMutation) models.QueuedMutation {
	if m.AffectedIDs != nil {
		m.AffectedIDs = append([]models.Identity(nil), m.AffectedIDs...)
	}
	if m.Target != nil {
		t := *m.Target
		m.Target = &t
	}
	if m.Body != nil {
		m.Body = append(json.RawMessage(nil), m.Body...)
	}
	return m
}
