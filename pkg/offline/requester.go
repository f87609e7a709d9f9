// Package offline is the read-through request layer screens talk to.
//
// Online, requests go to the server and successful reads refresh the cache.
// Offline, reads are answered from the cache merged with the queued writes,
// and creates and updates are applied locally, queued, and marked pending
// until the sync engine confirms them. Deletes need the server.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/trackingdudes/offsync/internal/logging"
	"github.com/trackingdudes/offsync/internal/metrics"
	"github.com/trackingdudes/offsync/pkg/cache"
	"github.com/trackingdudes/offsync/pkg/models"
	"github.com/trackingdudes/offsync/pkg/queue"
	"github.com/trackingdudes/offsync/pkg/syncer"
	"github.com/trackingdudes/offsync/pkg/transport"
)

// ErrOfflineDelete is returned for deletes attempted without connectivity.
var ErrOfflineDelete = errors.New("delete requires a connection")

// DefaultStatusField is the record field pending statuses are shown in.
const DefaultStatusField = "status"

const offlineDeleteWarning = "You are offline. Deleting requires a connection; try again when you are back online."

// Connectivity reports whether the server is reachable.
type Connectivity interface {
	IsConnected() bool
}

// Options describe how a write affects cached collections.
type Options struct {
	// Collection is the cache key of the list the write changes. It defaults
	// to the endpoint for creates. For updates it defaults to the endpoint's
	// parent when the last segment names the record, and to the endpoint
	// itself otherwise.
	Collection string

	// AffectedIDs are published to queue listeners once the write syncs.
	AffectedIDs []models.Identity

	// Target is the record an update modifies. It defaults to the body's
	// identity, then to the last endpoint segment when that segment is not a
	// collection. Without a target the body is applied to every AffectedIDs
	// row.
	Target *models.Identity

	// PendingStatus, when set, is recorded for every affected id and shown
	// in the status field of those records until the write syncs. Cached
	// rows are not rewritten.
	PendingStatus string

	// RefreshAfterSync re-fetches Collection once the write syncs.
	RefreshAfterSync bool
}

// Result is the answer to a request.
type Result struct {
	Data    json.RawMessage `json:"data"`
	Records []models.Record `json:"records,omitempty"`
	Offline bool            `json:"offline"`
	Pending bool            `json:"pending"`
	Warning string          `json:"warning,omitempty"`
}

// Option configures a Requester.
type Option func(*Requester)

// WithStatusField sets the field pending statuses are overlaid on.
func WithStatusField(field string) Option {
	return func(r *Requester) { r.statusField = field }
}

// Requester dispatches requests online or offline.
type Requester struct {
	transport   transport.Transport
	cache       *cache.Store
	queue       *queue.Queue
	conn        Connectivity
	engine      *syncer.Engine
	statusField string
	newTempID   func() string
	log         *zap.Logger
}

// New creates a request layer.
func New(t transport.Transport, c *cache.Store, q *queue.Queue, conn Connectivity, engine *syncer.Engine, opts ...Option) *Requester {
	r := &Requester{
		transport:   t,
		cache:       c,
		queue:       q,
		conn:        conn,
		engine:      engine,
		statusField: DefaultStatusField,
		newTempID:   uuid.NewString,
		log:         logging.Named("offline"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddQueueListener registers fn for sync events and returns its
// unsubscribe func.
func (r *Requester) AddQueueListener(fn func(syncer.SyncEvent)) func() {
	return r.engine.AddQueueListener(fn)
}

// Get reads endpoint.
func (r *Requester) Get(ctx context.Context, endpoint string) (*Result, error) {
	return r.Request(ctx, models.MethodGet, endpoint, nil, true, false, Options{})
}

// Post creates a record.
func (r *Requester) Post(ctx context.Context, endpoint string, body any, opts Options) (*Result, error) {
	return r.Request(ctx, models.MethodPost, endpoint, body, true, false, opts)
}

// Put updates a record.
func (r *Requester) Put(ctx context.Context, endpoint string, body any, opts Options) (*Result, error) {
	return r.Request(ctx, models.MethodPut, endpoint, body, true, false, opts)
}

// Delete removes a record. It fails with ErrOfflineDelete while offline.
func (r *Requester) Delete(ctx context.Context, endpoint string, opts Options) (*Result, error) {
	return r.Request(ctx, models.MethodDelete, endpoint, nil, true, false, opts)
}

// Refresh fetches endpoint from the server and overwrites its cache slot.
// Unlike Get it never falls back to cached data.
func (r *Requester) Refresh(ctx context.Context, endpoint string) (*Result, error) {
	data, err := r.transport.Do(ctx, transport.Request{Method: models.MethodGet, Endpoint: endpoint, UseToken: true})
	if err != nil {
		return nil, fmt.Errorf("refresh %s: %w", endpoint, err)
	}
	r.cache.Set(ctx, endpoint, data)
	return fetched(data), nil
}

// Request performs one request, online or offline.
func (r *Requester) Request(ctx context.Context, method models.Method, endpoint string, body any, useToken, isFormData bool, opts Options) (*Result, error) {
	raw, err := encode(body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	w := write{
		method:     method,
		endpoint:   endpoint,
		body:       raw,
		useToken:   useToken,
		isFormData: isFormData,
		opts:       opts,
	}

	online := r.conn.IsConnected()
	metrics.RecordRequest(string(method), !online)

	if !online {
		return r.offline(ctx, w)
	}
	return r.online(ctx, w)
}

// write is one request with its raw body.
type write struct {
	method     models.Method
	endpoint   string
	body       json.RawMessage
	useToken   bool
	isFormData bool
	opts       Options
}

func (w write) request() transport.Request {
	return transport.Request{
		Method:     w.method,
		Endpoint:   w.endpoint,
		Body:       w.body,
		UseToken:   w.useToken,
		IsFormData: w.isFormData,
	}
}

func (r *Requester) online(ctx context.Context, w write) (*Result, error) {
	data, err := r.transport.Do(ctx, w.request())

	switch w.method {
	case models.MethodGet:
		if err == nil {
			r.cache.Set(ctx, w.endpoint, data)
			return fetched(data), nil
		}
		r.log.Warn("fetch failed, serving cached data", zap.String("endpoint", w.endpoint), zap.Error(err))
		res, ok := r.read(ctx, r.cache.NormalizeKey(w.endpoint))
		if !ok {
			return nil, fmt.Errorf("get %s: %w", w.endpoint, err)
		}
		res.Offline = true
		res.Warning = "Showing saved data: " + err.Error()
		return res, nil

	case models.MethodPost, models.MethodPut:
		if err == nil {
			return fetched(data), nil
		}
		if !transport.IsTransient(err) {
			return nil, fmt.Errorf("%s %s: %w", w.method, w.endpoint, err)
		}
		r.log.Warn("write failed, queuing for sync",
			zap.String("method", string(w.method)), zap.String("endpoint", w.endpoint), zap.Error(err))
		res, qerr := r.offline(ctx, w)
		if res != nil {
			res.Warning = "Saved locally; it will sync when the server is reachable."
		}
		return res, qerr

	default:
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", w.method, w.endpoint, err)
		}
		if w.method == models.MethodDelete {
			r.dropRow(ctx, w)
		}
		return fetched(data), nil
	}
}

func (r *Requester) offline(ctx context.Context, w write) (*Result, error) {
	switch w.method {
	case models.MethodGet:
		res, _ := r.read(ctx, r.cache.NormalizeKey(w.endpoint))
		res.Offline = true
		return res, nil
	case models.MethodPost:
		return r.create(ctx, w)
	case models.MethodPut:
		return r.update(ctx, w)
	case models.MethodDelete:
		r.log.Info("delete rejected while offline", zap.String("endpoint", w.endpoint))
		return &Result{Offline: true, Warning: offlineDeleteWarning}, ErrOfflineDelete
	default:
		return nil, fmt.Errorf("unsupported method %q", w.method)
	}
}

// create applies an offline POST: the body gets a tempId and the pending
// marker, is appended to the cached list and queued. A body that is not a
// JSON object is queued as is, with no local row and no tempId.
func (r *Requester) create(ctx context.Context, w write) (*Result, error) {
	collection := w.endpoint
	if w.opts.Collection != "" {
		collection = w.opts.Collection
	}
	collection = r.cache.NormalizeKey(collection)

	m := models.QueuedMutation{
		Method:           models.MethodPost,
		Endpoint:         w.endpoint,
		Collection:       collection,
		Body:             w.body,
		UseToken:         w.useToken,
		IsFormData:       w.isFormData,
		AffectedIDs:      append([]models.Identity(nil), w.opts.AffectedIDs...),
		RefreshAfterSync: w.opts.RefreshAfterSync,
	}

	rec := bodyRecord(w.body)
	if rec != nil {
		tempID := r.newTempID()
		rec[models.FieldTempID] = tempID
		if body, err := json.Marshal(rec); err == nil {
			m.Body = body
		}
		m.TempID = tempID
		m.AffectedIDs = append(m.AffectedIDs, models.LocalID(tempID))
	}

	warning, err := r.enqueue(ctx, m)
	if err != nil {
		return nil, err
	}

	if rec != nil {
		row := rec.Clone()
		row[models.FieldPending] = true
		r.rewriteList(ctx, collection, func(list []models.Record) []models.Record {
			return append(list, row)
		})
	}

	res, _ := r.read(ctx, collection)
	res.Offline = true
	res.Pending = true
	res.Warning = warning
	return res, nil
}

// update applies an offline PUT to the cached row of its target, or
// records pending statuses when PendingStatus is set.
func (r *Requester) update(ctx context.Context, w write) (*Result, error) {
	rec := bodyRecord(w.body)
	collection, target := r.resolve(ctx, w, rec)

	affected := w.opts.AffectedIDs
	if len(affected) == 0 && target != nil {
		affected = []models.Identity{*target}
	}

	m := models.QueuedMutation{
		Method:           models.MethodPut,
		Endpoint:         w.endpoint,
		Collection:       collection,
		Body:             w.body,
		UseToken:         w.useToken,
		IsFormData:       w.isFormData,
		AffectedIDs:      affected,
		Target:           target,
		PendingStatus:    w.opts.PendingStatus,
		RefreshAfterSync: w.opts.RefreshAfterSync,
	}

	warning, err := r.enqueue(ctx, m)
	if err != nil {
		return nil, err
	}

	switch {
	case w.opts.PendingStatus != "":
		if err := r.queue.SetPending(ctx, affected, w.opts.PendingStatus); err != nil {
			r.log.Error("pending status not persisted", zap.Error(err))
			warning = "Saved for this session only; it could not be stored on the device."
		}
	case rec == nil:
	case target != nil:
		r.rewriteList(ctx, collection, func(list []models.Record) []models.Record {
			return applyUpdate(list, *target, rec)
		})
	case len(affected) > 0:
		if list, ok := r.cache.GetRecords(ctx, collection); ok {
			r.cache.SetRecords(ctx, collection, applyToRows(list, affected, rec))
		}
	}

	res, _ := r.read(ctx, collection)
	res.Offline = true
	res.Pending = true
	res.Warning = warning
	return res, nil
}

// enqueue queues m. A persistence failure leaves m queued for this session
// and is reported as a warning; other failures are returned.
func (r *Requester) enqueue(ctx context.Context, m models.QueuedMutation) (string, error) {
	_, err := r.queue.Enqueue(ctx, m)
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, queue.ErrInvalidMutation), errors.Is(err, queue.ErrNotLoaded):
		return "", fmt.Errorf("%s %s: %w", m.Method, m.Endpoint, err)
	default:
		r.log.Error("queued write not persisted", zap.String("endpoint", m.Endpoint), zap.Error(err))
		return "Saved for this session only; it could not be stored on the device.", nil
	}
}

// read answers collection from the cache merged with queued writes, in the
// shape the server sent it. ok is false when there is nothing cached or
// queued for it.
func (r *Requester) read(ctx context.Context, collection string) (*Result, bool) {
	queued := r.queue.ForCollection(collection)

	raw, cached := r.cache.Get(ctx, collection)
	list, isList := models.ExtractList(raw)
	if cached && !isList {
		// Single objects are served as cached.
		return &Result{Data: raw}, true
	}

	merged := merge(list, queued, r.queue.Pending(), r.statusField)
	data, err := models.ReplaceList(raw, merged)
	if err != nil {
		data = json.RawMessage("[]")
	}
	res := &Result{Data: data, Records: merged}
	for _, row := range merged {
		if row.IsPending() {
			res.Pending = true
			break
		}
	}
	return res, isList || len(queued) > 0
}

// dropRow removes a deleted record from its cached collection.
func (r *Requester) dropRow(ctx context.Context, w write) {
	collection, target := r.resolve(ctx, w, nil)
	if target == nil {
		return
	}
	list, ok := r.cache.GetRecords(ctx, collection)
	if !ok {
		return
	}
	out := list[:0]
	for _, row := range list {
		if !row.Matches(*target) {
			out = append(out, row)
		}
	}
	if len(out) != len(list) {
		r.cache.SetRecords(ctx, collection, out)
	}
}

// rewriteList stores fn applied to the cached list of collection. A
// collection cached as a single object is left alone.
func (r *Requester) rewriteList(ctx context.Context, collection string, fn func([]models.Record) []models.Record) {
	list, ok := r.cache.GetRecords(ctx, collection)
	if !ok {
		if _, cached := r.cache.Get(ctx, collection); cached {
			r.log.Debug("cached value is not a list, not rewritten", zap.String("collection", collection))
			return
		}
	}
	r.cache.SetRecords(ctx, collection, fn(list))
}

// resolve names the collection and the record an update or delete
// addresses. The last endpoint segment names the record when it matches
// the identity given as Target or carried by the body, or one of the
// AffectedIDs, or when nothing else names a record and the endpoint is not
// a collection itself. Otherwise the endpoint is the collection. A segment
// that is the tempId of a queued create is a local identity.
func (r *Requester) resolve(ctx context.Context, w write, rec models.Record) (string, *models.Identity) {
	p, _, _ := strings.Cut(w.endpoint, "?")
	p = strings.TrimSuffix(p, "/")
	seg, parent := path.Base(p), path.Dir(p)

	var named *models.Identity
	switch {
	case w.opts.Target != nil:
		t := *w.opts.Target
		named = &t
	case w.opts.PendingStatus != "":
	case rec != nil:
		if id, ok := rec.Identity(); ok {
			named = &id
		}
	}

	var segID *models.Identity
	switch {
	case seg == "" || seg == "." || seg == "/" || parent == "/" || parent == ".":
		// A top-level path such as /items is a collection.
	case named != nil:
		if seg == named.Value {
			segID = named
		}
	case len(w.opts.AffectedIDs) > 0:
		for _, id := range w.opts.AffectedIDs {
			if id.Value == seg {
				segID = &id
				break
			}
		}
	case w.opts.PendingStatus == "":
		if !r.isCollection(ctx, w.endpoint) {
			segID = r.segmentIdentity(seg)
		}
	}

	collection := w.opts.Collection
	switch {
	case collection != "":
	case segID != nil:
		collection = parent
	default:
		collection = w.endpoint
	}
	collection = r.cache.NormalizeKey(collection)

	switch {
	case named != nil:
		return collection, named
	case w.opts.PendingStatus == "":
		return collection, segID
	}
	return collection, nil
}

// isCollection reports whether endpoint is cached as a list or has queued
// writes filed under it.
func (r *Requester) isCollection(ctx context.Context, endpoint string) bool {
	if _, ok := r.cache.GetRecords(ctx, endpoint); ok {
		return true
	}
	return len(r.queue.ForCollection(r.cache.NormalizeKey(endpoint))) > 0
}

// segmentIdentity reads an endpoint segment as a record identity.
func (r *Requester) segmentIdentity(seg string) *models.Identity {
	for _, m := range r.queue.List() {
		if m.TempID == seg {
			id := models.LocalID(seg)
			return &id
		}
	}
	id := models.ServerID(seg)
	return &id
}

func fetched(data json.RawMessage) *Result {
	res := &Result{Data: data}
	if list, ok := models.ExtractList(data); ok {
		res.Records = list
	}
	return res
}

func bodyRecord(raw json.RawMessage) models.Record {
	if len(raw) == 0 {
		return nil
	}
	rec, err := models.DecodeRecord(raw)
	if err != nil {
		return nil
	}
	return rec
}

func encode(body any) (json.RawMessage, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(body)
	}
}
