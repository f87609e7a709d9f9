// Package connectivity tracks whether the server can be reached and tells
// subscribers when that changes.
//
// State is pushed by a Source (a platform bridge, an SSE stream, a health
// probe); the Monitor derives one boolean from it and publishes a Transition
// only when that boolean flips. The Monitor starts offline, so the first
// online report is itself a transition.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trackingdudes/offsync/internal/logging"
	"github.com/trackingdudes/offsync/internal/metrics"
	"github.com/trackingdudes/offsync/pkg/events"
)

// Status is one network state report.
type Status struct {
	IsConnected bool `json:"isConnected"`
	// IsInternetReachable is nil when the platform cannot tell yet.
	IsInternetReachable *bool `json:"isInternetReachable,omitempty"`
}

// Connected derives the online flag: connected, and not known to be
// unreachable.
func (s Status) Connected() bool {
	return s.IsConnected && (s.IsInternetReachable == nil || *s.IsInternetReachable)
}

// Reachable returns a Status with both fields set to ok.
func Reachable(ok bool) Status {
	return Status{IsConnected: ok, IsInternetReachable: &ok}
}

// Transition is a change of the derived online flag.
type Transition struct {
	Connected bool      `json:"connected"`
	At        time.Time `json:"at"`
}

// Source pushes status reports until ctx is done.
type Source interface {
	Run(ctx context.Context, emit func(Status)) error
}

// Monitor owns the current connectivity state.
type Monitor struct {
	source Source
	bus    *events.Bus[Transition]
	log    *zap.Logger

	// updateMu orders Update calls so transitions publish in sequence.
	updateMu sync.Mutex

	mu        sync.RWMutex
	connected bool
	last      Status
	reports   int
}

// NewMonitor creates a monitor fed by src. src may be nil when reports are
// delivered through Update directly.
func NewMonitor(src Source) *Monitor {
	return &Monitor{
		source: src,
		bus:    events.NewBus[Transition](16),
		log:    logging.Named("connectivity"),
	}
}

// IsConnected returns the derived online flag.
func (m *Monitor) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Status returns the last report and how many have been received.
func (m *Monitor) Status() (Status, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, m.reports
}

// Update applies one report. Subscribers are called on the caller's
// goroutine when the derived flag changes.
func (m *Monitor) Update(s Status) {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	next := s.Connected()

	m.mu.Lock()
	prev := m.connected
	m.connected = next
	m.last = s
	m.reports++
	m.mu.Unlock()

	if prev == next {
		return
	}

	if next {
		m.log.Info("connectivity restored")
	} else {
		m.log.Warn("connectivity lost")
	}
	metrics.RecordTransition(next)
	m.bus.Publish(Transition{Connected: next, At: time.Now()})
}

// Run consumes the source until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if m.source == nil {
		<-ctx.Done()
		return nil
	}
	err := m.source.Run(ctx, m.Update)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Subscribe registers fn for transitions and returns its unsubscribe func.
func (m *Monitor) Subscribe(fn func(Transition)) func() {
	return m.bus.Subscribe(fn)
}

// Watch returns a channel of transitions closed when ctx is done.
func (m *Monitor) Watch(ctx context.Context) <-chan Transition {
	return m.bus.Watch(ctx)
}
