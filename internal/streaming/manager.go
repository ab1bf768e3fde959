package streaming

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/execution"
)

// DefaultCapacity is the per-run replay buffer size.
const DefaultCapacity = 256

// DefaultMaxRuns bounds how many runs keep replay history.
const DefaultMaxRuns = 1024

// Manager provides in-memory pub/sub for run events. It implements
// execution.EventSink.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan execution.Event]struct{}
	// per-run ring buffer for replay and last_event_id support
	history  map[string]*ring
	order    []string // run ids by first event, oldest first
	capacity int
	maxRuns  int
	logger   *zap.Logger
}

// NewManager creates a Manager. Non-positive sizes use the defaults.
func NewManager(capacity, maxRuns int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan execution.Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		maxRuns:     maxRuns,
		logger:      logger,
	}
}

// Subscribe adds a subscriber channel for runID; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(runID string, buffer int) chan execution.Event {
	ch := make(chan execution.Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[runID]
	if subs == nil {
		subs = make(map[chan execution.Event]struct{})
		m.subscribers[runID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(runID string, ch chan execution.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[runID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, runID)
		}
	}
}

// Publish assigns the next sequence number for the run, records the event
// and fans it out without blocking. Slow subscribers miss events and can
// catch up through ReplaySince.
func (m *Manager) Publish(evt execution.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rg := m.history[evt.RunID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[evt.RunID] = rg
		m.order = append(m.order, evt.RunID)
		m.evictLocked()
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)

	for ch := range m.subscribers[evt.RunID] {
		select {
		case ch <- evt:
		default:
			m.logger.Debug("Dropping event for slow subscriber",
				zap.String("run_id", evt.RunID),
				zap.Uint64("seq", evt.Seq),
			)
		}
	}
}

func (m *Manager) evictLocked() {
	for len(m.order) > m.maxRuns {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.history, oldest)
	}
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(runID string, since uint64) []execution.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[runID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Known reports whether any event was recorded for runID.
func (m *Manager) Known(runID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.history[runID]
	return ok
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []execution.Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]execution.Event, capacity)} }

func (r *ring) push(e execution.Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []execution.Event {
	if r.count == 0 {
		return nil
	}
	out := make([]execution.Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
