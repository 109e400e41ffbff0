// Package eventbus publishes mission state transitions to subscribed UI
// clients in real time (spec.md §4.5). Events are fire-and-forget — no
// persistence, no replay — matching the spec's explicit non-requirement.
//
// Grounded on the teacher's internal/daemon/eventbuf.go EventBuffer for the
// "bounded per-subscriber buffer" shape, generalized from a buffered-log
// (Push/Events/EventsSince) to a true pub/sub mailbox (Subscribe/Publish)
// since the spec requires live delivery, not history replay.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Event types, per spec.md §4.5.
const (
	RunStarted      = "run_started"
	NodeScheduled   = "node_scheduled"
	NodeStarted     = "node_started"
	NodeCompleted   = "node_completed"
	NodeFailed      = "node_failed"
	NodeRetrying    = "node_retrying"
	NodeTimeout     = "node_timeout"
	RunCompleted    = "run_completed"
	RunFailed       = "run_failed"
	RunAborted      = "run_aborted"
	MessageLogged   = "message_logged"
	MessageRelayed  = "message_relayed"
	AgentSpawned    = "agent_spawned"
	AgentUpdated    = "agent_updated"
	AgentCompleting = "agent_completing"
	AgentRemoved    = "agent_removed"
	AgentsCleared   = "agents_cleared"
	Init            = "init"
)

// Event is one state transition pushed to subscribers.
type Event struct {
	Type      string    `json:"type"`
	RunID     string    `json:"runId,omitempty"`
	NodeID    string    `json:"nodeId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// mailboxSize bounds each subscriber's pending-event channel. A slow
// subscriber drops events past this point rather than blocking publishers
// (spec.md §5 "Shared resources": "A slow subscriber must not block
// publishers").
const mailboxSize = 256

// Snapshotter supplies the "init" snapshot sent to a client on subscribe:
// the engine's active-run set and the team watcher's active-agent set
// (spec.md §4.5 "On subscription the bus sends an init snapshot").
type Snapshotter interface {
	ActiveRuns() []string
	ActiveAgents() []any
}

type subscriber struct {
	id      uint64
	mailbox chan Event
}

// Bus is the process-wide event bus. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID atomic.Uint64
	log    *zap.Logger

	snapMu sync.RWMutex
	snap   Snapshotter
}

// New creates an empty Bus.
func New(log *zap.Logger) *Bus {
	return &Bus{subs: make(map[uint64]*subscriber), log: log}
}

// SetSnapshotter installs the source of init-snapshot data. Called once at
// startup after the engine and team watcher exist (spec.md §9 startup
// sequence runs the bus before either is fully warm, so this is set late).
func (b *Bus) SetSnapshotter(s Snapshotter) {
	b.snapMu.Lock()
	defer b.snapMu.Unlock()
	b.snap = s
}

// Subscribe registers a new client mailbox and immediately sends it an
// "init" snapshot event. The returned channel is closed by Unsubscribe;
// callers must drain it promptly (it is the subscriber's job not to block
// the bus — see mailboxSize).
func (b *Bus) Subscribe() (<-chan Event, func()) {
	sub := &subscriber{id: b.nextID.Add(1), mailbox: make(chan Event, mailboxSize)}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()

	b.snapMu.RLock()
	snap := b.snap
	b.snapMu.RUnlock()

	var data any
	if snap != nil {
		data = map[string]any{
			"activeRuns":   snap.ActiveRuns(),
			"activeAgents": snap.ActiveAgents(),
		}
	}
	sub.mailbox <- Event{Type: Init, Timestamp: time.Now(), Data: data}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[sub.id]; ok {
			delete(b.subs, sub.id)
			close(s.mailbox)
		}
	}
	return sub.mailbox, unsubscribe
}

// Publish fans ev out to every subscriber's mailbox without blocking. A
// full mailbox drops the event and logs a warning rather than stalling the
// publisher (engine poller, team watcher, etc.).
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		select {
		case sub.mailbox <- ev:
		default:
			if b.log != nil {
				b.log.Warn("eventbus: dropping event for slow subscriber",
					zap.Uint64("subscriber_id", sub.id), zap.String("event_type", ev.Type))
			}
		}
	}
}

// SubscriberCount reports the number of currently registered subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
