// Package engine implements the mission engine: DAG scheduler, node/run
// state machines, retry/timeout/orphan policy, run summary, and
// resume-after-restart (spec.md §4.1). It is the largest and most
// stateful of the four core components; everything it mutates is
// persisted through internal/missionstore, and every mutation it performs
// is broadcast through internal/eventbus.
//
// Grounded on the teacher's internal/daemon package for the long-lived
// "service struct with injected collaborators, ticker-driven background
// loop, per-run reentrancy guard" shape (daemon.go, poll.go,
// reconcile.go), and on the DAG-scheduler idiom in
// _examples/other_examples' dag_scheduler.go for cycle detection,
// fan-in readiness, and cascade handling of downstream nodes.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fenwick-labs/missiond/internal/eventbus"
	"github.com/fenwick-labs/missiond/internal/mission"
	"github.com/fenwick-labs/missiond/internal/missionerr"
	"github.com/fenwick-labs/missiond/internal/missionstore"
	"github.com/fenwick-labs/missiond/internal/provider"
)

const (
	// DefaultPollInterval is the per-run poller tick period (spec.md §5
	// "Each mission run owns a long-running poller task ticking every 2s").
	DefaultPollInterval = 2 * time.Second

	// OrphanGrace is how long after a node's StartedAt the orphan detector
	// waits before firing, to avoid racing the provider's initial
	// task-file write (spec.md §4.1 "Orphan detection").
	OrphanGrace = 30 * time.Second
)

// Engine owns the DAG scheduler and the node/run state machines. The zero
// value is not usable; construct with New.
type Engine struct {
	store     *missionstore.Store
	providers *provider.Registry
	bus       *eventbus.Bus
	baseDir   string
	log       *zap.Logger

	pollInterval time.Duration
	orphanGrace  time.Duration

	mu      sync.Mutex
	pollers map[string]*runPoller

	// resumeGroup de-duplicates concurrent ResumeActiveRuns calls (e.g. a
	// crash-restart racing an operator-triggered resume) so the same run
	// never gets two pollers attached.
	resumeGroup singleflight.Group
}

// New constructs an Engine. baseDir is the well-known directory root
// (spec.md §6) shared with the store and provider.
func New(store *missionstore.Store, providers *provider.Registry, bus *eventbus.Bus, baseDir string, log *zap.Logger) *Engine {
	return &Engine{
		store:        store,
		providers:    providers,
		bus:          bus,
		baseDir:      baseDir,
		log:          log,
		pollInterval: DefaultPollInterval,
		orphanGrace:  OrphanGrace,
		pollers:      make(map[string]*runPoller),
	}
}

// ActiveRuns implements eventbus.Snapshotter.
func (e *Engine) ActiveRuns() []string {
	return e.GetActiveRuns()
}

// GetActiveRuns returns the current set of run ids with a live poller.
func (e *Engine) GetActiveRuns() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.pollers))
	for id := range e.pollers {
		ids = append(ids, id)
	}
	return ids
}

func nodeByID(m *mission.Mission) map[string]mission.Node {
	out := make(map[string]mission.Node, len(m.Nodes))
	for _, n := range m.Nodes {
		out[n.ID] = n
	}
	return out
}

func labelByID(m *mission.Mission) map[string]string {
	out := make(map[string]string, len(m.Nodes))
	for _, n := range m.Nodes {
		out[n.ID] = n.Label
	}
	return out
}

func mergeContext(mission map[string]string, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(mission)+len(overrides))
	for k, v := range mission {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// StartMission validates the mission's DAG, creates a Run with every node
// PENDING, writes the provider's team config, schedules the root nodes,
// and returns the new Run (spec.md §4.1 "StartMission").
func (e *Engine) StartMission(missionID string, contextOverrides map[string]string) (*mission.Run, error) {
	m, err := e.store.GetMission(missionID)
	if err != nil {
		return nil, fmt.Errorf("get mission: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: mission %s", missionerr.ErrNotFound, missionID)
	}

	g := buildGraph(m)
	roots, hasCycle := topoCheck(m, g)
	if len(m.Nodes) > 0 && len(roots) == 0 {
		return nil, fmt.Errorf("%w: mission %s", missionerr.ErrNoRootNodes, missionID)
	}
	if hasCycle {
		return nil, fmt.Errorf("%w: mission %s", missionerr.ErrCycleDetected, missionID)
	}

	merged := mergeContext(m.Context, contextOverrides)
	workdir := merged["workdir"]

	runID := uuid.NewString()
	run, err := e.store.CreateRun(runID, m, workdir, contextOverrides)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	for _, p := range e.distinctProviders(m) {
		if err := p.InitializeTeam(runID, m); err != nil {
			e.log.Warn("initialize team failed", zap.String("run_id", runID), zap.Error(err))
		}
	}

	e.bus.Publish(eventbus.Event{Type: eventbus.RunStarted, RunID: runID})

	rp := e.newPoller(runID)
	rp.tick(context.Background()) // schedule root nodes immediately, per spec.md §2 flow
	rp.startTicking()

	run, getErr := e.store.GetRun(runID)
	if getErr != nil || run == nil {
		return nil, fmt.Errorf("reload run after start: %w", getErr)
	}
	return run, nil
}

func (e *Engine) distinctProviders(m *mission.Mission) []provider.Provider {
	seen := make(map[string]bool)
	var out []provider.Provider
	for _, n := range m.Nodes {
		name := n.Provider
		if name == "" {
			name = "claude-code"
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		if p, ok := e.providers.Get(name); ok {
			out = append(out, p)
		}
	}
	return out
}

// AbortMission cooperatively terminates every active node of runID and
// marks the run ABORTED. Idempotent: aborting an already-terminal run is a
// no-op (spec.md §8 "AbortMission on an already-aborted run is a no-op").
func (e *Engine) AbortMission(runID string) error {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("%w: run %s", missionerr.ErrNotFound, runID)
	}
	if run.Status.IsTerminal() {
		return nil
	}

	m, err := e.store.GetMission(run.MissionID)
	if err != nil || m == nil {
		return fmt.Errorf("get mission for run %s: %w", runID, err)
	}
	nodes := nodeByID(m)

	for nodeID, ns := range run.NodeStates {
		if !ns.Status.IsActive() {
			continue
		}
		n := nodes[nodeID]
		if p, ok := e.providers.Get(providerName(n)); ok {
			if err := p.AbortNode(runID, nodeID); err != nil {
				e.log.Warn("abort node failed", zap.String("run_id", runID), zap.String("node_id", nodeID), zap.Error(err))
			}
		}
	}

	now := time.Now()
	_, err = e.store.UpdateRun(runID, func(r *mission.Run) error {
		for nodeID, ns := range r.NodeStates {
			if ns.Status.IsActive() || ns.Status == mission.NodeStatusPending {
				ns.Status = mission.NodeStatusFailed
				ns.Error = "Run aborted"
				ns.CompletedAt = &now
			}
		}
		r.Status = mission.RunStatusAborted
		r.CompletedAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	e.stopPoller(runID)
	if p, ok := e.providers.Get("claude-code"); ok {
		_ = p.CleanupRun(runID)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.RunAborted, RunID: runID})
	return nil
}

// RetryNode resets nodeID (and its reachable, currently-failed descendants)
// to PENDING and returns the run to RUNNING if it had gone terminal
// (spec.md §4.1 "RetryNode"). Per spec.md §9's corrected open question,
// both FAILED and TIMEOUT are accepted as retriable statuses.
func (e *Engine) RetryNode(runID, nodeID string) error {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("%w: run %s", missionerr.ErrNotFound, runID)
	}
	ns, ok := run.NodeStates[nodeID]
	if !ok {
		return fmt.Errorf("%w: node %s in run %s", missionerr.ErrNotFound, nodeID, runID)
	}
	if ns.Status != mission.NodeStatusFailed && ns.Status != mission.NodeStatusTimeout {
		return fmt.Errorf("%w: node %s is %s", missionerr.ErrNotRetriable, nodeID, ns.Status)
	}

	m, err := e.store.GetMission(run.MissionID)
	if err != nil || m == nil {
		return fmt.Errorf("get mission for run %s: %w", runID, err)
	}
	g := buildGraph(m)
	descendants := reachableFrom(g, nodeID)

	_, err = e.store.UpdateRun(runID, func(r *mission.Run) error {
		reset := func(id string) {
			s := r.NodeStates[id]
			if s == nil {
				return
			}
			s.Status = mission.NodeStatusPending
			s.StartedAt = nil
			s.CompletedAt = nil
			s.Error = ""
			s.Output = ""
			s.AgentID = ""
		}
		reset(nodeID)
		for id := range descendants {
			s := r.NodeStates[id]
			if s != nil && (s.Status == mission.NodeStatusFailed || s.Status == mission.NodeStatusTimeout) {
				reset(id)
			}
		}
		if r.Status.IsTerminal() {
			r.Status = mission.RunStatusRunning
			r.CompletedAt = nil
			r.Error = ""
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	e.mu.Lock()
	_, running := e.pollers[runID]
	e.mu.Unlock()
	if !running {
		rp := e.newPoller(runID)
		rp.startTicking()
	}
	return nil
}

// RelayMessage appends content to the target node's task file and the
// run's message log, and emits message_relayed (spec.md §4.1
// "RelayMessage").
func (e *Engine) RelayMessage(runID, from, to, content string) error {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("%w: run %s", missionerr.ErrNotFound, runID)
	}
	if _, ok := run.NodeStates[to]; !ok {
		return fmt.Errorf("%w: node %s in run %s", missionerr.ErrNotFound, to, runID)
	}

	msg := mission.Message{NodeID: to, Role: "relay", Content: fmt.Sprintf("[from %s] %s", from, content)}
	if err := provider.RelayMessage(e.baseDir, runID, to, msg); err != nil {
		return fmt.Errorf("relay to task file: %w", err)
	}
	if _, err := e.store.AddRunMessage(runID, msg); err != nil {
		return fmt.Errorf("append run message: %w", err)
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.MessageRelayed, RunID: runID, NodeID: to, Data: msg})
	return nil
}

// GetProgress returns a structured progress summary for runID, or nil if
// the run does not exist (spec.md §4.1 "GetProgress").
func (e *Engine) GetProgress(runID string) (*Progress, error) {
	run, err := e.store.GetRun(runID)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if run == nil {
		return nil, nil
	}
	m, err := e.store.GetMission(run.MissionID)
	if err != nil || m == nil {
		return buildProgress(run, nil), nil
	}
	return buildProgress(run, labelByID(m)), nil
}

// ResumeActiveRuns reattaches pollers to every run whose persisted status
// is RUNNING (spec.md §4.1 "ResumeActiveRuns", §8 scenario 7). Any node
// left in RETRYING when the server stopped is picked up as a respawn
// candidate on the reattached poller's first tick; orphan detection
// handles any node whose agent died while the server was down.
func (e *Engine) ResumeActiveRuns() error {
	_, err, _ := e.resumeGroup.Do("resume", func() (any, error) {
		runs, err := e.store.ListRuns("")
		if err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		for _, r := range runs {
			if r.Status != mission.RunStatusRunning {
				continue
			}
			e.mu.Lock()
			_, already := e.pollers[r.ID]
			e.mu.Unlock()
			if already {
				continue
			}
			rp := e.newPoller(r.ID)
			rp.startTicking()
		}
		return nil, nil
	})
	return err
}

// Shutdown stops every active poller without mutating run state, so a
// later ResumeActiveRuns on restart picks them back up.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.pollers))
	for id := range e.pollers {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	for _, id := range ids {
		e.stopPoller(id)
	}
}

func providerName(n mission.Node) string {
	if n.Provider == "" {
		return "claude-code"
	}
	return n.Provider
}
