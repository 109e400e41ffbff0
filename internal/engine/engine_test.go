package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fenwick-labs/missiond/internal/atomicfile"
	"github.com/fenwick-labs/missiond/internal/eventbus"
	"github.com/fenwick-labs/missiond/internal/mission"
	"github.com/fenwick-labs/missiond/internal/missionstore"
	"github.com/fenwick-labs/missiond/internal/provider"
)

// outcome is what a fakeProvider's spawned "process" does for one attempt.
type outcome int

const (
	outcomeComplete outcome = iota
	outcomeFail
	outcomeHang // never writes a task file; IsProcessAlive stays true
)

// fakeProvider stands in for the real claude-code provider in engine tests:
// ExecuteNode writes a task file straight to disk after a short delay
// instead of spawning a child process, so the poller's file-based protocol
// is exercised without any external binary.
type fakeProvider struct {
	baseDir string

	mu          sync.Mutex
	outcomes    map[string][]outcome
	attemptIdx  map[string]int
	alive       map[string]bool
	abortCalls  []string
	cleanupRuns []string
	initialized []string
}

func newFakeProvider(baseDir string) *fakeProvider {
	return &fakeProvider{
		baseDir:    baseDir,
		outcomes:   make(map[string][]outcome),
		attemptIdx: make(map[string]int),
		alive:      make(map[string]bool),
	}
}

func (p *fakeProvider) setOutcomes(nodeID string, oc ...outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[nodeID] = oc
}

func (p *fakeProvider) InitializeTeam(runID string, m *mission.Mission) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = append(p.initialized, runID)
	return nil
}

func (p *fakeProvider) ExecuteNode(ctx context.Context, ec provider.ExecContext) (provider.AgentID, error) {
	p.mu.Lock()
	idx := p.attemptIdx[ec.Node.ID]
	p.attemptIdx[ec.Node.ID] = idx + 1
	list := p.outcomes[ec.Node.ID]
	oc := outcomeComplete
	if len(list) > 0 {
		if idx < len(list) {
			oc = list[idx]
		} else {
			oc = list[len(list)-1]
		}
	}
	p.alive[ec.Node.ID] = true
	p.mu.Unlock()

	go func() {
		if oc == outcomeHang {
			return
		}
		time.Sleep(5 * time.Millisecond)
		tf := mission.TaskFile{ID: ec.Node.ID, Owner: ec.Node.ID}
		switch oc {
		case outcomeComplete:
			tf.Status = mission.TaskCompleted
			tf.Output = "done"
		case outcomeFail:
			tf.Status = mission.TaskFailed
			tf.Error = "boom"
		}
		_ = writeTestTaskFile(p.baseDir, ec.RunID, tf)
		p.mu.Lock()
		p.alive[ec.Node.ID] = false
		p.mu.Unlock()
	}()

	return provider.AgentID(ec.RunID + "/" + ec.Node.ID), nil
}

func (p *fakeProvider) AbortNode(runID, nodeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.abortCalls = append(p.abortCalls, nodeID)
	p.alive[nodeID] = false
	return nil
}

func (p *fakeProvider) CleanupRun(runID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanupRuns = append(p.cleanupRuns, runID)
	return nil
}

func (p *fakeProvider) IsProcessAlive(id provider.AgentID) bool {
	nodeID := string(id)
	if idx := lastSlash(nodeID); idx >= 0 {
		nodeID = nodeID[idx+1:]
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[nodeID]
}

func (p *fakeProvider) IsAvailable() bool { return true }

func (p *fakeProvider) Info() provider.Info {
	return provider.Info{Name: "claude-code", SupportedAgentTypes: []string{"general-purpose"}}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

func writeTestTaskFile(baseDir, runID string, tf mission.TaskFile) error {
	path := filepath.Join(baseDir, "tasks", "run-"+runID, tf.Owner+".json")
	return atomicfile.WriteJSON(path, tf)
}

func newTestEngine(t *testing.T) (*Engine, *fakeProvider, *missionstore.Store) {
	t.Helper()
	baseDir := t.TempDir()
	store, err := missionstore.Open(baseDir)
	require.NoError(t, err)

	registry := provider.NewRegistry()
	fp := newFakeProvider(baseDir)
	registry.Register(fp)

	bus := eventbus.New(zap.NewNop())
	eng := New(store, registry, bus, baseDir, zap.NewNop())
	eng.pollInterval = 15 * time.Millisecond
	eng.orphanGrace = time.Hour // disabled unless a test shortens it
	return eng, fp, store
}

func mustCreateMission(t *testing.T, store *missionstore.Store, m mission.Mission) *mission.Mission {
	t.Helper()
	m.ID = "mission-" + t.Name()
	saved, err := store.CreateMission(m)
	require.NoError(t, err)
	return saved
}

func TestLinearPipelineCompletesSuccessfully(t *testing.T) {
	eng, fp, store := newTestEngine(t)
	m := mustCreateMission(t, store, mission.Mission{
		Nodes: []mission.Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []mission.Edge{{From: "a", To: "b"}, {From: "b", To: "c"}},
	})
	fp.setOutcomes("a", outcomeComplete)
	fp.setOutcomes("b", outcomeComplete)
	fp.setOutcomes("c", outcomeComplete)

	run, err := eng.StartMission(m.ID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := store.GetRun(run.ID)
		return err == nil && r != nil && r.Status == mission.RunStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	final, err := store.GetRun(run.ID)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.Equal(t, mission.NodeStatusCompleted, final.NodeStates[id].Status)
	}
	require.NotNil(t, final.Summary)
}

func TestFanOutFanInWaitsForBothBranches(t *testing.T) {
	eng, fp, store := newTestEngine(t)
	m := mustCreateMission(t, store, mission.Mission{
		Nodes: []mission.Node{{ID: "root"}, {ID: "left"}, {ID: "right"}, {ID: "join"}},
		Edges: []mission.Edge{
			{From: "root", To: "left"},
			{From: "root", To: "right"},
			{From: "left", To: "join"},
			{From: "right", To: "join"},
		},
	})
	for _, id := range []string{"root", "left", "right", "join"} {
		fp.setOutcomes(id, outcomeComplete)
	}

	run, err := eng.StartMission(m.ID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := store.GetRun(run.ID)
		return err == nil && r != nil && r.Status == mission.RunStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRetryThenSucceed(t *testing.T) {
	eng, fp, store := newTestEngine(t)
	m := mustCreateMission(t, store, mission.Mission{
		Nodes: []mission.Node{{ID: "flaky", Config: mission.NodeConfig{Retries: 1}}},
	})
	fp.setOutcomes("flaky", outcomeFail, outcomeComplete)

	run, err := eng.StartMission(m.ID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := store.GetRun(run.ID)
		return err == nil && r != nil && r.Status == mission.RunStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	final, err := store.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, mission.NodeStatusCompleted, final.NodeStates["flaky"].Status)
	require.Equal(t, 1, final.NodeStates["flaky"].RetryCount)
}

func TestRetryExhaustedFailsRun(t *testing.T) {
	eng, fp, store := newTestEngine(t)
	m := mustCreateMission(t, store, mission.Mission{
		Nodes: []mission.Node{{ID: "flaky", Config: mission.NodeConfig{Retries: 1}}},
	})
	fp.setOutcomes("flaky", outcomeFail, outcomeFail)

	run, err := eng.StartMission(m.ID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := store.GetRun(run.ID)
		return err == nil && r != nil && r.Status == mission.RunStatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	final, err := store.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, mission.NodeStatusFailed, final.NodeStates["flaky"].Status)
	require.Equal(t, 1, final.NodeStates["flaky"].RetryCount)
}

func TestTimeoutKillsProcessBeforeTransitioningNode(t *testing.T) {
	eng, fp, store := newTestEngine(t)
	m := mustCreateMission(t, store, mission.Mission{
		Nodes: []mission.Node{{ID: "slow", Config: mission.NodeConfig{Retries: 1, TimeoutSeconds: 1}}},
	})
	fp.setOutcomes("slow", outcomeHang, outcomeHang)

	run, err := eng.StartMission(m.ID, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		r, err := store.GetRun(run.ID)
		return err == nil && r != nil && r.Status == mission.RunStatusFailed
	}, 6*time.Second, 20*time.Millisecond)

	final, err := store.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, mission.NodeStatusTimeout, final.NodeStates["slow"].Status)

	fp.mu.Lock()
	defer fp.mu.Unlock()
	require.Contains(t, fp.abortCalls, "slow")
}

func TestAbortMidRunMarksActiveAndPendingNodesFailed(t *testing.T) {
	eng, fp, store := newTestEngine(t)
	m := mustCreateMission(t, store, mission.Mission{
		Nodes: []mission.Node{{ID: "a"}, {ID: "b"}},
		Edges: []mission.Edge{{From: "a", To: "b"}},
	})
	fp.setOutcomes("a", outcomeHang)

	run, err := eng.StartMission(m.ID, nil)
	require.NoError(t, err)

	preAbort, err := store.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, mission.NodeStatusRunning, preAbort.NodeStates["a"].Status)
	require.Equal(t, mission.NodeStatusPending, preAbort.NodeStates["b"].Status)

	require.NoError(t, eng.AbortMission(run.ID))

	final, err := store.GetRun(run.ID)
	require.NoError(t, err)
	require.Equal(t, mission.RunStatusAborted, final.Status)
	require.Equal(t, mission.NodeStatusFailed, final.NodeStates["a"].Status)
	require.Equal(t, mission.NodeStatusFailed, final.NodeStates["b"].Status)
	require.Equal(t, "Run aborted", final.NodeStates["a"].Error)

	require.NoError(t, eng.AbortMission(run.ID)) // idempotent
}

func TestResumeActiveRunsReattachesPollersForRunningRuns(t *testing.T) {
	eng, fp, store := newTestEngine(t)
	m := mustCreateMission(t, store, mission.Mission{Nodes: []mission.Node{{ID: "solo"}}})
	fp.setOutcomes("solo", outcomeComplete)

	run, err := store.CreateRun("resumed-run", m, "", nil)
	require.NoError(t, err)
	require.Empty(t, eng.GetActiveRuns())

	require.NoError(t, eng.ResumeActiveRuns())
	require.Contains(t, eng.GetActiveRuns(), run.ID)

	require.Eventually(t, func() bool {
		r, err := store.GetRun(run.ID)
		return err == nil && r != nil && r.Status == mission.RunStatusCompleted
	}, 3*time.Second, 10*time.Millisecond)
}
