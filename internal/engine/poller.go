package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fenwick-labs/missiond/internal/eventbus"
	"github.com/fenwick-labs/missiond/internal/mission"
	"github.com/fenwick-labs/missiond/internal/provider"
)

// maxConcurrentNodeOps bounds how many nodes a single tick will
// spawn/observe at once, so a run with a wide fan-out does not open
// hundreds of child processes or task-file reads in the same instant
// (SPEC_FULL.md §11 domain-stack wiring: "bounding concurrent node executions
// within a poll tick").
const maxConcurrentNodeOps = 8

// runPoller owns one run's poll loop. Grounded on the teacher's
// internal/daemon/poll.go Poller (ticker-driven loop, immediate first
// tick) and reconcile.go's reentrancy-safe ticker pattern; generalized
// with an atomic "still ticking" guard so a slow tick (many nodes, slow
// disk) causes the next scheduled tick to be skipped entirely rather than
// overlap it (spec.md §5 "Per-run tick reentrancy guard").
type runPoller struct {
	runID  string
	eng    *Engine
	ctx    context.Context
	cancel context.CancelFunc

	ticking atomic.Bool

	// snapMu guards preSnapshots: a tick fans node operations out across
	// up to maxConcurrentNodeOps goroutines, so concurrent nodes of the
	// same run may read/write it simultaneously.
	snapMu sync.Mutex
	// preSnapshots holds each active node's pre-spawn workdir file set, so
	// the post-completion diff (spec.md §4.1 "Run summary") can be
	// computed without re-reading it from disk.
	preSnapshots map[string]snapshotResult
}

type snapshotResult struct {
	files map[string]bool
	ok    bool
}

func (e *Engine) newPoller(runID string) *runPoller {
	ctx, cancel := context.WithCancel(context.Background())
	rp := &runPoller{runID: runID, eng: e, ctx: ctx, cancel: cancel, preSnapshots: make(map[string]snapshotResult)}
	e.mu.Lock()
	e.pollers[runID] = rp
	e.mu.Unlock()
	return rp
}

func (rp *runPoller) startTicking() {
	go rp.loop(rp.ctx)
}

func (e *Engine) stopPoller(runID string) {
	e.mu.Lock()
	rp, ok := e.pollers[runID]
	if ok {
		delete(e.pollers, runID)
	}
	e.mu.Unlock()
	if ok {
		rp.cancel()
	}
}

func (rp *runPoller) loop(ctx context.Context) {
	ticker := time.NewTicker(rp.eng.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !rp.ticking.CompareAndSwap(false, true) {
				continue // previous tick still running: skip this one entirely
			}
			rp.tick(ctx)
			rp.ticking.Store(false)
		}
	}
}

// tick runs one poll pass for this run: schedule ready nodes, observe task
// files for active nodes, enforce timeouts and orphan detection, then
// evaluate the run-completion rule. This is the node state machine from
// spec.md §4.1 in its entirety.
func (rp *runPoller) tick(ctx context.Context) {
	e := rp.eng
	run, err := e.store.GetRun(rp.runID)
	if err != nil || run == nil {
		e.log.Warn("poller: run disappeared, stopping", zap.String("run_id", rp.runID))
		e.stopPoller(rp.runID)
		return
	}
	if run.Status.IsTerminal() {
		e.stopPoller(rp.runID)
		return
	}

	m, err := e.store.GetMission(run.MissionID)
	if err != nil || m == nil {
		e.log.Error("poller: mission unreadable", zap.String("run_id", rp.runID), zap.Error(err))
		return
	}
	dag := buildGraph(m)
	nodes := nodeByID(m)
	promptContext := mergeContext(m.Context, nil)

	var wg errgroup.Group
	wg.SetLimit(maxConcurrentNodeOps)
	for nodeID, ns := range run.NodeStates {
		nodeID, ns := nodeID, ns
		n := nodes[nodeID]
		switch {
		case ns.Status.IsActive():
			wg.Go(func() error { rp.observeActiveNode(run, n, ns); return nil })
		case ns.Status == mission.NodeStatusPending:
			if readyToSchedule(dag, nodeID, run.NodeStates) {
				wg.Go(func() error { rp.scheduleNode(ctx, run, n, promptContext); return nil })
			}
		case ns.Status == mission.NodeStatusRetrying:
			wg.Go(func() error { rp.scheduleNode(ctx, run, n, promptContext); return nil })
		}
	}
	_ = wg.Wait()

	rp.evaluateRunCompletion(dag, labelByID(m))
}

// scheduleNode transitions a PENDING/RETRYING node to SPAWNING, resolves
// its prompt, takes the pre-spawn workdir snapshot, and calls
// provider.ExecuteNode. Spawn failure is handled per spec.md §4.1's
// retry/timeout/orphan transition diagram: retriable the same as a failed
// run attempt.
func (rp *runPoller) scheduleNode(ctx context.Context, run *mission.Run, n mission.Node, promptContext map[string]string) {
	e := rp.eng
	n.Config.ApplyDefaults()

	p, ok := e.providers.Get(providerName(n))
	if !ok {
		e.finishNode(rp.runID, n.ID, mission.NodeStatusFailed, fmt.Sprintf("unknown provider %q", providerName(n)), "")
		e.bus.Publish(eventbus.Event{Type: eventbus.NodeFailed, RunID: rp.runID, NodeID: n.ID})
		return
	}

	e.bus.Publish(eventbus.Event{Type: eventbus.NodeScheduled, RunID: rp.runID, NodeID: n.ID})

	prompt := resolvePrompt(n.Prompt, promptContext, run.NodeStates)
	snap, snapOK := snapshotWorkdir(run.Workdir)
	rp.snapMu.Lock()
	rp.preSnapshots[n.ID] = snapshotResult{files: snap, ok: snapOK}
	rp.snapMu.Unlock()

	now := time.Now()
	if _, err := e.store.UpdateNodeState(rp.runID, n.ID, mission.NodeState{Status: mission.NodeStatusSpawning, StartedAt: &now}); err != nil {
		e.log.Error("update node state to SPAWNING failed", zap.Error(err))
		return
	}

	agentID, err := p.ExecuteNode(ctx, provider.ExecContext{RunID: rp.runID, Node: n, Prompt: prompt, Workdir: run.Workdir})
	if err != nil {
		e.handleAttemptFailure(rp.runID, n, fmt.Sprintf("spawn error: %v", err))
		return
	}

	if _, err := e.store.UpdateNodeState(rp.runID, n.ID, mission.NodeState{Status: mission.NodeStatusRunning, AgentID: string(agentID)}); err != nil {
		e.log.Error("update node state to RUNNING failed", zap.Error(err))
		return
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.NodeStarted, RunID: rp.runID, NodeID: n.ID})
}

// observeActiveNode polls the task file and enforces timeout/orphan
// policy for one SPAWNING/RUNNING node (spec.md §4.1 node state machine).
func (rp *runPoller) observeActiveNode(run *mission.Run, n mission.Node, ns *mission.NodeState) {
	e := rp.eng
	n.Config.ApplyDefaults()

	p, ok := e.providers.Get(providerName(n))
	if !ok {
		return
	}

	tf, tfOK, err := provider.ReadTaskFile(e.baseDir, rp.runID, n.ID)
	if err != nil {
		e.log.Warn("read task file failed", zap.String("node_id", n.ID), zap.Error(err))
	}

	if tfOK && string(tf.Status) != ns.LastTaskFileStatus {
		_, _ = e.store.UpdateNodeState(rp.runID, n.ID, mission.NodeState{LastTaskFileStatus: string(tf.Status)})
	}
	if tfOK && tf.ActiveForm != "" && tf.ActiveForm != ns.LastActiveForm {
		_, _ = e.store.UpdateNodeState(rp.runID, n.ID, mission.NodeState{LastActiveForm: tf.ActiveForm})
	}

	// Timeout check first: the process must be killed before any status
	// transition, to prevent a race where the provider's own close handler
	// writes "completed" after the engine has given up (spec.md §4.1
	// "Timeout handling kills the process first, then transitions").
	if ns.StartedAt != nil && n.Config.TimeoutSeconds > 0 {
		elapsed := time.Since(*ns.StartedAt)
		if elapsed > time.Duration(n.Config.TimeoutSeconds)*time.Second {
			_ = p.AbortNode(rp.runID, n.ID)
			rp.finishAttempt(n, ns, mission.NodeStatusTimeout, "node exceeded its configured timeout")
			return
		}
	}

	if tfOK {
		switch tf.Status {
		case mission.TaskCompleted:
			rp.completeNode(run, n, tf)
			return
		case mission.TaskFailed, mission.TaskError:
			msg := tf.Error
			if msg == "" {
				msg = "agent reported failure"
			}
			rp.finishAttempt(n, ns, mission.NodeStatusFailed, msg)
			return
		}
	}

	// Orphan detection: only after the grace period, to avoid racing the
	// provider's initial task-file write (spec.md §4.1 "Orphan detection").
	if ns.StartedAt != nil && time.Since(*ns.StartedAt) > e.orphanGrace {
		if !p.IsProcessAlive(provider.AgentID(ns.AgentID)) && (!tfOK || !isTerminalTaskStatus(tf.Status)) {
			e.finishNode(rp.runID, n.ID, mission.NodeStatusFailed, "orphan: process exited without a terminal task file", "")
			e.bus.Publish(eventbus.Event{Type: eventbus.NodeFailed, RunID: rp.runID, NodeID: n.ID})
		}
	}
}

func isTerminalTaskStatus(s mission.TaskStatus) bool {
	return s == mission.TaskCompleted || s == mission.TaskFailed || s == mission.TaskError
}

// completeNode diffs the run's workdir against this node's pre-spawn
// snapshot and persists the COMPLETED transition with output and files.
func (rp *runPoller) completeNode(run *mission.Run, n mission.Node, tf mission.TaskFile) {
	e := rp.eng
	rp.snapMu.Lock()
	pre, hadPre := rp.preSnapshots[n.ID]
	delete(rp.preSnapshots, n.ID)
	rp.snapMu.Unlock()
	post, postOK := snapshotWorkdir(run.Workdir)
	var files []string
	if hadPre {
		files, _ = diffSnapshots(pre.files, post, pre.ok, postOK)
	}

	now := time.Now()
	_, err := e.store.UpdateNodeState(rp.runID, n.ID, mission.NodeState{
		Status:      mission.NodeStatusCompleted,
		CompletedAt: &now,
		Output:      tf.Output,
		Files:       files,
	})
	if err != nil {
		e.log.Error("persist node completion failed", zap.Error(err))
		return
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.NodeCompleted, RunID: rp.runID, NodeID: n.ID})
}

// finishAttempt applies the retry-or-terminal decision shared by the
// timeout and task-file-failure paths: retry if retries remain, otherwise
// transition straight to the terminal status.
func (rp *runPoller) finishAttempt(n mission.Node, ns *mission.NodeState, terminal mission.NodeStatus, errMsg string) {
	rp.eng.handleAttemptFailureWithTerminal(rp.runID, n, ns.RetryCount, terminal, errMsg)
}

// handleAttemptFailure is the spawn-error path (ExecuteNode itself
// returned an error, so the node never reached RUNNING).
func (e *Engine) handleAttemptFailure(runID string, n mission.Node, errMsg string) {
	run, err := e.store.GetRun(runID)
	if err != nil || run == nil {
		return
	}
	ns := run.NodeStates[n.ID]
	if ns == nil {
		return
	}
	e.handleAttemptFailureWithTerminal(runID, n, ns.RetryCount, mission.NodeStatusFailed, errMsg)
}

// handleAttemptFailureWithTerminal decides RETRYING-vs-terminal per
// spec.md §4.1 "retries_exhausted iff retryCount >= node.config.retries
// (default 1)", then persists and emits the corresponding event. A
// RETRYING node is picked back up by the next tick's scheduleNode pass
// (spec: "RETRYING ... always returns to SPAWNING").
func (e *Engine) handleAttemptFailureWithTerminal(runID string, n mission.Node, retryCount int, terminal mission.NodeStatus, errMsg string) {
	n.Config.ApplyDefaults()

	if retryCount < n.Config.Retries {
		_, err := e.store.UpdateNodeState(runID, n.ID, mission.NodeState{
			Status:     mission.NodeStatusRetrying,
			RetryCount: retryCount + 1,
			Error:      errMsg,
		})
		if err != nil {
			e.log.Error("persist node retry failed", zap.Error(err))
			return
		}
		e.bus.Publish(eventbus.Event{Type: eventbus.NodeRetrying, RunID: runID, NodeID: n.ID})
		return
	}

	e.finishNode(runID, n.ID, terminal, errMsg, "")
	evType := eventbus.NodeFailed
	if terminal == mission.NodeStatusTimeout {
		evType = eventbus.NodeTimeout
	}
	e.bus.Publish(eventbus.Event{Type: evType, RunID: runID, NodeID: n.ID})
}

// finishNode persists a terminal node transition.
func (e *Engine) finishNode(runID, nodeID string, status mission.NodeStatus, errMsg, output string) {
	now := time.Now()
	if _, err := e.store.UpdateNodeState(runID, nodeID, mission.NodeState{
		Status:      status,
		CompletedAt: &now,
		Error:       errMsg,
		Output:      output,
	}); err != nil {
		e.log.Error("persist terminal node state failed", zap.Error(err))
	}
}

// evaluateRunCompletion applies spec.md §4.1 "Run completion rule" after
// processing every node this tick: all COMPLETED -> run COMPLETED with a
// generated summary; any blocking FAILED/TIMEOUT node -> run FAILED.
// Unreachable-but-unscheduled descendants of a blocking failure get an
// Error annotation on their node state in the run record (not a
// transition — spec.md's NodeStatus has no "skipped" value), so the run
// record says why a downstream node stayed PENDING (SPEC_FULL.md §12
// "Cascade-skip on failure"). GetProgress does not report node errors.
func (rp *runPoller) evaluateRunCompletion(g *graph, labels map[string]string) {
	e := rp.eng
	run, err := e.store.GetRun(rp.runID)
	if err != nil || run == nil {
		return
	}
	if run.Status.IsTerminal() {
		return
	}

	allCompleted := true
	for _, ns := range run.NodeStates {
		if ns.Status != mission.NodeStatusCompleted {
			allCompleted = false
			break
		}
	}
	if allCompleted {
		summary := buildSummary(run.Workdir, labels, run.NodeStates, time.Now())
		now := time.Now()
		_, err := e.store.UpdateRun(rp.runID, func(r *mission.Run) error {
			r.Status = mission.RunStatusCompleted
			r.CompletedAt = &now
			r.Summary = &summary
			return nil
		})
		if err != nil {
			e.log.Error("persist run completion failed", zap.Error(err))
			return
		}
		e.stopPoller(rp.runID)
		if p, ok := e.providers.Get("claude-code"); ok {
			_ = p.CleanupRun(rp.runID)
		}
		e.bus.Publish(eventbus.Event{Type: eventbus.RunCompleted, RunID: rp.runID, Data: summary})
		return
	}

	// Any node that has exhausted its retries (FAILED/TIMEOUT are only
	// reached once handleAttemptFailureWithTerminal has given up) blocks
	// the run outright, whether or not it has descendants. Descendants are
	// only consulted to decide which still-PENDING nodes get the
	// cascade-skip annotation.
	var blockingNode string
	for nodeID, ns := range run.NodeStates {
		if ns.Status != mission.NodeStatusFailed && ns.Status != mission.NodeStatusTimeout {
			continue
		}
		blockingNode = nodeID
		descendants := reachableFrom(g, nodeID)
		for descID := range descendants {
			descState := run.NodeStates[descID]
			if descState == nil {
				continue
			}
			if descState.Status == mission.NodeStatusPending && descState.Error == "" {
				annotation := fmt.Sprintf("blocked: upstream node %s failed", nodeID)
				_, _ = e.store.UpdateNodeState(rp.runID, descID, mission.NodeState{Error: annotation})
			}
		}
		if blockingNode != "" {
			break
		}
	}

	if blockingNode != "" {
		now := time.Now()
		errMsg := fmt.Sprintf("node %s failed and blocks remaining execution", blockingNode)
		_, err := e.store.UpdateRun(rp.runID, func(r *mission.Run) error {
			r.Status = mission.RunStatusFailed
			r.CompletedAt = &now
			r.Error = errMsg
			return nil
		})
		if err != nil {
			e.log.Error("persist run failure failed", zap.Error(err))
			return
		}
		e.stopPoller(rp.runID)
		if p, ok := e.providers.Get("claude-code"); ok {
			_ = p.CleanupRun(rp.runID)
		}
		e.bus.Publish(eventbus.Event{Type: eventbus.RunFailed, RunID: rp.runID, Data: errMsg})
	}
}
