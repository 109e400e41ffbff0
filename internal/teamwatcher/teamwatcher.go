// Package teamwatcher implements the secondary "active agents" view:
// an independent poller over teams/ and tasks/ that is the only
// component to notice agent *disappearance*, since the engine only ever
// writes while a node is active and the provider deletes directories on
// cleanup (spec.md §4.4). The engine stays authoritative for logical run
// state; this package is authoritative for UI presence.
//
// Grounded on the teacher's internal/daemon/reconcile.go ticker loop (a
// second, independent background poller alongside the primary one) and
// internal/daemon/eventbuf.go for the idea of a derived, forgettable view
// rather than a system of record.
package teamwatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fenwick-labs/missiond/internal/atomicfile"
	"github.com/fenwick-labs/missiond/internal/eventbus"
	"github.com/fenwick-labs/missiond/internal/mission"
	"github.com/fenwick-labs/missiond/internal/missionstore"
)

// DefaultPollInterval is the watcher's tick period (spec.md §4.4 "Poll every 2.5s").
const DefaultPollInterval = 2500 * time.Millisecond

// teamLeadMember is the synthetic agent name emitted for any team whose
// config does not declare a real team-lead member (spec.md §4.4
// "Synthetic team lead").
const teamLeadMember = "team-lead"

// Agent is one entry in the watcher's active-agents view.
type Agent struct {
	ID              string `json:"id"`
	Team            string `json:"team"`
	Member          string `json:"member"`
	TaskDescription string `json:"taskDescription,omitempty"`
}

// trackedTeam is the watcher's per-tick memory for one team directory.
type trackedTeam struct {
	members         map[string]string // member -> last seen task description
	synthesizedLead bool
}

// Watcher polls the filesystem for team/task changes and emits
// agent_spawned/agent_updated/agent_completing/agent_removed/agents_cleared
// events. The zero value is not usable; construct with New.
type Watcher struct {
	baseDir      string
	store        *missionstore.Store
	bus          *eventbus.Bus
	log          *zap.Logger
	pollInterval time.Duration

	mu     sync.Mutex
	teams  map[string]*trackedTeam
	agents map[string]Agent

	cancel context.CancelFunc
}

// New constructs a Watcher. baseDir is the well-known directory root
// shared with the store and provider (spec.md §6).
func New(baseDir string, store *missionstore.Store, bus *eventbus.Bus, log *zap.Logger) *Watcher {
	return &Watcher{
		baseDir:      baseDir,
		store:        store,
		bus:          bus,
		log:          log,
		pollInterval: DefaultPollInterval,
		teams:        make(map[string]*trackedTeam),
		agents:       make(map[string]Agent),
	}
}

// Start runs one synchronous tick (so a subscriber connecting immediately
// after startup sees an accurate init snapshot) and then begins the
// background ticker loop.
func (w *Watcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.tick()
	go w.loop(ctx)
}

// Stop halts the background loop. The watcher's in-memory view is left
// as-is; nothing downstream is notified, matching Engine.Shutdown's
// "stop without mutating state" contract.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// ActiveAgents implements eventbus.Snapshotter.
func (w *Watcher) ActiveAgents() []any {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]any, 0, len(w.agents))
	for _, a := range w.agents {
		out = append(out, a)
	}
	return out
}

func (w *Watcher) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick is the watcher's single-threaded poll pass (spec.md §5 "The team
// watcher is single-threaded against its own state map (one tick at a
// time by construction)"); it is only ever called from Start or loop, so
// no reentrancy guard is needed.
func (w *Watcher) tick() {
	teamsDir := filepath.Join(w.baseDir, "teams")
	entries, err := os.ReadDir(teamsDir)
	if err != nil && !os.IsNotExist(err) {
		w.log.Warn("teamwatcher: read teams dir failed", zap.Error(err))
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()

		members, ok, err := readTeamMembers(teamsDir, name)
		if err != nil {
			w.log.Warn("teamwatcher: read team config failed", zap.String("team", name), zap.Error(err))
			continue
		}
		if !ok {
			continue // no readable config.json: not a team directory
		}

		if strings.HasPrefix(name, "run-") {
			runID := strings.TrimPrefix(name, "run-")
			run, rerr := w.store.GetRun(runID)
			if rerr == nil && run != nil && run.Status.IsTerminal() {
				w.removeTeamDirs(name)
				continue // treated as absent this tick; disappearance handled below
			}
		}

		seen[name] = true
		w.processTeam(name, members)
	}

	w.mu.Lock()
	var gone []string
	for name := range w.teams {
		if !seen[name] {
			gone = append(gone, name)
		}
	}
	w.mu.Unlock()
	for _, name := range gone {
		w.teamDisappeared(name)
	}
}

func readTeamMembers(teamsDir, name string) ([]string, bool, error) {
	path := filepath.Join(teamsDir, name, "config.json")
	var cfg struct {
		Members []string `json:"members"`
	}
	ok, err := atomicfile.ReadJSON(path, &cfg)
	return cfg.Members, ok, err
}

// processTeam diffs one team's current member list against what the
// watcher tracked last tick, emitting spawned/updated/completing events
// (spec.md §4.4 steps 1-4).
func (w *Watcher) processTeam(name string, members []string) {
	w.mu.Lock()
	tt, existed := w.teams[name]
	if !existed {
		tt = &trackedTeam{members: make(map[string]string)}
		w.teams[name] = tt
	}
	w.mu.Unlock()

	if !existed {
		hasLead := false
		for _, m := range members {
			if m == teamLeadMember {
				hasLead = true
				break
			}
		}
		if !hasLead {
			tt.synthesizedLead = true
			w.spawn(name, teamLeadMember, "")
		}
	}

	current := make(map[string]bool, len(members))
	for _, member := range members {
		current[member] = true
		desc := w.resolveTaskDescription(name, member)

		w.mu.Lock()
		prevDesc, wasTracked := tt.members[member]
		tt.members[member] = desc
		w.mu.Unlock()

		switch {
		case !wasTracked:
			w.spawn(name, member, desc)
		case prevDesc != desc:
			w.update(name, member, desc)
		}
	}

	w.mu.Lock()
	var goneMembers []string
	for member := range tt.members {
		if !current[member] {
			goneMembers = append(goneMembers, member)
		}
	}
	for _, member := range goneMembers {
		delete(tt.members, member)
	}
	w.mu.Unlock()
	for _, member := range goneMembers {
		w.complete(name, member)
	}
}

// resolveTaskDescription reads tasks/<team>/*.json looking for the
// member's current task, preferring in_progress over pending (spec.md
// §4.4 step 3).
func (w *Watcher) resolveTaskDescription(team, member string) string {
	taskDir := filepath.Join(w.baseDir, "tasks", team)
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		return ""
	}

	var pending string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		var tf mission.TaskFile
		ok, err := atomicfile.ReadJSON(filepath.Join(taskDir, e.Name()), &tf)
		if err != nil || !ok || tf.Owner != member {
			continue
		}
		if tf.Status == mission.TaskInProgress {
			return tf.Description
		}
		if tf.Status == mission.TaskPending && pending == "" {
			pending = tf.Description
		}
	}
	return pending
}

func (w *Watcher) spawn(team, member, desc string) {
	agent := Agent{ID: agentID(team, member), Team: team, Member: member, TaskDescription: desc}
	w.mu.Lock()
	w.agents[agent.ID] = agent
	w.mu.Unlock()
	w.bus.Publish(eventbus.Event{Type: eventbus.AgentSpawned, Data: agent})
}

func (w *Watcher) update(team, member, desc string) {
	agent := Agent{ID: agentID(team, member), Team: team, Member: member, TaskDescription: desc}
	w.mu.Lock()
	w.agents[agent.ID] = agent
	w.mu.Unlock()
	w.bus.Publish(eventbus.Event{Type: eventbus.AgentUpdated, Data: agent})
}

func (w *Watcher) complete(team, member string) {
	id := agentID(team, member)
	w.mu.Lock()
	agent, ok := w.agents[id]
	delete(w.agents, id)
	w.mu.Unlock()
	if !ok {
		return
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.AgentCompleting, Data: map[string]any{"agent": agent, "status": "success"}})
}

// teamDisappeared completes every member (and the synthetic team-lead, if
// any) the watcher still had tracked for name, then emits a single
// agents_cleared summary event (spec.md §4.4 step 5).
func (w *Watcher) teamDisappeared(name string) {
	w.mu.Lock()
	tt := w.teams[name]
	delete(w.teams, name)
	var removed []Agent
	if tt != nil {
		for member := range tt.members {
			if a, ok := w.agents[agentID(name, member)]; ok {
				removed = append(removed, a)
				delete(w.agents, a.ID)
			}
		}
		if tt.synthesizedLead {
			if a, ok := w.agents[agentID(name, teamLeadMember)]; ok {
				removed = append(removed, a)
				delete(w.agents, a.ID)
			}
		}
	}
	w.mu.Unlock()

	for _, a := range removed {
		w.bus.Publish(eventbus.Event{Type: eventbus.AgentRemoved, Data: a})
	}
	w.bus.Publish(eventbus.Event{Type: eventbus.AgentsCleared, Data: map[string]string{"team": name}})
}

func (w *Watcher) removeTeamDirs(name string) {
	if err := os.RemoveAll(filepath.Join(w.baseDir, "teams", name)); err != nil {
		w.log.Warn("teamwatcher: remove stale team dir failed", zap.String("team", name), zap.Error(err))
	}
	if err := os.RemoveAll(filepath.Join(w.baseDir, "tasks", name)); err != nil {
		w.log.Warn("teamwatcher: remove stale task dir failed", zap.String("team", name), zap.Error(err))
	}
}

func agentID(team, member string) string {
	return fmt.Sprintf("team:%s:%s", team, member)
}
