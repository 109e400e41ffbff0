// Package provider implements the agent provider: it translates between
// the engine's in-memory notion of a node and the external agent, which
// communicates via a child process plus a well-known pair of on-disk
// JSON files (team config + per-node task file).
//
// Grounded primarily on the teacher's internal/daemon/pool.go (process
// pool lifecycle, spawn/respawn/reap), internal/daemon/jsonl_claude.go
// (stdout stream-json parsing), internal/daemon/eventbuf.go (bounded
// output ring buffer), and internal/daemon/agent_kill.go (signal-based
// termination with TOCTOU-aware locking).
package provider

import (
	"context"

	"github.com/fenwick-labs/missiond/internal/mission"
)

// AgentID identifies one spawned agent process, always of the form
// "<runID>/<nodeID>" per spec.md §4.3.
type AgentID string

// ExecContext carries the resolved inputs ExecuteNode needs to spawn a node.
type ExecContext struct {
	RunID   string
	Node    mission.Node
	Prompt  string // already resolved ({context.KEY}/{NODEID.output} expanded)
	Workdir string
}

// Info describes a provider for discovery/registry purposes.
type Info struct {
	Name               string
	SupportedAgentTypes []string
}

// Provider is the polymorphic capability set every backend agent runtime
// implements. A registry maps provider names to instances; Registry.Get is
// the only dispatch point, so additional providers slot in without engine
// changes (spec.md §9 "Dynamic dispatch across providers").
type Provider interface {
	// InitializeTeam writes teams/run-<runID>/config.json listing every node
	// as a member. Called once per run, before any node is executed.
	InitializeTeam(runID string, m *mission.Mission) error

	// ExecuteNode spawns the agent process for the node and returns
	// immediately with its agent id. See ExecuteNode doc on the
	// concrete implementation for the spawn-verification contract.
	ExecuteNode(ctx context.Context, ec ExecContext) (AgentID, error)

	// AbortNode signals the node's process to terminate (SIGTERM, then
	// SIGKILL after a grace period) and marks its task file failed.
	AbortNode(runID, nodeID string) error

	// CleanupRun removes the run's team and task directories. This
	// deletion is itself the signal the team watcher uses to notice
	// that the run's agents have gone away.
	CleanupRun(runID string) error

	// IsProcessAlive is a cheap liveness check used by the engine's
	// orphan detector.
	IsProcessAlive(id AgentID) bool

	// IsAvailable is a provider-level health check.
	IsAvailable() bool

	// Info returns the provider's name and supported agent types.
	Info() Info
}

// Registry maps provider names to instances. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	byName map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Provider)}
}

// Register adds or replaces the provider under its Info().Name.
func (r *Registry) Register(p Provider) {
	r.byName[p.Info().Name] = p
}

// Get looks up a provider by name. The bool is false if no provider is
// registered under that name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}
