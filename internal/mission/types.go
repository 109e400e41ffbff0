// Package mission defines the data model shared by the store, provider,
// engine, and team watcher: Mission, Node, Run, NodeState, and the
// on-disk TaskFile interchange format. No component outside this package
// materializes node<->run back-references in memory — everything is
// looked up by id on demand (see DESIGN.md "Cyclic structures").
package mission

import "time"

// NodeStatus is the per-node state machine. PENDING -> SPAWNING -> RUNNING
// -> {COMPLETED | FAILED | TIMEOUT}, with RETRYING a cross-cutting state
// that always returns to SPAWNING. COMPLETED/FAILED/TIMEOUT are terminal.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "PENDING"
	NodeStatusSpawning  NodeStatus = "SPAWNING"
	NodeStatusRunning   NodeStatus = "RUNNING"
	NodeStatusRetrying  NodeStatus = "RETRYING"
	NodeStatusCompleted NodeStatus = "COMPLETED"
	NodeStatusFailed    NodeStatus = "FAILED"
	NodeStatusTimeout   NodeStatus = "TIMEOUT"
)

// IsTerminal reports whether the status admits no further transitions
// except via an explicit RetryNode call.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusTimeout:
		return true
	default:
		return false
	}
}

// IsActive reports whether the node currently owns a live spawn/process.
func (s NodeStatus) IsActive() bool {
	return s == NodeStatusSpawning || s == NodeStatusRunning
}

// RunStatus is the per-run state machine: RUNNING -> {COMPLETED | FAILED | ABORTED}.
// Terminal states are final except that RetryNode on a failed node may
// transition FAILED|ABORTED back to RUNNING.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusAborted   RunStatus = "ABORTED"
)

// IsTerminal reports whether the run status is one of the three terminal values.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusAborted:
		return true
	default:
		return false
	}
}

// NodeConfig holds per-node execution tuning.
type NodeConfig struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	Retries        int `json:"retries"` // default 1, applied by ApplyDefaults
}

// ApplyDefaults fills the zero-valued Retries field with the spec default.
func (c *NodeConfig) ApplyDefaults() {
	if c.Retries == 0 {
		c.Retries = 1
	}
}

// Node is one vertex of a mission's DAG. It corresponds to exactly one
// external agent invocation when its run reaches it.
type Node struct {
	ID         string            `json:"id"`
	Label      string            `json:"label"`
	AgentType  string            `json:"agentType"`
	Prompt     string            `json:"prompt"`
	Config     NodeConfig        `json:"config"`
	Provider   string            `json:"provider"` // default "claude-code"
	Model      string            `json:"model,omitempty"`
	MCPServers []string          `json:"mcpServers,omitempty"`
	Skills     []string          `json:"skills,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"` // free-form string attributes, e.g. legacy droidClass/unitClass
}

// Edge is a directed reference between two node ids within the same mission.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Mission is an immutable (once saved, except via explicit edit) DAG of nodes.
type Mission struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Nodes       []Node            `json:"nodes"`
	Edges       []Edge            `json:"edges"`
	Context     map[string]string `json:"context"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Template is a reusable, parameterized mission blueprint. It shares the
// storage and CRUD contract with Mission but is never executed directly —
// RunFromTemplate (out of the core's scope; a wizard/UI concern) would
// materialize a Mission from one.
type Template struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Nodes       []Node            `json:"nodes"`
	Edges       []Edge            `json:"edges"`
	Context     map[string]string `json:"context"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Message is one entry in a Run's append-only log.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"nodeId,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
}

// NodeState is the engine's mutable view of one node within one run.
// Fields prefixed with an underscore are private edge-detection state used
// only by the poller and are never read by callers outside the engine.
type NodeState struct {
	Status       NodeStatus `json:"status"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	RetryCount   int        `json:"retryCount"`
	AgentID      string     `json:"agentId,omitempty"`
	Output       string     `json:"output,omitempty"`
	Error        string     `json:"error,omitempty"`
	Files        []string   `json:"files"`

	LastTaskFileStatus string `json:"_lastTaskFileStatus,omitempty"`
	LastActiveForm     string `json:"_lastActiveForm,omitempty"`
	LastMsgCount       int    `json:"_lastMsgCount,omitempty"`
}

// Summary is produced once, on run completion, by the engine (see Engine
// "Run summary" design notes).
type Summary struct {
	TotalFiles     int                 `json:"totalFiles"`
	Files          []string            `json:"files"`
	Workdir        string              `json:"workdir"`
	NodeFileMap    map[string][]string `json:"nodeFileMap"`
	SetupHints     []string            `json:"setupHints"`
	Dirs           []string            `json:"dirs"`
	NodesCompleted int                 `json:"nodesCompleted"`
	NodesTotal     int                 `json:"nodesTotal"`
	CompletedAt    time.Time           `json:"completedAt"`
}

// Run is one execution of a mission.
type Run struct {
	ID          string                `json:"id"`
	MissionID   string                `json:"missionId"`
	Status      RunStatus             `json:"status"`
	StartedAt   time.Time             `json:"startedAt"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
	Error       string                `json:"error,omitempty"`
	Workdir     string                `json:"workdir,omitempty"`
	NodeStates  map[string]*NodeState `json:"nodeStates"`
	Messages    []Message             `json:"messages"`
	Summary     *Summary              `json:"summary,omitempty"`
}

// TaskStatus is the status vocabulary used on the provider<->engine
// filesystem interchange file. It is deliberately a superset of NodeStatus
// (it also carries "pending"/"in_progress"/"error" in the provider's own
// lowercase vocabulary) because it is written by the provider, which does
// not know about the engine's state machine.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskError      TaskStatus = "error"
)

// TaskFile is the on-disk interchange format between provider and engine.
// The provider writes it; the engine only ever reads it.
type TaskFile struct {
	ID          string     `json:"id"`
	Subject     string     `json:"subject"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Owner       string     `json:"owner"`
	BlockedBy   []string   `json:"blockedBy,omitempty"`
	Blocks      []string   `json:"blocks,omitempty"`
	Siblings    []string   `json:"siblings,omitempty"`
	Peers       map[string]string `json:"peers,omitempty"`
	ActiveForm  string     `json:"activeForm,omitempty"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	Messages    []Message  `json:"messages,omitempty"`
}
