package provider

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fenwick-labs/missiond/internal/mission"
	"github.com/fenwick-labs/missiond/internal/missionerr"
)

const (
	// spawnVerifyWindow is how long ExecuteNode waits for an early
	// "error" event (e.g. command-not-found) before treating the spawn
	// as successful. Spec.md §4.3 "Spawn verification".
	spawnVerifyWindow = 300 * time.Millisecond

	// abortGrace is how long AbortNode waits after SIGTERM before
	// escalating to SIGKILL. Spec.md §4.3 "AbortNode".
	abortGrace = 5 * time.Second

	// activeFormThrottle coalesces activeForm updates to at most one
	// per node per this interval. Spec.md §4.3 step 2.
	activeFormThrottle = 500 * time.Millisecond
)

// envUnsetVar is the environment variable the agent checks for
// *existence*, not value — it must be deleted from the child's
// environment, never set to "". Preserving this distinction resolves
// one of the spec's "open questions / likely source bugs" (§9): one
// version of the teacher's provider set CLAUDECODE='' instead of
// deleting it, which the agent does not honor.
const envUnsetVar = "CLAUDECODE"

// agentProc tracks one running (or just-exited) agent process.
type agentProc struct {
	mu         sync.Mutex
	cmd        *exec.Cmd
	pid        int
	alive      bool
	lastActive time.Time // last activeForm coalescing time
	output     string    // captured from the last "result" stream event
}

// ClaudeCodeProvider spawns Claude Code as the external agent CLI and
// implements the provider<->engine filesystem protocol. Grounded on the
// teacher's internal/daemon/pool.go (spawn/track/reap lifecycle),
// jsonl_claude.go (stdout parsing), eventbuf.go (ring buffer), and
// agent_kill.go (signal escalation).
type ClaudeCodeProvider struct {
	baseDir string
	command string // binary name, e.g. "claude"

	mu     sync.RWMutex
	agents map[AgentID]*agentProc

	buf *ChunkBuffer
	log *zap.Logger
}

// NewClaudeCodeProvider constructs a provider rooted at baseDir (the
// well-known directory root, spec.md §6) that spawns `command` as the
// agent CLI.
func NewClaudeCodeProvider(baseDir, command string, log *zap.Logger) *ClaudeCodeProvider {
	if command == "" {
		command = "claude"
	}
	return &ClaudeCodeProvider{
		baseDir: baseDir,
		command: command,
		agents:  make(map[AgentID]*agentProc),
		buf:     NewChunkBuffer(),
		log:     log,
	}
}

func (p *ClaudeCodeProvider) Info() Info {
	return Info{
		Name: "claude-code",
		SupportedAgentTypes: []string{
			"Plan", "Explore", "general-purpose", "code-implementer",
			"code-reviewer", "security-reviewer", "architect",
			"refactor-cleaner", "Bash",
		},
	}
}

func (p *ClaudeCodeProvider) IsAvailable() bool {
	_, err := exec.LookPath(p.command)
	return err == nil
}

func (p *ClaudeCodeProvider) InitializeTeam(runID string, m *mission.Mission) error {
	return writeTeamConfig(p.baseDir, runID, m)
}

func (p *ClaudeCodeProvider) IsProcessAlive(id AgentID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ap, ok := p.agents[id]
	if !ok {
		return false
	}
	ap.mu.Lock()
	defer ap.mu.Unlock()
	return ap.alive
}

// buildArgs constructs the command line for the agent CLI: stream-json
// output flags, the chosen model, optional MCP config, and the resolved
// prompt as the last argument. No allowed-tool list is passed.
func buildArgs(ec ExecContext) []string {
	args := []string{"--print", "--output-format", "stream-json"}
	if ec.Node.Model != "" {
		args = append(args, "--model", ec.Node.Model)
	}
	for _, mcp := range ec.Node.MCPServers {
		args = append(args, "--mcp-config", mcp)
	}
	args = append(args, ec.Prompt)
	return args
}

// ExecuteNode spawns the agent process for the node and returns
// immediately with its agent id. See spec.md §4.3 for the spawn
// verification contract this implements.
func (p *ClaudeCodeProvider) ExecuteNode(ctx context.Context, ec ExecContext) (AgentID, error) {
	agentID := AgentID(ec.RunID + "/" + ec.Node.ID)

	if err := writeTaskFile(p.baseDir, ec.RunID, mission.TaskFile{
		ID:      ec.Node.ID,
		Subject: ec.Node.Label,
		Status:  mission.TaskInProgress,
		Owner:   ec.Node.ID,
	}); err != nil {
		return "", fmt.Errorf("write initial task file: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.command, buildArgs(ec)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	env := os.Environ()
	filtered := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, envUnsetVar+"=") {
			continue
		}
		filtered = append(filtered, kv)
	}
	cmd.Env = filtered

	if ec.Workdir != "" {
		if info, err := os.Stat(ec.Workdir); err == nil && info.IsDir() {
			cmd.Dir = ec.Workdir
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = p.failTaskFile(ec.RunID, ec.Node.ID, fmt.Sprintf("spawn failed: %v", err))
		return "", fmt.Errorf("spawn agent: %w", err)
	}

	ap := &agentProc{cmd: cmd, pid: cmd.Process.Pid, alive: true}
	p.mu.Lock()
	p.agents[agentID] = ap
	p.mu.Unlock()

	earlyErr := make(chan string, 1)
	done := make(chan struct{})

	go p.streamStdout(agentID, ec.RunID, stdout, earlyErr)
	go p.streamStderr(agentID, ec.RunID, stderr)
	go func() {
		defer close(done)
		p.reap(agentID, ec.RunID, cmd)
	}()

	select {
	case msg := <-earlyErr:
		_ = p.failTaskFile(ec.RunID, ec.Node.ID, msg)
		return "", fmt.Errorf("%w: %s", missionerr.ErrSpawnError, msg)
	case <-time.After(spawnVerifyWindow):
		return agentID, nil
	case <-done:
		// Process already exited within the verification window; the
		// reap goroutine already wrote the terminal task file.
		return agentID, nil
	}
}

// streamStdout reads stdout line by line as JSON events (spec.md §4.3
// step 2), pushing raw lines into the ring buffer and throttling
// activeForm updates. If an "error" event arrives, it is sent on
// earlyErr exactly once (used by ExecuteNode's spawn verification).
func (p *ClaudeCodeProvider) streamStdout(id AgentID, runID string, r io.Reader, earlyErr chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var lastActive time.Time

	for scanner.Scan() {
		line := scanner.Bytes()
		p.buf.Push(id, string(line))

		ev, ok := parseStreamLine(line)
		if !ok {
			continue // unparseable line, silently skipped per spec
		}

		switch ev.Type {
		case "error":
			select {
			case earlyErr <- "agent reported an error event":
			default:
			}
		case "assistant":
			for _, block := range ev.Message.Content {
				if block.Type != "text" {
					continue
				}
				if time.Since(lastActive) < activeFormThrottle {
					continue
				}
				lastActive = time.Now()
				_ = p.updateActiveForm(runID, id, lastN(block.Text, 200))
			}
		case "result":
			p.mu.RLock()
			ap := p.agents[id]
			p.mu.RUnlock()
			if ap != nil {
				ap.mu.Lock()
				ap.output = ev.Result
				ap.mu.Unlock()
			}
		}
	}
}

// streamStderr streams stderr as short, non-fatal activeForm updates
// (spec.md §4.3 step 3, capped at 80 chars).
func (p *ClaudeCodeProvider) streamStderr(id AgentID, runID string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.buf.Push(id, line)
		if line == "" {
			continue
		}
		_ = p.updateActiveForm(runID, id, truncate(line, 80))
	}
}

func (p *ClaudeCodeProvider) updateActiveForm(runID string, id AgentID, text string) error {
	nodeID := nodeIDFromAgentID(id)
	tf, ok, err := readTaskFile(p.baseDir, runID, nodeID)
	if err != nil || !ok {
		return err
	}
	tf.ActiveForm = truncate(text, 100)
	return writeTaskFile(p.baseDir, runID, tf)
}

// reap waits for the process to exit and writes the terminal task file
// (spec.md §4.3 step 4). If the existing task file cannot be
// read/updated, a minimal completion file is written instead,
// preserving id and setting status/output/error.
func (p *ClaudeCodeProvider) reap(id AgentID, runID string, cmd *exec.Cmd) {
	err := cmd.Wait()

	p.mu.RLock()
	ap := p.agents[id]
	p.mu.RUnlock()
	var capturedOutput string
	if ap != nil {
		ap.mu.Lock()
		ap.alive = false
		capturedOutput = ap.output
		ap.mu.Unlock()
	}

	nodeID := nodeIDFromAgentID(id)
	tf, ok, readErr := readTaskFile(p.baseDir, runID, nodeID)
	if readErr != nil || !ok {
		tf = mission.TaskFile{ID: nodeID, Owner: nodeID}
	}

	if err == nil {
		tf.Status = mission.TaskCompleted
		tf.Output = capturedOutput
	} else {
		tf.Status = mission.TaskFailed
		if exitErr, isExit := err.(*exec.ExitError); isExit {
			tf.Error = fmt.Sprintf("Process exited with code %d", exitErr.ExitCode())
		} else {
			tf.Error = err.Error()
		}
	}
	_ = writeTaskFile(p.baseDir, runID, tf)
	p.buf.Release(id)
}

func (p *ClaudeCodeProvider) failTaskFile(runID, nodeID, errMsg string) error {
	return writeTaskFile(p.baseDir, runID, mission.TaskFile{
		ID:     nodeID,
		Owner:  nodeID,
		Status: mission.TaskFailed,
		Error:  errMsg,
	})
}

// AbortNode sends SIGTERM to the process group (the process is always
// the group leader, spawned with Setsid: true), waits abortGrace, then
// escalates to SIGKILL. Idempotent: an agent that is no longer tracked
// (or already exited) is sent no signal, and in every case the task file
// is (re)written as failed with "Aborted by user", matching spec.md's
// "Aborts are idempotent" failure-semantics note.
func (p *ClaudeCodeProvider) AbortNode(runID, nodeID string) error {
	agentID := AgentID(runID + "/" + nodeID)

	p.mu.RLock()
	ap, ok := p.agents[agentID]
	p.mu.RUnlock()

	if ok {
		ap.mu.Lock()
		pid, alive := ap.pid, ap.alive
		ap.mu.Unlock()

		if alive && pid > 0 {
			// Negative pid targets the whole process group.
			if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
				p.log.Warn("abort: SIGTERM failed", zap.String("agent_id", string(agentID)), zap.Error(err))
			}
			go func() {
				time.Sleep(abortGrace)
				ap.mu.Lock()
				stillAlive := ap.alive
				ap.mu.Unlock()
				if stillAlive {
					_ = syscall.Kill(-pid, syscall.SIGKILL)
				}
			}()
		}
	}

	return writeTaskFile(p.baseDir, runID, mission.TaskFile{
		ID:     nodeID,
		Owner:  nodeID,
		Status: mission.TaskFailed,
		Error:  "Aborted by user",
	})
}

// CleanupRun removes the run's team and task directories. This is
// idempotent: removing already-absent directories is not an error.
func (p *ClaudeCodeProvider) CleanupRun(runID string) error {
	return removeRunDirs(p.baseDir, runID)
}

// Chunks exposes an agent's buffered stdout/stderr chunks, for UI tailing.
func (p *ClaudeCodeProvider) Chunks(id AgentID) []string {
	return p.buf.Chunks(id)
}

// SweepIdleBuffers reclaims ring buffers for agents that have not
// produced output recently (SPEC_FULL.md §12 supplemented feature).
func (p *ClaudeCodeProvider) SweepIdleBuffers() int {
	return p.buf.SweepIdle()
}

func nodeIDFromAgentID(id AgentID) string {
	s := string(id)
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}
