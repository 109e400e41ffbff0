package provider

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fenwick-labs/missiond/internal/atomicfile"
	"github.com/fenwick-labs/missiond/internal/mission"
)

// teamName derives the team directory name for a run, per spec.md §4.4:
// "The team name prefix run-* indicates a mission run."
func teamName(runID string) string {
	return "run-" + runID
}

func teamConfigPath(baseDir, runID string) string {
	return filepath.Join(baseDir, "teams", teamName(runID), "config.json")
}

func taskFilePath(baseDir, runID, nodeID string) string {
	return filepath.Join(baseDir, "tasks", teamName(runID), nodeID+".json")
}

// teamConfig is the on-disk shape written once per run at teams/run-<runID>/config.json.
type teamConfig struct {
	Members []string `json:"members"`
}

func writeTeamConfig(baseDir, runID string, m *mission.Mission) error {
	path := teamConfigPath(baseDir, runID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir team dir: %w", err)
	}
	cfg := teamConfig{Members: make([]string, 0, len(m.Nodes))}
	for _, n := range m.Nodes {
		cfg.Members = append(cfg.Members, n.ID)
	}
	return atomicfile.WriteJSON(path, cfg)
}

func writeTaskFile(baseDir, runID string, tf mission.TaskFile) error {
	path := taskFilePath(baseDir, runID, tf.Owner)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("mkdir task dir: %w", err)
	}
	return atomicfile.WriteJSON(path, tf)
}

func readTaskFile(baseDir, runID, nodeID string) (mission.TaskFile, bool, error) {
	var tf mission.TaskFile
	ok, err := atomicfile.ReadJSON(taskFilePath(baseDir, runID, nodeID), &tf)
	return tf, ok, err
}

// ReadTaskFile exposes the provider<->engine task-file read for the engine's
// poller. The task file's location is fixed by the on-disk protocol
// (spec.md §6) regardless of which concrete Provider wrote it, so this is a
// package-level function rather than a method on ClaudeCodeProvider.
func ReadTaskFile(baseDir, runID, nodeID string) (mission.TaskFile, bool, error) {
	return readTaskFile(baseDir, runID, nodeID)
}

// RelayMessage appends msg to the owning node's task file inline message
// log, creating the task file if necessary. Used by Engine.RelayMessage to
// satisfy spec.md §4.1 "message appended to target node's task file and
// run log".
func RelayMessage(baseDir, runID, nodeID string, msg mission.Message) error {
	tf, ok, err := readTaskFile(baseDir, runID, nodeID)
	if err != nil {
		return err
	}
	if !ok {
		tf = mission.TaskFile{ID: nodeID, Owner: nodeID, Status: mission.TaskPending}
	}
	tf.Messages = append(tf.Messages, msg)
	return writeTaskFile(baseDir, runID, tf)
}

// TeamDirs returns the team config and task directories for a run, for
// components (the team watcher) that need to stat/remove them directly
// without going through a specific Provider instance.
func TeamDirs(baseDir, runID string) (teamDir, taskDir string) {
	return filepath.Dir(teamConfigPath(baseDir, runID)), filepath.Join(baseDir, "tasks", teamName(runID))
}

// TeamConfigPath returns the path to a run's team config.json.
func TeamConfigPath(baseDir, runID string) string {
	return teamConfigPath(baseDir, runID)
}

// ReadTeamConfig reads a team's member list from teams/<name>/config.json.
func ReadTeamConfig(path string) (members []string, ok bool, err error) {
	var cfg teamConfig
	ok, err = atomicfile.ReadJSON(path, &cfg)
	return cfg.Members, ok, err
}

// removeRunDirs deletes the team and task directories for a run. Safe to
// call on a run whose directories were already removed (idempotent).
func removeRunDirs(baseDir, runID string) error {
	if err := os.RemoveAll(filepath.Join(baseDir, "teams", teamName(runID))); err != nil {
		return fmt.Errorf("remove team dir: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(baseDir, "tasks", teamName(runID))); err != nil {
		return fmt.Errorf("remove task dir: %w", err)
	}
	return nil
}
