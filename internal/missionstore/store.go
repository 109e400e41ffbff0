// Package missionstore provides crash-safe, concurrency-safe persistence
// of mission definitions, templates, and run records, each as a single
// JSON file keyed by id under a dedicated subdirectory of the well-known
// directory root (spec.md §6).
//
// Grounded on the teacher's internal/sessions/store.go: the same
// read-lock-modify-atomic-write shape, generalized from one file
// (sessions.json) to three collections (defs/, templates/, runs/) each
// keyed by id rather than a single flat list.
package missionstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/fenwick-labs/missiond/internal/atomicfile"
	"github.com/fenwick-labs/missiond/internal/mission"
	"github.com/fenwick-labs/missiond/internal/missionerr"
)

// validID matches the restricted id charset the store accepts before a
// component is ever joined onto a filesystem path. Mirrors the teacher's
// validProjectName/validTaskID pattern in internal/daemon/config.go.
var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// SanitizeID verifies id is safe to use as a path component and returns
// it unchanged. Failing sanitization is a programmer error — per spec,
// callers must not construct ids from untrusted input without validating
// upstream (e.g. in a future HTTP layer), so this panics rather than
// silently truncating an attacker-controlled id like filepath.Base would.
func SanitizeID(id string) string {
	if id == "" || !validID.MatchString(id) || filepath.Base(id) != id {
		panic(fmt.Sprintf("missionstore: invalid id %q", id))
	}
	return id
}

// Store is the mission store. Safe for concurrent use.
type Store struct {
	baseDir string
	locks   *atomicfile.LockRegistry
}

// Open creates the store's subdirectories under baseDir if they do not
// already exist and returns a ready-to-use Store.
func Open(baseDir string) (*Store, error) {
	for _, sub := range []string{"missions/defs", "missions/templates", "missions/runs"} {
		if err := os.MkdirAll(filepath.Join(baseDir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return &Store{baseDir: baseDir, locks: atomicfile.NewLockRegistry()}, nil
}

func (s *Store) missionPath(id string) string {
	return filepath.Join(s.baseDir, "missions", "defs", SanitizeID(id)+".json")
}

func (s *Store) templatePath(id string) string {
	return filepath.Join(s.baseDir, "missions", "templates", SanitizeID(id)+".json")
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.baseDir, "missions", "runs", SanitizeID(id)+".json")
}

// --- Missions ---------------------------------------------------------

// GetMission returns the mission, or nil if it does not exist or fails to parse.
func (s *Store) GetMission(id string) (*mission.Mission, error) {
	path := s.missionPath(id)
	unlock := s.locks.Lock(path)
	defer unlock()

	var m mission.Mission
	ok, err := atomicfile.ReadJSON(path, &m)
	if err != nil {
		return nil, fmt.Errorf("read mission %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	migrateLegacyFields(&m)
	return &m, nil
}

// migrateLegacyFields copies a legacy droidClass field onto unitClass when
// the latter is absent, for nodes carried in m.Extra. This is a
// compatibility shim preserved verbatim in spirit from the spec's §4.2
// "Legacy key migration" contract; the teacher repo has no direct analog,
// so this is implemented straight from the spec text.
func migrateLegacyFields(m *mission.Mission) {
	for i := range m.Nodes {
		n := &m.Nodes[i]
		if n.Extra == nil {
			continue
		}
		if _, hasUnit := n.Extra["unitClass"]; !hasUnit {
			if legacy, hasLegacy := n.Extra["droidClass"]; hasLegacy {
				n.Extra["unitClass"] = legacy
			}
		}
	}
}

// ListMissions returns every saved mission, sorted by UpdatedAt descending.
func (s *Store) ListMissions() ([]*mission.Mission, error) {
	return listCollection[mission.Mission](s, filepath.Join(s.baseDir, "missions", "defs"), func(m *mission.Mission) time.Time { return m.UpdatedAt })
}

// CreateMission assigns timestamps and atomically writes a new mission.
func (s *Store) CreateMission(m mission.Mission) (*mission.Mission, error) {
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	path := s.missionPath(m.ID)
	unlock := s.locks.Lock(path)
	defer unlock()
	if err := atomicfile.WriteJSON(path, m); err != nil {
		return nil, fmt.Errorf("write mission %s: %w", m.ID, err)
	}
	return &m, nil
}

// UpdateMission replaces a mission's fields in place, bumping UpdatedAt.
// Returns missionerr.ErrNotFound if the mission does not exist.
func (s *Store) UpdateMission(id string, mutate func(*mission.Mission) error) (*mission.Mission, error) {
	path := s.missionPath(id)
	unlock := s.locks.Lock(path)
	defer unlock()

	var m mission.Mission
	ok, err := atomicfile.ReadJSON(path, &m)
	if err != nil {
		return nil, fmt.Errorf("read mission %s: %w", id, err)
	}
	if !ok {
		return nil, missionerr.ErrNotFound
	}
	if err := mutate(&m); err != nil {
		return nil, err
	}
	m.UpdatedAt = time.Now()
	if err := atomicfile.WriteJSON(path, m); err != nil {
		return nil, fmt.Errorf("write mission %s: %w", id, err)
	}
	return &m, nil
}

// DeleteMission removes the mission file. Returns false if it did not exist.
func (s *Store) DeleteMission(id string) (bool, error) {
	return deleteFile(s.locks, s.missionPath(id))
}

// --- Templates ----------------------------------------------------------

// GetTemplate returns the template, or nil if absent/unparsable.
func (s *Store) GetTemplate(id string) (*mission.Template, error) {
	path := s.templatePath(id)
	unlock := s.locks.Lock(path)
	defer unlock()
	var t mission.Template
	ok, err := atomicfile.ReadJSON(path, &t)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	return &t, nil
}

// ListTemplates returns every saved template, sorted by UpdatedAt descending.
func (s *Store) ListTemplates() ([]*mission.Template, error) {
	return listCollection[mission.Template](s, filepath.Join(s.baseDir, "missions", "templates"), func(t *mission.Template) time.Time { return t.UpdatedAt })
}

// CreateTemplate atomically writes a new template.
func (s *Store) CreateTemplate(t mission.Template) (*mission.Template, error) {
	t.UpdatedAt = time.Now()
	path := s.templatePath(t.ID)
	unlock := s.locks.Lock(path)
	defer unlock()
	if err := atomicfile.WriteJSON(path, t); err != nil {
		return nil, fmt.Errorf("write template %s: %w", t.ID, err)
	}
	return &t, nil
}

// DeleteTemplate removes the template file. Returns false if it did not exist.
func (s *Store) DeleteTemplate(id string) (bool, error) {
	return deleteFile(s.locks, s.templatePath(id))
}

// --- Runs -----------------------------------------------------------

// CreateRun initializes a new Run for missionID with every node PENDING.
func (s *Store) CreateRun(runID string, m *mission.Mission, workdir string, contextOverrides map[string]string) (*mission.Run, error) {
	states := make(map[string]*mission.NodeState, len(m.Nodes))
	for _, n := range m.Nodes {
		states[n.ID] = &mission.NodeState{Status: mission.NodeStatusPending, Files: []string{}}
	}

	run := mission.Run{
		ID:         runID,
		MissionID:  m.ID,
		Status:     mission.RunStatusRunning,
		StartedAt:  time.Now(),
		Workdir:    workdir,
		NodeStates: states,
		Messages:   []mission.Message{},
	}
	// contextOverrides is not persisted. The engine uses the overrides only
	// to pick the workdir passed in above; prompt resolution reads the
	// mission's own Context and does not see the overrides.
	_ = contextOverrides

	path := s.runPath(runID)
	unlock := s.locks.Lock(path)
	defer unlock()
	if err := atomicfile.WriteJSON(path, run); err != nil {
		return nil, fmt.Errorf("write run %s: %w", runID, err)
	}
	return &run, nil
}

// GetRun returns the run, or nil if it does not exist or fails to parse.
func (s *Store) GetRun(id string) (*mission.Run, error) {
	path := s.runPath(id)
	unlock := s.locks.Lock(path)
	defer unlock()
	var r mission.Run
	ok, err := atomicfile.ReadJSON(path, &r)
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", id, err)
	}
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// ListRuns returns every saved run, optionally filtered by missionID
// (empty string means no filter), sorted by StartedAt descending.
func (s *Store) ListRuns(missionID string) ([]*mission.Run, error) {
	all, err := listCollection[mission.Run](s, filepath.Join(s.baseDir, "missions", "runs"), func(r *mission.Run) time.Time { return r.StartedAt })
	if err != nil {
		return nil, err
	}
	if missionID == "" {
		return all, nil
	}
	filtered := make([]*mission.Run, 0, len(all))
	for _, r := range all {
		if r.MissionID == missionID {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

// UpdateRun performs a generic read-modify-write mutation of the run
// record under the run's file lock. Returns missionerr.ErrNotFound if the
// run does not exist.
func (s *Store) UpdateRun(runID string, mutate func(*mission.Run) error) (*mission.Run, error) {
	path := s.runPath(runID)
	unlock := s.locks.Lock(path)
	defer unlock()

	var r mission.Run
	ok, err := atomicfile.ReadJSON(path, &r)
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	if !ok {
		return nil, missionerr.ErrNotFound
	}
	if err := mutate(&r); err != nil {
		return nil, err
	}
	if err := atomicfile.WriteJSON(path, r); err != nil {
		return nil, fmt.Errorf("write run %s: %w", runID, err)
	}
	return &r, nil
}

// UpdateNodeState merges patch into the existing node state within a run,
// under the run-file lock. Unset (zero-value) string/slice fields in
// patch leave the current value untouched, except Status, which is
// always applied when non-empty.
func (s *Store) UpdateNodeState(runID, nodeID string, patch mission.NodeState) (*mission.Run, error) {
	return s.UpdateRun(runID, func(r *mission.Run) error {
		cur, ok := r.NodeStates[nodeID]
		if !ok {
			return fmt.Errorf("%w: node %s in run %s", missionerr.ErrNotFound, nodeID, runID)
		}
		if patch.Status != "" {
			cur.Status = patch.Status
		}
		if patch.StartedAt != nil {
			cur.StartedAt = patch.StartedAt
		}
		if patch.CompletedAt != nil {
			cur.CompletedAt = patch.CompletedAt
		}
		if patch.RetryCount != 0 {
			cur.RetryCount = patch.RetryCount
		}
		if patch.AgentID != "" {
			cur.AgentID = patch.AgentID
		}
		if patch.Output != "" {
			cur.Output = patch.Output
		}
		if patch.Error != "" {
			cur.Error = patch.Error
		}
		if patch.Files != nil {
			cur.Files = patch.Files
		}
		if patch.LastTaskFileStatus != "" {
			cur.LastTaskFileStatus = patch.LastTaskFileStatus
		}
		if patch.LastActiveForm != "" {
			cur.LastActiveForm = patch.LastActiveForm
		}
		if patch.LastMsgCount != 0 {
			cur.LastMsgCount = patch.LastMsgCount
		}
		return nil
	})
}

// AddRunMessage appends msg to the run's message log with a
// server-assigned timestamp.
func (s *Store) AddRunMessage(runID string, msg mission.Message) (*mission.Run, error) {
	return s.UpdateRun(runID, func(r *mission.Run) error {
		msg.Timestamp = time.Now()
		r.Messages = append(r.Messages, msg)
		return nil
	})
}

// UpdateRunSummary replaces the run's summary field.
func (s *Store) UpdateRunSummary(runID string, summary mission.Summary) (*mission.Run, error) {
	return s.UpdateRun(runID, func(r *mission.Run) error {
		r.Summary = &summary
		return nil
	})
}

// DeleteRun removes the run file. Returns false if it did not exist.
func (s *Store) DeleteRun(id string) (bool, error) {
	return deleteFile(s.locks, s.runPath(id))
}

// --- shared helpers -----------------------------------------------------

func deleteFile(locks *atomicfile.LockRegistry, path string) (bool, error) {
	unlock := locks.Lock(path)
	defer unlock()
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", path, err)
	}
	return true, nil
}

func listCollection[T any](s *Store, dir string, updatedAt func(*T) time.Time) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	out := make([]*T, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		unlock := s.locks.Lock(path)
		var v T
		ok, err := atomicfile.ReadJSON(path, &v)
		unlock()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, &v)
	}

	sort.Slice(out, func(i, j int) bool {
		return updatedAt(out[i]).After(updatedAt(out[j]))
	})
	return out, nil
}
