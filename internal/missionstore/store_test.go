package missionstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/missiond/internal/mission"
	"github.com/fenwick-labs/missiond/internal/missionerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func sampleMission(id string) mission.Mission {
	return mission.Mission{
		ID:   id,
		Name: "demo",
		Nodes: []mission.Node{
			{ID: "a", Label: "A", AgentType: "general-purpose", Config: mission.NodeConfig{Retries: 1}},
			{ID: "b", Label: "B", AgentType: "general-purpose", Config: mission.NodeConfig{Retries: 1}},
		},
		Edges:   []mission.Edge{{From: "a", To: "b"}},
		Context: map[string]string{"workdir": "/tmp/demo"},
	}
}

func TestMissionRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	created, err := s.CreateMission(sampleMission("m1"))
	require.NoError(t, err)
	require.False(t, created.CreatedAt.IsZero())

	got, err := s.GetMission("m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "demo", got.Name)
	require.Equal(t, created.Nodes, got.Nodes)
	require.Equal(t, created.Edges, got.Edges)
}

func TestGetMissionMissingReturnsNilNotError(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.GetMission("does-not-exist")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDeleteMissionMissingReturnsFalse(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	ok, err := s.DeleteMission("nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSanitizeIDRejectsTraversal(t *testing.T) {
	t.Parallel()
	require.Panics(t, func() { SanitizeID("../../etc/passwd") })
	require.Panics(t, func() { SanitizeID("a/b") })
	require.Panics(t, func() { SanitizeID("") })
}

func TestLegacyDroidClassMigratesToUnitClass(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	m := sampleMission("m2")
	m.Nodes[0].Extra = map[string]string{"droidClass": "worker"}
	_, err := s.CreateMission(m)
	require.NoError(t, err)

	got, err := s.GetMission("m2")
	require.NoError(t, err)
	require.Equal(t, "worker", got.Nodes[0].Extra["unitClass"])
}

func TestCreateRunInitializesEveryNodePending(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	m := sampleMission("m3")
	run, err := s.CreateRun("r1", &m, "/tmp/work", nil)
	require.NoError(t, err)
	require.Equal(t, mission.RunStatusRunning, run.Status)
	require.Len(t, run.NodeStates, 2)
	for _, ns := range run.NodeStates {
		require.Equal(t, mission.NodeStatusPending, ns.Status)
	}
}

func TestUpdateNodeStateMergesPatch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	m := sampleMission("m4")
	_, err := s.CreateRun("r2", &m, "/tmp/work", nil)
	require.NoError(t, err)

	_, err = s.UpdateNodeState("r2", "a", mission.NodeState{Status: mission.NodeStatusRunning, AgentID: "r2/a"})
	require.NoError(t, err)

	run, err := s.GetRun("r2")
	require.NoError(t, err)
	require.Equal(t, mission.NodeStatusRunning, run.NodeStates["a"].Status)
	require.Equal(t, "r2/a", run.NodeStates["a"].AgentID)
	// node b untouched
	require.Equal(t, mission.NodeStatusPending, run.NodeStates["b"].Status)
}

func TestUpdateNodeStateUnknownNodeIsNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	m := sampleMission("m5")
	_, err := s.CreateRun("r3", &m, "", nil)
	require.NoError(t, err)

	_, err = s.UpdateNodeState("r3", "does-not-exist", mission.NodeState{Status: mission.NodeStatusRunning})
	require.ErrorIs(t, err, missionerr.ErrNotFound)
}

func TestAddRunMessageAppendsWithServerTimestamp(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	m := sampleMission("m6")
	_, err := s.CreateRun("r4", &m, "", nil)
	require.NoError(t, err)

	_, err = s.AddRunMessage("r4", mission.Message{Role: "overseer", Content: "hello"})
	require.NoError(t, err)

	run, err := s.GetRun("r4")
	require.NoError(t, err)
	require.Len(t, run.Messages, 1)
	require.False(t, run.Messages[0].Timestamp.IsZero())
	require.Equal(t, "hello", run.Messages[0].Content)
}

func TestListRunsFiltersByMissionID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	m1 := sampleMission("ma")
	m2 := sampleMission("mb")
	_, err := s.CreateRun("ra", &m1, "", nil)
	require.NoError(t, err)
	_, err = s.CreateRun("rb", &m2, "", nil)
	require.NoError(t, err)

	filtered, err := s.ListRuns("ma")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, "ra", filtered[0].ID)

	all, err := s.ListRuns("")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestAtomicWriteNoPartialFileVisible(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	_, err = s.CreateMission(sampleMission("mx"))
	require.NoError(t, err)

	entries, err := filepath.Glob(filepath.Join(dir, "missions", "defs", "*"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "mx.json", filepath.Base(entries[0]))
}
