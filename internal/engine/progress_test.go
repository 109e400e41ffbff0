package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/missiond/internal/mission"
)

func TestBuildProgressComputesPercentAndCounts(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	completed := started.Add(30 * time.Second)
	run := &mission.Run{
		ID:     "run-1",
		Status: mission.RunStatusRunning,
		NodeStates: map[string]*mission.NodeState{
			"a": {Status: mission.NodeStatusCompleted, StartedAt: &started, CompletedAt: &completed, Output: "done", Files: []string{"x"}},
			"b": {Status: mission.NodeStatusRunning, StartedAt: &started},
		},
	}

	p := buildProgress(run, map[string]string{"a": "Plan", "b": "Build"})
	require.Equal(t, "run-1", p.RunID)
	require.Equal(t, 1, p.StatusCounts[mission.NodeStatusCompleted])
	require.Equal(t, 1, p.StatusCounts[mission.NodeStatusRunning])
	require.Equal(t, 50.0, p.PercentDone)
	require.Len(t, p.Nodes, 2)
	require.Equal(t, "a", p.Nodes[0].NodeID)
	require.Equal(t, "Plan", p.Nodes[0].Label)
	require.True(t, p.Nodes[0].HasOutput)
	require.Equal(t, 1, p.Nodes[0].FileCount)
	require.Equal(t, int64(30000), p.Nodes[0].DurationMS)
}

func TestBuildProgressFallsBackToNodeIDWhenLabelMissing(t *testing.T) {
	run := &mission.Run{NodeStates: map[string]*mission.NodeState{"solo": {Status: mission.NodeStatusPending}}}
	p := buildProgress(run, nil)
	require.Equal(t, "solo", p.Nodes[0].Label)
}
