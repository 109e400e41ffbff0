package engine

import (
	"sort"
	"time"

	"github.com/fenwick-labs/missiond/internal/mission"
)

// NodeProgress is one node's contribution to GetProgress (spec.md §4.1
// "GetProgress" — "per-node {status, durations, retries, hasOutput,
// fileCount}").
type NodeProgress struct {
	NodeID     string            `json:"nodeId"`
	Label      string            `json:"label"`
	Status     mission.NodeStatus `json:"status"`
	DurationMS int64             `json:"durationMs"`
	Retries    int               `json:"retries"`
	HasOutput  bool              `json:"hasOutput"`
	FileCount  int               `json:"fileCount"`
}

// Progress is the structured summary returned by GetProgress.
type Progress struct {
	RunID        string                   `json:"runId"`
	Status       mission.RunStatus        `json:"status"`
	StatusCounts map[mission.NodeStatus]int `json:"statusCounts"`
	Nodes        []NodeProgress           `json:"nodes"`
	PercentDone  float64                  `json:"percent"`
}

// buildProgress computes per-status counts, per-node detail, and an
// overall completion percent (completed nodes / total nodes) from a run's
// current node states.
func buildProgress(run *mission.Run, labelByNode map[string]string) *Progress {
	counts := make(map[mission.NodeStatus]int)
	nodes := make([]NodeProgress, 0, len(run.NodeStates))

	ids := make([]string, 0, len(run.NodeStates))
	for id := range run.NodeStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	completed := 0
	for _, id := range ids {
		ns := run.NodeStates[id]
		counts[ns.Status]++
		if ns.Status == mission.NodeStatusCompleted {
			completed++
		}

		var durationMS int64
		if ns.StartedAt != nil {
			end := time.Now()
			if ns.CompletedAt != nil {
				end = *ns.CompletedAt
			}
			durationMS = end.Sub(*ns.StartedAt).Milliseconds()
		}

		label := labelByNode[id]
		if label == "" {
			label = id
		}
		nodes = append(nodes, NodeProgress{
			NodeID:     id,
			Label:      label,
			Status:     ns.Status,
			DurationMS: durationMS,
			Retries:    ns.RetryCount,
			HasOutput:  ns.Output != "",
			FileCount:  len(ns.Files),
		})
	}

	var pct float64
	if len(run.NodeStates) > 0 {
		pct = float64(completed) / float64(len(run.NodeStates)) * 100
	}

	return &Progress{
		RunID:        run.ID,
		Status:       run.Status,
		StatusCounts: counts,
		Nodes:        nodes,
		PercentDone:  pct,
	}
}
