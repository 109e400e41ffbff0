package engine

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fenwick-labs/missiond/internal/mission"
)

func writeFile(t *testing.T, dir, rel string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestSnapshotWorkdirSkipsDotfilesAndNodeModules(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "src/main.go")
	writeFile(t, dir, ".git/HEAD")
	writeFile(t, dir, "node_modules/pkg/index.js")

	files, ok := snapshotWorkdir(dir)
	require.True(t, ok)
	require.True(t, files["src/main.go"])
	require.False(t, files["node_modules/pkg/index.js"])
	for f := range files {
		require.False(t, filepath.HasPrefix(f, "."))
	}
}

func TestDiffSnapshotsReturnsOnlyAddedFiles(t *testing.T) {
	pre := map[string]bool{"a.go": true}
	post := map[string]bool{"a.go": true, "b.go": true}

	added, ok := diffSnapshots(pre, post, true, true)
	require.True(t, ok)
	require.Equal(t, []string{"b.go"}, added)
}

func TestDiffSnapshotsAbandonsWhenEitherSideOverflowed(t *testing.T) {
	_, ok := diffSnapshots(nil, map[string]bool{"a": true}, false, true)
	require.False(t, ok)
}

func TestBuildSummaryAggregatesFilesAndHints(t *testing.T) {
	nodeStates := map[string]*mission.NodeState{
		"build": {Status: mission.NodeStatusCompleted, Files: []string{"package.json", "src/index.js"}},
		"test":  {Status: mission.NodeStatusCompleted, Files: []string{"src/index.js"}},
	}
	labels := map[string]string{"build": "Build", "test": "Test"}

	s := buildSummary("/tmp/work", labels, nodeStates, time.Unix(0, 0))
	require.Equal(t, 2, s.TotalFiles)
	require.Equal(t, []string{"package.json", "src/index.js"}, s.Files)
	require.Contains(t, s.SetupHints, "npm install")
	require.Equal(t, 2, s.NodesCompleted)
	require.Equal(t, 2, s.NodesTotal)
	require.ElementsMatch(t, []string{"package.json", "src/index.js"}, s.NodeFileMap["Build"])
}

func TestBuildSummaryCapsFileCount(t *testing.T) {
	var files []string
	for i := 0; i < summaryFileCap+10; i++ {
		files = append(files, filepath.Join("gen", strconv.Itoa(i), "file.txt"))
	}
	nodeStates := map[string]*mission.NodeState{"n": {Status: mission.NodeStatusCompleted, Files: files}}
	s := buildSummary("/tmp/work", nil, nodeStates, time.Unix(0, 0))
	require.LessOrEqual(t, len(s.Files), summaryFileCap)
}
