package engine

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fenwick-labs/missiond/internal/mission"
)

// snapshotFileLimit is the hard ceiling on files considered per workdir
// snapshot. Beyond it, diffing is abandoned silently rather than
// allocating without bound (spec.md §4.1 "Run summary").
const snapshotFileLimit = 10000

// summaryFileCap bounds the total deduplicated file list in the final
// summary (spec.md §4.1 "totalFiles, files[] (capped at 100, deduplicated)").
const summaryFileCap = 100

// excludedDirs are skipped entirely when walking a workdir, alongside any
// dotfile/dotdir (spec.md §4.1 "Snapshots ignore dotfiles and a known
// exclusion set (node_modules)").
var excludedDirs = map[string]bool{"node_modules": true}

// snapshotWorkdir lists every regular file under dir, relative to dir,
// skipping dotfiles/dotdirs and excludedDirs. If more than
// snapshotFileLimit files would be produced, it returns (nil, false) —
// callers must treat false as "abandon diffing for this node", not as an
// error.
func snapshotWorkdir(dir string) (files map[string]bool, ok bool) {
	if dir == "" {
		return nil, true
	}
	files = make(map[string]bool)
	walkErr := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best-effort: skip unreadable entries
		}
		if path == dir {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if excludedDirs[name] {
				return filepath.SkipDir
			}
			return nil
		}
		if len(files) >= snapshotFileLimit {
			return errTooManyFiles
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		files[filepath.ToSlash(rel)] = true
		return nil
	})
	if walkErr == errTooManyFiles {
		return nil, false
	}
	return files, true
}

var errTooManyFiles = errSentinel("workdir snapshot exceeds the file limit")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }

// diffSnapshots returns files present in post but not in pre, sorted for
// determinism. If either snapshot was abandoned (ok=false), it returns
// (nil, false) and the node records no files, per spec.
func diffSnapshots(pre, post map[string]bool, preOK, postOK bool) ([]string, bool) {
	if !preOK || !postOK {
		return nil, false
	}
	var added []string
	for f := range post {
		if !pre[f] {
			added = append(added, f)
		}
	}
	sort.Strings(added)
	return added, true
}

// setupHintByFile maps a well-known filename to the shell command a human would
// run to set the project up, per spec.md §4.1 "Run summary".
var setupHintByFile = []struct {
	file string
	hint string
}{
	{"package.json", "npm install"},
	{"requirements.txt", "pip install -r requirements.txt"},
	{"Gemfile", "bundle install"},
	{"go.mod", "go mod download"},
}

var setupHintByRunFile = []struct {
	file string
	hint string
}{
	{"server.js", "node server.js"},
	{"index.js", "node server.js"},
}

// buildSummary aggregates each node's already-diffed Files list (populated
// at node-completion time, see poller.go) into the run-completion summary
// (spec.md §4.1 "Run summary"). labelByNode maps node id -> display label
// for the nodeFileMap key.
func buildSummary(workdir string, labelByNode map[string]string, nodeStates map[string]*mission.NodeState, now time.Time) mission.Summary {
	seen := make(map[string]bool)
	var allFiles []string
	nodeFileMap := make(map[string][]string)
	dirSet := make(map[string]bool)
	hintSet := make(map[string]bool)
	var hints []string
	nodesCompleted := 0

	// Deterministic node iteration order for nodeFileMap/hints.
	ids := make([]string, 0, len(nodeStates))
	for id := range nodeStates {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ns := nodeStates[id]
		if ns.Status == mission.NodeStatusCompleted {
			nodesCompleted++
		}
		if len(ns.Files) == 0 {
			continue
		}
		label := labelByNode[id]
		if label == "" {
			label = id
		}
		nodeFileMap[label] = append(nodeFileMap[label], ns.Files...)

		for _, f := range ns.Files {
			if !seen[f] {
				seen[f] = true
				if len(allFiles) < summaryFileCap {
					allFiles = append(allFiles, f)
				}
			}
			if dir := filepath.Dir(f); dir != "." {
				dirSet[dir] = true
			}
			base := filepath.Base(f)
			for _, h := range setupHintByFile {
				if base == h.file && !hintSet[h.hint] {
					hintSet[h.hint] = true
					hints = append(hints, h.hint)
				}
			}
			for _, h := range setupHintByRunFile {
				if base == h.file && !hintSet[h.hint] {
					hintSet[h.hint] = true
					hints = append(hints, h.hint)
				}
			}
		}
	}

	sort.Strings(allFiles)
	dirs := make([]string, 0, len(dirSet))
	for d := range dirSet {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	return mission.Summary{
		TotalFiles:     len(allFiles),
		Files:          allFiles,
		Workdir:        workdir,
		NodeFileMap:    nodeFileMap,
		SetupHints:     hints,
		Dirs:           dirs,
		NodesCompleted: nodesCompleted,
		NodesTotal:     len(nodeStates),
		CompletedAt:    now,
	}
}
