package engine

import (
	"regexp"

	"github.com/fenwick-labs/missiond/internal/mission"
)

// placeholderPattern matches both {context.KEY} and {NODEID.output} in a
// single pass. Spec.md §4.1 "Prompt template resolution": "The search is a
// single top-to-bottom pass; nested expansions are not performed."
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_-]+)\.([a-zA-Z0-9_-]+)\}`)

// resolvePrompt expands {context.KEY} -> context[KEY] and
// {NODEID.output} -> the completed parent's output. Unresolved
// placeholders (unknown context key, unknown/incomplete node id) are left
// verbatim — the spec forbids both panicking and stripping them.
func resolvePrompt(template string, context map[string]string, states map[string]*mission.NodeState) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		scope, key := groups[1], groups[2]

		if scope == "context" {
			if v, ok := context[key]; ok {
				return v
			}
			return match
		}

		if key == "output" {
			if ns, ok := states[scope]; ok && ns.Status == mission.NodeStatusCompleted {
				return ns.Output
			}
		}
		return match
	})
}
