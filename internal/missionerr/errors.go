// Package missionerr defines the conceptual error taxonomy shared by the
// mission store, provider, engine, and team watcher. These are sentinel
// errors usable with errors.Is/errors.As; a future HTTP layer maps each
// to a status code without the engine knowing anything about HTTP.
package missionerr

import "errors"

var (
	// ErrNotFound — mission, run, node, or template does not exist. 404.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput — malformed id, missing required field, unknown
	// backend, invalid state transition (e.g. retry on a non-failed node). 400.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCycleDetected — mission DAG validation failure at run-start. 400.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrNoRootNodes — mission has nodes but no node with zero in-degree. 400.
	ErrNoRootNodes = errors.New("no root nodes")

	// ErrSpawnError — provider could not start the agent process.
	// Retriable per node policy; terminal as node failure if retries exhausted.
	ErrSpawnError = errors.New("spawn error")

	// ErrOrphanDetected — process dead yet task file not terminal after
	// grace period. Terminal node failure; never retried.
	ErrOrphanDetected = errors.New("orphan detected")

	// ErrTimeout — node execution exceeded its configured budget.
	// Retriable per policy; terminal as TIMEOUT status when exhausted.
	ErrTimeout = errors.New("timeout")

	// ErrNotRetriable — RetryNode called on a node that is not in a
	// retriable status ({FAILED, TIMEOUT}).
	ErrNotRetriable = errors.New("not retriable")
)
