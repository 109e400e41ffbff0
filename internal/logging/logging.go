// Package logging sets up the structured logger shared by every
// component. The call-site shape (a component-scoped logger injected
// into each long-lived type, Info/Warn/Error/Debug with key/value pairs)
// is carried over from the teacher's log/slog usage throughout
// internal/daemon; the underlying implementation is go.uber.org/zap,
// matching the structured-logging idiom the orchestration-domain repo in
// the example pack (kdlbs-kandev's scheduler/executor) uses for the same
// class of component.
package logging

import (
	"go.uber.org/zap"
)

// New builds a production-style zap logger. Callers scope it to a
// component with Named, mirroring the teacher's
// log.WithFields(zap.String("component", ...)) convention.
func New() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

// NewDevelopment builds a human-readable console logger, used by cmd/
// entrypoints run interactively (mirrors the teacher defaulting
// slog.Default() for local/dev runs).
func NewDevelopment() (*zap.Logger, error) {
	return zap.NewDevelopment()
}

// Component returns a child logger tagged with the owning component's
// name, the same pattern used throughout the engine/store/provider/watcher.
func Component(base *zap.Logger, name string) *zap.Logger {
	return base.Named(name)
}
