// Package missionapp composes the mission store, agent provider registry,
// mission engine, team watcher, and event bus into a single long-lived
// service, and implements the startup/shutdown sequence spec.md §9
// requires of the process that owns them: "load store -> register
// provider(s) -> ResumeActiveRuns -> start team watcher -> start HTTP
// server." The HTTP server step is out of scope (spec.md §1 "Out of
// scope"); App stops short of it and exposes exactly the surface an
// external router would call into, by interface only.
//
// Grounded on the teacher's internal/daemon/daemon.go Daemon struct: a
// single composition root holding every long-lived collaborator, with
// Run/Shutdown methods and a context-based graceful-stop path.
package missionapp

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fenwick-labs/missiond/internal/engine"
	"github.com/fenwick-labs/missiond/internal/eventbus"
	"github.com/fenwick-labs/missiond/internal/logging"
	"github.com/fenwick-labs/missiond/internal/missionconfig"
	"github.com/fenwick-labs/missiond/internal/missionstore"
	"github.com/fenwick-labs/missiond/internal/provider"
	"github.com/fenwick-labs/missiond/internal/teamwatcher"
)

// App is the composition root for the mission execution subsystem. The
// zero value is not usable; construct with New.
type App struct {
	Config    missionconfig.Config
	Store     *missionstore.Store
	Providers *provider.Registry
	Bus       *eventbus.Bus
	Engine    *engine.Engine
	Watcher   *teamwatcher.Watcher

	log *zap.Logger
}

// New assembles every collaborator (store, provider registry, engine,
// team watcher, event bus) rooted at cfg.BaseDir, but performs no I/O
// beyond what Store.Open requires (creating the missions/ subtree) and
// starts nothing yet — callers call Start to run the spec's startup
// sequence. cfg must already have ApplyDefaults/Validate called on it.
func New(cfg missionconfig.Config) (*App, error) {
	log := cfg.Logger
	if log == nil {
		var err error
		log, err = logging.New()
		if err != nil {
			return nil, fmt.Errorf("build logger: %w", err)
		}
	}

	store, err := missionstore.Open(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry := provider.NewRegistry()
	registry.Register(provider.NewClaudeCodeProvider(cfg.BaseDir, cfg.AgentCommand, logging.Component(log, "provider")))

	bus := eventbus.New(logging.Component(log, "eventbus"))

	eng := engine.New(store, registry, bus, cfg.BaseDir, logging.Component(log, "engine"))
	watcher := teamwatcher.New(cfg.BaseDir, store, bus, logging.Component(log, "teamwatcher"))

	bus.SetSnapshotter(snapshotter{eng: eng, watcher: watcher})

	return &App{
		Config:    cfg,
		Store:     store,
		Providers: registry,
		Bus:       bus,
		Engine:    eng,
		Watcher:   watcher,
		log:       log,
	}, nil
}

// snapshotter adapts Engine.GetActiveRuns and Watcher.ActiveAgents to
// eventbus.Snapshotter without either package importing the other.
type snapshotter struct {
	eng     *engine.Engine
	watcher *teamwatcher.Watcher
}

func (s snapshotter) ActiveRuns() []string { return s.eng.GetActiveRuns() }
func (s snapshotter) ActiveAgents() []any  { return s.watcher.ActiveAgents() }

// Start runs the spec's startup sequence short of the HTTP server (out of
// scope, spec.md §1): the store is already open from New; this
// reattaches pollers to any run left RUNNING on disk, then starts the
// team watcher's background poll loop (spec.md §9 "Startup sequence").
func (a *App) Start() error {
	if err := a.Engine.ResumeActiveRuns(); err != nil {
		return fmt.Errorf("resume active runs: %w", err)
	}
	a.Watcher.Start()
	a.log.Info("mission app started", zap.String("base_dir", a.Config.BaseDir))
	return nil
}

// Shutdown stops the team watcher and every active poller without
// mutating run state (spec.md §5 "Graceful shutdown... sends SIGTERM to
// all managed children"; child termination itself is AbortMission's
// concern, not an unconditional shutdown action - a running mission is
// left RUNNING on disk so a later Start's ResumeActiveRuns reattaches it).
func (a *App) Shutdown() {
	a.Watcher.Stop()
	a.Engine.Shutdown()
	a.log.Info("mission app stopped")
}
