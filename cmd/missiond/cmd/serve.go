package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fenwick-labs/missiond/internal/missionapp"
	"github.com/fenwick-labs/missiond/internal/missionconfig"
)

// runServe assembles the configuration, builds the mission app, and runs
// spec.md §9's startup sequence: load store -> register provider(s) ->
// ResumeActiveRuns -> start team watcher -> start HTTP server. The HTTP
// server step is out of scope for this repo (spec.md §1 "Out of scope");
// everything up to it is real. It then blocks until an interrupt/term
// signal and calls App.Shutdown, which stops the team watcher and the run
// pollers. Running agent child processes are not signalled on shutdown.
func runServe(cmd *cobra.Command, flags missionconfig.Config, configFile string) error {
	cfg := flags
	if err := missionconfig.LoadConfigFile(configFile, &cfg); err != nil {
		return fmt.Errorf("load config file: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	app, err := missionapp.New(cfg)
	if err != nil {
		return fmt.Errorf("build mission app: %w", err)
	}

	if err := app.Start(); err != nil {
		return fmt.Errorf("start mission app: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	app.Shutdown()
	return nil
}
