// Package cmd implements missiond's command-line entry point: the
// process that actually drives internal/missionapp, i.e. the mission
// orchestration server spec.md describes. Grounded on the teacher's
// cmd/*/cmd/root.go shape (a cobra root command holding persistent
// flags, with SetVersion/Execute exported for main.go), generalized
// from the teacher's pool-daemon flags to the mission engine's
// base-dir/port/agent-command/config-file/log-level knobs.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fenwick-labs/missiond/internal/missionconfig"
)

var version = "dev"

// SetVersion records the build version for the --version flag. Called
// once from main before Execute.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

var flagCfg missionconfig.Config
var flagConfigFile string

var rootCmd = &cobra.Command{
	Use:     "missiond",
	Short:   "Mission orchestration server: schedules DAGs of external agent processes",
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, flagCfg, flagConfigFile)
	},
}

func init() {
	rootCmd.Version = version
	flags := rootCmd.Flags()
	flags.StringVar(&flagCfg.BaseDir, "base-dir", "", "well-known directory root (default: $HOME/.claude)")
	flags.IntVar(&flagCfg.Port, "port", 0, "listen port for the real-time event channel (default: $PORT or 3848)")
	flags.StringVar(&flagCfg.AgentCommand, "agent-command", "", "executable used to spawn agent processes (default: claude)")
	flags.StringVar(&flagCfg.LogLevel, "log-level", "", "debug, info, warn, or error (default: info)")
	flags.StringVar(&flagConfigFile, "config", "missiond.yaml", "path to a YAML config file, merged under CLI flags")
}

// Execute runs the root command. Returned errors are already printed by
// cobra; main only needs the exit-code signal.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("missiond: %w", err)
	}
	return nil
}
