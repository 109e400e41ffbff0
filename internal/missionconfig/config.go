// Package missionconfig assembles missiond's configuration from three
// tiers — CLI flags, a YAML config file, and compiled-in defaults — the
// same precedence and quartet of functions as the teacher's
// internal/daemon/config.go (ApplyDefaults/Validate/LoadConfigFile/
// mergeConfig), generalized from a single prog-watching daemon to the
// mission engine's base directory, listen port, and tick intervals.
package missionconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fenwick-labs/missiond/internal/atomicfile"
)

const (
	DefaultPort              = 3848
	DefaultAgentCommand      = "claude"
	DefaultPollInterval      = 2 * time.Second
	DefaultOrphanGrace       = 30 * time.Second
	DefaultTeamWatchInterval = 2500 * time.Millisecond
	DefaultLogLevel          = "info"
)

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Config holds missiond's process-wide configuration.
//
// Configuration is assembled from three sources in priority order:
//  1. CLI flags (highest priority)
//  2. Config file (missiond.yaml)
//  3. Defaults (lowest priority)
type Config struct {
	// BaseDir is the well-known directory root (spec.md §6) containing
	// missions/, teams/, tasks/, and settings.json.
	BaseDir string `yaml:"base_dir"`

	// Port is the listen port for a future HTTP/websocket router.
	// Read from the PORT environment variable if unset.
	Port int `yaml:"port"`

	// AgentCommand is the executable used to spawn agent processes.
	AgentCommand string `yaml:"agent_command"`

	// PollInterval is a per-run poller tick period. It is defaulted and
	// validated here only; missionapp.New does not pass it on, and the
	// engine always ticks at engine.DefaultPollInterval.
	PollInterval time.Duration `yaml:"poll_interval"`

	// OrphanGrace is an orphan-detection grace period. It is defaulted and
	// validated here only; the engine always uses engine.OrphanGrace.
	OrphanGrace time.Duration `yaml:"orphan_grace"`

	// TeamWatchInterval is a team watcher tick period. It is defaulted and
	// validated here only; the watcher always uses
	// teamwatcher.DefaultPollInterval.
	TeamWatchInterval time.Duration `yaml:"team_watch_interval"`

	// LogLevel names a zap logger level. It is defaulted and validated here
	// only; the logger built by missionapp.New is not configured from it.
	LogLevel string `yaml:"log_level"`

	// Logger is the structured logger. Not configurable via file/flags.
	Logger *zap.Logger `yaml:"-"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
// PORT is consumed from the environment here, mirroring the teacher's
// DefaultPollInterval-style constant-plus-override pattern.
func (c *Config) ApplyDefaults() {
	if c.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		c.BaseDir = filepath.Join(home, ".claude")
	}
	if c.Port == 0 {
		if v := os.Getenv("PORT"); v != "" {
			if p, err := strconv.Atoi(v); err == nil && p > 0 {
				c.Port = p
			}
		}
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.AgentCommand == "" {
		c.AgentCommand = DefaultAgentCommand
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.OrphanGrace == 0 {
		c.OrphanGrace = DefaultOrphanGrace
	}
	if c.TeamWatchInterval == 0 {
		c.TeamWatchInterval = DefaultTeamWatchInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
}

// Validate checks that configuration values are usable and resolves
// BaseDir to an absolute, existing path. Call after ApplyDefaults.
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.BaseDir) {
		abs, err := filepath.Abs(c.BaseDir)
		if err != nil {
			return fmt.Errorf("resolving base-dir %q: %w", c.BaseDir, err)
		}
		c.BaseDir = abs
	}
	if err := os.MkdirAll(c.BaseDir, 0o700); err != nil {
		return fmt.Errorf("base-dir %q must be creatable: %w", c.BaseDir, err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1-65535, got %d", c.Port)
	}
	if c.AgentCommand == "" {
		return fmt.Errorf("agent-command must not be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive, got %v", c.PollInterval)
	}
	if c.OrphanGrace <= 0 {
		return fmt.Errorf("orphan-grace must be positive, got %v", c.OrphanGrace)
	}
	if c.TeamWatchInterval <= 0 {
		return fmt.Errorf("team-watch-interval must be positive, got %v", c.TeamWatchInterval)
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log-level %q must be one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

// LoadConfigFile reads a YAML config file and merges it into into. Only
// zero-valued fields of into are overwritten — CLI flags set before
// calling this take precedence. Returns nil if the file does not exist.
func LoadConfigFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	mergeConfig(&file, into)
	return nil
}

// mergeConfig copies non-zero fields from src into dst, but only where
// dst still has the zero value.
func mergeConfig(src, dst *Config) {
	if dst.BaseDir == "" {
		dst.BaseDir = src.BaseDir
	}
	if dst.Port == 0 {
		dst.Port = src.Port
	}
	if dst.AgentCommand == "" {
		dst.AgentCommand = src.AgentCommand
	}
	if dst.PollInterval == 0 {
		dst.PollInterval = src.PollInterval
	}
	if dst.OrphanGrace == 0 {
		dst.OrphanGrace = src.OrphanGrace
	}
	if dst.TeamWatchInterval == 0 {
		dst.TeamWatchInterval = src.TeamWatchInterval
	}
	if dst.LogLevel == "" {
		dst.LogLevel = src.LogLevel
	}
}

// LoadSettings reads the spec-mandated settings.json/settings.local.json
// key/value files from baseDir (spec.md §6), a format fixed by the
// external interface contract rather than this package's own style
// choice — hence plain encoding/json via atomicfile, not YAML.
// settings.local.json overrides settings.json key-for-key.
func LoadSettings(baseDir string) (map[string]any, error) {
	merged := make(map[string]any)
	for _, name := range []string{"settings.json", "settings.local.json"} {
		var layer map[string]any
		ok, err := atomicfile.ReadJSON(filepath.Join(baseDir, name), &layer)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if !ok {
			continue
		}
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged, nil
}
