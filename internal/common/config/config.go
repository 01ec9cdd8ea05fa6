// Package config provides configuration management for the oj daemon.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the daemon.
type Config struct {
	Daemon  DaemonConfig  `mapstructure:"daemon"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Shell   ShellConfig   `mapstructure:"shell"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Docker  DockerConfig  `mapstructure:"docker"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// DaemonConfig holds state-directory and persistence configuration.
type DaemonConfig struct {
	// StateDir is the root of the daemon's on-disk state
	// (socket, pid, lock, wal/, snapshot.json, agents/, workspaces/, logs/).
	// Default: <os user state dir>/oj.
	StateDir string `mapstructure:"stateDir"`

	// SnapshotInterval is how often a snapshot is taken, in seconds.
	SnapshotInterval int `mapstructure:"snapshotInterval"`

	// SnapshotThreshold is the minimum number of WAL events since the last
	// snapshot before a new one is written.
	SnapshotThreshold int `mapstructure:"snapshotThreshold"`

	// ShutdownTimeout bounds graceful shutdown, in seconds.
	ShutdownTimeout int `mapstructure:"shutdownTimeout"`
}

// AgentConfig holds sidecar supervision configuration.
type AgentConfig struct {
	// LivenessInterval is how often an owner's liveness timer re-checks the
	// sidecar, in seconds.
	LivenessInterval int `mapstructure:"livenessInterval"`

	// ExitDeferred is how long after an agent reports exit before the owner
	// is finalised, in seconds.
	ExitDeferred int `mapstructure:"exitDeferred"`

	// NudgeSuppressWindow suppresses auto-resume after a nudge, in seconds.
	NudgeSuppressWindow int `mapstructure:"nudgeSuppressWindow"`

	// SubscribeRetries and SubscribeRetryDelayMs bound the WS bridge's
	// subscription retry loop.
	SubscribeRetries      int `mapstructure:"subscribeRetries"`
	SubscribeRetryDelayMs int `mapstructure:"subscribeRetryDelayMs"`
}

// ShellConfig holds subprocess configuration.
type ShellConfig struct {
	// EvalTimeout bounds $(...) evaluation during variable interpolation, in seconds.
	EvalTimeout int `mapstructure:"evalTimeout"`
}

// NATSConfig holds optional event-mirror configuration.
// An empty URL means the in-memory bus only.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds the Docker agent runtime configuration.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SnapshotIntervalDuration returns the snapshot interval as a time.Duration.
func (d *DaemonConfig) SnapshotIntervalDuration() time.Duration {
	return time.Duration(d.SnapshotInterval) * time.Second
}

// ShutdownTimeoutDuration returns the shutdown timeout as a time.Duration.
func (d *DaemonConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(d.ShutdownTimeout) * time.Second
}

// LivenessIntervalDuration returns the liveness re-check interval as a time.Duration.
func (a *AgentConfig) LivenessIntervalDuration() time.Duration {
	return time.Duration(a.LivenessInterval) * time.Second
}

// ExitDeferredDuration returns the exit-deferred delay as a time.Duration.
func (a *AgentConfig) ExitDeferredDuration() time.Duration {
	return time.Duration(a.ExitDeferred) * time.Second
}

// NudgeSuppressDuration returns the auto-resume suppression window as a time.Duration.
func (a *AgentConfig) NudgeSuppressDuration() time.Duration {
	return time.Duration(a.NudgeSuppressWindow) * time.Second
}

// EvalTimeoutDuration returns the shell-eval timeout as a time.Duration.
func (s *ShellConfig) EvalTimeoutDuration() time.Duration {
	return time.Duration(s.EvalTimeout) * time.Second
}

// DefaultStateDir returns the default state directory: the OS user state
// directory joined with "oj".
func DefaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "oj")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "oj")
	}
	return filepath.Join(home, ".local", "state", "oj")
}

func detectDefaultLogFormat() string {
	if env := os.Getenv("OJ_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Daemon defaults
	v.SetDefault("daemon.stateDir", DefaultStateDir())
	v.SetDefault("daemon.snapshotInterval", 300)
	v.SetDefault("daemon.snapshotThreshold", 256)
	v.SetDefault("daemon.shutdownTimeout", 15)

	// Agent supervision defaults
	v.SetDefault("agent.livenessInterval", 30)
	v.SetDefault("agent.exitDeferred", 5)
	v.SetDefault("agent.nudgeSuppressWindow", 60)
	v.SetDefault("agent.subscribeRetries", 10)
	v.SetDefault("agent.subscribeRetryDelayMs", 500)

	// Shell defaults
	v.SetDefault("shell.evalTimeout", 10)

	// NATS defaults - empty URL means in-memory bus only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "oj-daemon")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "bridge")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OJ_ with snake_case naming.
// The config file is $OJ_CONFIG if set, else <stateDir>/config.yaml if present.
func Load() (*Config, error) {
	return LoadWithPath(os.Getenv("OJ_CONFIG"))
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OJ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("daemon.stateDir"))
		if err := v.ReadInConfig(); err != nil {
			// A missing config file is fine; defaults apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				if !os.IsNotExist(err) {
					return nil, fmt.Errorf("failed to read config: %w", err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
