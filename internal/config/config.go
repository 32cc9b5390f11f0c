// Package config handles configuration loading and management for relay.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for relay.
type Config struct {
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Approval     ApprovalConfig     `mapstructure:"approval"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	State        StateConfig        `mapstructure:"state"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// OrchestratorConfig holds execution loop settings.
type OrchestratorConfig struct {
	// MaxParallelTasks caps concurrent step dispatch per round.
	MaxParallelTasks int `mapstructure:"max_parallel_tasks"`
	// TaskTimeout is the per-step execution timeout.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	// PollInterval is how often the loop re-evaluates while waiting.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// CheckpointInterval is the minimum spacing between automatic checkpoints.
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	// EventBuffer is the event channel buffer size.
	EventBuffer int `mapstructure:"event_buffer"`
}

// ApprovalConfig holds human approval gate settings.
type ApprovalConfig struct {
	// Timeout is how long an approval request stays open.
	Timeout time.Duration `mapstructure:"timeout"`
	// HighRiskTaskTypes always require approval.
	HighRiskTaskTypes []string `mapstructure:"high_risk_task_types"`
	// HighRiskCapabilities always require approval.
	HighRiskCapabilities []string `mapstructure:"high_risk_capabilities"`
	// AutoApproveSimple skips approval for simple consultation plans.
	AutoApproveSimple bool `mapstructure:"auto_approve_simple"`
}

// MonitorConfig holds runtime health heuristics.
type MonitorConfig struct {
	// ErrorWindow is the sliding window for the error-rate heuristic.
	ErrorWindow time.Duration `mapstructure:"error_window"`
	// ErrorThreshold is the failure count that makes the window critical.
	ErrorThreshold int `mapstructure:"error_threshold"`
	// MemoryThreshold recommends a checkpoint above this utilization.
	MemoryThreshold float64 `mapstructure:"memory_threshold"`
}

// StateConfig holds persistence settings.
type StateConfig struct {
	// DBPath overrides the default SQLite database location.
	DBPath string `mapstructure:"db_path"`
}

// LoggingConfig holds debug logging settings.
type LoggingConfig struct {
	// Debug enables the file-backed debug log.
	Debug bool `mapstructure:"debug"`
	// Dir is where debug logs are written; empty means the working directory.
	Dir string `mapstructure:"dir"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (RELAY_*)
// 2. Project config (.relay.yaml in current directory or parent)
// 3. User config (~/.config/relay/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()
	v.BindEnv("state.db_path", "RELAY_DB_PATH")
	v.BindEnv("logging.debug", "RELAY_DEBUG")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.State.DBPath = os.ExpandEnv(cfg.State.DBPath)

	return cfg, nil
}

// ActivePath returns the config file Load would give precedence to:
// the project .relay.yaml when one exists, otherwise the user config
// file when it exists. Empty means no file is in effect, only
// defaults and environment. Long-running commands watch this path for
// live reload.
func ActivePath() string {
	if project := findProjectConfig(); project != "" {
		return project
	}
	userConfig := filepath.Join(getUserConfigDir(), "config.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return userConfig
	}
	return ""
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.State.DBPath = os.ExpandEnv(cfg.State.DBPath)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("orchestrator.max_parallel_tasks", cfg.Orchestrator.MaxParallelTasks)
	v.Set("orchestrator.task_timeout", cfg.Orchestrator.TaskTimeout.String())
	v.Set("orchestrator.poll_interval", cfg.Orchestrator.PollInterval.String())
	v.Set("orchestrator.checkpoint_interval", cfg.Orchestrator.CheckpointInterval.String())
	v.Set("orchestrator.event_buffer", cfg.Orchestrator.EventBuffer)
	v.Set("approval.timeout", cfg.Approval.Timeout.String())
	v.Set("approval.high_risk_task_types", cfg.Approval.HighRiskTaskTypes)
	v.Set("approval.high_risk_capabilities", cfg.Approval.HighRiskCapabilities)
	v.Set("approval.auto_approve_simple", cfg.Approval.AutoApproveSimple)
	v.Set("monitor.error_window", cfg.Monitor.ErrorWindow.String())
	v.Set("monitor.error_threshold", cfg.Monitor.ErrorThreshold)
	v.Set("monitor.memory_threshold", cfg.Monitor.MemoryThreshold)
	v.Set("state.db_path", cfg.State.DBPath)
	v.Set("logging.debug", cfg.Logging.Debug)
	v.Set("logging.dir", cfg.Logging.Dir)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("orchestrator.max_parallel_tasks", 3)
	v.SetDefault("orchestrator.task_timeout", "300s")
	v.SetDefault("orchestrator.poll_interval", "250ms")
	v.SetDefault("orchestrator.checkpoint_interval", "30s")
	v.SetDefault("orchestrator.event_buffer", 100)

	v.SetDefault("approval.timeout", "1800s")
	v.SetDefault("approval.high_risk_task_types", []string{"deployment", "data_migration"})
	v.SetDefault("approval.high_risk_capabilities", []string{})
	v.SetDefault("approval.auto_approve_simple", true)

	v.SetDefault("monitor.error_window", "5m")
	v.SetDefault("monitor.error_threshold", 3)
	v.SetDefault("monitor.memory_threshold", 0.8)

	v.SetDefault("state.db_path", "")
	v.SetDefault("logging.debug", false)
	v.SetDefault("logging.dir", "")
}

// getUserConfigDir returns the XDG config directory for relay.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "relay")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "relay")
	}
	return filepath.Join(home, ".config", "relay")
}

// findProjectConfig searches for .relay.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".relay.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxParallelTasks:   3,
			TaskTimeout:        300 * time.Second,
			PollInterval:       250 * time.Millisecond,
			CheckpointInterval: 30 * time.Second,
			EventBuffer:        100,
		},
		Approval: ApprovalConfig{
			Timeout:           1800 * time.Second,
			HighRiskTaskTypes: []string{"deployment", "data_migration"},
			AutoApproveSimple: true,
		},
		Monitor: MonitorConfig{
			ErrorWindow:     5 * time.Minute,
			ErrorThreshold:  3,
			MemoryThreshold: 0.8,
		},
	}
}
