package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Bus       BusConfig       `toml:"bus"`
	Planner   PlannerConfig   `toml:"planner"`
	Execution ExecutionConfig `toml:"execution"`
	Search    SearchConfig    `toml:"search"`
	Observer  ObserverConfig  `toml:"observer"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver      string `toml:"driver"`
	Path        string `toml:"path"`
	PostgresURL string `toml:"postgres_url"`
}

type BusConfig struct {
	Root string `toml:"root"`
}

type PlannerConfig struct {
	// Provider, Model, and APIKey select an external LLM planner. No
	// provider ships in-tree; when Provider is set the CLI logs a notice
	// and runs with deterministic planning.
	Provider    string `toml:"provider"`
	Model       string `toml:"model"`
	APIKey      string `toml:"api_key"`
	MaxSubtasks int    `toml:"max_subtasks"`
}

type ExecutionConfig struct {
	MaxParallel       int `toml:"max_parallel"`
	TaskTimeoutSec    int `toml:"task_timeout_sec"`
	DepWaitTimeoutSec int `toml:"dep_wait_timeout_sec"`
}

type SearchConfig struct {
	// Endpoint is the prediction-market search API base URL.
	Endpoint string `toml:"endpoint"`
	APIKey   string `toml:"api_key"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Database:  DatabaseConfig{Driver: "sqlite", Path: "conductor.db"},
		Bus:       BusConfig{Root: "artifacts"},
		Planner:   PlannerConfig{MaxSubtasks: 5},
		Execution: ExecutionConfig{TaskTimeoutSec: 120, DepWaitTimeoutSec: 300},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "conductor.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("CONDUCTOR_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CONDUCTOR_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("CONDUCTOR_POSTGRES_URL"); v != "" {
		cfg.Database.PostgresURL = v
	}
	if v := os.Getenv("CONDUCTOR_BUS_ROOT"); v != "" {
		cfg.Bus.Root = v
	}
	if v := os.Getenv("CONDUCTOR_PLANNER_API_KEY"); v != "" {
		cfg.Planner.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_SEARCH_ENDPOINT"); v != "" {
		cfg.Search.Endpoint = v
	}
	if v := os.Getenv("CONDUCTOR_SEARCH_API_KEY"); v != "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("CONDUCTOR_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Execution.MaxParallel = n
		}
	}
	if os.Getenv("CONDUCTOR_OBSERVER_ENABLED") == "true" || os.Getenv("CONDUCTOR_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Planner.MaxSubtasks <= 0 {
		cfg.Planner.MaxSubtasks = 5
	}
	if cfg.Database.Driver == "postgres" && cfg.Database.PostgresURL == "" {
		cfg.Database.Driver = "sqlite"
	}

	return cfg
}
