package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when ORDERPILOT_CONFIG is unset.
const DefaultPath = "config/orderpilot.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for orderpilot.
type Config struct {
	Storage   Storage   `yaml:"storage"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Logging   Logging   `yaml:"logging"`
	Execution Execution `yaml:"execution"`
	Metrics   Metrics   `yaml:"metrics"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	LedgerPath string `yaml:"ledger_path"`
	LogPath    string `yaml:"log_path"`
	SQLitePath string `yaml:"sqlite_path"`
	// ArchiveBars persists bars fetched for analytics under DataDir.
	ArchiveBars bool `yaml:"archive_bars"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	AccountID string `yaml:"account_id"`
	Feed      string `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Execution defines order execution and risk parameters.
type Execution struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxWait         time.Duration `yaml:"max_wait"`
	Slippage        float64       `yaml:"slippage"`
	// MaxEscalations and Deadline use their defaults when zero. A negative
	// MaxEscalations never escalates; a negative Deadline removes the bound.
	MaxEscalations  int           `yaml:"max_escalations"`
	Deadline        time.Duration `yaml:"deadline"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
	// MaxPositionPct enables the pre-trade risk check when positive.
	MaxPositionPct float64 `yaml:"max_position_pct"`
}

// EscalationLimit returns the number of escalations allowed per execution.
func (e Execution) EscalationLimit() int {
	return max(e.MaxEscalations, 0)
}

// PollDeadline returns the overall polling bound, zero when disabled.
func (e Execution) PollDeadline() time.Duration {
	return max(e.Deadline, 0)
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path returns the configuration file path from ORDERPILOT_CONFIG, falling
// back to DefaultPath.
func Path() string {
	if v := os.Getenv("ORDERPILOT_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// FromEnv builds a Config from environment variables and defaults alone, for
// running without a configuration file.
func FromEnv() *Config {
	cfg := &Config{}
	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("LEDGER_PATH"); v != "" {
		cfg.Storage.LedgerPath = v
	}
	if v := os.Getenv("DIAG_LOG_PATH"); v != "" {
		cfg.Storage.LogPath = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars take precedence; they are the names the SDK uses.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// applyDefaults fills unset fields. Storage paths default to files under
// DataDir.
func applyDefaults(cfg *Config) {
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.LedgerPath == "" {
		cfg.Storage.LedgerPath = filepath.Join(cfg.Storage.DataDir, "history.yaml")
	}
	if cfg.Storage.LogPath == "" {
		cfg.Storage.LogPath = filepath.Join(cfg.Storage.DataDir, "log.txt")
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.Storage.DataDir, "executions.db")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	e := &cfg.Execution
	if e.PollInterval <= 0 {
		e.PollInterval = 3 * time.Second
	}
	if e.MaxWait <= 0 {
		e.MaxWait = 5 * time.Minute
	}
	if e.MaxEscalations == 0 {
		e.MaxEscalations = 3
	}
	if e.Deadline == 0 {
		e.Deadline = 15 * time.Minute
	}
	if e.RateLimitPerMin <= 0 {
		e.RateLimitPerMin = 200
	}
	if e.MaxConcurrent <= 0 {
		e.MaxConcurrent = 4
	}
}
