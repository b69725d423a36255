// Package orchconfig is the orchestrator's config layer: a YAML file
// parsed into an immutable Config, with defaults, env overrides for the
// auth secret, and a stable fingerprint for change detection — grounded
// on internal/config/config.go's Load/defaultConfig/Fingerprint shape.
package orchconfig

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// CnpWeights mirrors cnp.Config's scoring weights so they can be tuned
// without a recompile.
type CnpWeights struct {
	Cost       float64 `yaml:"cost"`
	Duration   float64 `yaml:"duration"`
	Confidence float64 `yaml:"confidence"`
	Capability float64 `yaml:"capability"`
}

// Config is the orchestrator daemon's full runtime configuration.
type Config struct {
	BindAddr     string   `yaml:"bind_addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`
	LogLevel     string   `yaml:"log_level"`
	DataDir      string   `yaml:"data_dir"`

	MaxConcurrency int `yaml:"max_concurrency"`

	BidDeadlineSecs       int        `yaml:"bid_deadline_secs"`
	MinBidCount           int        `yaml:"min_bid_count"`
	HeartbeatTimeoutSecs  int        `yaml:"heartbeat_timeout_secs"`
	HeartbeatIntervalSecs int        `yaml:"heartbeat_interval_secs"`
	CnpWeights            CnpWeights `yaml:"cnp_weights"`

	RetentionMaxEvents int `yaml:"retention_max_events"`
	RetentionMaxAgeHrs int `yaml:"retention_max_age_hours"`

	ConnectionTimeoutSecs int `yaml:"connection_timeout_secs"`
	HeartbeatFrameSecs    int `yaml:"heartbeat_frame_secs"`
	ApprovalTimeoutSecs   int `yaml:"approval_timeout_secs"`

	SessionIdleTimeoutMins int `yaml:"session_idle_timeout_minutes"`
	MaintenanceIntervalMin int `yaml:"maintenance_interval_minutes"`

	Otel     OtelConfig     `yaml:"otel"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig configures the optional Telegram approval bridge
// (internal/bridges), mirroring the teacher's Channels.Telegram block.
type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// OtelConfig mirrors obs.Config so it can be expressed in YAML without
// internal/orchconfig importing internal/obs (avoiding a dependency
// cycle risk as both packages grow).
type OtelConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:8790",
		AllowOrigins:           nil,
		LogLevel:               "info",
		DataDir:                "./data",
		MaxConcurrency:         8,
		BidDeadlineSecs:        2,
		MinBidCount:            1,
		HeartbeatTimeoutSecs:   15,
		HeartbeatIntervalSecs:  5,
		CnpWeights:             CnpWeights{Cost: 0.40, Duration: 0.30, Confidence: 0.20, Capability: 0.10},
		RetentionMaxEvents:     10_000,
		RetentionMaxAgeHrs:     24,
		ConnectionTimeoutSecs:  60,
		HeartbeatFrameSecs:     15,
		ApprovalTimeoutSecs:    60,
		SessionIdleTimeoutMins: 30,
		MaintenanceIntervalMin: 15,
		Otel: OtelConfig{
			Enabled:     false,
			Exporter:    "otlp-http",
			ServiceName: "orchestratord",
			SampleRate:  1.0,
		},
	}
}

// Load reads path (if it exists) and merges it over defaultConfig. A
// missing file is not an error — an orchestrator can run on defaults
// alone. ORCHESTRATOR_AUTH_TOKEN, if set, always overrides the file.
func Load(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if tok := os.Getenv("ORCHESTRATOR_AUTH_TOKEN"); tok != "" {
		cfg.AuthToken = tok
	}
	if tok := os.Getenv("ORCHESTRATOR_TELEGRAM_TOKEN"); tok != "" {
		cfg.Telegram.Token = tok
	}
}

func (c Config) RetentionMaxAge() time.Duration {
	return time.Duration(c.RetentionMaxAgeHrs) * time.Hour
}

func (c Config) BidDeadline() time.Duration {
	return time.Duration(c.BidDeadlineSecs) * time.Second
}

func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSecs) * time.Second
}

func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSecs) * time.Second
}

func (c Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSecs) * time.Second
}

func (c Config) HeartbeatFrameInterval() time.Duration {
	return time.Duration(c.HeartbeatFrameSecs) * time.Second
}

func (c Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSecs) * time.Second
}

func (c Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutMins) * time.Minute
}

func (c Config) MaintenanceInterval() time.Duration {
	return time.Duration(c.MaintenanceIntervalMin) * time.Minute
}

// Fingerprint returns a stable hash of the active config so callers can
// detect whether a reload actually changed anything observable.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|concurrency=%d|bid=%d|heartbeat=%d/%d|weights=%v|retention=%d/%dh|origins=%v|otel=%v",
		c.BindAddr, c.MaxConcurrency, c.BidDeadlineSecs, c.HeartbeatTimeoutSecs, c.HeartbeatIntervalSecs,
		c.CnpWeights, c.RetentionMaxEvents, c.RetentionMaxAgeHrs, c.AllowOrigins, c.Otel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DataPath joins the config's data directory with name, creating the
// directory if necessary.
func (c Config) DataPath(name string) (string, error) {
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(c.DataDir, name), nil
}
