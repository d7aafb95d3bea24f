package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultGRPCPort        = 50051
	DefaultHTTPPort        = 8080
	DefaultMachineTTL      = 10 * time.Minute
	DefaultRecentBatches   = 50
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultPruneInterval   = time.Hour
	DefaultSummaryInterval = 5 * time.Second
	DefaultAlertInterval   = 30 * time.Second
	DefaultExchange        = "changeagent.events"
	DefaultRoutingKey      = "events"
	DefaultAuthHeader      = "x-api-key"
)

// Config holds the server-side configuration parsed from the `server:` section
// of config.yaml. The `agent:` key in the same file is ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// GRPCPort is the port the EventService listens on (default 50051).
	GRPCPort int `yaml:"grpc_port"`

	// HTTPPort is the port the REST API and WebSocket hub listen on (default 8080).
	HTTPPort int `yaml:"http_port"`

	// Auth configures how agents authenticate to the EventService.
	Auth AuthConfig `yaml:"auth"`

	// Machine controls in-memory per-machine state.
	Machine MachineConfig `yaml:"machine"`

	// History enables SQLite persistence of accepted events.
	History HistoryConfig `yaml:"history"`

	// Forward publishes accepted batches to an AMQP exchange.
	Forward ForwardConfig `yaml:"forward"`

	// SummaryInterval is how often the WebSocket hub pushes a machine summary.
	SummaryInterval time.Duration `yaml:"summary_interval"`

	// Alerts holds rule definitions and webhook delivery targets.
	Alerts AlertsConfig `yaml:"alerts"`
}

// AuthConfig controls agent authentication on the server side.
type AuthConfig struct {
	// Mode is one of: none | apikey | jwt.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected
	// API key. Used when Mode == "apikey".
	KeyEnv string `yaml:"key_env"`

	// Header is the gRPC metadata key to read the API key from.
	// Defaults to "x-api-key" if empty.
	Header string `yaml:"header"`

	// SecretEnv names the environment variable holding the HS256 secret agents
	// sign their tokens with. Used when Mode == "jwt".
	SecretEnv string `yaml:"secret_env"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// Secret returns the JWT signing secret resolved from the environment.
func (a AuthConfig) Secret() string {
	if a.SecretEnv == "" {
		return ""
	}
	return os.Getenv(a.SecretEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAuthHeader
}

// MachineConfig controls in-memory per-machine state.
type MachineConfig struct {
	// TTL is how long a machine stays in the store after its last batch.
	TTL time.Duration `yaml:"ttl"`

	// RecentBatches is how many batch summaries are kept per machine.
	RecentBatches int `yaml:"recent_batches"`
}

// HistoryConfig controls the SQLite event history.
type HistoryConfig struct {
	// Path is the database file. Empty disables history.
	Path string `yaml:"path"`

	// Retention is how long events are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`

	// PruneInterval is how often expired events are deleted.
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// Enabled reports whether a database path is configured.
func (h HistoryConfig) Enabled() bool { return h.Path != "" }

// ForwardConfig controls AMQP forwarding of accepted batches.
type ForwardConfig struct {
	// URLEnv names the environment variable holding the amqp:// URL.
	// Empty disables forwarding.
	URLEnv string `yaml:"url_env"`

	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// URL returns the broker URL resolved from the environment.
func (f ForwardConfig) URL() string {
	if f.URLEnv == "" {
		return ""
	}
	return os.Getenv(f.URLEnv)
}

// Enabled reports whether forwarding is configured.
func (f ForwardConfig) Enabled() bool { return f.URLEnv != "" }

// AlertsConfig holds alerting rules and webhook delivery targets.
type AlertsConfig struct {
	Rules    []AlertRule     `yaml:"rules"`
	Webhooks []WebhookConfig `yaml:"webhooks"`

	// Interval is how often every live machine is re-evaluated, so that
	// time-based conditions such as idle_seconds can fire without traffic.
	Interval time.Duration `yaml:"interval"`
}

// AlertRule defines one threshold-based alert condition.
type AlertRule struct {
	// Name is the human-readable alert identifier, used as the deduplication key.
	Name string `yaml:"name"`

	// Condition is a simple expression: "rejected > 0", "sessions >= 5",
	// "idle_seconds > 300".
	Condition string `yaml:"condition"`

	// Severity is one of: critical | warning | info.
	Severity string `yaml:"severity"`

	// Cooldown suppresses re-fires for this duration after an alert fires.
	// Defaults to 15 minutes if zero.
	Cooldown time.Duration `yaml:"cooldown"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: teams | slack | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort: DefaultGRPCPort,
			HTTPPort: DefaultHTTPPort,
			Machine: MachineConfig{
				TTL:           DefaultMachineTTL,
				RecentBatches: DefaultRecentBatches,
			},
			History: HistoryConfig{
				Retention:     DefaultRetention,
				PruneInterval: DefaultPruneInterval,
			},
			Forward: ForwardConfig{
				Exchange:   DefaultExchange,
				RoutingKey: DefaultRoutingKey,
			},
			SummaryInterval: DefaultSummaryInterval,
			Alerts:          AlertsConfig{Interval: DefaultAlertInterval},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := cfg.Server
	if s.GRPCPort <= 0 || s.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d is out of range [1, 65535]", s.GRPCPort)
	}
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.Auth.Mode {
	case "apikey":
		if s.Auth.KeyEnv == "" {
			return fmt.Errorf("server.auth.key_env is required for mode apikey")
		}
	case "jwt":
		if s.Auth.SecretEnv == "" {
			return fmt.Errorf("server.auth.secret_env is required for mode jwt")
		}
	case "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want none|apikey|jwt", s.Auth.Mode)
	}
	if s.Machine.TTL < 0 {
		return fmt.Errorf("server.machine.ttl must not be negative")
	}
	if s.Machine.RecentBatches <= 0 {
		return fmt.Errorf("server.machine.recent_batches must be positive")
	}
	if s.History.Retention < 0 {
		return fmt.Errorf("server.history.retention must not be negative")
	}
	if s.History.Enabled() && s.History.PruneInterval <= 0 {
		return fmt.Errorf("server.history.prune_interval must be positive")
	}
	if s.Forward.Enabled() && s.Forward.Exchange == "" {
		return fmt.Errorf("server.forward.exchange is required when forwarding is enabled")
	}
	if s.SummaryInterval <= 0 {
		return fmt.Errorf("server.summary_interval must be positive")
	}
	return validateAlerts(s.Alerts)
}

func validateAlerts(a AlertsConfig) error {
	if len(a.Rules) > 0 && a.Interval <= 0 {
		return fmt.Errorf("server.alerts.interval must be positive")
	}
	for i, r := range a.Rules {
		if r.Name == "" {
			return fmt.Errorf("server.alerts.rules[%d]: name is required", i)
		}
		if len(strings.Fields(r.Condition)) != 3 {
			return fmt.Errorf("server.alerts.rules[%d] (%s): condition %q must be \"field op value\"", i, r.Name, r.Condition)
		}
		switch r.Severity {
		case "", "critical", "warning", "info":
		default:
			return fmt.Errorf("server.alerts.rules[%d] (%s): severity %q unknown", i, r.Name, r.Severity)
		}
	}
	for i, w := range a.Webhooks {
		switch w.Type {
		case "teams", "slack", "http":
		default:
			return fmt.Errorf("server.alerts.webhooks[%d]: type %q unknown: want teams|slack|http", i, w.Type)
		}
		if w.URLEnv == "" {
			return fmt.Errorf("server.alerts.webhooks[%d]: url_env is required", i)
		}
	}
	return nil
}
