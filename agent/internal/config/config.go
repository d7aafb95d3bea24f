package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/changeagent/pkg/rpc"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultServerPort    = 50051
	DefaultQueueCapacity = 32
	DefaultRetryInterval = 5 * time.Second
	DefaultFlushInterval = time.Second
	DefaultMaxBatchSize  = 100
	DefaultPollInterval  = 10 * time.Second
	DefaultAuthHeader    = "x-api-key"
	DefaultTokenTTL      = time.Minute
	DefaultLogLevel      = "info"
	DefaultCompression   = rpc.CompressionNone
)

// Config is the top-level configuration file.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// ServerAddress is the host of the collection service.
	ServerAddress string `yaml:"server_address"`

	// ServerPort is the gRPC port of the collection service.
	ServerPort int `yaml:"server_port"`

	// MachineID is the stable numeric identity of this agent. Sent in the
	// handshake and stamped on every batch.
	MachineID uint64 `yaml:"machine_id"`

	// QueueCapacity bounds the number of batches buffered between the
	// collector and the submission loop.
	QueueCapacity int `yaml:"queue_capacity"`

	// RetryInterval is the fixed pause between a failed session and the
	// next connection attempt.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// SendTimeout bounds a single SendEvents call. Zero leaves it to the
	// transport.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// Compression selects the gRPC message compressor: none | zstd | lz4.
	Compression string `yaml:"compression"`

	// LogLevel is one of: debug | info | warn | error. Hot-reloadable.
	LogLevel string `yaml:"log_level"`

	// ServerAuth configures how requests to the service are authenticated.
	ServerAuth AuthConfig `yaml:"server_auth"`

	// Collector configures local change detection.
	Collector CollectorConfig `yaml:"collector"`
}

// Target returns the host:port dial target.
func (a AgentConfig) Target() string {
	return fmt.Sprintf("%s:%d", a.ServerAddress, a.ServerPort)
}

// SlogLevel maps LogLevel onto a slog.Level. Unknown values map to Info.
func (a AgentConfig) SlogLevel() slog.Level {
	switch strings.ToLower(a.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AuthConfig specifies how the agent authenticates to the service or to a
// scraped source.
type AuthConfig struct {
	// Mode is one of: none | apikey | jwt | mtls (server) or
	// none | apikey | bearer | basic | mtls (prometheus sources).
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// Header is the metadata/HTTP header the API key is sent in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// SecretEnv names the environment variable holding the HS256 signing
	// secret. Used when Mode == "jwt".
	SecretEnv string `yaml:"secret_env"`

	// TokenTTL is the lifetime of each per-request JWT.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// TokenEnv holds a static bearer token (prometheus sources).
	TokenEnv string `yaml:"token_env"`

	// Basic auth fields (prometheus sources).
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	return fromEnv(a.KeyEnv)
}

// Secret returns the JWT signing secret resolved from the environment.
func (a AuthConfig) Secret() string {
	return fromEnv(a.SecretEnv)
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	return fromEnv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	return fromEnv(a.PasswordEnv)
}

// EffectiveHeader returns the configured header name, or DefaultAuthHeader.
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return strings.ToLower(a.Header)
	}
	return DefaultAuthHeader
}

func fromEnv(name string) string {
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// CollectorConfig controls how local changes are detected and batched.
type CollectorConfig struct {
	// FlushInterval is the longest an event waits before its batch is queued.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxBatchSize caps the number of events in one batch.
	MaxBatchSize int `yaml:"max_batch_size"`

	// Sources is the list of change sources to run inside the collector task.
	Sources []Source `yaml:"sources"`
}

// Source describes one change source.
type Source struct {
	// ID is a unique, human-readable identifier stamped on every event.
	ID string `yaml:"id"`

	// Type is one of: fswatch | process | prometheus.
	Type string `yaml:"type"`

	// Paths lists files or directories to watch (fswatch).
	Paths []string `yaml:"paths"`

	// Endpoint is the metrics URL to scrape (prometheus).
	Endpoint string `yaml:"endpoint"`

	// Interval is the poll period (process, prometheus).
	Interval time.Duration `yaml:"interval"`

	// Auth configures how the agent authenticates to this source.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig holds per-source TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Override adjusts a parsed Config before it is validated. Command-line
// flags are applied this way.
type Override func(*Config)

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string, overrides ...Override) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	fillSourceDefaults(cfg)
	for _, o := range overrides {
		o(cfg)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			ServerPort:    DefaultServerPort,
			QueueCapacity: DefaultQueueCapacity,
			RetryInterval: DefaultRetryInterval,
			Compression:   DefaultCompression,
			LogLevel:      DefaultLogLevel,
			ServerAuth:    AuthConfig{TokenTTL: DefaultTokenTTL},
			Collector: CollectorConfig{
				FlushInterval: DefaultFlushInterval,
				MaxBatchSize:  DefaultMaxBatchSize,
			},
		},
	}
}

func fillSourceDefaults(cfg *Config) {
	for i := range cfg.Agent.Collector.Sources {
		src := &cfg.Agent.Collector.Sources[i]
		if src.Interval == 0 {
			src.Interval = DefaultPollInterval
		}
	}
}

// Validate checks required fields and structural constraints. It is exported
// so command-line overrides can be re-checked after they are applied.
func Validate(cfg *Config) error {
	a := cfg.Agent
	if a.ServerAddress == "" {
		return fmt.Errorf("agent.server_address is required")
	}
	if a.ServerPort <= 0 || a.ServerPort > 65535 {
		return fmt.Errorf("agent.server_port %d is out of range [1, 65535]", a.ServerPort)
	}
	if a.MachineID == 0 {
		return fmt.Errorf("agent.machine_id is required and must be non-zero")
	}
	if a.QueueCapacity <= 0 {
		return fmt.Errorf("agent.queue_capacity must be positive")
	}
	if a.RetryInterval <= 0 {
		return fmt.Errorf("agent.retry_interval must be positive")
	}
	if a.SendTimeout < 0 {
		return fmt.Errorf("agent.send_timeout must not be negative")
	}
	if !rpc.ValidCompression(a.Compression) {
		return fmt.Errorf("agent.compression %q unknown: want none|zstd|lz4", a.Compression)
	}
	switch strings.ToLower(a.LogLevel) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("agent.log_level %q unknown", a.LogLevel)
	}
	switch a.ServerAuth.Mode {
	case "none", "":
	case "apikey":
		if a.ServerAuth.KeyEnv == "" {
			return fmt.Errorf("agent.server_auth: apikey mode requires key_env")
		}
	case "jwt":
		if a.ServerAuth.SecretEnv == "" {
			return fmt.Errorf("agent.server_auth: jwt mode requires secret_env")
		}
		if a.ServerAuth.TokenTTL <= 0 {
			return fmt.Errorf("agent.server_auth.token_ttl must be positive")
		}
	case "mtls":
		if a.ServerAuth.CertFile == "" || a.ServerAuth.KeyFile == "" {
			return fmt.Errorf("agent.server_auth: mtls mode requires cert_file and key_file")
		}
	default:
		return fmt.Errorf("agent.server_auth.mode %q unknown: want none|apikey|jwt|mtls", a.ServerAuth.Mode)
	}
	if a.Collector.FlushInterval <= 0 {
		return fmt.Errorf("agent.collector.flush_interval must be positive")
	}
	if a.Collector.MaxBatchSize <= 0 {
		return fmt.Errorf("agent.collector.max_batch_size must be positive")
	}

	seen := make(map[string]bool)
	for i, src := range a.Collector.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d]: id is required", i)
		}
		if seen[src.ID] {
			return fmt.Errorf("sources[%d]: duplicate id %q", i, src.ID)
		}
		seen[src.ID] = true
		switch src.Type {
		case "fswatch":
			if len(src.Paths) == 0 {
				return fmt.Errorf("sources[%d] %q: paths is required", i, src.ID)
			}
		case "process":
		case "prometheus":
			if src.Endpoint == "" {
				return fmt.Errorf("sources[%d] %q: endpoint is required", i, src.ID)
			}
		default:
			return fmt.Errorf("sources[%d] %q: unknown type %q", i, src.ID, src.Type)
		}
		if src.Interval < 0 {
			return fmt.Errorf("sources[%d] %q: interval must not be negative", i, src.ID)
		}
		switch src.Auth.Mode {
		case "mtls", "apikey", "bearer", "basic", "none", "":
		default:
			return fmt.Errorf("sources[%d] %q: unknown auth mode %q", i, src.ID, src.Auth.Mode)
		}
	}
	return nil
}
