package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces environment overrides, e.g. SQUADTRACKER_BUFFER_MAX_SIZE
const EnvPrefix = "SQUADTRACKER_"

// Config holds the application configuration
type Config struct {
	Log          LogConfig          `yaml:"log" envPrefix:"LOG_"`
	Database     DatabaseConfig     `yaml:"database" envPrefix:"DATABASE_"`
	Buffer       BufferConfig       `yaml:"buffer" envPrefix:"BUFFER_"`
	DeadLetter   DeadLetterConfig   `yaml:"dead_letter" envPrefix:"DEAD_LETTER_"`
	Reconnect    ReconnectConfig    `yaml:"reconnect" envPrefix:"RECONNECT_"`
	Verification VerificationConfig `yaml:"verification" envPrefix:"VERIFICATION_"`
	Retention    RetentionConfig    `yaml:"retention" envPrefix:"RETENTION_"`
	HTTP         HTTPConfig         `yaml:"http" envPrefix:"HTTP_"`
	NATS         NATSConfig         `yaml:"nats" envPrefix:"NATS_"`
	Servers      []ServerConfig     `yaml:"servers"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // "json" or "console"
}

// DatabaseConfig selects the storage backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"` // "sqlite" or "postgres"
	Path   string `yaml:"path" env:"PATH"`     // sqlite file
	DSN    string `yaml:"dsn" env:"DSN"`       // postgres connection string
}

// BufferConfig holds event buffer tunables
type BufferConfig struct {
	FlushInterval  time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	MaxSize        int           `yaml:"max_size" env:"MAX_SIZE"`
	MaxAge         time.Duration `yaml:"max_age" env:"MAX_AGE"`
	MaxRetries     int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	DeathDelay     time.Duration `yaml:"death_delay" env:"DEATH_DELAY"`
}

// DeadLetterConfig holds dead-letter sink settings
type DeadLetterConfig struct {
	Path     string `yaml:"path" env:"PATH"`
	Compress bool   `yaml:"compress" env:"COMPRESS"`
}

// ReconnectConfig holds connection retry settings. The delay is fixed, not exponential.
type ReconnectConfig struct {
	Delay            time.Duration `yaml:"delay" env:"DELAY"`
	MaxAttempts      int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
}

// VerificationConfig holds account linking settings
type VerificationConfig struct {
	CodeTTL         time.Duration `yaml:"code_ttl" env:"CODE_TTL"`
	SweepInterval   time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	RequestCooldown time.Duration `yaml:"request_cooldown" env:"REQUEST_COOLDOWN"`
	WebhookTimeout  time.Duration `yaml:"webhook_timeout" env:"WEBHOOK_TIMEOUT"`
}

// RetentionConfig holds background pruning settings
type RetentionConfig struct {
	WoundTTL      time.Duration `yaml:"wound_ttl" env:"WOUND_TTL"`
	PruneInterval time.Duration `yaml:"prune_interval" env:"PRUNE_INTERVAL"`
}

// HTTPConfig holds the health/stats API settings
type HTTPConfig struct {
	ListenAddr string     `yaml:"listen_addr" env:"LISTEN_ADDR"`
	Port       int        `yaml:"port" env:"PORT"`
	Auth       AuthConfig `yaml:"auth" envPrefix:"AUTH_"`
}

// AuthConfig protects the verification routes when clients are configured
type AuthConfig struct {
	JWTSecret string            `yaml:"jwt_secret" env:"JWT_SECRET"`
	TokenTTL  time.Duration     `yaml:"token_ttl" env:"TOKEN_TTL"`
	Clients   map[string]string `yaml:"clients"` // client name -> bcrypt hash of its secret
}

// Enabled reports whether bot clients must authenticate
func (a AuthConfig) Enabled() bool {
	return len(a.Clients) > 0
}

// NATSConfig enables downstream notifications when URL is set
type NATSConfig struct {
	URL           string `yaml:"url" env:"URL"`
	SubjectPrefix string `yaml:"subject_prefix" env:"SUBJECT_PREFIX"`
}

// ServerConfig is one game server to ingest from
type ServerConfig struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	LogStats *bool  `yaml:"log_stats"` // nil means true
}

// LogStatsEnabled reports whether events from this server are persisted
func (s ServerConfig) LogStatsEnabled() bool {
	return s.LogStats == nil || *s.LogStats
}

// Load reads configuration from a YAML file, then applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML bytes. ${VAR} references are expanded
// before parsing so tokens can live in the environment.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(expandEnv(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} only. Bare $ is left alone so bcrypt hashes survive.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		return []byte(os.Getenv(string(ref[2 : len(ref)-1])))
	})
}

func (cfg *Config) applyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/squad-tracker/squad.db"
	}

	// Buffer defaults
	if cfg.Buffer.FlushInterval == 0 {
		cfg.Buffer.FlushInterval = 5 * time.Second
	}
	if cfg.Buffer.MaxSize == 0 {
		cfg.Buffer.MaxSize = 100
	}
	if cfg.Buffer.MaxAge == 0 {
		cfg.Buffer.MaxAge = 10 * time.Second
	}
	if cfg.Buffer.MaxRetries == 0 {
		cfg.Buffer.MaxRetries = 3
	}
	if cfg.Buffer.RetryBaseDelay == 0 {
		cfg.Buffer.RetryBaseDelay = time.Second
	}
	if cfg.Buffer.RetryMaxDelay == 0 {
		cfg.Buffer.RetryMaxDelay = 30 * time.Second
	}
	if cfg.Buffer.DeathDelay == 0 {
		cfg.Buffer.DeathDelay = 10 * time.Second
	}

	if cfg.DeadLetter.Path == "" {
		cfg.DeadLetter.Path = "./logs/dead-letter"
	}

	if cfg.Reconnect.Delay == 0 {
		cfg.Reconnect.Delay = 30 * time.Second
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = 10
	}
	if cfg.Reconnect.HandshakeTimeout == 0 {
		cfg.Reconnect.HandshakeTimeout = 20 * time.Second
	}

	if cfg.Verification.CodeTTL == 0 {
		cfg.Verification.CodeTTL = 10 * time.Minute
	}
	if cfg.Verification.SweepInterval == 0 {
		cfg.Verification.SweepInterval = time.Minute
	}
	if cfg.Verification.RequestCooldown == 0 {
		cfg.Verification.RequestCooldown = 10 * time.Second
	}
	if cfg.Verification.WebhookTimeout == 0 {
		cfg.Verification.WebhookTimeout = 10 * time.Second
	}

	if cfg.Retention.WoundTTL == 0 {
		cfg.Retention.WoundTTL = 10 * time.Minute
	}
	if cfg.Retention.PruneInterval == 0 {
		cfg.Retention.PruneInterval = time.Minute
	}

	if cfg.HTTP.ListenAddr == "" {
		cfg.HTTP.ListenAddr = "127.0.0.1"
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8090
	}
	if cfg.HTTP.Auth.TokenTTL == 0 {
		cfg.HTTP.Auth.TokenTTL = time.Hour
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "squad"
	}
}

// Validate checks the configuration for values the pipeline cannot run with
func (cfg *Config) Validate() error {
	var errs []error

	switch cfg.Database.Driver {
	case "sqlite":
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", cfg.Database.Driver))
	}

	if cfg.Buffer.MaxSize < 1 {
		errs = append(errs, fmt.Errorf("buffer.max_size must be positive, got %d", cfg.Buffer.MaxSize))
	}
	if cfg.Buffer.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("buffer.max_retries must not be negative, got %d", cfg.Buffer.MaxRetries))
	}
	if cfg.Buffer.FlushInterval < 0 || cfg.Buffer.MaxAge < 0 || cfg.Buffer.DeathDelay < 0 {
		errs = append(errs, errors.New("buffer durations must not be negative"))
	}

	if cfg.HTTP.Auth.Enabled() && len(cfg.HTTP.Auth.JWTSecret) < 16 {
		errs = append(errs, errors.New("http.auth.jwt_secret must be at least 16 characters when clients are configured"))
	}

	seen := make(map[string]bool)
	for i, srv := range cfg.Servers {
		if srv.ID == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: id is required", i))
		} else if seen[srv.ID] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate id %q", i, srv.ID))
		}
		seen[srv.ID] = true

		u, err := url.Parse(srv.URL)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: invalid url %q", i, srv.URL))
			continue
		}
		switch u.Scheme {
		case "ws", "wss", "http", "https":
		default:
			errs = append(errs, fmt.Errorf("servers[%d]: unsupported scheme %q", i, u.Scheme))
		}
	}

	return errors.Join(errs...)
}
