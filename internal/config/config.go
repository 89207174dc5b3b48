package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultGraderEndpoint is the upstream card grading API.
const DefaultGraderEndpoint = "https://api.ximilar.com/card-grader/v2/grade"

// ErrMissingCredential is reported when direct mode has no API key configured.
var ErrMissingCredential = errors.New("missing API key")

// Config holds process-wide settings for both the relay and the client.
type Config struct {
	APIKey         string        `yaml:"api_key"`
	GraderEndpoint string        `yaml:"grader_endpoint"`
	AuthScheme     string        `yaml:"auth_scheme"`
	RelayURL       string        `yaml:"relay_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`

	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	RedisAddr   string        `yaml:"redis_addr"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	DatabaseDSN string        `yaml:"database_dsn"`

	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`

	RateLimitRPS   int `yaml:"rate_limit_rps"`
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// Defaults returns a configuration with every optional field populated.
func Defaults() *Config {
	return &Config{
		GraderEndpoint: DefaultGraderEndpoint,
		AuthScheme:     "Token",
		RequestTimeout: 60 * time.Second,
		MaxUploadBytes: 10 << 20,
		HTTPAddr:       ":8080",
		GRPCAddr:       ":9090",
		CacheTTL:       10 * time.Minute,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
	}
}

// Loader reads configuration from an optional YAML file, an optional .env
// file and the process environment, in that order of precedence (lowest first).
type Loader struct {
	useDotEnv bool
	path      string
	lookup    func(string) (string, bool)
}

// NewLoader creates a loader backed by the real process environment.
func NewLoader() *Loader {
	return &Loader{
		useDotEnv: true,
		path:      os.Getenv("CARD_GRADER_CONFIG"),
		lookup:    os.LookupEnv,
	}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithFile sets the YAML file to read before environment overrides.
func (l *Loader) WithFile(path string) *Loader {
	l.path = path
	return l
}

// WithLookup overrides the environment lookup (useful for tests).
func (l *Loader) WithLookup(lookup func(string) (string, bool)) *Loader {
	if lookup != nil {
		l.lookup = lookup
	}
	return l
}

// Load builds the configuration.
func (l *Loader) Load() (*Config, error) {
	if l.useDotEnv {
		// A missing .env file is normal outside local development.
		_ = godotenv.Load()
	}

	cfg := Defaults()
	if l.path != "" {
		raw, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", l.path, err)
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	setString := func(target *string, keys ...string) {
		for _, key := range keys {
			if v, ok := l.lookup(key); ok && strings.TrimSpace(v) != "" {
				*target = strings.TrimSpace(v)
				return
			}
		}
	}

	setString(&cfg.APIKey, "CARD_GRADER_API_KEY", "VITE_XIMILAR_API_KEY")
	setString(&cfg.GraderEndpoint, "GRADER_ENDPOINT")
	setString(&cfg.AuthScheme, "GRADER_AUTH_SCHEME")
	setString(&cfg.RelayURL, "RELAY_URL")
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.GRPCAddr, "GRPC_ADDR")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.DatabaseDSN, "DATABASE_DSN")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")

	var errs []error
	if err := l.duration("REQUEST_TIMEOUT", &cfg.RequestTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := l.duration("CACHE_TTL", &cfg.CacheTTL); err != nil {
		errs = append(errs, err)
	}
	if err := l.integer("RATE_LIMIT_RPS", &cfg.RateLimitRPS); err != nil {
		errs = append(errs, err)
	}
	if err := l.integer("RATE_LIMIT_BURST", &cfg.RateLimitBurst); err != nil {
		errs = append(errs, err)
	}
	if v, ok := l.lookup("MAX_UPLOAD_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES: %w", err))
		} else {
			cfg.MaxUploadBytes = n
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) duration(key string, target *time.Duration) error {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = d
	return nil
}

func (l *Loader) integer(key string, target *int) error {
	v, ok := l.lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = n
	return nil
}

func (c *Config) validate() error {
	if c.GraderEndpoint == "" {
		return errors.New("grader endpoint must not be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive, got %d", c.MaxUploadBytes)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return errors.New("rate limit settings must not be negative")
	}
	return nil
}

// Relayed reports whether the client should talk to a relay instead of the
// upstream endpoint.
func (c *Config) Relayed() bool {
	return strings.TrimSpace(c.RelayURL) != ""
}

// HasCredential reports whether an API key is configured.
func (c *Config) HasCredential() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// ValidateClient checks the settings the client needs for its deployment mode.
// The credential is only required when talking to the upstream directly.
func (c *Config) ValidateClient() error {
	if !c.Relayed() && !c.HasCredential() {
		return ErrMissingCredential
	}
	return nil
}
