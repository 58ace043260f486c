package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Database       DatabaseConfig       `yaml:"database"`
	Bus            BusConfig            `yaml:"bus"`
	Auth           AuthConfig           `yaml:"auth"`
	Arbiter        ArbiterConfig        `yaml:"arbiter"`
	Closer         CloserConfig         `yaml:"closer"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "memory"
	// URL, when set, is used verbatim as the connection string.
	URL string `yaml:"url"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// BusConfig holds pub/sub bus settings.
type BusConfig struct {
	// URL is the Redis connection string, e.g. redis://localhost:6379/0.
	URL string `yaml:"url"`
}

// AuthConfig holds bearer token verification settings.
type AuthConfig struct {
	PublicKeyPath string `yaml:"public_key_path"`
	Audience      string `yaml:"audience"`
	Issuer        string `yaml:"issuer"`
}

// ArbiterConfig holds bid arbitration settings.
type ArbiterConfig struct {
	// BidTimeout is the per-call deadline for a bid transaction.
	BidTimeout time.Duration `yaml:"bid_timeout"`
}

// CloserConfig holds auction closer sweep settings.
type CloserConfig struct {
	Interval   time.Duration `yaml:"interval"`
	MaxRetries int           `yaml:"max_retries"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings. The closer
// sweep runs only on the elected leader when enabled.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			DBName:  "auctiond",
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Bus: BusConfig{
			URL: "redis://localhost:6379/0",
		},
		Auth: AuthConfig{
			PublicKeyPath: "secrets/public_key.pem",
			Audience:      "auction:realtime",
			Issuer:        "auction:core",
		},
		Arbiter: ArbiterConfig{
			BidTimeout: 5 * time.Second,
		},
		Closer: CloserConfig{
			Interval:   60 * time.Second,
			MaxRetries: 3,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-closer",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
	}
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("BUS_URL"); v != "" {
		c.Bus.URL = v
	}
	if v := os.Getenv("JWT_PUBLIC_KEY_PATH"); v != "" {
		c.Auth.PublicKeyPath = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		c.Auth.Audience = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		c.Auth.Issuer = v
	}
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver)
	}
	if c.Arbiter.BidTimeout <= 0 {
		return fmt.Errorf("arbiter.bid_timeout must be positive, got %s", c.Arbiter.BidTimeout)
	}
	if c.Closer.Interval <= 0 {
		return fmt.Errorf("closer.interval must be positive, got %s", c.Closer.Interval)
	}
	if c.Closer.MaxRetries < 0 {
		return fmt.Errorf("closer.max_retries must be non-negative, got %d", c.Closer.MaxRetries)
	}
	return nil
}
