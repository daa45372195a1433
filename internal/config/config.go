// ABOUTME: Configuration loading and parsing for warren-control
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warren-control configuration
type Config struct {
	Replica  ReplicaConfig  `yaml:"replica"`
	Store    StoreConfig    `yaml:"store"`
	Registry RegistryConfig `yaml:"registry"`
	Queue    QueueConfig    `yaml:"queue"`
	Election ElectionConfig `yaml:"election"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ReplicaConfig identifies this control plane replica
type ReplicaConfig struct {
	ID string `yaml:"id"`
}

// StoreConfig selects and locates the coordination store
type StoreConfig struct {
	// Driver is "sqlite" (shared durable store) or "memory" (single
	// process, used by simulate and tests)
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// RegistryConfig holds agent liveness timing
type RegistryConfig struct {
	HeartbeatTTL  time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatTTLRaw  string `yaml:"heartbeat_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// QueueConfig holds task queue behavior
type QueueConfig struct {
	ClaimLease     time.Duration `yaml:"-"`
	ExpireInterval time.Duration `yaml:"-"`
	Retention      time.Duration `yaml:"-"`
	MaxAttempts    int           `yaml:"max_attempts"`

	// Raw string values for YAML unmarshaling
	ClaimLeaseRaw     string `yaml:"claim_lease"`
	ExpireIntervalRaw string `yaml:"expire_interval"`
	RetentionRaw      string `yaml:"retention"`
}

// ElectionConfig holds leader lease timing
type ElectionConfig struct {
	LeaseTTL      time.Duration `yaml:"-"`
	RenewInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	LeaseTTLRaw      string `yaml:"lease_ttl"`
	RenewIntervalRaw string `yaml:"renew_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values, and absent fields
// take the documented defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in every field the file left unset.
func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Registry.HeartbeatTTL == 0 {
		c.Registry.HeartbeatTTL = 30 * time.Second
	}
	if c.Registry.SweepInterval == 0 {
		c.Registry.SweepInterval = 5 * time.Second
	}
	if c.Queue.ClaimLease == 0 {
		c.Queue.ClaimLease = 60 * time.Second
	}
	if c.Queue.ExpireInterval == 0 {
		c.Queue.ExpireInterval = 5 * time.Second
	}
	if c.Queue.Retention == 0 {
		c.Queue.Retention = 24 * time.Hour
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Election.LeaseTTL == 0 {
		c.Election.LeaseTTL = 15 * time.Second
	}
	if c.Election.RenewInterval == 0 {
		c.Election.RenewInterval = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required with the sqlite driver")
		}
	case "memory":
		// No path needed; state lives in process.
	default:
		return fmt.Errorf("store.driver must be \"sqlite\" or \"memory\", got %q", c.Store.Driver)
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"registry.heartbeat_ttl", c.Registry.HeartbeatTTL},
		{"registry.sweep_interval", c.Registry.SweepInterval},
		{"queue.claim_lease", c.Queue.ClaimLease},
		{"queue.expire_interval", c.Queue.ExpireInterval},
		{"queue.retention", c.Queue.Retention},
		{"election.lease_ttl", c.Election.LeaseTTL},
		{"election.renew_interval", c.Election.RenewInterval},
	}
	for _, f := range durations {
		if f.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", f.key, f.d)
		}
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}

	// A renewal cadence at or past the lease TTL guarantees the leader
	// lapses between renewals.
	if c.Election.RenewInterval >= c.Election.LeaseTTL {
		return fmt.Errorf("election.renew_interval (%s) must be shorter than election.lease_ttl (%s)",
			c.Election.RenewInterval, c.Election.LeaseTTL)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_ttl", cfg.Registry.HeartbeatTTLRaw, &cfg.Registry.HeartbeatTTL},
		{"sweep_interval", cfg.Registry.SweepIntervalRaw, &cfg.Registry.SweepInterval},
		{"claim_lease", cfg.Queue.ClaimLeaseRaw, &cfg.Queue.ClaimLease},
		{"expire_interval", cfg.Queue.ExpireIntervalRaw, &cfg.Queue.ExpireInterval},
		{"retention", cfg.Queue.RetentionRaw, &cfg.Queue.Retention},
		{"lease_ttl", cfg.Election.LeaseTTLRaw, &cfg.Election.LeaseTTL},
		{"renew_interval", cfg.Election.RenewIntervalRaw, &cfg.Election.RenewInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.key, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
