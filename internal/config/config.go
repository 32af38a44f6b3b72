package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ratelimitd configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Storage       StorageConfig       `yaml:"storage" json:"storage"`
	Auth          AuthConfig          `yaml:"auth" json:"auth"`
	Rules         []RuleConfig        `yaml:"rules" json:"rules"`
	UpstreamURL   string              `yaml:"upstream_url" json:"upstream_url"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" json:"http_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" json:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// TrustedProxies are the peer addresses whose X-Forwarded-For is honoured
	TrustedProxies []string `yaml:"trusted_proxies" json:"trusted_proxies"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level            string            `yaml:"level" json:"level"`
	Format           string            `yaml:"format" json:"format"` // json or text
	Output           string            `yaml:"output" json:"output"` // stdout, stderr, or file path
	SanitizePatterns []string          `yaml:"sanitize_patterns" json:"sanitize_patterns"`
	ComponentLevels  map[string]string `yaml:"component_levels" json:"component_levels"`
}

// StorageConfig selects and configures the rate limit storage backend
type StorageConfig struct {
	Backend  string         `yaml:"backend" json:"backend"` // memory, redis or dynamodb
	Memory   MemoryConfig   `yaml:"memory" json:"memory"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
	DynamoDB DynamoDBConfig `yaml:"dynamodb" json:"dynamodb"`
}

// MemoryConfig configures the in-process backend
type MemoryConfig struct {
	// SweepInterval is how often expired records are removed, 0 disables the sweep
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	Shards        int           `yaml:"shards" json:"shards"`
}

// RedisConfig configures the Redis backend
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// DynamoDBConfig configures the DynamoDB backend
type DynamoDBConfig struct {
	Table    string `yaml:"table" json:"table"`
	Region   string `yaml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// AuthConfig contains JWT session validation configuration
type AuthConfig struct {
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	CookieName          string        `yaml:"cookie_name" json:"cookie_name"`
	JWTSigningAlgorithm string        `yaml:"jwt_signing_algorithm" json:"jwt_signing_algorithm"`
	JWTSharedSecret     string        `yaml:"jwt_shared_secret" json:"jwt_shared_secret"`
	ClockSkewTolerance  time.Duration `yaml:"clock_skew_tolerance" json:"clock_skew_tolerance"`
}

// Rule scopes
const (
	ScopeUser   = "user"
	ScopeChat   = "chat"
	ScopeGlobal = "global"
	ScopeIP     = "ip"
	ScopeRoute  = "route"
)

// Rule strategies
const (
	StrategyFixedWindow = "fixed_window"
	StrategyTokenBucket = "token_bucket"
)

// RuleConfig defines one rate limiting rule applied to proxied requests
type RuleConfig struct {
	Name      string `yaml:"name" json:"name"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
	Scope     string `yaml:"scope" json:"scope"`
	Strategy  string `yaml:"strategy" json:"strategy"`

	// Fixed window
	Limit  int           `yaml:"limit" json:"limit"`
	Window time.Duration `yaml:"window" json:"window"`

	// Token bucket
	BucketSize        float64       `yaml:"bucket_size" json:"bucket_size"`
	Interval          time.Duration `yaml:"interval" json:"interval"`
	TokensPerInterval float64       `yaml:"tokens_per_interval" json:"tokens_per_interval"`

	// Penalty mutes a throttled entity for this long, 0 disables it
	Penalty time.Duration `yaml:"penalty" json:"penalty"`

	// AdminLimit replaces Limit for users holding any of AdminRoles (fixed window only)
	AdminLimit int      `yaml:"admin_limit" json:"admin_limit"`
	AdminRoles []string `yaml:"admin_roles" json:"admin_roles"`

	// OnlyMethods and PathPrefix restrict which requests the rule applies to
	OnlyMethods []string `yaml:"only_methods" json:"only_methods"`
	PathPrefix  string   `yaml:"path_prefix" json:"path_prefix"`
}

// ObservabilityConfig contains observability configuration
type ObservabilityConfig struct {
	MetricsEnabled    bool    `yaml:"metrics_enabled" json:"metrics_enabled"`
	MetricsPort       int     `yaml:"metrics_port" json:"metrics_port"`
	MetricsPath       string  `yaml:"metrics_path" json:"metrics_path"`
	HealthPath        string  `yaml:"health_path" json:"health_path"`
	ReadinessPath     string  `yaml:"readiness_path" json:"readiness_path"`
	LivenessPath      string  `yaml:"liveness_path" json:"liveness_path"`
	TracingEnabled    bool    `yaml:"tracing_enabled" json:"tracing_enabled"`
	TracingEndpoint   string  `yaml:"tracing_endpoint" json:"tracing_endpoint"`
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
	ServiceName       string  `yaml:"service_name" json:"service_name"`
}

var (
	globalConfig *Config
	configMu     sync.RWMutex
)

// Load loads configuration from file with environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := &Config{}

	cfg.setDefaults()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// Get returns the global configuration
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	// Server defaults
	c.Server.HTTPPort = 8080
	c.Server.ReadTimeout = 30 * time.Second
	c.Server.WriteTimeout = 30 * time.Second
	c.Server.IdleTimeout = 120 * time.Second
	c.Server.MaxHeaderBytes = 1 << 20 // 1 MB
	c.Server.ShutdownTimeout = 30 * time.Second

	// Logging defaults
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Logging.Output = "stdout"

	// Storage defaults
	c.Storage.Backend = "memory"
	c.Storage.Memory.SweepInterval = 30 * time.Second
	c.Storage.Memory.Shards = 32
	c.Storage.DynamoDB.Table = "ratelimitd"

	// Auth defaults
	c.Auth.Enabled = false
	c.Auth.CookieName = "session_token"
	c.Auth.JWTSigningAlgorithm = "HS256"
	c.Auth.ClockSkewTolerance = 5 * time.Second

	// Observability defaults
	c.Observability.MetricsEnabled = true
	c.Observability.MetricsPort = 9090
	c.Observability.MetricsPath = "/metrics"
	c.Observability.HealthPath = "/_health"
	c.Observability.ReadinessPath = "/_health/ready"
	c.Observability.LivenessPath = "/_health/live"
	c.Observability.TracingEnabled = false
	c.Observability.TracingSampleRate = 1.0
	c.Observability.ServiceName = "ratelimitd"
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}

	// Validate logging config
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be 'json' or 'text')", c.Logging.Format)
	}

	// Validate storage config
	switch c.Storage.Backend {
	case "memory":
		if c.Storage.Memory.SweepInterval < 0 {
			return fmt.Errorf("memory sweep interval must not be negative")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage backend is redis but redis address not specified")
		}
	case "dynamodb":
		if c.Storage.DynamoDB.Table == "" {
			return fmt.Errorf("storage backend is dynamodb but table not specified")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be 'memory', 'redis' or 'dynamodb')", c.Storage.Backend)
	}

	// Validate auth config
	if c.Auth.Enabled {
		if c.Auth.CookieName == "" {
			return fmt.Errorf("auth enabled but cookie name not specified")
		}
		validAlgos := map[string]bool{"HS256": true, "HS384": true, "HS512": true}
		if !validAlgos[c.Auth.JWTSigningAlgorithm] {
			return fmt.Errorf("invalid JWT signing algorithm: %s (must be HS256, HS384 or HS512)", c.Auth.JWTSigningAlgorithm)
		}
		if c.Auth.JWTSharedSecret == "" {
			return fmt.Errorf("auth enabled but shared secret not specified")
		}
	}

	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid upstream URL: %s", c.UpstreamURL)
		}
	}

	// Validate rules
	names := make(map[string]bool, len(c.Rules))
	for i, rule := range c.Rules {
		if err := rule.validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if names[rule.Name] {
			return fmt.Errorf("rule %d: duplicate name %q", i, rule.Name)
		}
		names[rule.Name] = true
	}

	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1")
	}

	return nil
}

func (r RuleConfig) validate() error {
	if r.Name == "" {
		return fmt.Errorf("name is required")
	}

	switch r.Scope {
	case ScopeUser, ScopeChat, ScopeGlobal, ScopeIP, ScopeRoute:
	default:
		return fmt.Errorf("invalid scope: %q (must be user, chat, global, ip or route)", r.Scope)
	}

	switch r.Strategy {
	case StrategyFixedWindow:
		if r.Limit <= 0 || r.Window <= 0 {
			return fmt.Errorf("fixed window requires positive limit and window")
		}
	case StrategyTokenBucket:
		if r.BucketSize <= 0 || r.Interval <= 0 || r.TokensPerInterval <= 0 {
			return fmt.Errorf("token bucket requires positive bucket_size, interval and tokens_per_interval")
		}
		if r.AdminLimit > 0 {
			return fmt.Errorf("admin_limit is only supported by the fixed window strategy")
		}
	default:
		return fmt.Errorf("invalid strategy: %q (must be fixed_window or token_bucket)", r.Strategy)
	}

	if r.Penalty < 0 {
		return fmt.Errorf("penalty must not be negative")
	}
	if r.AdminLimit < 0 {
		return fmt.Errorf("admin_limit must not be negative")
	}
	if r.AdminLimit > 0 && len(r.AdminRoles) == 0 {
		return fmt.Errorf("admin_limit requires admin_roles")
	}
	return nil
}

// loadFromFile loads configuration from a file (YAML or JSON)
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s (use .yaml, .yml, or .json)", ext)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides
// Environment variables should be prefixed with RATELIMITD_
func applyEnvOverrides(cfg *Config) error {
	prefix := "RATELIMITD_"

	// Server overrides
	if val := os.Getenv(prefix + "HTTP_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid HTTP_PORT: %w", err)
		}
		cfg.Server.HTTPPort = port
	}

	// Logging overrides
	if val := os.Getenv(prefix + "LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv(prefix + "LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
	if val := os.Getenv(prefix + "LOG_OUTPUT"); val != "" {
		cfg.Logging.Output = val
	}

	// Storage overrides
	if val := os.Getenv(prefix + "STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv(prefix + "REDIS_ADDR"); val != "" {
		cfg.Storage.Redis.Addr = val
	}
	if val := os.Getenv(prefix + "REDIS_PASSWORD"); val != "" {
		cfg.Storage.Redis.Password = val
	}
	if val := os.Getenv(prefix + "REDIS_DB"); val != "" {
		db, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.Storage.Redis.DB = db
	}
	if val := os.Getenv(prefix + "DYNAMODB_TABLE"); val != "" {
		cfg.Storage.DynamoDB.Table = val
	}
	if val := os.Getenv(prefix + "DYNAMODB_REGION"); val != "" {
		cfg.Storage.DynamoDB.Region = val
	}
	if val := os.Getenv(prefix + "DYNAMODB_ENDPOINT"); val != "" {
		cfg.Storage.DynamoDB.Endpoint = val
	}

	// Auth overrides
	if val := os.Getenv(prefix + "AUTH_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid AUTH_ENABLED: %w", err)
		}
		cfg.Auth.Enabled = enabled
	}
	if val := os.Getenv(prefix + "AUTH_COOKIE_NAME"); val != "" {
		cfg.Auth.CookieName = val
	}
	if val := os.Getenv(prefix + "JWT_SIGNING_ALGORITHM"); val != "" {
		cfg.Auth.JWTSigningAlgorithm = val
	}
	if val := os.Getenv(prefix + "JWT_SHARED_SECRET"); val != "" {
		cfg.Auth.JWTSharedSecret = val
	}

	if val := os.Getenv(prefix + "UPSTREAM_URL"); val != "" {
		cfg.UpstreamURL = val
	}

	// Observability overrides
	if val := os.Getenv(prefix + "TRACING_ENABLED"); val != "" {
		enabled, err := strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("invalid TRACING_ENABLED: %w", err)
		}
		cfg.Observability.TracingEnabled = enabled
	}
	if val := os.Getenv(prefix + "TRACING_ENDPOINT"); val != "" {
		cfg.Observability.TracingEndpoint = val
	}

	return nil
}
