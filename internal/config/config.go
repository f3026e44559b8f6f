// ABOUTME: Configuration loading and parsing for copilot-bridge
// ABOUTME: Supports YAML files with environment variable expansion, env overrides and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables recognised on top of the YAML file.
const (
	EnvTenantID        = "AI_AGENT_TENANT_ID"
	EnvClientID        = "AI_AGENT_CLIENT_ID"
	EnvClientSecret    = "AI_AGENT_CLIENT_SECRET_VALUE"
	EnvProjectEndpoint = "PROJECT_ENDPOINT"
	EnvAgentID         = "COPILOT_AGENT_ID"
	EnvHandlerPort     = "FUNCTIONS_CUSTOMHANDLER_PORT"
	EnvFunctionKey     = "COPILOT_BRIDGE_FUNCTION_KEY"
)

// Defaults applied when the corresponding field is left empty.
const (
	DefaultHTTPAddr       = "localhost:7071"
	DefaultAuthorityHost  = "https://login.microsoftonline.com"
	DefaultTokenScope     = "https://ai.azure.com/.default"
	DefaultAPIVersion     = "v1"
	DefaultMaxRetries     = 2
	DefaultPollInterval   = 200 * time.Millisecond
	DefaultPollTimeout    = 2 * time.Minute
	DefaultTokenTimeout   = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultIdempotencyTTL = 10 * time.Minute
	DefaultIdempotencyMax = 10_000
)

// Config represents the complete copilot-bridge configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Agent       AgentConfig       `yaml:"agent"`
	Database    DatabaseConfig    `yaml:"database"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// RoutePrefix is prepended to the function routes, e.g. "/api".
	RoutePrefix string `yaml:"route_prefix"`
}

// AuthConfig holds function-level key configuration.
// An empty key list disables key enforcement.
type AuthConfig struct {
	FunctionKeys []string `yaml:"function_keys"`
}

// AgentConfig describes the remote agent-hosting service and how to reach it
type AgentConfig struct {
	TenantID        string `yaml:"tenant_id"`
	ClientID        string `yaml:"client_id"`
	ClientSecret    string `yaml:"client_secret"`
	AuthorityHost   string `yaml:"authority_host"`
	TokenScope      string `yaml:"token_scope"`
	ProjectEndpoint string `yaml:"project_endpoint"`
	AgentID         string `yaml:"agent_id"`
	APIVersion      string `yaml:"api_version"`
	MaxRetries      *int   `yaml:"max_retries"`

	PollInterval time.Duration `yaml:"-"`
	PollTimeout  time.Duration `yaml:"-"`
	// TokenTimeout bounds one request to the identity provider.
	TokenTimeout time.Duration `yaml:"-"`
	// RequestTimeout bounds one HTTP call to the agent service.
	RequestTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw   string `yaml:"poll_interval"`
	PollTimeoutRaw    string `yaml:"poll_timeout"`
	TokenTimeoutRaw   string `yaml:"token_timeout"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// DatabaseConfig holds the optional invocation ledger location.
// An empty path disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// IdempotencyConfig controls the Idempotency-Key replay cache
type IdempotencyConfig struct {
	TTL        time.Duration `yaml:"-"`
	MaxEntries int           `yaml:"max_entries"`

	TTLRaw string `yaml:"ttl"`
}

// RateLimitConfig limits invocations per second across all callers.
// Zero RequestsPerSecond disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// An empty path skips the file and builds the configuration from the environment alone.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// Expand environment variables in the raw YAML content
		expandedData := expandEnvVars(string(data))

		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides fills fields left empty by the file from the recognised
// environment variables. Values set in the file win.
func applyEnvOverrides(cfg *Config) {
	setIfEmpty(&cfg.Agent.TenantID, EnvTenantID)
	setIfEmpty(&cfg.Agent.ClientID, EnvClientID)
	setIfEmpty(&cfg.Agent.ClientSecret, EnvClientSecret)
	setIfEmpty(&cfg.Agent.ProjectEndpoint, EnvProjectEndpoint)
	setIfEmpty(&cfg.Agent.AgentID, EnvAgentID)

	if cfg.Server.HTTPAddr == "" {
		if port := os.Getenv(EnvHandlerPort); port != "" {
			cfg.Server.HTTPAddr = ":" + port
		}
	}

	if key := os.Getenv(EnvFunctionKey); key != "" && len(cfg.Auth.FunctionKeys) == 0 {
		cfg.Auth.FunctionKeys = []string{key}
	}
}

func setIfEmpty(field *string, envName string) {
	if *field != "" {
		return
	}
	*field = os.Getenv(envName)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	cfg.Server.RoutePrefix = normalizePrefix(cfg.Server.RoutePrefix)

	if cfg.Agent.AuthorityHost == "" {
		cfg.Agent.AuthorityHost = DefaultAuthorityHost
	}
	if cfg.Agent.TokenScope == "" {
		cfg.Agent.TokenScope = DefaultTokenScope
	}
	if cfg.Agent.APIVersion == "" {
		cfg.Agent.APIVersion = DefaultAPIVersion
	}
	if cfg.Agent.MaxRetries == nil {
		n := DefaultMaxRetries
		cfg.Agent.MaxRetries = &n
	}
	if cfg.Agent.PollInterval == 0 {
		cfg.Agent.PollInterval = DefaultPollInterval
	}
	if cfg.Agent.PollTimeout == 0 {
		cfg.Agent.PollTimeout = DefaultPollTimeout
	}
	if cfg.Agent.TokenTimeout == 0 {
		cfg.Agent.TokenTimeout = DefaultTokenTimeout
	}
	if cfg.Agent.RequestTimeout == 0 {
		cfg.Agent.RequestTimeout = DefaultRequestTimeout
	}

	if cfg.Idempotency.TTL == 0 {
		cfg.Idempotency.TTL = DefaultIdempotencyTTL
	}
	if cfg.Idempotency.MaxEntries == 0 {
		cfg.Idempotency.MaxEntries = DefaultIdempotencyMax
	}

	if cfg.RateLimit.RequestsPerSecond > 0 && cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 1
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// normalizePrefix turns "api", "/api/" and "/api" into "/api" and "/" into "".
func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Agent.ProjectEndpoint == "" {
		return fmt.Errorf("agent.project_endpoint is required (or set %s)", EnvProjectEndpoint)
	}
	u, err := url.Parse(c.Agent.ProjectEndpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("agent.project_endpoint %q is not an absolute URL", c.Agent.ProjectEndpoint)
	}

	if c.Agent.AgentID == "" {
		return fmt.Errorf("agent.agent_id is required (or set %s)", EnvAgentID)
	}
	if c.Agent.TenantID == "" {
		return fmt.Errorf("agent.tenant_id is required (or set %s)", EnvTenantID)
	}
	if c.Agent.ClientID == "" {
		return fmt.Errorf("agent.client_id is required (or set %s)", EnvClientID)
	}
	if c.Agent.ClientSecret == "" {
		return fmt.Errorf("agent.client_secret is required (or set %s)", EnvClientSecret)
	}

	if c.Agent.MaxRetries != nil && *c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries must not be negative")
	}
	if c.Agent.PollInterval < 0 || c.Agent.PollTimeout < 0 {
		return fmt.Errorf("agent poll durations must be positive")
	}
	if c.Agent.TokenTimeout < 0 || c.Agent.RequestTimeout < 0 {
		return fmt.Errorf("agent timeouts must be positive")
	}
	if c.Agent.PollTimeout < c.Agent.PollInterval {
		return fmt.Errorf("agent.poll_timeout (%s) must not be shorter than agent.poll_interval (%s)",
			c.Agent.PollTimeout, c.Agent.PollInterval)
	}

	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agent.PollIntervalRaw != "" {
		cfg.Agent.PollInterval, err = time.ParseDuration(cfg.Agent.PollIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_interval %q: %w", cfg.Agent.PollIntervalRaw, err)
		}
	}

	if cfg.Agent.PollTimeoutRaw != "" {
		cfg.Agent.PollTimeout, err = time.ParseDuration(cfg.Agent.PollTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing poll_timeout %q: %w", cfg.Agent.PollTimeoutRaw, err)
		}
	}

	if cfg.Agent.TokenTimeoutRaw != "" {
		cfg.Agent.TokenTimeout, err = time.ParseDuration(cfg.Agent.TokenTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing token_timeout %q: %w", cfg.Agent.TokenTimeoutRaw, err)
		}
	}

	if cfg.Agent.RequestTimeoutRaw != "" {
		cfg.Agent.RequestTimeout, err = time.ParseDuration(cfg.Agent.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Agent.RequestTimeoutRaw, err)
		}
	}

	if cfg.Idempotency.TTLRaw != "" {
		cfg.Idempotency.TTL, err = time.ParseDuration(cfg.Idempotency.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing idempotency ttl %q: %w", cfg.Idempotency.TTLRaw, err)
		}
	}

	return nil
}
