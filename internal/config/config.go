package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dskow/upstream-guard/internal/batch"
	"github.com/dskow/upstream-guard/internal/cache"
	"github.com/dskow/upstream-guard/internal/circuitbreaker"
	"github.com/dskow/upstream-guard/internal/executor"
	"github.com/dskow/upstream-guard/internal/metrics"
	"github.com/dskow/upstream-guard/internal/ratelimit"
	"github.com/dskow/upstream-guard/internal/tlsutil"
)

// Dependency kinds. The kind selects the operation set and default upstream
// paths a dependency is reached through.
const (
	KindVectorSearch = "vector_search"
	KindEmbedding    = "embedding"
	KindLLMRouter    = "llm_router"
	KindREST         = "rest"
)

var validKinds = []string{KindVectorSearch, KindEmbedding, KindLLMRouter, KindREST}

// Config is the top-level guard configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Auth           AuthConfig           `yaml:"auth" json:"auth"`
	Admin          AdminConfig          `yaml:"admin" json:"admin"`
	Health         HealthConfig         `yaml:"health" json:"health"`
	Cache          CacheConfig          `yaml:"cache" json:"cache"`
	Batch          BatchConfig          `yaml:"batch" json:"batch"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Dependencies   []DependencyConfig   `yaml:"dependencies" json:"dependencies"`

	// Warnings collects non-fatal issues found during config loading.
	Warnings []string `yaml:"-" json:"warnings,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint and the in-process
// metrics store.
type MetricsConfig struct {
	Enabled             *bool         `yaml:"enabled" json:"enabled"`
	Path                string        `yaml:"path" json:"path"`
	Retention           time.Duration `yaml:"retention" json:"retention"`
	SnapshotWindow      time.Duration `yaml:"snapshot_window" json:"snapshot_window"`
	MaxSamplesPerSeries int           `yaml:"max_samples_per_series" json:"max_samples_per_series"`
	SweepInterval       time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// IsEnabled returns whether the Prometheus endpoint is enabled (default true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// StoreConfig converts the section into the metrics store's config.
func (m MetricsConfig) StoreConfig() metrics.StoreConfig {
	return metrics.StoreConfig{
		Retention:           m.Retention,
		SnapshotWindow:      m.SnapshotWindow,
		MaxSamplesPerSeries: m.MaxSamplesPerSeries,
	}
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" json:"max_body_bytes"`
	GlobalTimeoutMs int           `yaml:"global_timeout_ms" json:"global_timeout_ms"`
	TLS             TLSConfig     `yaml:"tls" json:"tls"`
}

// GlobalTimeout returns the per-request deadline, 0 if unset.
func (s ServerConfig) GlobalTimeout() time.Duration {
	return time.Duration(s.GlobalTimeoutMs) * time.Millisecond
}

// TLSConfig holds TLS termination settings for the guard's own listener.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	CertFile   string `yaml:"cert_file" json:"cert_file"`
	KeyFile    string `yaml:"key_file" json:"key_file"`
	MinVersion string `yaml:"min_version" json:"min_version"`
}

// LoggingConfig holds logging output and rotation settings.
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	Output     string `yaml:"output" json:"output"` // "stdout", "stderr", or a file path
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// AdminConfig holds settings for the admin API.
type AdminConfig struct {
	Enabled     bool     `yaml:"enabled" json:"enabled"`
	IPAllowlist []string `yaml:"ip_allowlist" json:"ip_allowlist"`
}

// AuthConfig holds JWT settings guarding admin mutations.
type AuthConfig struct {
	Enabled   bool     `yaml:"enabled" json:"enabled"`
	JWTSecret string   `yaml:"jwt_secret" json:"-"`
	Issuer    string   `yaml:"issuer" json:"issuer"`
	Audience  string   `yaml:"audience" json:"audience"`
	Scopes    []string `yaml:"scopes" json:"scopes"`
}

// HealthConfig controls dependency probing and the readiness cache.
type HealthConfig struct {
	ProbeInterval time.Duration `yaml:"probe_interval" json:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	ReadyCacheTTL time.Duration `yaml:"ready_cache_ttl" json:"ready_cache_ttl"`
}

// CacheConfig configures the adaptive cache.
type CacheConfig struct {
	DefaultTTL       time.Duration            `yaml:"default_ttl" json:"default_ttl"`
	Namespaces       map[string]time.Duration `yaml:"namespaces" json:"namespaces"`
	MinMultiplier    float64                  `yaml:"min_multiplier" json:"min_multiplier"`
	MaxMultiplier    float64                  `yaml:"max_multiplier" json:"max_multiplier"`
	DecayFactor      float64                  `yaml:"decay_factor" json:"decay_factor"`
	FrequencyFloor   float64                  `yaml:"frequency_floor" json:"frequency_floor"`
	PatternRetention time.Duration            `yaml:"pattern_retention" json:"pattern_retention"`
	SweepInterval    time.Duration            `yaml:"sweep_interval" json:"sweep_interval"`
}

// CacheSettings converts the section into the cache's config.
func (c CacheConfig) CacheSettings() cache.Config {
	return cache.Config{
		DefaultTTL:       c.DefaultTTL,
		Namespaces:       c.Namespaces,
		MinMultiplier:    c.MinMultiplier,
		MaxMultiplier:    c.MaxMultiplier,
		DecayFactor:      c.DecayFactor,
		FrequencyFloor:   c.FrequencyFloor,
		PatternRetention: c.PatternRetention,
	}
}

// BatchConfig configures the embedding batch queue.
type BatchConfig struct {
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	MaxWait       time.Duration `yaml:"max_wait" json:"max_wait"`
	FlushTimeout  time.Duration `yaml:"flush_timeout" json:"flush_timeout"`
	FailurePolicy string        `yaml:"failure_policy" json:"failure_policy"`
}

// QueueSettings converts the section into the batch queue's config.
func (b BatchConfig) QueueSettings() batch.Config {
	return batch.Config{
		BatchSize:     b.BatchSize,
		MaxWait:       b.MaxWait,
		FlushTimeout:  b.FlushTimeout,
		FailurePolicy: batch.FailurePolicy(b.FailurePolicy),
	}
}

// CircuitBreakerConfig holds breaker settings. At the top level it supplies
// defaults; per dependency it overrides them field by field.
type CircuitBreakerConfig struct {
	Threshold         int           `yaml:"threshold" json:"threshold"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	ResetTimeout      time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	SlowCallThreshold time.Duration `yaml:"slow_call_threshold" json:"slow_call_threshold"`
}

// BreakerSettings converts the section into the breaker's config.
func (c CircuitBreakerConfig) BreakerSettings() circuitbreaker.Config {
	return circuitbreaker.Config{
		Threshold:         c.Threshold,
		Timeout:           c.Timeout,
		ResetTimeout:      c.ResetTimeout,
		SlowCallThreshold: c.SlowCallThreshold,
	}
}

// RetryConfig holds retry settings, with the same default/override split as
// CircuitBreakerConfig.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay" json:"base_delay"`
	Multiplier  float64       `yaml:"multiplier" json:"multiplier"`
	MaxDelay    time.Duration `yaml:"max_delay" json:"max_delay"`
	Jitter      float64       `yaml:"jitter" json:"jitter"`
}

// Policy converts the section into the executor's retry policy.
func (r RetryConfig) Policy() executor.RetryPolicy {
	return executor.RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay,
		Multiplier:  r.Multiplier,
		MaxDelay:    r.MaxDelay,
		Jitter:      r.Jitter,
	}
}

// RateLimitConfig caps requests to one dependency per rolling window.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests" json:"max_requests"`
	Window      time.Duration `yaml:"window" json:"window"`
}

// Policy converts the section into the limiter's policy.
func (r RateLimitConfig) Policy() ratelimit.Policy {
	return ratelimit.Policy{MaxRequests: r.MaxRequests, Window: r.Window}
}

// ClientTLSConfig configures mutual TLS towards a dependency.
type ClientTLSConfig struct {
	CAFile             string `yaml:"ca_file" json:"ca_file"`
	CertFile           string `yaml:"cert_file" json:"cert_file"`
	KeyFile            string `yaml:"key_file" json:"key_file"`
	ServerName         string `yaml:"server_name" json:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// Configured reports whether any TLS option is set.
func (c ClientTLSConfig) Configured() bool {
	return c != ClientTLSConfig{}
}

// ClientOptions converts the section into tlsutil options.
func (c ClientTLSConfig) ClientOptions() tlsutil.ClientOptions {
	return tlsutil.ClientOptions{
		CAFile:             c.CAFile,
		CertFile:           c.CertFile,
		KeyFile:            c.KeyFile,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

// DependencyConfig describes one upstream dependency.
type DependencyConfig struct {
	Name           string               `yaml:"name" json:"name"`
	Kind           string               `yaml:"kind" json:"kind"`
	BaseURL        string               `yaml:"base_url" json:"base_url"`
	Timeout        time.Duration        `yaml:"timeout" json:"timeout"`
	PoolSize       int                  `yaml:"pool_size" json:"pool_size"`
	HealthPath     string               `yaml:"health_path" json:"health_path"`
	Headers        map[string]string    `yaml:"headers" json:"-"`
	Paths          map[string]string    `yaml:"paths" json:"paths,omitempty"`
	CacheNamespace string               `yaml:"cache_namespace" json:"cache_namespace"`
	TLS            ClientTLSConfig      `yaml:"tls" json:"tls"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

// Dependency returns the named dependency config.
func (c *Config) Dependency(name string) (DependencyConfig, bool) {
	for _, d := range c.Dependencies {
		if d.Name == name {
			return d, true
		}
	}
	return DependencyConfig{}, false
}

// envVarRe matches ${VAR_NAME} patterns for environment variable substitution.
var envVarRe = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} references with environment variable values.
func expandEnvVars(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML config from bytes, applies defaults, and validates.
func LoadFromBytes(data []byte) (*Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.Warnings = collectWarnings(&cfg)

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Retention == 0 {
		cfg.Metrics.Retention = 24 * time.Hour
	}
	if cfg.Metrics.SnapshotWindow == 0 {
		cfg.Metrics.SnapshotWindow = 5 * time.Minute
	}
	if cfg.Metrics.MaxSamplesPerSeries == 0 {
		cfg.Metrics.MaxSamplesPerSeries = 10000
	}
	if cfg.Metrics.SweepInterval == 0 {
		cfg.Metrics.SweepInterval = 5 * time.Minute
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.MinVersion == "" {
		cfg.Server.TLS.MinVersion = "1.2"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1048576 // 1 MB
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 30
	}

	if cfg.Health.ProbeInterval == 0 {
		cfg.Health.ProbeInterval = 30 * time.Second
	}
	if cfg.Health.ProbeTimeout == 0 {
		cfg.Health.ProbeTimeout = 5 * time.Second
	}
	if cfg.Health.ReadyCacheTTL == 0 {
		cfg.Health.ReadyCacheTTL = 5 * time.Second
	}

	// Cache defaults
	cd := cache.DefaultConfig()
	cc := &cfg.Cache
	if cc.DefaultTTL == 0 {
		cc.DefaultTTL = cd.DefaultTTL
	}
	if cc.MinMultiplier == 0 {
		cc.MinMultiplier = cd.MinMultiplier
	}
	if cc.MaxMultiplier == 0 {
		cc.MaxMultiplier = cd.MaxMultiplier
	}
	if cc.DecayFactor == 0 {
		cc.DecayFactor = cd.DecayFactor
	}
	if cc.FrequencyFloor == 0 {
		cc.FrequencyFloor = cd.FrequencyFloor
	}
	if cc.PatternRetention == 0 {
		cc.PatternRetention = cd.PatternRetention
	}
	if cc.SweepInterval == 0 {
		cc.SweepInterval = 5 * time.Minute
	}

	// Batch defaults
	bd := batch.DefaultConfig()
	if cfg.Batch.BatchSize == 0 {
		cfg.Batch.BatchSize = bd.BatchSize
	}
	if cfg.Batch.MaxWait == 0 {
		cfg.Batch.MaxWait = bd.MaxWait
	}
	if cfg.Batch.FlushTimeout == 0 {
		cfg.Batch.FlushTimeout = bd.FlushTimeout
	}
	if cfg.Batch.FailurePolicy == "" {
		cfg.Batch.FailurePolicy = string(bd.FailurePolicy)
	}

	// Breaker and retry defaults, then per-dependency inheritance.
	cbd := circuitbreaker.DefaultConfig()
	cb := &cfg.CircuitBreaker
	if cb.Threshold == 0 {
		cb.Threshold = cbd.Threshold
	}
	if cb.Timeout == 0 {
		cb.Timeout = cbd.Timeout
	}
	if cb.ResetTimeout == 0 {
		cb.ResetTimeout = cbd.ResetTimeout
	}

	rd := executor.DefaultRetryPolicy()
	rc := &cfg.Retry
	if rc.MaxAttempts == 0 {
		rc.MaxAttempts = rd.MaxAttempts
	}
	if rc.BaseDelay == 0 {
		rc.BaseDelay = rd.BaseDelay
	}
	if rc.Multiplier == 0 {
		rc.Multiplier = rd.Multiplier
	}
	if rc.MaxDelay == 0 {
		rc.MaxDelay = rd.MaxDelay
	}

	for i := range cfg.Dependencies {
		d := &cfg.Dependencies[i]
		if d.Kind == "" {
			d.Kind = KindREST
		}
		if d.Timeout == 0 {
			d.Timeout = 30 * time.Second
		}
		if d.PoolSize == 0 {
			d.PoolSize = 4
		}
		if d.HealthPath == "" {
			d.HealthPath = "/health"
		}
		if d.CacheNamespace == "" {
			d.CacheNamespace = d.Name
		}
		inheritBreaker(&d.CircuitBreaker, *cb)
		inheritRetry(&d.Retry, *rc)
	}
}

func inheritBreaker(dst *CircuitBreakerConfig, def CircuitBreakerConfig) {
	if dst.Threshold == 0 {
		dst.Threshold = def.Threshold
	}
	if dst.Timeout == 0 {
		dst.Timeout = def.Timeout
	}
	if dst.ResetTimeout == 0 {
		dst.ResetTimeout = def.ResetTimeout
	}
	if dst.SlowCallThreshold == 0 {
		dst.SlowCallThreshold = def.SlowCallThreshold
	}
}

func inheritRetry(dst *RetryConfig, def RetryConfig) {
	if dst.MaxAttempts == 0 {
		dst.MaxAttempts = def.MaxAttempts
	}
	if dst.BaseDelay == 0 {
		dst.BaseDelay = def.BaseDelay
	}
	if dst.Multiplier == 0 {
		dst.Multiplier = def.Multiplier
	}
	if dst.MaxDelay == 0 {
		dst.MaxDelay = def.MaxDelay
	}
	if dst.Jitter == 0 {
		dst.Jitter = def.Jitter
	}
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must be non-negative")
	}
	if cfg.Server.GlobalTimeoutMs < 0 {
		return fmt.Errorf("server.global_timeout_ms must be non-negative")
	}

	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server.tls.cert_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server.tls.key_file is required when TLS is enabled")
		}
		if cfg.Server.TLS.MinVersion != "1.2" && cfg.Server.TLS.MinVersion != "1.3" {
			return fmt.Errorf("server.tls.min_version must be \"1.2\" or \"1.3\", got %q", cfg.Server.TLS.MinVersion)
		}
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}
	if cfg.Logging.MaxSizeMB < 0 {
		return fmt.Errorf("logging.max_size_mb must be non-negative")
	}

	if cfg.Auth.Enabled {
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
		}
		if cfg.Auth.Issuer == "" {
			return fmt.Errorf("auth.issuer is required when auth is enabled")
		}
		if cfg.Auth.Audience == "" {
			return fmt.Errorf("auth.audience is required when auth is enabled")
		}
	}

	for _, cidr := range cfg.Admin.IPAllowlist {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("admin.ip_allowlist: invalid CIDR %q: %w", cidr, err)
		}
	}

	cc := cfg.Cache
	if cc.DefaultTTL < 0 {
		return fmt.Errorf("cache.default_ttl must be non-negative")
	}
	if cc.MinMultiplier <= 0 || cc.MaxMultiplier < cc.MinMultiplier {
		return fmt.Errorf("cache multipliers must satisfy 0 < min_multiplier <= max_multiplier, got %g and %g",
			cc.MinMultiplier, cc.MaxMultiplier)
	}
	if cc.DecayFactor <= 0 || cc.DecayFactor > 1 {
		return fmt.Errorf("cache.decay_factor must be in (0, 1], got %g", cc.DecayFactor)
	}
	for ns, ttl := range cc.Namespaces {
		if ttl <= 0 {
			return fmt.Errorf("cache.namespaces[%s]: ttl must be positive", ns)
		}
	}

	if cfg.Batch.BatchSize < 1 {
		return fmt.Errorf("batch.batch_size must be at least 1, got %d", cfg.Batch.BatchSize)
	}
	if cfg.Batch.MaxWait < 0 {
		return fmt.Errorf("batch.max_wait must be non-negative")
	}
	switch batch.FailurePolicy(cfg.Batch.FailurePolicy) {
	case batch.FailAll, batch.Isolate:
	default:
		return fmt.Errorf("batch.failure_policy must be %q or %q, got %q", batch.FailAll, batch.Isolate, cfg.Batch.FailurePolicy)
	}

	if len(cfg.Dependencies) == 0 {
		return fmt.Errorf("at least one dependency must be configured")
	}

	seen := make(map[string]bool, len(cfg.Dependencies))
	for i, d := range cfg.Dependencies {
		if d.Name == "" {
			return fmt.Errorf("dependencies[%d]: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("dependencies[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true

		if !slices.Contains(validKinds, d.Kind) {
			return fmt.Errorf("dependencies[%d]: kind must be one of %v, got %q", i, validKinds, d.Kind)
		}
		if d.BaseURL == "" {
			return fmt.Errorf("dependencies[%d]: base_url is required", i)
		}
		u, err := url.Parse(d.BaseURL)
		if err != nil {
			return fmt.Errorf("dependencies[%d]: invalid base_url %q: %w", i, d.BaseURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("dependencies[%d]: base_url scheme must be http or https, got %q", i, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("dependencies[%d]: base_url must include a host", i)
		}
		if d.PoolSize < 1 {
			return fmt.Errorf("dependencies[%d]: pool_size must be at least 1, got %d", i, d.PoolSize)
		}
		if d.Timeout < 0 {
			return fmt.Errorf("dependencies[%d]: timeout must be non-negative", i)
		}
		if d.CircuitBreaker.Threshold < 1 {
			return fmt.Errorf("dependencies[%d]: circuit_breaker.threshold must be at least 1", i)
		}
		if d.Retry.MaxAttempts < 1 {
			return fmt.Errorf("dependencies[%d]: retry.max_attempts must be at least 1", i)
		}
		if d.Retry.Multiplier < 1 {
			return fmt.Errorf("dependencies[%d]: retry.multiplier must be at least 1, got %g", i, d.Retry.Multiplier)
		}
		if d.RateLimit.MaxRequests < 0 {
			return fmt.Errorf("dependencies[%d]: rate_limit.max_requests must be non-negative", i)
		}
		if d.RateLimit.MaxRequests > 0 && d.RateLimit.Window <= 0 {
			return fmt.Errorf("dependencies[%d]: rate_limit.window is required when max_requests is set", i)
		}
		if (d.TLS.CertFile == "") != (d.TLS.KeyFile == "") {
			return fmt.Errorf("dependencies[%d]: tls.cert_file and tls.key_file must be set together", i)
		}
	}

	return nil
}

// collectWarnings returns non-fatal issues with the config.
func collectWarnings(cfg *Config) []string {
	var warnings []string

	if cfg.Auth.Enabled && strings.Contains(cfg.Auth.JWTSecret, "${") {
		warnings = append(warnings, "auth.jwt_secret contains unresolved environment variable reference")
	}
	if cfg.Admin.Enabled && len(cfg.Admin.IPAllowlist) == 0 {
		warnings = append(warnings, "admin API is enabled without an ip_allowlist; only loopback clients are accepted")
	}
	for _, d := range cfg.Dependencies {
		for k, v := range d.Headers {
			if strings.Contains(v, "${") {
				warnings = append(warnings, fmt.Sprintf("dependencies[%s].headers[%s] contains unresolved environment variable reference", d.Name, k))
			}
		}
		if d.TLS.InsecureSkipVerify {
			warnings = append(warnings, fmt.Sprintf("dependencies[%s].tls.insecure_skip_verify disables certificate verification", d.Name))
		}
		if d.Retry.MaxDelay < d.Retry.BaseDelay {
			warnings = append(warnings, fmt.Sprintf("dependencies[%s].retry.max_delay is below base_delay; every retry waits max_delay", d.Name))
		}
	}
	if cfg.Batch.MaxWait > time.Second {
		warnings = append(warnings, "batch.max_wait above 1s adds that much latency to every embedding request")
	}

	return warnings
}
