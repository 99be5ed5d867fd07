// Package config provides configuration types for the policy gateway.
//
// The schema favors a single self-contained process: no external session
// store, no external audit sink beyond stdout/file/sqlite, and no
// administrative web UI. Policy text and structured rules are read from
// the policies directory or embedded directly in the config file.
package config

import (
	"github.com/spf13/viper"
)

// OSSConfig is the top-level configuration for the policy gateway.
type OSSConfig struct {
	// Transport selects "stdio" or "http".
	Transport string `yaml:"transport" mapstructure:"transport" validate:"omitempty,oneof=stdio http"`

	// Server configures the HTTP listener (only used when Transport=="http").
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// UpstreamServers lists every upstream MCP server this gateway fronts.
	UpstreamServers []UpstreamServerConfig `yaml:"upstream_servers" mapstructure:"upstream_servers" validate:"omitempty,dive"`

	// Judge selects the AI adapter used when the rule layer is inapplicable.
	// "none" (default) wires the stub judge, which always returns INDETERMINATE.
	Judge string `yaml:"judge" mapstructure:"judge"`

	// Cache configures the decision cache.
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// AI configures the combination threshold for AI judgments.
	AI AIConfig `yaml:"ai" mapstructure:"ai"`

	// CircuitBreaker configures the per-(upstream,method) circuit breaker.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`

	// Batch configures AI judge call batching.
	Batch BatchConfig `yaml:"batch" mapstructure:"batch"`

	// RateLimit configures the GCRA rate limiting: the per-user and per-IP
	// limits, and the default window for a policy's rate-limit directive.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Scan configures the response prompt-injection scanner.
	Scan ScanConfig `yaml:"scan" mapstructure:"scan"`

	// GeoRestrict configures the constraint-level country allowlist. Empty
	// AllowedCountries disables the geo_restrictor processor entirely, since
	// an empty allowlist enforced by default would deny all traffic.
	GeoRestrict GeoRestrictConfig `yaml:"geo_restrict" mapstructure:"geo_restrict"`

	// PoliciesDir is the directory the admin store loads/persists policies
	// from (one JSON file per policy, with a sibling history/ subdirectory).
	// When empty, policies live in memory only (still usable, just not durable).
	PoliciesDir string `yaml:"policies_dir" mapstructure:"policies_dir"`

	// Policies defines inline policies, evaluated alongside any loaded from
	// PoliciesDir. Useful for embedding a default policy directly in config.
	Policies []PolicyConfig `yaml:"policies" mapstructure:"policies" validate:"omitempty,dive"`

	// AuditFile configures the file-based audit persistence.
	AuditFile AuditFileConfig `yaml:"audit_file" mapstructure:"audit_file"`

	// Auth configures file-based identities and API keys.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Audit configures where audit records are written.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Enrichment configures the context-collector enrichers.
	Enrichment EnrichmentConfig `yaml:"enrichment" mapstructure:"enrichment"`

	// Telemetry controls the OpenTelemetry tracer/meter providers; both
	// export to stderr so stdout stays reserved for protocol frames.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode enables permissive defaults for local development.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP transport listener.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8080").
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug|info|warn|error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// SessionTimeout is the duration before idle sessions are discarded.
	SessionTimeout string `yaml:"session_timeout" mapstructure:"session_timeout" validate:"omitempty"`

	// AllowedOrigins lists origins permitted past the DNS-rebinding check.
	// Empty means only same-origin/no-Origin requests are allowed.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// UpstreamServerConfig describes one upstream MCP server.
// Exactly one of HTTP or Command must be set.
type UpstreamServerConfig struct {
	// Name namespaces this upstream's tools as "<name>__<tool>".
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Command launches a stdio subprocess upstream.
	Command string `yaml:"command" mapstructure:"command"`

	// Args are passed to Command.
	Args []string `yaml:"args" mapstructure:"args"`

	// Env sets additional environment variables for the subprocess.
	Env map[string]string `yaml:"env" mapstructure:"env"`

	// URL is a remote MCP server reached over streaming HTTP.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// Timeout bounds every call made to this upstream (e.g., "30s").
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`
}

// CacheConfig configures the decision cache (see DecisionCache).
type CacheConfig struct {
	// MaxEntries bounds the cache's capacity before LRU eviction kicks in.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries" validate:"omitempty,min=1"`

	// DefaultTTLMs bounds how long a cached decision is reused, subject to
	// the confidence-derived TTL computed at write time.
	DefaultTTLMs int `yaml:"default_ttl_ms" mapstructure:"default_ttl_ms" validate:"omitempty,min=1"`

	// ConfidenceThreshold is the minimum confidence for a cache hit to be
	// reused instead of re-evaluated.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold" validate:"omitempty,min=0,max=1"`
}

// AIConfig configures the combination logic's AI-confidence threshold.
type AIConfig struct {
	// ConfidenceThreshold is the minimum Judge confidence to use the AI
	// result directly rather than combining with the rule result.
	ConfidenceThreshold float64 `yaml:"confidence_threshold" mapstructure:"confidence_threshold" validate:"omitempty,min=0,max=1"`
}

// CircuitBreakerConfig configures the per-(upstream,method) circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is N: consecutive failures before opening.
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold" validate:"omitempty,min=1"`

	// CooldownMs is T: how long the circuit stays open before a probe.
	CooldownMs int `yaml:"cooldown_ms" mapstructure:"cooldown_ms" validate:"omitempty,min=1"`

	// WindowMs is W: the window consecutive failures are counted within.
	WindowMs int `yaml:"window_ms" mapstructure:"window_ms" validate:"omitempty,min=1"`
}

// BatchConfig configures AI judge call batching (see BatchJudgment).
type BatchConfig struct {
	// MaxSize is the maximum number of judge calls aggregated per flush.
	MaxSize int `yaml:"max_size" mapstructure:"max_size" validate:"omitempty,min=1"`

	// MaxWaitMs is the maximum aggregation delay before a flush.
	MaxWaitMs int `yaml:"max_wait_ms" mapstructure:"max_wait_ms" validate:"omitempty,min=1"`
}

// ScanConfig configures the response prompt-injection scanner.
type ScanConfig struct {
	// Mode is "monitor" (log only) or "enforce" (critical constraint failure
	// on detection). Empty disables scanning.
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=monitor enforce"`
}

// EnrichmentConfig tunes the context-collector enrichers.
type EnrichmentConfig struct {
	// BusinessHoursStart/End bound the time-based enricher's business-hour
	// window as "HH:MM" (defaults 09:00-17:00).
	BusinessHoursStart string `yaml:"business_hours_start" mapstructure:"business_hours_start"`
	BusinessHoursEnd   string `yaml:"business_hours_end" mapstructure:"business_hours_end"`
	// Timezone is the IANA zone the window is evaluated in (default UTC).
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
	// GeoMap maps client-IP prefixes to ISO country codes for the
	// security-info enricher's static resolver (longest prefix wins).
	GeoMap map[string]string `yaml:"geo_map" mapstructure:"geo_map"`
}

// TelemetryConfig toggles OpenTelemetry export.
type TelemetryConfig struct {
	// Enabled turns on span and metric export to stderr.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// GeoRestrictConfig configures the constraint-level country allowlist.
type GeoRestrictConfig struct {
	// AllowedCountries lists the ISO country codes permitted to act on
	// restricted resources. Empty disables geo restriction.
	AllowedCountries []string `yaml:"allowed_countries" mapstructure:"allowed_countries"`
}

// AuthConfig configures file-based authentication.
type AuthConfig struct {
	// Identities defines the known identities (agents/services).
	Identities []IdentityConfig `yaml:"identities" mapstructure:"identities" validate:"omitempty,dive"`

	// APIKeys defines the API keys that map to identities.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`
}

// IdentityConfig defines a file-based identity.
type IdentityConfig struct {
	ID        string   `yaml:"id" mapstructure:"id" validate:"required"`
	Name      string   `yaml:"name" mapstructure:"name" validate:"required"`
	Roles     []string `yaml:"roles" mapstructure:"roles" validate:"required,min=1"`
	AgentType string   `yaml:"agent_type" mapstructure:"agent_type"`
	TrustScore float64 `yaml:"trust_score" mapstructure:"trust_score" validate:"omitempty,min=0,max=1"`
}

// APIKeyConfig defines an API key that authenticates as an identity.
type APIKeyConfig struct {
	// KeyHash is the SHA-256 hash of the API key, prefixed with "sha256:".
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,startswith=sha256:"`

	// IdentityID references the identity this key authenticates as.
	IdentityID string `yaml:"identity_id" mapstructure:"identity_id" validate:"required"`
}

// AuditConfig configures audit record output.
type AuditConfig struct {
	// Sink specifies where audit records are written: stdout|file|sqlite|null.
	Sink string `yaml:"sink" mapstructure:"sink" validate:"omitempty,oneof=stdout file sqlite null"`

	// Output is the legacy "stdout" / "file:///absolute/path" form, kept for
	// compatibility with deployments that already set it.
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,audit_output"`

	ChannelSize      int    `yaml:"channel_size" mapstructure:"channel_size" validate:"omitempty,min=1"`
	BatchSize        int    `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	FlushInterval    string `yaml:"flush_interval" mapstructure:"flush_interval" validate:"omitempty"`
	SendTimeout      string `yaml:"send_timeout" mapstructure:"send_timeout" validate:"omitempty"`
	WarningThreshold int    `yaml:"warning_threshold" mapstructure:"warning_threshold" validate:"omitempty,min=0,max=100"`
	BufferSize       int    `yaml:"buffer_size" mapstructure:"buffer_size" validate:"omitempty,min=1"`
}

// RateLimitConfig configures default GCRA rate limiting.
type RateLimitConfig struct {
	Enabled          bool   `yaml:"enabled" mapstructure:"enabled"`
	DefaultWindowMs  int    `yaml:"default_window_ms" mapstructure:"default_window_ms" validate:"omitempty,min=1"`
	IPRate           int    `yaml:"ip_rate" mapstructure:"ip_rate" validate:"omitempty,min=1"`
	UserRate         int    `yaml:"user_rate" mapstructure:"user_rate" validate:"omitempty,min=1"`
	CleanupInterval  string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty"`
	MaxTTL           string `yaml:"max_ttl" mapstructure:"max_ttl" validate:"omitempty"`
}

// PolicyConfig defines a named policy with structured permission/prohibition
// rules, mirroring the domain Policy type so policies can be embedded
// directly in the gateway's config file.
type PolicyConfig struct {
	ID          string       `yaml:"id" mapstructure:"id"`
	Name        string       `yaml:"name" mapstructure:"name" validate:"required"`
	Priority    int          `yaml:"priority" mapstructure:"priority"`
	Status      string       `yaml:"status" mapstructure:"status" validate:"omitempty,oneof=draft active deprecated"`
	Text        string       `yaml:"text" mapstructure:"text"`
	Permission  []RuleConfig `yaml:"permission" mapstructure:"permission" validate:"omitempty,dive"`
	Prohibition []RuleConfig `yaml:"prohibition" mapstructure:"prohibition" validate:"omitempty,dive"`
}

// RuleConfig defines a single structured permission or prohibition rule.
type RuleConfig struct {
	Action     string          `yaml:"action" mapstructure:"action" validate:"required"`
	Target     string          `yaml:"target" mapstructure:"target" validate:"required"`
	Constraint *ConstraintNode `yaml:"constraint" mapstructure:"constraint"`
	// Directives are symbolic constraint directives attached to the rule,
	// e.g. "anonymize:email,ssn", "rate-limit:10/60s", "geo-restrict:US,DE".
	Directives []string `yaml:"directives" mapstructure:"directives"`
	Duty       []string `yaml:"duty" mapstructure:"duty"`
}

// ConstraintNode is a constraint tree leaf or internal node, read from YAML
// as a loosely typed structure and compiled by the rule evaluator.
type ConstraintNode struct {
	// Leaf form.
	LeftOperand  string `yaml:"left_operand" mapstructure:"left_operand"`
	Operator     string `yaml:"operator" mapstructure:"operator"`
	RightOperand string `yaml:"right_operand" mapstructure:"right_operand"`

	// Internal-node form.
	And []*ConstraintNode `yaml:"and" mapstructure:"and"`
	Or  []*ConstraintNode `yaml:"or" mapstructure:"or"`
	Not *ConstraintNode    `yaml:"not" mapstructure:"not"`
}

// AuditFileConfig configures the file-based audit persistence.
type AuditFileConfig struct {
	Dir           string `yaml:"dir" mapstructure:"dir"`
	RetentionDays int    `yaml:"retention_days" mapstructure:"retention_days"`
	MaxFileSizeMB int    `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb"`
	CacheSize     int    `yaml:"cache_size" mapstructure:"cache_size"`
}

// SetDevDefaults applies permissive defaults for development mode, before
// validation, so a minimal config file is sufficient to boot the gateway.
func (c *OSSConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	if len(c.Auth.Identities) == 0 {
		c.Auth.Identities = []IdentityConfig{
			{ID: "dev-agent", Name: "Development Agent", Roles: []string{"admin"}, AgentType: "unknown", TrustScore: 0.5},
		}
	}

	if len(c.Auth.APIKeys) == 0 {
		c.Auth.APIKeys = []APIKeyConfig{
			{KeyHash: "sha256:6e1e4e1b8f8b36d08901cdb51b97841dfe20f5efd2fd2fd00768971408c46274", IdentityID: "dev-agent"},
		}
	}

	if len(c.Policies) == 0 {
		c.Policies = []PolicyConfig{
			{
				Name:     "dev-default",
				Priority: 0,
				Status:   "active",
				Text:     "Development default policy: permit every action.",
				Permission: []RuleConfig{
					{Action: "*", Target: "*"},
				},
			},
		}
	}

	if c.Audit.Sink == "" {
		c.Audit.Sink = "stdout"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *OSSConfig) SetDefaults() {
	if c.Transport == "" {
		c.Transport = "stdio"
	}

	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.SessionTimeout == "" {
		c.Server.SessionTimeout = "30m"
	}

	if c.Judge == "" {
		c.Judge = "none"
	}

	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.DefaultTTLMs == 0 {
		c.Cache.DefaultTTLMs = 60_000
	}
	if c.Cache.ConfidenceThreshold == 0 {
		c.Cache.ConfidenceThreshold = 0.6
	}

	if c.AI.ConfidenceThreshold == 0 {
		c.AI.ConfidenceThreshold = 0.7
	}

	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.CooldownMs == 0 {
		c.CircuitBreaker.CooldownMs = 30_000
	}
	if c.CircuitBreaker.WindowMs == 0 {
		c.CircuitBreaker.WindowMs = 60_000
	}

	if c.Batch.MaxSize == 0 {
		c.Batch.MaxSize = 16
	}
	if c.Batch.MaxWaitMs == 0 {
		c.Batch.MaxWaitMs = 50
	}

	if c.Audit.Sink == "" {
		c.Audit.Sink = "stdout"
	}
	if c.Audit.ChannelSize == 0 {
		c.Audit.ChannelSize = 1000
	}
	if c.Audit.BatchSize == 0 {
		c.Audit.BatchSize = 100
	}
	if c.Audit.FlushInterval == "" {
		c.Audit.FlushInterval = "1s"
	}
	if c.Audit.SendTimeout == "" {
		c.Audit.SendTimeout = "100ms"
	}
	if c.Audit.WarningThreshold == 0 {
		c.Audit.WarningThreshold = 80
	}
	if c.Audit.BufferSize == 0 {
		c.Audit.BufferSize = 1000
	}

	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.DefaultWindowMs == 0 {
		c.RateLimit.DefaultWindowMs = 60_000
	}
	if c.RateLimit.IPRate == 0 {
		c.RateLimit.IPRate = 100
	}
	if c.RateLimit.UserRate == 0 {
		c.RateLimit.UserRate = 1000
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxTTL == "" {
		c.RateLimit.MaxTTL = "1h"
	}

	if c.AuditFile.RetentionDays == 0 {
		c.AuditFile.RetentionDays = 7
	}
	if c.AuditFile.MaxFileSizeMB == 0 {
		c.AuditFile.MaxFileSizeMB = 100
	}
	if c.AuditFile.CacheSize == 0 {
		c.AuditFile.CacheSize = 1000
	}
}
