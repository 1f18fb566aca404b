// Package config loads the proxy's YAML server configuration and owns the
// persisted account state document.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server-level configuration, loaded from an optional YAML
// file. A missing file yields defaults; a malformed file is a startup error.
type Config struct {
	// Host is the listen address. Empty means all interfaces.
	Host string `yaml:"host,omitempty"`

	// Port is the HTTP listen port. 0 means the default (8080).
	Port int `yaml:"port,omitempty"`

	// Debug switches gin into debug mode and the logger to debug level.
	Debug bool `yaml:"debug,omitempty"`

	// LogLevel overrides the level derived from Debug when non-empty.
	LogLevel string `yaml:"log-level,omitempty"`

	// LoggingToFile mirrors log output into a rotating file under
	// ~/.kiro-proxy/logs in addition to stderr.
	LoggingToFile bool `yaml:"logging-to-file,omitempty"`

	// ManagementKey protects the /api surface when set. Accepts a plaintext
	// secret or a bcrypt hash ($2a$/$2b$ prefix). Empty leaves /api open.
	ManagementKey string `yaml:"management-key,omitempty"`

	// StateFile overrides the account state document location.
	// Empty means ~/.kiro-proxy/config.json.
	StateFile string `yaml:"state-file,omitempty"`

	// UsageStatisticsEnabled toggles request statistics collection.
	// nil means default (true).
	UsageStatisticsEnabled *bool `yaml:"usage-statistics-enabled,omitempty"`

	// MetricsEnabled toggles the Prometheus middleware and /metrics.
	// nil means default (true).
	MetricsEnabled *bool `yaml:"metrics-enabled,omitempty"`

	// RequestTimeoutSeconds bounds a whole request. nil means default (120).
	RequestTimeoutSeconds *int `yaml:"request-timeout-seconds,omitempty"`

	// MaxInflight caps concurrent model-surface requests. 0 means unlimited.
	MaxInflight int `yaml:"max-inflight,omitempty"`

	// CooldownSeconds is the rate-limit cooldown window. nil means default (300).
	CooldownSeconds *int `yaml:"cooldown-seconds,omitempty"`

	// Refresh tunes the background token refresher.
	Refresh RefreshConfig `yaml:"refresh,omitempty"`

	// Governor tunes the long-context strategies. Strategy on/off toggles
	// live in the state document; these are thresholds only.
	Governor GovernorConfig `yaml:"governor,omitempty"`

	// QuotaCacheTTLSeconds caches upstream usage lookups. nil means default (60).
	QuotaCacheTTLSeconds *int `yaml:"quota-cache-ttl-seconds,omitempty"`

	// UsageDB persists daily usage aggregates to a sqlite file.
	// Empty disables persistence.
	UsageDB string `yaml:"usage-db,omitempty"`
}

// RefreshConfig holds token refresher tuning.
type RefreshConfig struct {
	// IntervalSeconds is the sweep period. nil means default (300).
	IntervalSeconds *int `yaml:"interval-seconds,omitempty"`

	// LeadSeconds refreshes tokens expiring within this window.
	// nil means default (900).
	LeadSeconds *int `yaml:"lead-seconds,omitempty"`

	// Concurrency bounds parallel refreshes in a refresh-all sweep.
	// nil means default (3).
	Concurrency *int `yaml:"concurrency,omitempty"`

	// MaxRetries bounds retry attempts inside a single refresh call.
	// nil means default (3).
	MaxRetries *int `yaml:"max-retries,omitempty"`
}

// GovernorConfig holds long-context thresholds, expressed in characters of
// serialized conversation history.
type GovernorConfig struct {
	// TruncateThresholdChars triggers auto-truncation. nil means default (120000).
	TruncateThresholdChars *int `yaml:"truncate-threshold-chars,omitempty"`

	// SafeLimitChars is the target size after truncation. nil means default (100000).
	SafeLimitChars *int `yaml:"safe-limit-chars,omitempty"`

	// PreEstimateThresholdChars triggers the early estimator. nil means default (180000).
	PreEstimateThresholdChars *int `yaml:"pre-estimate-threshold-chars,omitempty"`

	// MinKeepMessages is the floor of retained messages. nil means default (6).
	MinKeepMessages *int `yaml:"min-keep-messages,omitempty"`

	// MaxKeepMessages is the ceiling of retained messages. nil means default (20).
	MaxKeepMessages *int `yaml:"max-keep-messages,omitempty"`

	// SummaryMaxChars caps a synthesized summary. nil means default (3000).
	SummaryMaxChars *int `yaml:"summary-max-chars,omitempty"`

	// SummaryModel is the cheaper model used for smart summaries.
	// Empty means default (claude-haiku-4.5).
	SummaryModel string `yaml:"summary-model,omitempty"`

	// SummaryTimeoutSeconds bounds a summarization call. nil means default (30).
	SummaryTimeoutSeconds *int `yaml:"summary-timeout-seconds,omitempty"`
}

// LoadConfig reads the YAML file at path. A missing file returns defaults;
// any other read or parse failure is an error.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ValidateConfig performs semantic checks, returning warnings for suspicious
// but usable values and an error for unusable ones.
func ValidateConfig(cfg *Config) ([]string, error) {
	var warnings []string
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.MaxInflight < 0 {
		return nil, fmt.Errorf("max-inflight must not be negative")
	}
	if v := cfg.RequestTimeoutSeconds; v != nil && *v <= 0 {
		warnings = append(warnings, "request-timeout-seconds <= 0 disables the deadline")
	}
	if v := cfg.Refresh.Concurrency; v != nil && *v <= 0 {
		return nil, fmt.Errorf("refresh.concurrency must be positive")
	}
	if g := cfg.Governor; g.SafeLimitChars != nil && g.TruncateThresholdChars != nil &&
		*g.SafeLimitChars > *g.TruncateThresholdChars {
		warnings = append(warnings, "governor.safe-limit-chars exceeds truncate-threshold-chars")
	}
	return warnings, nil
}

// GetPort returns the listen port, defaulting to 8080.
func (c *Config) GetPort() int {
	if c.Port > 0 {
		return c.Port
	}
	return 8080
}

// GetUsageStatisticsEnabled defaults to true.
func (c *Config) GetUsageStatisticsEnabled() bool {
	if c.UsageStatisticsEnabled != nil {
		return *c.UsageStatisticsEnabled
	}
	return true
}

// GetMetricsEnabled defaults to true.
func (c *Config) GetMetricsEnabled() bool {
	if c.MetricsEnabled != nil {
		return *c.MetricsEnabled
	}
	return true
}

// GetRequestTimeout defaults to 120s. Zero or negative settings disable the
// deadline entirely.
func (c *Config) GetRequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds == nil {
		return 120 * time.Second
	}
	if *c.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(*c.RequestTimeoutSeconds) * time.Second
}

// GetCooldown defaults to 5 minutes.
func (c *Config) GetCooldown() time.Duration {
	if c.CooldownSeconds != nil && *c.CooldownSeconds > 0 {
		return time.Duration(*c.CooldownSeconds) * time.Second
	}
	return 5 * time.Minute
}

// GetQuotaCacheTTL defaults to 60s.
func (c *Config) GetQuotaCacheTTL() time.Duration {
	if c.QuotaCacheTTLSeconds != nil && *c.QuotaCacheTTLSeconds > 0 {
		return time.Duration(*c.QuotaCacheTTLSeconds) * time.Second
	}
	return time.Minute
}

// GetInterval defaults to 5 minutes.
func (r RefreshConfig) GetInterval() time.Duration {
	if r.IntervalSeconds != nil && *r.IntervalSeconds > 0 {
		return time.Duration(*r.IntervalSeconds) * time.Second
	}
	return 5 * time.Minute
}

// GetLead defaults to 15 minutes.
func (r RefreshConfig) GetLead() time.Duration {
	if r.LeadSeconds != nil && *r.LeadSeconds > 0 {
		return time.Duration(*r.LeadSeconds) * time.Second
	}
	return 15 * time.Minute
}

// GetConcurrency defaults to 3.
func (r RefreshConfig) GetConcurrency() int {
	if r.Concurrency != nil && *r.Concurrency > 0 {
		return *r.Concurrency
	}
	return 3
}

// GetMaxRetries defaults to 3.
func (r RefreshConfig) GetMaxRetries() int {
	if r.MaxRetries != nil && *r.MaxRetries > 0 {
		return *r.MaxRetries
	}
	return 3
}

// GetTruncateThreshold defaults to 120000 characters.
func (g GovernorConfig) GetTruncateThreshold() int {
	if g.TruncateThresholdChars != nil && *g.TruncateThresholdChars > 0 {
		return *g.TruncateThresholdChars
	}
	return 120000
}

// GetSafeLimit defaults to 100000 characters.
func (g GovernorConfig) GetSafeLimit() int {
	if g.SafeLimitChars != nil && *g.SafeLimitChars > 0 {
		return *g.SafeLimitChars
	}
	return 100000
}

// GetPreEstimateThreshold defaults to 180000 characters.
func (g GovernorConfig) GetPreEstimateThreshold() int {
	if g.PreEstimateThresholdChars != nil && *g.PreEstimateThresholdChars > 0 {
		return *g.PreEstimateThresholdChars
	}
	return 180000
}

// GetMinKeepMessages defaults to 6.
func (g GovernorConfig) GetMinKeepMessages() int {
	if g.MinKeepMessages != nil && *g.MinKeepMessages > 0 {
		return *g.MinKeepMessages
	}
	return 6
}

// GetMaxKeepMessages defaults to 20.
func (g GovernorConfig) GetMaxKeepMessages() int {
	if g.MaxKeepMessages != nil && *g.MaxKeepMessages > 0 {
		return *g.MaxKeepMessages
	}
	return 20
}

// GetSummaryMaxChars defaults to 3000.
func (g GovernorConfig) GetSummaryMaxChars() int {
	if g.SummaryMaxChars != nil && *g.SummaryMaxChars > 0 {
		return *g.SummaryMaxChars
	}
	return 3000
}

// GetSummaryModel defaults to claude-haiku-4.5.
func (g GovernorConfig) GetSummaryModel() string {
	if g.SummaryModel != "" {
		return g.SummaryModel
	}
	return "claude-haiku-4.5"
}

// GetSummaryTimeout defaults to 30s.
func (g GovernorConfig) GetSummaryTimeout() time.Duration {
	if g.SummaryTimeoutSeconds != nil && *g.SummaryTimeoutSeconds > 0 {
		return time.Duration(*g.SummaryTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}
