package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/ctxwin/internal/otel"
	"github.com/basket/ctxwin/internal/tokenutil"
)

// ProviderConfig holds per-provider credentials and endpoints.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. a proxy)
}

// ModelConfig adds or overrides one entry of the model table.
type ModelConfig struct {
	// Match is a model id, or a prefix ending in "*".
	Match         string  `yaml:"match"`
	MaxTokens     int     `yaml:"max_tokens"`
	Scheme        string  `yaml:"scheme"`   // bpe, chars, words or anthropic
	Encoding      string  `yaml:"encoding"` // tiktoken encoding for bpe
	CharsPerToken float64 `yaml:"chars_per_token"`
}

// CountingConfig controls token counting.
type CountingConfig struct {
	// RemoteTimeoutMillis bounds Anthropic count_tokens calls for families
	// using the anthropic scheme.
	RemoteTimeoutMillis int `yaml:"remote_timeout_ms"`
}

// PruningConfig holds the prune threshold and strategy defaults.
type PruningConfig struct {
	// Threshold is the usage fraction at which Reduce starts pruning.
	Threshold     float64 `yaml:"threshold"`
	KeepRecent    int     `yaml:"keep_recent"`
	MaxAgeMinutes int     `yaml:"max_age_minutes"`
	MinImportance float64 `yaml:"min_importance"`
}

// CompactionConfig holds the compaction threshold and summarizer settings.
type CompactionConfig struct {
	// Threshold is the usage fraction Reduce prunes down to and compacts above.
	Threshold float64 `yaml:"threshold"`
	// Summarizer is "static", "genkit" or "anthropic".
	Summarizer     string  `yaml:"summarizer"`
	Provider       string  `yaml:"provider"` // genkit provider: google, anthropic, openai
	Model          string  `yaml:"model"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MinSpanTokens  int     `yaml:"min_span_tokens"`
	TargetRatio    float64 `yaml:"target_ratio"`
	KeepRecent     int     `yaml:"keep_recent"`
}

// AuditConfig controls the SQLite journal of prune and compact operations.
type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path defaults to <home>/audit.db.
	Path string `yaml:"path"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	// DefaultModel is used when a session is created without a model.
	DefaultModel string `yaml:"default_model"`

	// Models extends the built-in model table. Entries with the same match
	// replace the built-in ones.
	Models []ModelConfig `yaml:"models"`

	// Providers holds per-provider configuration keyed by provider name.
	Providers map[string]ProviderConfig `yaml:"providers"`

	Counting   CountingConfig   `yaml:"counting"`
	Pruning    PruningConfig    `yaml:"pruning"`
	Compaction CompactionConfig `yaml:"compaction"`
	Audit      AuditConfig      `yaml:"audit"`
	Telemetry  otel.Config      `yaml:"telemetry"`

	// DriftAuditSchedule is a five-field cron expression for the drift
	// auditor. Empty disables it.
	DriftAuditSchedule string `yaml:"drift_audit_schedule"`

	// FromDefaults is set when no config.yaml was found.
	FromDefaults bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the effective config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|model=%s|prune=%g/%d/%d/%g|compact=%g/%s/%s/%s/%d/%d/%g/%d|audit=%v|drift=%s",
		c.LogLevel, c.DefaultModel,
		c.Pruning.Threshold, c.Pruning.KeepRecent, c.Pruning.MaxAgeMinutes, c.Pruning.MinImportance,
		c.Compaction.Threshold, c.Compaction.Summarizer, c.Compaction.Provider, c.Compaction.Model,
		c.Compaction.TimeoutSeconds, c.Compaction.MinSpanTokens, c.Compaction.TargetRatio, c.Compaction.KeepRecent,
		c.Audit.Enabled, c.DriftAuditSchedule)
	for _, m := range c.Models {
		fmt.Fprintf(h, "|%s=%d/%s/%s/%g", m.Match, m.MaxTokens, m.Scheme, m.Encoding, m.CharsPerToken)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:     "info",
		DefaultModel: "claude-sonnet-4",
		Counting: CountingConfig{
			RemoteTimeoutMillis: 2000,
		},
		Pruning: PruningConfig{
			Threshold:     0.8,
			KeepRecent:    4,
			MaxAgeMinutes: 0,
			MinImportance: 0.3,
		},
		Compaction: CompactionConfig{
			Threshold:      0.7,
			Summarizer:     "static",
			Provider:       "anthropic",
			TimeoutSeconds: 30,
			MinSpanTokens:  1000,
			TargetRatio:    0.2,
			KeepRecent:     2,
		},
		DriftAuditSchedule: "*/10 * * * *",
	}
}

// Default returns the built-in configuration without reading any file.
func Default() Config {
	cfg := defaultConfig()
	normalize(&cfg)
	return cfg
}

func HomeDir() string {
	if override := os.Getenv("CTXWIN_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".ctxwin")
}

// Load reads config.yaml from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml, validates it against the schema,
// applies environment overrides and checks the result. A missing file
// yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ctxwin home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FromDefaults = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(strings.TrimSpace(string(data))) > 0 {
		if err := ValidateDocument(data); err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		cfg.DefaultModel = "claude-sonnet-4"
	}
	if cfg.Counting.RemoteTimeoutMillis <= 0 {
		cfg.Counting.RemoteTimeoutMillis = 2000
	}
	if cfg.Pruning.Threshold <= 0 {
		cfg.Pruning.Threshold = 0.8
	}
	if cfg.Pruning.KeepRecent < 0 {
		cfg.Pruning.KeepRecent = 0
	}
	if cfg.Compaction.Threshold <= 0 {
		cfg.Compaction.Threshold = 0.7
	}
	cfg.Compaction.Summarizer = strings.ToLower(strings.TrimSpace(cfg.Compaction.Summarizer))
	if cfg.Compaction.Summarizer == "" {
		cfg.Compaction.Summarizer = "static"
	}
	cfg.Compaction.Provider = strings.ToLower(strings.TrimSpace(cfg.Compaction.Provider))
	// Normalize legacy provider name.
	if cfg.Compaction.Provider == "gemini" {
		cfg.Compaction.Provider = "google"
	}
	if cfg.Compaction.Provider == "" {
		cfg.Compaction.Provider = "anthropic"
	}
	if cfg.Compaction.Model == "" {
		switch cfg.Compaction.Provider {
		case "google":
			cfg.Compaction.Model = "gemini-2.5-flash"
		case "openai":
			cfg.Compaction.Model = "gpt-4o-mini"
		default:
			cfg.Compaction.Model = "claude-3-5-haiku-latest"
		}
	}
	if cfg.Compaction.TimeoutSeconds <= 0 {
		cfg.Compaction.TimeoutSeconds = 30
	}
	if cfg.Compaction.MinSpanTokens <= 0 {
		cfg.Compaction.MinSpanTokens = 1000
	}
	if cfg.Compaction.TargetRatio <= 0 {
		cfg.Compaction.TargetRatio = 0.2
	}
	if cfg.Audit.Enabled && strings.TrimSpace(cfg.Audit.Path) == "" && cfg.HomeDir != "" {
		cfg.Audit.Path = filepath.Join(cfg.HomeDir, "audit.db")
	}
}

// Validate checks cross-field constraints the schema cannot express.
func (c Config) Validate() error {
	if c.Pruning.Threshold > 1 {
		return fmt.Errorf("pruning.threshold (%g) must be in (0, 1]", c.Pruning.Threshold)
	}
	if c.Compaction.Threshold > c.Pruning.Threshold {
		return fmt.Errorf("compaction.threshold (%g) must be <= pruning.threshold (%g)",
			c.Compaction.Threshold, c.Pruning.Threshold)
	}
	if c.Pruning.MinImportance < 0 || c.Pruning.MinImportance > 1 {
		return fmt.Errorf("pruning.min_importance (%g) must be in [0, 1]", c.Pruning.MinImportance)
	}
	if c.Compaction.TargetRatio >= 1 {
		return fmt.Errorf("compaction.target_ratio (%g) must be below 1", c.Compaction.TargetRatio)
	}
	switch c.Compaction.Summarizer {
	case "static", "genkit", "anthropic":
	default:
		return fmt.Errorf("compaction.summarizer %q must be static, genkit or anthropic", c.Compaction.Summarizer)
	}
	switch c.Compaction.Provider {
	case "google", "anthropic", "openai":
	default:
		return fmt.Errorf("compaction.provider %q must be google, anthropic or openai", c.Compaction.Provider)
	}
	if _, err := c.ModelTable(); err != nil {
		return err
	}
	return nil
}

// ModelTable builds the token budget table: built-in families followed by
// the configured overrides.
func (c Config) ModelTable() (*tokenutil.ModelTable, error) {
	families := tokenutil.DefaultFamilies()
	for _, m := range c.Models {
		scheme := tokenutil.Scheme(strings.ToLower(strings.TrimSpace(m.Scheme)))
		if scheme == "" {
			scheme = tokenutil.SchemeChars
		}
		families = append(families, tokenutil.Family{
			Match:         m.Match,
			MaxTokens:     m.MaxTokens,
			Scheme:        scheme,
			Encoding:      m.Encoding,
			CharsPerToken: m.CharsPerToken,
		})
	}
	table, err := tokenutil.NewModelTable(families)
	if err != nil {
		return nil, fmt.Errorf("models: %w", err)
	}
	return table, nil
}

// CompactTimeout is the summarizer deadline.
func (c Config) CompactTimeout() time.Duration {
	return time.Duration(c.Compaction.TimeoutSeconds) * time.Second
}

// RemoteCountTimeout bounds remote token counting calls.
func (c Config) RemoteCountTimeout() time.Duration {
	return time.Duration(c.Counting.RemoteTimeoutMillis) * time.Millisecond
}

// MaxAge is the pruning age limit; zero means age is not considered.
func (c Config) MaxAge() time.Duration {
	return time.Duration(c.Pruning.MaxAgeMinutes) * time.Minute
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":    "GEMINI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ProviderBaseURL returns the configured endpoint override for provider.
func (c Config) ProviderBaseURL(provider string) string {
	if c.Providers == nil {
		return ""
	}
	return c.Providers[provider].BaseURL
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CTXWIN_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CTXWIN_DEFAULT_MODEL"); raw != "" {
		cfg.DefaultModel = raw
	}
	if raw := os.Getenv("CTXWIN_PRUNE_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Pruning.Threshold = v
		}
	}
	if raw := os.Getenv("CTXWIN_COMPACT_THRESHOLD"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Compaction.Threshold = v
		}
	}
	if raw := os.Getenv("CTXWIN_KEEP_RECENT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Pruning.KeepRecent = v
		}
	}
	if raw := os.Getenv("CTXWIN_SUMMARIZER"); raw != "" {
		cfg.Compaction.Summarizer = raw
	}
	if raw := os.Getenv("CTXWIN_COMPACT_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Compaction.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CTXWIN_AUDIT_PATH"); raw != "" {
		cfg.Audit.Enabled = true
		cfg.Audit.Path = raw
	}
}
