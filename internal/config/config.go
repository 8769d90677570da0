// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/signup-sentinel/internal/campaign"
	"github.com/JakeFAU/signup-sentinel/internal/compliance"
	"github.com/JakeFAU/signup-sentinel/internal/discovery"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BlobLocal       = "local"
	BlobGCS         = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig      `mapstructure:"server"`
	Auth       AuthConfig        `mapstructure:"auth"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Compliance compliance.Policy `mapstructure:"compliance"`
	Robots     RobotsConfig      `mapstructure:"robots"`
	Fetcher    FetcherConfig     `mapstructure:"fetcher"`
	Headless   HeadlessConfig    `mapstructure:"headless"`
	Extraction ExtractionConfig  `mapstructure:"extraction"`
	Anthropic  AnthropicConfig   `mapstructure:"anthropic"`
	Campaign   CampaignConfig    `mapstructure:"campaign"`
	Audit      AuditConfig       `mapstructure:"audit"`
	Storage    StorageConfig     `mapstructure:"storage"`
	DB         DBConfig          `mapstructure:"db"`
	SQLite     SQLiteConfig      `mapstructure:"sqlite"`
	PubSub     PubSubConfig      `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RobotsConfig tunes robots.txt caching and refresh.
type RobotsConfig struct {
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	SweepRate       float64       `mapstructure:"sweep_rate"`
}

// FetcherConfig configures the plain HTTP page fetcher.
type FetcherConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBodySize int           `mapstructure:"max_body_size"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	PromotionBytes    int           `mapstructure:"promotion_bytes"`
	EgressIP          string        `mapstructure:"egress_ip"`
}

// ExtractionConfig holds the default schema and trap detector vocabularies.
type ExtractionConfig struct {
	Schema           discovery.Schema `mapstructure:"schema"`
	DecoyTerms       []string         `mapstructure:"decoy_terms"`
	InjectionPhrases []string         `mapstructure:"injection_phrases"`
}

// AnthropicConfig configures the extraction model client.
type AnthropicConfig struct {
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	Model        string `mapstructure:"model"`
	MaxTokens    int64  `mapstructure:"max_tokens"`
	MaxHTMLBytes int    `mapstructure:"max_html_bytes"`
	MaxRetries   int    `mapstructure:"max_retries"`
}

// CampaignConfig governs the campaign runner and its worker pool.
type CampaignConfig struct {
	Runner      campaign.Config `mapstructure:",squash"`
	Concurrency int             `mapstructure:"concurrency"`
	QueueDepth  int             `mapstructure:"queue_depth"`
}

// AuditConfig controls audit buffering and sinks.
type AuditConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogRecords     bool          `mapstructure:"log_records"`
}

// StorageConfig selects record and snapshot backends.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	Blob      string `mapstructure:"blob"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// SQLiteConfig enables the local audit mirror when Path is set.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PubSubConfig holds the operator notification topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("anthropic.api_key", "SENTINEL_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return Config{}, fmt.Errorf("bind anthropic key: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	schema := discovery.DefaultSchema()
	runner := campaign.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)

	v.SetDefault("compliance.public_data_mode", false)
	v.SetDefault("compliance.public_allow_list", []string{})
	v.SetDefault("compliance.denied_hosts", []string{})
	v.SetDefault("compliance.default_rate_limit.ceiling", 6)
	v.SetDefault("compliance.default_rate_limit.window", time.Minute)
	v.SetDefault("compliance.user_agent", "signup-sentinel/0.1 (+https://github.com/JakeFAU/signup-sentinel)")

	v.SetDefault("robots.cache_ttl", 6*time.Hour)
	v.SetDefault("robots.refresh_interval", time.Hour)
	v.SetDefault("robots.timeout", 10*time.Second)
	v.SetDefault("robots.sweep_rate", 2.0)

	v.SetDefault("fetcher.timeout", 15*time.Second)
	v.SetDefault("fetcher.max_body_size", 4<<20)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.navigation_timeout", 45*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.promotion_bytes", 2048)
	v.SetDefault("headless.egress_ip", "")

	v.SetDefault("extraction.schema.name", schema.Name)
	v.SetDefault("extraction.schema.expected_categories", schema.ExpectedCategories)
	v.SetDefault("extraction.schema.min_fields", schema.MinFields)
	v.SetDefault("extraction.decoy_terms", []string{})
	v.SetDefault("extraction.injection_phrases", []string{})

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.base_url", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.max_html_bytes", 200<<10)
	v.SetDefault("anthropic.max_retries", 0)

	v.SetDefault("campaign.concurrency", 4)
	v.SetDefault("campaign.queue_depth", 64)
	v.SetDefault("campaign.time_budget", runner.TimeBudget)
	v.SetDefault("campaign.escalation_timeout", runner.EscalationTimeout)
	v.SetDefault("campaign.snapshot_prefix", runner.SnapshotPrefix)
	v.SetDefault("campaign.budget.max_retries", runner.Budget.MaxRetries)
	v.SetDefault("campaign.budget.base_delay", runner.Budget.BaseDelay)
	v.SetDefault("campaign.budget.max_delay", runner.Budget.MaxDelay)
	v.SetDefault("campaign.budget.jitter", runner.Budget.Jitter)
	v.SetDefault("campaign.thresholds.default", runner.Thresholds.Default)

	v.SetDefault("audit.buffer_size", 4096)
	v.SetDefault("audit.max_batch_events", 256)
	v.SetDefault("audit.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("audit.sink_timeout", 10*time.Second)
	v.SetDefault("audit.log_records", false)

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.blob", BackendMemory)
	v.SetDefault("storage.local_dir", "./data/snapshots")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("db.migrate", true)

	v.SetDefault("sqlite.path", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Compliance.DefaultRateLimit.Ceiling <= 0 {
		return fmt.Errorf("compliance.default_rate_limit.ceiling must be > 0")
	}
	for host, limit := range c.Compliance.RateLimits {
		if limit.Ceiling <= 0 {
			return fmt.Errorf("compliance.rate_limits.%s.ceiling must be > 0", host)
		}
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Campaign.Concurrency <= 0 {
		return fmt.Errorf("campaign.concurrency must be > 0")
	}
	if c.Campaign.Runner.Budget.MaxRetries <= 0 {
		return fmt.Errorf("campaign.budget.max_retries must be > 0")
	}
	if c.Campaign.Runner.TimeBudget <= 0 {
		return fmt.Errorf("campaign.time_budget must be > 0")
	}
	if err := validateThreshold("campaign.thresholds.default", c.Campaign.Runner.Thresholds.Default); err != nil {
		return err
	}
	for host, v := range c.Campaign.Runner.Thresholds.PerHost {
		if err := validateThreshold("campaign.thresholds.per_host."+host, v); err != nil {
			return err
		}
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when storage.backend is %q", BackendPostgres)
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q", BackendMemory, BackendPostgres)
	}
	switch c.Storage.Blob {
	case BackendMemory, BlobLocal:
	case BlobGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.blob is %q", BlobGCS)
		}
	default:
		return fmt.Errorf("storage.blob must be one of %q, %q or %q", BackendMemory, BlobLocal, BlobGCS)
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set together")
	}
	return nil
}

func validateThreshold(key string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0, 1]", key)
	}
	return nil
}
