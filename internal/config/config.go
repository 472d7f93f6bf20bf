// Package config loads and validates ledger configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/announcement-ledger/internal/ingest"
	"github.com/JakeFAU/announcement-ledger/internal/resolver"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	DB         DBConfig       `mapstructure:"db"`
	Run        RunConfig      `mapstructure:"run"`
	Retry      RetryConfig    `mapstructure:"retry"`
	Priorities map[string]int `mapstructure:"priorities"`
	Sources    []SourceConfig `mapstructure:"sources"`
	Fetch      FetchConfig    `mapstructure:"fetch"`
	Server     ServerConfig   `mapstructure:"server"`
	PubSub     PubSubConfig   `mapstructure:"pubsub"`
	Logging    LoggingConfig  `mapstructure:"logging"`
}

// DBConfig controls access to Postgres. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// MaxConnLifetime returns the pool connection lifetime.
func (c DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetimeSeconds) * time.Second
}

// RunConfig governs a processing run.
type RunConfig struct {
	Workers        int    `mapstructure:"workers"`
	QueueDepth     int    `mapstructure:"queue_depth"`
	InboxDir       string `mapstructure:"inbox_dir"`
	ForceReresolve bool   `mapstructure:"force_reresolve"`
	// RulesFile is imported into the rule store at startup when set.
	RulesFile string `mapstructure:"rules_file"`
	// Schedule is the cron spec used by serve mode.
	Schedule string `mapstructure:"schedule"`
}

// RetryConfig governs the failed item retry job.
type RetryConfig struct {
	MaxAttempts int    `mapstructure:"max_attempts"`
	BatchLimit  int    `mapstructure:"batch_limit"`
	Schedule    string `mapstructure:"schedule"`
}

// SourceConfig declares one upstream source.
type SourceConfig struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

// FetchConfig configures the detail page fetcher.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	// RatePerSecond throttles fetches per host; <= 0 disables throttling.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// Timeout returns the per-request fetch timeout.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	APIKey                string `mapstructure:"api_key"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// PubSubConfig holds metadata for announcement notifications. An empty
// topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("run.workers", 4)
	v.SetDefault("run.queue_depth", 64)
	v.SetDefault("run.inbox_dir", "data/inbox")
	v.SetDefault("run.force_reresolve", false)
	v.SetDefault("run.rules_file", "")
	v.SetDefault("run.schedule", "0 6 * * *")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.batch_limit", 500)
	v.SetDefault("retry.schedule", "30 */4 * * *")
	v.SetDefault("priorities", map[string]any{
		string(ingest.SourceExternalAPI):        1,
		string(ingest.SourceCivilAffairsPortal): 2,
		string(ingest.SourceHomepageScrape):     3,
	})
	v.SetDefault("fetch.user_agent", "announcement-ledger/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.rate_per_second", 2.0)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits. The priority table
// must rank every known source type.
func (c Config) Validate() error {
	if c.Run.Workers <= 0 {
		return fmt.Errorf("run.workers must be > 0")
	}
	if c.Run.QueueDepth < 0 {
		return fmt.Errorf("run.queue_depth must be >= 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.MinConns > c.DB.MaxConns && c.DB.MaxConns > 0 {
		return fmt.Errorf("db.min_conns must not exceed db.max_conns")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	if _, err := c.PriorityTable(); err != nil {
		return fmt.Errorf("priorities: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Sources))
	for i, src := range c.Sources {
		name := strings.TrimSpace(src.Name)
		if name == "" {
			return fmt.Errorf("sources[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("sources[%d]: duplicate source %q", i, name)
		}
		seen[name] = struct{}{}
		if _, err := ingest.ParseSourceType(strings.ToLower(strings.TrimSpace(src.Type))); err != nil {
			return fmt.Errorf("sources[%d].type: %w", i, err)
		}
	}
	return nil
}

// PriorityTable parses the configured priorities.
func (c Config) PriorityTable() (resolver.PriorityTable, error) {
	table, err := resolver.NewPriorityTable(c.Priorities)
	if err != nil {
		return nil, fmt.Errorf("build priority table: %w", err)
	}
	return table, nil
}
