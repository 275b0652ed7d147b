package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every recognized setting. Values come from an optional YAML
// file plus HARVEST_* environment overrides; anything unset falls back to the
// defaults below.
type Config struct {
	// Storage
	DatabaseURL string `mapstructure:"database_url"`
	DataDir     string `mapstructure:"data_dir"`
	StatsFile   string `mapstructure:"stats_file"`
	LogFile     string `mapstructure:"log_file"`

	// Worker runtime
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	MaxContentSize int           `mapstructure:"max_content_size"`

	// Cascade
	PreferredStrategies []string `mapstructure:"preferred_strategies"`

	// Budgets and quotas
	FirecrawlAPIKey       string `mapstructure:"firecrawl_api_key"`
	FirecrawlMonthlyLimit int    `mapstructure:"firecrawl_monthly_limit"`
	SearchAPIKey          string `mapstructure:"search_api_key"`
	SearchEngineID        string `mapstructure:"search_engine_id"`
	SearchDailyQuota      int    `mapstructure:"search_daily_quota"`
	SearchHourlyCap       int    `mapstructure:"search_hourly_cap"`

	// Authenticated fetch
	AuthSiteCredentials map[string]SiteCredentials `mapstructure:"auth_site_credentials"`
	SessionTTLHours     int                        `mapstructure:"session_ttl_hours"`

	// Content analysis
	PaywallPhrases      []string `mapstructure:"paywall_phrases"`
	PaywallSelectors    []string `mapstructure:"paywall_selectors"`
	MinWordCount        int      `mapstructure:"min_word_count"`
	TitleRatioThreshold float64  `mapstructure:"title_ratio_threshold"`

	// Strategy knobs
	UserAgents           UserAgents `mapstructure:"user_agents"`
	BypassProxyTemplates []string   `mapstructure:"bypass_proxy_templates"`
	ArchiveMirrors       []string   `mapstructure:"archive_mirrors"`
	ArchiveTimeframes    []string   `mapstructure:"archive_timeframes"`
}

// SiteCredentials are login credentials for one authenticated site.
type SiteCredentials struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	LoginURL string `mapstructure:"login_url"`
}

// UserAgents holds the user-agent strings used by the fetch strategies.
type UserAgents struct {
	Default string `mapstructure:"default"`
	Bot     string `mapstructure:"bot"`
	Reader  string `mapstructure:"reader"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "postgres://localhost:5432/harvest?sslmode=disable")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("stats_file", "./data/strategy_stats.json")
	v.SetDefault("log_file", "")

	v.SetDefault("max_concurrent", 5)
	v.SetDefault("default_timeout", 30*time.Second)
	v.SetDefault("retry_attempts", 2)
	v.SetDefault("max_content_size", 500_000)

	v.SetDefault("firecrawl_monthly_limit", 500)
	v.SetDefault("search_daily_quota", 8000)
	v.SetDefault("search_hourly_cap", 8000/24)

	v.SetDefault("session_ttl_hours", 6)

	v.SetDefault("min_word_count", 150)
	v.SetDefault("title_ratio_threshold", 0.1)
	v.SetDefault("paywall_phrases", []string{
		"subscribe to continue",
		"subscribe to read",
		"create a free account",
		"sign up to continue",
		"javascript required",
		"javascript is required",
		"enable javascript",
		"this content is for subscribers",
	})
	v.SetDefault("paywall_selectors", []string{
		"[class*=paywall]",
		"[id*=paywall]",
		"[class*=subscription-wall]",
		"[class*=premium-content]",
		"[data-paywall]",
		"[data-require-auth]",
	})

	v.SetDefault("user_agents.default",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("user_agents.bot",
		"Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	v.SetDefault("user_agents.reader",
		"Mozilla/5.0 (compatible; ReaderBot/1.0)")

	v.SetDefault("archive_mirrors", []string{
		"archive.today", "archive.is", "archive.li", "archive.fo", "archive.ph",
	})
	v.SetDefault("archive_timeframes", []string{
		"", "20240101", "20220101", "20200101", "20180101", "20150101", "20120101", "20100101",
	})
}

// Load reads configuration from the given file path (optional) and the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("HARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.SearchHourlyCap <= 0 || cfg.SearchHourlyCap > cfg.SearchDailyQuota {
		cfg.SearchHourlyCap = cfg.SearchDailyQuota / 24
	}

	return &cfg, nil
}

// Default returns the built-in configuration without touching the filesystem.
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}
