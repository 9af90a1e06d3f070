// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Store      StoreConfig      `mapstructure:"store"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Cookies    CookiesConfig    `mapstructure:"cookies"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Challenge  ChallengeConfig  `mapstructure:"challenge"`
	AntiDetect AntiDetectConfig `mapstructure:"antidetect"`
	Output     OutputConfig     `mapstructure:"output"`
	Events     EventsConfig     `mapstructure:"events"`
	Retention  RetentionConfig  `mapstructure:"retention"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
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

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// SchedulerConfig governs the task queue worker.
type SchedulerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TaskTimeout     time.Duration `mapstructure:"task_timeout"`
	Timezone        string        `mapstructure:"timezone"`
}

// LimitsConfig holds the per-identity restriction policy and submission bounds.
type LimitsConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	MaxDailyUsage        int           `mapstructure:"max_daily_usage"`
	MinInterval          time.Duration `mapstructure:"min_interval"`
	DedupCombinations    bool          `mapstructure:"dedup_combinations"`
	MaxCategoriesPerTask int           `mapstructure:"max_categories_per_task"`
	DefaultPages         int           `mapstructure:"default_pages"`
	MaxPages             int           `mapstructure:"max_pages"`
}

// CookiesConfig controls named cookie storage and format validation.
type CookiesConfig struct {
	Dir            string   `mapstructure:"dir"`
	RequiredFields []string `mapstructure:"required_fields"`
	MinPairs       int      `mapstructure:"min_pairs"`
	Domain         string   `mapstructure:"domain"`
	FilteredNames  []string `mapstructure:"filtered_names"`
}

// BrowserConfig configures the chromedp driver.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless"`
	ExecPath          string        `mapstructure:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	NavigationRetries int           `mapstructure:"navigation_retries"`
	Stealth           bool          `mapstructure:"stealth"`
	WindowWidth       int           `mapstructure:"window_width"`
	WindowHeight      int           `mapstructure:"window_height"`
}

// ChallengeConfig bounds the wait for a bot challenge to clear.
type ChallengeConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxWait      time.Duration `mapstructure:"max_wait"`
}

// DelayRange is an inclusive [Min, Max] duration window.
type DelayRange struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// AntiDetectConfig is the declarative table behind randomized pacing.
type AntiDetectConfig struct {
	Delays            map[string]DelayRange `mapstructure:"delays"`
	StayPatterns      map[string]DelayRange `mapstructure:"stay_patterns"`
	ScrollProbability float64               `mapstructure:"scroll_probability"`
	HoverProbability  float64               `mapstructure:"hover_probability"`
	ClickProbability  float64               `mapstructure:"click_probability"`
	RotateProbability float64               `mapstructure:"rotate_probability"`
	UserAgents        []string              `mapstructure:"user_agents"`
	Seed              int64                 `mapstructure:"seed"`
}

// OutputConfig controls CSV output and optional artifact upload.
type OutputConfig struct {
	Dir         string `mapstructure:"dir"`
	Upload      string `mapstructure:"upload"`
	LocalDir    string `mapstructure:"local_dir"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// EventsConfig controls status event fan-out.
type EventsConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	MaxBatchWait  time.Duration `mapstructure:"max_batch_wait"`
	PubSubProject string        `mapstructure:"pubsub_project"`
	PubSubTopic   string        `mapstructure:"pubsub_topic"`
	LogEvents     bool          `mapstructure:"log_events"`
}

// RetentionConfig controls scheduled cleanup of old records.
type RetentionConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Days     int    `mapstructure:"days"`
	Schedule string `mapstructure:"schedule"`
}

// ProbeConfig selects how total page counts are probed for last-N ranges.
type ProbeConfig struct {
	Mode              string        `mapstructure:"mode"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// CatalogConfig overrides the built-in city and category tables.
type CatalogConfig struct {
	BaseURL    string            `mapstructure:"base_url"`
	Cities     map[string]string `mapstructure:"cities"`
	Categories map[string]string `mapstructure:"categories"`
}

// Supported enum values.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	UploadNone   = "none"
	UploadLocal  = "local"
	UploadGCS    = "gcs"
	UploadMemory = "memory"

	ProbeBrowser = "browser"
	ProbeHTTP    = "http"
)

// Delay kinds understood by the anti-detection policy.
var delayDefaults = map[string]DelayRange{
	"initial":         {Min: 10 * time.Second, Max: 30 * time.Second},
	"settle":          {Min: 3 * time.Second, Max: 8 * time.Second},
	"inter_page":      {Min: 8 * time.Second, Max: 15 * time.Second},
	"inter_category":  {Min: 15 * time.Second, Max: 45 * time.Second},
	"inter_request":   {Min: 1 * time.Second, Max: 3 * time.Second},
	"error_backoff":   {Min: 30 * time.Second, Max: 60 * time.Second},
	"challenge_wait":  {Min: 60 * time.Second, Max: 120 * time.Second},
	"challenge_extra": {Min: 5 * time.Second, Max: 10 * time.Second},
	"periodic_extra":  {Min: 8 * time.Second, Max: 15 * time.Second},
}

var stayDefaults = map[string]DelayRange{
	"short":  {Min: 2 * time.Second, Max: 5 * time.Second},
	"medium": {Min: 4 * time.Second, Max: 8 * time.Second},
	"long":   {Min: 6 * time.Second, Max: 12 * time.Second},
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTING")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("store.driver", StoreSQLite)
	v.SetDefault("store.dsn", "data/listing.db")
	v.SetDefault("store.max_open_conns", 4)
	v.SetDefault("scheduler.concurrency", 1)
	v.SetDefault("scheduler.poll_interval", 2*time.Second)
	v.SetDefault("scheduler.shutdown_timeout", 30*time.Second)
	v.SetDefault("scheduler.task_timeout", 4*time.Hour)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("limits.enabled", true)
	v.SetDefault("limits.max_daily_usage", 2)
	v.SetDefault("limits.min_interval", time.Hour)
	v.SetDefault("limits.dedup_combinations", true)
	v.SetDefault("limits.max_categories_per_task", 2)
	v.SetDefault("limits.default_pages", 15)
	v.SetDefault("limits.max_pages", 30)
	v.SetDefault("cookies.dir", "data/cookies")
	v.SetDefault("cookies.required_fields", []string{"_lxsdk_cuid", "dper", "ll"})
	v.SetDefault("cookies.min_pairs", 5)
	v.SetDefault("cookies.domain", ".dianping.com")
	v.SetDefault("cookies.filtered_names", []string{
		"device_id", "fingerprint", "client_id", "session_id", "machine_id", "browser_id",
	})
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.navigation_timeout", 30*time.Second)
	v.SetDefault("browser.navigation_retries", 3)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 768)
	v.SetDefault("challenge.poll_interval", 10*time.Second)
	v.SetDefault("challenge.max_wait", 300*time.Second)
	for kind, r := range delayDefaults {
		v.SetDefault("antidetect.delays."+kind+".min", r.Min)
		v.SetDefault("antidetect.delays."+kind+".max", r.Max)
	}
	for name, r := range stayDefaults {
		v.SetDefault("antidetect.stay_patterns."+name+".min", r.Min)
		v.SetDefault("antidetect.stay_patterns."+name+".max", r.Max)
	}
	v.SetDefault("antidetect.scroll_probability", 0.7)
	v.SetDefault("antidetect.hover_probability", 0.4)
	v.SetDefault("antidetect.click_probability", 0.3)
	v.SetDefault("antidetect.rotate_probability", 0.3)
	v.SetDefault("antidetect.user_agents", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	})
	v.SetDefault("output.dir", "data/outputs")
	v.SetDefault("output.upload", UploadNone)
	v.SetDefault("output.prefix", "crawls")
	v.SetDefault("output.content_type", "text/csv; charset=utf-8")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("events.log_events", true)
	v.SetDefault("retention.enabled", true)
	v.SetDefault("retention.days", 30)
	v.SetDefault("retention.schedule", "@daily")
	v.SetDefault("probe.mode", ProbeBrowser)
	v.SetDefault("probe.timeout", 20*time.Second)
	v.SetDefault("probe.requests_per_second", 0.2)
	v.SetDefault("probe.burst", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Driver {
	case StoreSQLite, StorePostgres:
	default:
		return fmt.Errorf("store.driver must be %q or %q", StoreSQLite, StorePostgres)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be > 0")
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be > 0")
	}
	if c.Limits.MaxCategoriesPerTask <= 0 {
		return fmt.Errorf("limits.max_categories_per_task must be > 0")
	}
	if c.Limits.MaxPages <= 0 || c.Limits.DefaultPages <= 0 || c.Limits.DefaultPages > c.Limits.MaxPages {
		return fmt.Errorf("limits.default_pages must be within 1..limits.max_pages")
	}
	if c.Limits.Enabled && c.Limits.MaxDailyUsage <= 0 {
		return fmt.Errorf("limits.max_daily_usage must be > 0 when limits are enabled")
	}
	if c.Cookies.MinPairs < 0 {
		return fmt.Errorf("cookies.min_pairs must be >= 0")
	}
	if c.Browser.NavigationRetries <= 0 {
		return fmt.Errorf("browser.navigation_retries must be > 0")
	}
	if c.Challenge.PollInterval <= 0 || c.Challenge.MaxWait < c.Challenge.PollInterval {
		return fmt.Errorf("challenge.max_wait must be >= challenge.poll_interval > 0")
	}
	for kind, r := range c.AntiDetect.Delays {
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("antidetect.delays.%s: invalid range %s..%s", kind, r.Min, r.Max)
		}
	}
	for _, p := range []float64{
		c.AntiDetect.ScrollProbability, c.AntiDetect.HoverProbability,
		c.AntiDetect.ClickProbability, c.AntiDetect.RotateProbability,
	} {
		if p < 0 || p > 1 {
			return fmt.Errorf("antidetect probabilities must be within [0,1]")
		}
	}
	switch c.Output.Upload {
	case UploadNone, UploadMemory, "":
	case UploadLocal:
		if c.Output.LocalDir == "" {
			return fmt.Errorf("output.local_dir is required when output.upload=local")
		}
	case UploadGCS:
		if c.Output.Bucket == "" {
			return fmt.Errorf("output.bucket is required when output.upload=gcs")
		}
	default:
		return fmt.Errorf("output.upload must be one of none, memory, local, gcs")
	}
	if c.Events.PubSubTopic != "" && c.Events.PubSubProject == "" {
		return fmt.Errorf("events.pubsub_project is required when events.pubsub_topic is set")
	}
	if c.Retention.Enabled && c.Retention.Days <= 0 {
		return fmt.Errorf("retention.days must be > 0 when retention is enabled")
	}
	if c.Probe.RequestsPerSecond < 0 {
		return fmt.Errorf("probe.requests_per_second must be >= 0")
	}
	switch c.Probe.Mode {
	case ProbeBrowser, ProbeHTTP:
	default:
		return fmt.Errorf("probe.mode must be %q or %q", ProbeBrowser, ProbeHTTP)
	}
	return nil
}
