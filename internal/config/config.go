package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Acquire      AcquireConfig      `yaml:"acquire" mapstructure:"acquire"`
	Browser      BrowserConfig      `yaml:"browser" mapstructure:"browser"`
	Appraiser    AppraiserConfig    `yaml:"appraiser" mapstructure:"appraiser"`
	TaxCollector TaxCollectorConfig `yaml:"tax_collector" mapstructure:"tax_collector"`
	Circuit      CircuitConfig      `yaml:"circuit" mapstructure:"circuit"`
	Bulk         BulkConfig         `yaml:"bulk" mapstructure:"bulk"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Temporal     TemporalConfig     `yaml:"temporal" mapstructure:"temporal"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AcquireConfig tunes the worker pool, retries and staleness.
type AcquireConfig struct {
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency"`
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelayMs      int `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	PaceMs           int `yaml:"pace_ms" mapstructure:"pace_ms"`
	StalenessHours   int `yaml:"staleness_hours" mapstructure:"staleness_hours"`
	FindTimeoutSecs  int `yaml:"find_timeout_secs" mapstructure:"find_timeout_secs"`
	ClickTimeoutSecs int `yaml:"click_timeout_secs" mapstructure:"click_timeout_secs"`
	LoadTimeoutSecs  int `yaml:"load_timeout_secs" mapstructure:"load_timeout_secs"`
	ProbeTimeoutSecs int `yaml:"probe_timeout_secs" mapstructure:"probe_timeout_secs"`
}

// Staleness returns the freshness window.
func (a AcquireConfig) Staleness() time.Duration {
	return time.Duration(a.StalenessHours) * time.Hour
}

// Pace returns the pause between items on one session.
func (a AcquireConfig) Pace() time.Duration {
	return time.Duration(a.PaceMs) * time.Millisecond
}

// BrowserConfig selects the session driver.
type BrowserConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	Headless   bool   `yaml:"headless" mapstructure:"headless"`
	ChromePath string `yaml:"chrome_path" mapstructure:"chrome_path"`
	UserAgent  string `yaml:"user_agent" mapstructure:"user_agent"`

	// UserAgents, when set, is rotated per session instead of UserAgent.
	UserAgents []string `yaml:"user_agents" mapstructure:"user_agents"`
}

// AppraiserConfig points at the primary source.
type AppraiserConfig struct {
	BaseURL        string  `yaml:"base_url" mapstructure:"base_url"`
	SearchURL      string  `yaml:"search_url" mapstructure:"search_url"`
	RatePerSec     float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	MaxSearchPages int     `yaml:"max_search_pages" mapstructure:"max_search_pages"`
	// SelectorsPath optionally overrides the built-in page selectors.
	SelectorsPath string `yaml:"selectors_path" mapstructure:"selectors_path"`
}

// TaxCollectorConfig points at the secondary source.
type TaxCollectorConfig struct {
	Enabled    bool    `yaml:"enabled" mapstructure:"enabled"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	SearchURL  string  `yaml:"search_url" mapstructure:"search_url"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// CircuitConfig configures the per-source circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BulkConfig configures the bulk import path.
type BulkConfig struct {
	URL       string `yaml:"url" mapstructure:"url"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
	TempDir   string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// ServerConfig configures the progress API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// TemporalConfig configures the task queue.
type TemporalConfig struct {
	Address   string `yaml:"address" mapstructure:"address"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// MonitoringConfig configures background alert checks.
type MonitoringConfig struct {
	Enabled                  bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL               string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs        int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours      int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold     float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ItemFailureRateThreshold float64 `yaml:"item_failure_rate_threshold" mapstructure:"item_failure_rate_threshold"`
	FailureQueueThreshold    int     `yaml:"failure_queue_threshold" mapstructure:"failure_queue_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PARCEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Every key gets one so AutomaticEnv can see it on Unmarshal.
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "parcels.db")
	v.SetDefault("acquire.concurrency", 3)
	v.SetDefault("acquire.max_attempts", 3)
	v.SetDefault("acquire.base_delay_ms", 2000)
	v.SetDefault("acquire.pace_ms", 1000)
	v.SetDefault("acquire.staleness_hours", 168)
	v.SetDefault("acquire.find_timeout_secs", 10)
	v.SetDefault("acquire.click_timeout_secs", 10)
	v.SetDefault("acquire.load_timeout_secs", 30)
	v.SetDefault("acquire.probe_timeout_secs", 5)
	v.SetDefault("browser.driver", "chrome")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.chrome_path", "")
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("browser.user_agents", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	})
	v.SetDefault("appraiser.base_url", "https://www.pcpao.gov/")
	v.SetDefault("appraiser.search_url", "https://www.pcpao.gov/quick-search")
	v.SetDefault("appraiser.rate_per_sec", 1.0)
	v.SetDefault("appraiser.max_search_pages", 10)
	v.SetDefault("appraiser.selectors_path", "")
	v.SetDefault("tax_collector.enabled", true)
	v.SetDefault("tax_collector.base_url", "https://pinellastaxcollector.gov/")
	v.SetDefault("tax_collector.search_url", "https://pinellastaxcollector.gov/search-results/")
	v.SetDefault("tax_collector.rate_per_sec", 0.5)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("bulk.url", "")
	v.SetDefault("bulk.batch_size", 5000)
	v.SetDefault("bulk.temp_dir", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("temporal.address", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "parcel-acquisition")
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.item_failure_rate_threshold", 0.20)
	v.SetDefault("monitoring.failure_queue_threshold", 500)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is the command name:
// acquire, import, serve, worker or migrate.
func (c *Config) Validate(mode string) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		add("store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.DatabaseURL == "" {
		add("store.database_url is required")
	}

	acquisition := func() {
		if c.Acquire.Concurrency < 1 || c.Acquire.Concurrency > 32 {
			add("acquire.concurrency must be between 1 and 32")
		}
		if c.Acquire.MaxAttempts < 1 {
			add("acquire.max_attempts must be > 0")
		}
		if c.Acquire.BaseDelayMs < 0 {
			add("acquire.base_delay_ms must be >= 0")
		}
		if c.Acquire.StalenessHours < 0 {
			add("acquire.staleness_hours must be >= 0")
		}
		switch c.Browser.Driver {
		case "chrome", "static":
		default:
			add("browser.driver must be chrome or static, got %q", c.Browser.Driver)
		}
		if c.Appraiser.BaseURL == "" || c.Appraiser.SearchURL == "" {
			add("appraiser.base_url and appraiser.search_url are required")
		}
		if c.TaxCollector.Enabled && c.TaxCollector.SearchURL == "" {
			add("tax_collector.search_url is required when tax_collector.enabled")
		}
	}
	bulk := func() {
		if c.Bulk.BatchSize < 1 {
			add("bulk.batch_size must be > 0")
		}
	}

	monitoring := func() {
		m := c.Monitoring
		if !m.Enabled {
			return
		}
		if m.FailureRateThreshold <= 0 || m.FailureRateThreshold > 1 ||
			m.ItemFailureRateThreshold <= 0 || m.ItemFailureRateThreshold > 1 {
			add("monitoring failure rate thresholds must be in (0, 1]")
		}
		if m.LookbackWindowHours <= 0 {
			add("monitoring.lookback_window_hours must be > 0")
		}
	}

	switch mode {
	case "acquire":
		acquisition()
	case "import":
		bulk()
	case "serve":
		acquisition()
		monitoring()
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
	case "worker":
		acquisition()
		bulk()
		monitoring()
		if c.Temporal.Address == "" || c.Temporal.TaskQueue == "" {
			add("temporal.address and temporal.task_queue are required")
		}
	case "migrate":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
