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
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Provider ProviderConfig `yaml:"provider" mapstructure:"provider"`
	Import   ImportConfig   `yaml:"import" mapstructure:"import"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres connection pool.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ProviderConfig holds rank-tracking provider API settings.
type ProviderConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	PageSize    int     `yaml:"page_size" mapstructure:"page_size"`
}

// Timeout returns the per-request timeout as a duration.
func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSecs) * time.Second
}

// ImportConfig configures the import orchestrator.
type ImportConfig struct {
	PollIntervalMs       int         `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	ProjectConcurrency   int         `yaml:"project_concurrency" mapstructure:"project_concurrency"`
	KeywordProgressEvery int         `yaml:"keyword_progress_every" mapstructure:"keyword_progress_every"`
	ContinueOnError      bool        `yaml:"continue_on_error" mapstructure:"continue_on_error"`
	HeartbeatSecs        int         `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	StaleAfterSecs       int         `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
	Retry                RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// PollInterval returns the pause poll interval as a duration.
func (i ImportConfig) PollInterval() time.Duration {
	return time.Duration(i.PollIntervalMs) * time.Millisecond
}

// HeartbeatInterval returns how often a live run touches its record.
func (i ImportConfig) HeartbeatInterval() time.Duration {
	return time.Duration(i.HeartbeatSecs) * time.Second
}

// StaleAfter returns how long a non-terminal run may go without a heartbeat
// before it is treated as abandoned.
func (i ImportConfig) StaleAfter() time.Duration {
	return time.Duration(i.StaleAfterSecs) * time.Second
}

// RetryConfig configures retries of provider calls.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// ServerConfig configures the control API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
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
	v.SetEnvPrefix("RANKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("provider.base_url", "https://api4.seranking.com")
	v.SetDefault("provider.api_key", "")
	v.SetDefault("provider.timeout_secs", 30)
	v.SetDefault("provider.rate_per_sec", 5.0)
	v.SetDefault("provider.burst", 5)
	v.SetDefault("provider.page_size", 1000)
	v.SetDefault("import.poll_interval_ms", 2000)
	v.SetDefault("import.project_concurrency", 1)
	v.SetDefault("import.keyword_progress_every", 10)
	v.SetDefault("import.continue_on_error", false)
	v.SetDefault("import.heartbeat_secs", 15)
	v.SetDefault("import.stale_after_secs", 60)
	v.SetDefault("import.retry.max_attempts", 4)
	v.SetDefault("import.retry.initial_backoff_ms", 500)
	v.SetDefault("import.retry.max_backoff_ms", 30000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
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

// Validate checks the settings required by the given subcommand mode
// ("serve", "import" or "migrate") and reports every missing value at once.
func (c *Config) Validate(mode string) error {
	var problems []string

	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required (RANKSYNC_STORE_DATABASE_URL)")
	}

	if mode == "serve" || mode == "import" {
		if c.Provider.APIKey == "" {
			problems = append(problems, "provider.api_key is required (RANKSYNC_PROVIDER_API_KEY)")
		}
		if c.Import.ProjectConcurrency < 1 {
			problems = append(problems, fmt.Sprintf("import.project_concurrency must be >= 1, got %d", c.Import.ProjectConcurrency))
		}
		if c.Import.KeywordProgressEvery < 1 {
			problems = append(problems, fmt.Sprintf("import.keyword_progress_every must be >= 1, got %d", c.Import.KeywordProgressEvery))
		}
		if c.Import.HeartbeatSecs < 1 || c.Import.StaleAfterSecs <= c.Import.HeartbeatSecs {
			problems = append(problems, fmt.Sprintf("import.stale_after_secs (%d) must exceed import.heartbeat_secs (%d) >= 1",
				c.Import.StaleAfterSecs, c.Import.HeartbeatSecs))
		}
	}

	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		problems = append(problems, fmt.Sprintf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
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
