package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"soilwatch/internal/logging"
)

// Backend names accepted by storage.backend.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Range sources accepted by query.ranges.*.source.
const (
	SourceLatest  = "latest"
	SourceHistory = "history"
	SourceRollup  = "rollup"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Query       QueryConfig       `mapstructure:"query"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	MQTT        MQTTConfig        `mapstructure:"mqtt"`
	Fetch       FetchConfig       `mapstructure:"fetch"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// StorageConfig selects and tunes the durable store.
type StorageConfig struct {
	Backend    string         `mapstructure:"backend"`
	KeyPrefix  string         `mapstructure:"key_prefix"`
	HistoryCap int            `mapstructure:"history_cap"`
	RollupCap  int            `mapstructure:"rollup_cap"`
	RedisURL   string         `mapstructure:"redis_url"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig encapsulates PostgreSQL connectivity.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// AggregationConfig governs rollup windows and the idle-flush sweep.
type AggregationConfig struct {
	Window       time.Duration `mapstructure:"window"`
	Sweep        bool          `mapstructure:"sweep"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
}

// QueryConfig lists the named ranges served by the resampler.
type QueryConfig struct {
	Ranges map[string]RangeConfig `mapstructure:"ranges"`
}

// RangeConfig describes one named range.
type RangeConfig struct {
	Source  string        `mapstructure:"source"`
	Span    time.Duration `mapstructure:"span"`
	Bucket  time.Duration `mapstructure:"bucket"`
	Aliases []string      `mapstructure:"aliases"`
}

// HTTPConfig configures the ingest/query HTTP surface.
type HTTPConfig struct {
	Listen          string        `mapstructure:"listen"`
	IngestToken     string        `mapstructure:"ingest_token"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MQTTConfig configures the optional broker subscription.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
}

// FetchConfig lists devices polled over HTTP.
type FetchConfig struct {
	Enabled   bool              `mapstructure:"enabled"`
	Interval  time.Duration     `mapstructure:"interval"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	UserAgent string            `mapstructure:"user_agent"`
	Targets   map[string]string `mapstructure:"targets"`
}

// AlertingConfig defines dryness thresholds and routing.
type AlertingConfig struct {
	Enabled      bool           `mapstructure:"enabled"`
	ThresholdPct float64        `mapstructure:"threshold_pct"`
	Cooldown     time.Duration  `mapstructure:"cooldown"`
	Telegram     TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from an optional .env file, the config file,
// environment and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("SOILWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "soilwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.key_prefix", "soil")
	v.SetDefault("storage.history_cap", 4000)
	v.SetDefault("storage.rollup_cap", 5000)
	v.SetDefault("storage.redis_url", "redis://localhost:6379/0")
	v.SetDefault("storage.postgres.max_open_conns", 10)
	v.SetDefault("storage.postgres.max_idle_conns", 5)
	v.SetDefault("storage.postgres.conn_max_lifetime", "30m")

	v.SetDefault("aggregation.window", "10m")
	v.SetDefault("aggregation.sweep", true)
	v.SetDefault("aggregation.startup_delay", "0s")

	v.SetDefault("query.ranges", map[string]any{
		"latest": map[string]any{"source": SourceLatest},
		"short":  map[string]any{"source": SourceHistory, "span": "1h", "bucket": "1m", "aliases": []string{"1h"}},
		"medium": map[string]any{"source": SourceRollup, "span": "24h", "bucket": "30m", "aliases": []string{"24h"}},
		"long":   map[string]any{"source": SourceRollup, "span": "168h", "bucket": "2h", "aliases": []string{"7d"}},
	})

	v.SetDefault("http.listen", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "5s")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "soilwatch")
	v.SetDefault("mqtt.topic", "soil/+/raw")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("fetch.enabled", false)
	v.SetDefault("fetch.interval", "1m")
	v.SetDefault("fetch.timeout", "10s")
	v.SetDefault("fetch.user_agent", "soilwatch/1.0")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.threshold_pct", 20.0)
	v.SetDefault("alerting.cooldown", "6h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url must be set for the redis backend")
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, redis, postgres", c.Storage.Backend)
	}
	if c.Storage.HistoryCap <= 0 || c.Storage.RollupCap <= 0 {
		return fmt.Errorf("storage caps must be greater than zero")
	}
	if c.Aggregation.Window < time.Second {
		return fmt.Errorf("aggregation.window must be at least one second")
	}
	if len(c.Query.Ranges) == 0 {
		return fmt.Errorf("query.ranges must define at least one range")
	}
	for name, r := range c.Query.Ranges {
		switch r.Source {
		case SourceLatest:
		case SourceHistory, SourceRollup:
			if r.Span <= 0 || r.Bucket <= 0 {
				return fmt.Errorf("query.ranges.%s needs a positive span and bucket", name)
			}
		default:
			return fmt.Errorf("query.ranges.%s.source %q is not one of latest, history, rollup", name, r.Source)
		}
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.ThresholdPct < 0 || c.Alerting.ThresholdPct > 100 {
		return fmt.Errorf("alerting.threshold_pct must be within 0..100")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be set")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be set")
		}
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" || c.MQTT.Topic == "" {
			return fmt.Errorf("mqtt.broker and mqtt.topic must be set when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if c.Fetch.Enabled {
		if c.Fetch.Interval <= 0 {
			return fmt.Errorf("fetch.interval must be greater than zero")
		}
		if len(c.Fetch.Targets) == 0 {
			return fmt.Errorf("fetch.targets must list at least one device")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
