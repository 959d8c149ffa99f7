package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Orderflow   OrderflowConfig   `yaml:"orderflow"`
	Watchlist   []WatchTarget     `yaml:"watchlist"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	Source      SourceConfig      `yaml:"source"`
	Poller      PollerConfig      `yaml:"poller"`
	Buffer      BufferConfig      `yaml:"buffer"`
	Writer      WriterConfig      `yaml:"writer"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type OrderflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// WatchTarget is one (exchange, symbol) pair to monitor. The full watch-list
// is fixed at startup; aggregation state is allocated per target before any
// connector starts.
type WatchTarget struct {
	Exchange string `yaml:"exchange"`
	Symbol   string `yaml:"symbol"`
}

type ChannelsConfig struct {
	TradeBuffer int `yaml:"trade_buffer"`
	OIBuffer    int `yaml:"oi_buffer"`
	BookBuffer  int `yaml:"book_buffer"`
}

type AggregationConfig struct {
	Window      time.Duration `yaml:"window"`
	BookBinSize float64       `yaml:"book_bin_size"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
	Bybit   BybitSourceConfig   `yaml:"bybit"`
}

type BinanceSourceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	WsURL          string        `yaml:"ws_url"`
	RestURL        string        `yaml:"rest_url"`
	DepthInterval  string        `yaml:"depth_interval"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type BybitSourceConfig struct {
	Enabled        bool          `yaml:"enabled"`
	WsURL          string        `yaml:"ws_url"`
	RestURL        string        `yaml:"rest_url"`
	Category       string        `yaml:"category"`
	BookDepth      int           `yaml:"book_depth"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

type PollerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Interval          time.Duration `yaml:"interval"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
}

type BufferConfig struct {
	Backend   string        `yaml:"backend"` // redis | memory
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	Retention int64         `yaml:"retention"`
	Group     string        `yaml:"group"`
	PoolSize  int           `yaml:"pool_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type WriterConfig struct {
	Mode string `yaml:"mode"` // group | drain
	// Consumer is the stable consumer-group member name. It must survive
	// restarts: entries delivered to a consumer stay in that consumer's
	// pending list, so a renamed writer would never see them again.
	Consumer      string        `yaml:"consumer"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	S3       S3Config       `yaml:"s3"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Compression     string        `yaml:"compression"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Aggregation: AggregationConfig{
			Window:      time.Second,
			BookBinSize: 10,
		},
		Poller: PollerConfig{
			Interval:          10 * time.Second,
			RequestsPerSecond: 4,
			Timeout:           5 * time.Second,
		},
		Buffer: BufferConfig{
			Backend:   "redis",
			Retention: 10000,
			Group:     "db-writer",
		},
		Writer: WriterConfig{
			Mode:          "group",
			Consumer:      "writer-1",
			FlushInterval: 30 * time.Second,
			BatchSize:     500,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override connection settings from environment variables if available
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Buffer.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		config.Storage.Postgres.DSN = strings.TrimSpace(v)
	}
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Orderflow.Name == "" {
		return fmt.Errorf("orderflow.name is required")
	}

	if cfg.Orderflow.Version == "" {
		return fmt.Errorf("orderflow.version is required")
	}

	if len(cfg.Watchlist) == 0 {
		return fmt.Errorf("watchlist must contain at least one target")
	}
	for i, target := range cfg.Watchlist {
		exchange := strings.ToLower(strings.TrimSpace(target.Exchange))
		switch exchange {
		case "binance", "bybit":
		default:
			return fmt.Errorf("watchlist[%d].exchange '%s' is not supported", i, target.Exchange)
		}
		if strings.TrimSpace(target.Symbol) == "" {
			return fmt.Errorf("watchlist[%d].symbol is required", i)
		}
		cfg.Watchlist[i].Exchange = exchange
		cfg.Watchlist[i].Symbol = strings.ToUpper(strings.TrimSpace(target.Symbol))
	}

	if cfg.Channels.TradeBuffer <= 0 {
		return fmt.Errorf("channels.trade_buffer must be greater than 0")
	}
	if cfg.Channels.OIBuffer <= 0 {
		return fmt.Errorf("channels.oi_buffer must be greater than 0")
	}
	if cfg.Channels.BookBuffer <= 0 {
		return fmt.Errorf("channels.book_buffer must be greater than 0")
	}

	if cfg.Aggregation.Window < time.Second {
		return fmt.Errorf("aggregation.window must be at least 1s")
	}
	if cfg.Aggregation.BookBinSize <= 0 {
		return fmt.Errorf("aggregation.book_bin_size must be greater than 0")
	}

	switch cfg.Buffer.Backend {
	case "redis":
		if cfg.Buffer.Addr == "" {
			return fmt.Errorf("buffer.addr is required for the redis backend")
		}
	case "memory":
		if IsProductionLike(AppEnvironment()) {
			return fmt.Errorf("buffer.backend 'memory' is not allowed in %s", AppEnvironment())
		}
	default:
		return fmt.Errorf("buffer.backend '%s' is invalid", cfg.Buffer.Backend)
	}
	if cfg.Buffer.Retention <= 0 {
		return fmt.Errorf("buffer.retention must be greater than 0")
	}
	if cfg.Buffer.Group == "" {
		return fmt.Errorf("buffer.group is required")
	}

	switch cfg.Writer.Mode {
	case "group", "drain":
	default:
		return fmt.Errorf("writer.mode '%s' is invalid", cfg.Writer.Mode)
	}
	if cfg.Writer.Mode == "group" && cfg.Writer.Consumer == "" {
		return fmt.Errorf("writer.consumer is required in group mode")
	}
	if cfg.Writer.FlushInterval <= 0 {
		return fmt.Errorf("writer.flush_interval must be greater than 0")
	}
	if cfg.Writer.BatchSize <= 0 {
		return fmt.Errorf("writer.batch_size must be greater than 0")
	}

	if cfg.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required")
	}

	if cfg.Poller.Enabled {
		if cfg.Poller.Interval <= 0 {
			return fmt.Errorf("poller.interval must be greater than 0")
		}
		if cfg.Poller.RequestsPerSecond <= 0 {
			return fmt.Errorf("poller.requests_per_second must be greater than 0")
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
	}

	return nil
}

// Symbols returns the watch-listed symbols for one exchange.
func (c *Config) Symbols(exchange string) []string {
	var symbols []string
	for _, target := range c.Watchlist {
		if target.Exchange == exchange {
			symbols = append(symbols, target.Symbol)
		}
	}
	return symbols
}
