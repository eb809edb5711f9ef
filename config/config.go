package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "100ms" or "5s" decode
// directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	Quantflow  QuantflowConfig  `yaml:"quantflow"`
	Logging    LoggingConfig    `yaml:"logging"`
	Redis      RedisConfig      `yaml:"redis"`
	Depth      DepthConfig      `yaml:"depth"`
	Stream     StreamConfig     `yaml:"stream"`
	Ident      IdentConfig      `yaml:"ident"`
	Database   DatabaseConfig   `yaml:"database"`
	Clickhouse ClickhouseConfig `yaml:"clickhouse"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Source     SourceConfig     `yaml:"source"`
	Storage    StorageConfig    `yaml:"storage"`
}

type QuantflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAge     int    `yaml:"max_age"`
	CloudWatch bool   `yaml:"cloudwatch"`
	Namespace  string `yaml:"namespace"`
}

type RedisConfig struct {
	Addr        string   `yaml:"addr"`
	DB          int      `yaml:"db"`
	PoolSize    int      `yaml:"pool_size"`
	DialTimeout Duration `yaml:"dial_timeout"`
	ReadTimeout Duration `yaml:"read_timeout"`
}

type DepthConfig struct {
	Levels int `yaml:"levels"`
}

type StreamConfig struct {
	Group            string   `yaml:"group"`
	Consumer         string   `yaml:"consumer"`
	BatchSize        int64    `yaml:"batch_size"`
	BlockTimeout     Duration `yaml:"block_timeout"`
	ForceOrderMaxLen int64    `yaml:"force_order_maxlen"`
}

type IdentConfig struct {
	NodeID int64 `yaml:"node_id"`
}

// DatabaseConfig points at the relational metadata store holding active
// market and symbol configuration.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Source string `yaml:"source"`
}

// ClickhouseConfig points at the analytical sink for finalized candles and
// trades.
type ClickhouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
	DepthBuffer int `yaml:"depth_buffer"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type BinanceSourceConfig struct {
	Market     string                `yaml:"market"`
	Kline      KlineSourceConfig     `yaml:"kline"`
	ForceOrder LiquidationConfig     `yaml:"force_order"`
	Depth      DepthSourceConfig     `yaml:"depth"`
	Snapshot   SnapshotBootstrapping `yaml:"snapshot"`
}

type KlineSourceConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Interval string   `yaml:"interval"`
	Symbols  []string `yaml:"symbols"`
}

type LiquidationConfig struct {
	Enabled bool           `yaml:"enabled"`
	Symbols []SymbolConfig `yaml:"symbols"`
}

// SymbolConfig names a traded symbol together with its base and quote
// assets, matching the metadata store's symbol rows.
type SymbolConfig struct {
	Symbol string `yaml:"symbol"`
	Base   string `yaml:"base"`
	Quote  string `yaml:"quote"`
}

type DepthSourceConfig struct {
	Enabled bool     `yaml:"enabled"`
	WsURL   string   `yaml:"ws_url"`
	Symbols []string `yaml:"symbols"`
}

// SnapshotBootstrapping controls the REST depth snapshot fetched before a
// diff stream is applied.
type SnapshotBootstrapping struct {
	RestURL        string  `yaml:"rest_url"`
	Limit          int     `yaml:"limit"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool     `yaml:"enabled"`
	Bucket          string   `yaml:"bucket"`
	Region          string   `yaml:"region"`
	Prefix          string   `yaml:"prefix"`
	FlushInterval   Duration `yaml:"flush_interval"`
	BatchSize       int      `yaml:"batch_size"`
	AccessKeyID     string   `yaml:"access_key_id"`
	SecretAccessKey string   `yaml:"secret_access_key"`
}

// LoadConfig reads the YAML configuration, applies defaults and
// environment overrides and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Depth: DepthConfig{Levels: 4},
		Stream: StreamConfig{
			Group:            "group-1",
			Consumer:         "consumer-1",
			BatchSize:        200,
			BlockTimeout:     Duration(100 * time.Millisecond),
			ForceOrderMaxLen: 100,
		},
		Ident: IdentConfig{NodeID: 1},
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Redis.Addr = strings.TrimSpace(v)
	}
	if v := os.Getenv("MYSQL_DSN"); v != "" {
		config.Database.Source = strings.TrimSpace(v)
	}
	if v := os.Getenv("CLICKHOUSE_ADDR"); v != "" {
		config.Clickhouse.Addr = strings.TrimSpace(v)
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
	if cfg.Quantflow.Name == "" {
		return fmt.Errorf("quantflow.name is required")
	}
	if cfg.Quantflow.Version == "" {
		return fmt.Errorf("quantflow.version is required")
	}

	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Depth.Levels <= 0 {
		return fmt.Errorf("depth.levels must be greater than 0")
	}

	if cfg.Stream.Group == "" || cfg.Stream.Consumer == "" {
		return fmt.Errorf("stream.group and stream.consumer are required")
	}
	if cfg.Stream.BatchSize <= 0 {
		return fmt.Errorf("stream.batch_size must be greater than 0")
	}
	if cfg.Stream.ForceOrderMaxLen <= 0 {
		return fmt.Errorf("stream.force_order_maxlen must be greater than 0")
	}

	if cfg.Ident.NodeID < 0 {
		return fmt.Errorf("ident.node_id must not be negative")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}
	if cfg.Channels.DepthBuffer <= 0 {
		return fmt.Errorf("channels.depth_buffer must be greater than 0")
	}

	if cfg.Clickhouse.Enabled && cfg.Clickhouse.Addr == "" {
		return fmt.Errorf("clickhouse.addr is required when clickhouse is enabled")
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
