package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPath            = "config/attribution.yaml"
	DefaultAllowedLateness = 2 * time.Minute
)

type Config struct {
	Kafka      KafkaConfig      `yaml:"kafka"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Redis      RedisConfig      `yaml:"redis"`
	Join       JoinConfig       `yaml:"join"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumer_group"`
	Topics        TopicConfig `yaml:"topics"`
	QueueSize     int         `yaml:"queue_size"`
}

type TopicConfig struct {
	Clicks    string `yaml:"clicks"`
	PageViews string `yaml:"page_views"`
	// Output is optional; an empty topic disables the Kafka sink
	Output string `yaml:"output"`
}

// ClickHouseConfig is optional; an empty Addr disables the sink
type ClickHouseConfig struct {
	Addr         string `yaml:"addr"`
	Database     string `yaml:"database"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig is optional; an empty Addr disables the sink
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type JoinConfig struct {
	AllowedLateness  time.Duration `yaml:"allowed_lateness"`
	EvictionInterval time.Duration `yaml:"eviction_interval"`
}

type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	// an explicit allowed_lateness of 0 overrides the default
	cfg := Config{Join: JoinConfig{AllowedLateness: DefaultAllowedLateness}}
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:29092"}
	}
	if c.Kafka.ConsumerGroup == "" {
		c.Kafka.ConsumerGroup = "stream-processor-group"
	}
	if c.Kafka.Topics.Clicks == "" {
		c.Kafka.Topics.Clicks = "ad_clicks"
	}
	if c.Kafka.Topics.PageViews == "" {
		c.Kafka.Topics.PageViews = "page_views"
	}
	if c.Kafka.QueueSize == 0 {
		c.Kafka.QueueSize = 100
	}
	if c.ClickHouse.Database == "" {
		c.ClickHouse.Database = "default"
	}
	if c.ClickHouse.Username == "" {
		c.ClickHouse.Username = "default"
	}
	if c.ClickHouse.MaxOpenConns == 0 {
		c.ClickHouse.MaxOpenConns = 10
	}
	if c.ClickHouse.MaxIdleConns == 0 {
		c.ClickHouse.MaxIdleConns = 5
	}
	if c.Redis.TTL == 0 {
		c.Redis.TTL = time.Hour
	}
	if c.Join.EvictionInterval == 0 {
		c.Join.EvictionInterval = 30 * time.Second
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}
