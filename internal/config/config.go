package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	Metrics    MetricsConfig   `mapstructure:"metrics"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Topics     TopicsConfig    `mapstructure:"topics"`
	Relay      RelayConfig     `mapstructure:"relay"`
	Consumer   ConsumerConfig  `mapstructure:"consumer"`
	Saga       SagaConfig      `mapstructure:"saga"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Encoding   string `mapstructure:"encoding"`
	File       string `mapstructure:"file"` // empty => stdout only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	AdminKey        string        `mapstructure:"admin_key"` // empty disables /v1/admin
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // workers only; serve exposes /metrics on http.addr
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	GroupID        string        `mapstructure:"group_id"`
	Producer       string        `mapstructure:"producer"` // segmentio | sarama
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	CommitInterval int           `mapstructure:"commit_interval_ms"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type TopicsConfig struct {
	InventoryCommands string `mapstructure:"inventory_commands"`
	PaymentCommands   string `mapstructure:"payment_commands"`
	ShippingCommands  string `mapstructure:"shipping_commands"`
	SagaReplies       string `mapstructure:"saga_replies"`
	SagaEvents        string `mapstructure:"saga_events"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

type RelayConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	Workers        int           `mapstructure:"workers"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffMin     time.Duration `mapstructure:"backoff_min"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
	Retention      time.Duration `mapstructure:"retention"`
	PurgeInterval  time.Duration `mapstructure:"purge_interval"`
	PurgeBatch     int           `mapstructure:"purge_batch"`
}

type ConsumerConfig struct {
	Workers      int           `mapstructure:"workers"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max"`
}

type SagaConfig struct {
	StepTimeout             time.Duration `mapstructure:"step_timeout"`
	MaxAttempts             int           `mapstructure:"max_attempts"`
	CompensationMaxAttempts int           `mapstructure:"compensation_max_attempts"`
	SweepInterval           time.Duration `mapstructure:"sweep_interval"`
	SweepBatch              int           `mapstructure:"sweep_batch"`
}

type RateLimitConfig struct {
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (SAGAFLOW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (SAGAFLOW_MYSQL_DSN, SAGAFLOW_RELAY_BATCH_SIZE, ...)
	v.SetEnvPrefix("SAGAFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate rejects settings the workers cannot run with.
func (c Config) Validate() error {
	switch {
	case len(c.Kafka.Brokers) == 0:
		return fmt.Errorf("%w: kafka.brokers is empty", ErrInvalidConfig)
	case c.Kafka.Producer != "segmentio" && c.Kafka.Producer != "sarama":
		return fmt.Errorf("%w: kafka.producer must be segmentio or sarama, got %q", ErrInvalidConfig, c.Kafka.Producer)
	case c.Relay.MaxRetries < 1:
		return fmt.Errorf("%w: relay.max_retries must be >= 1", ErrInvalidConfig)
	case c.Relay.BackoffMin <= 0 || c.Relay.BackoffMax < c.Relay.BackoffMin:
		return fmt.Errorf("%w: relay backoff range %s..%s", ErrInvalidConfig, c.Relay.BackoffMin, c.Relay.BackoffMax)
	case c.Saga.StepTimeout <= 0:
		return fmt.Errorf("%w: saga.step_timeout must be positive", ErrInvalidConfig)
	case c.Topics.SagaReplies == "" || c.Topics.SagaEvents == "":
		return fmt.Errorf("%w: saga topics must be set", ErrInvalidConfig)
	}
	return nil
}
