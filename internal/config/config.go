package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Broker kinds.
const (
	BrokerNATS   = "nats"
	BrokerKafka  = "kafka"
	BrokerMemory = "memory"
)

type Config struct {
	Broker   BrokerConfig   `mapstructure:"broker" yaml:"broker"`
	NATS     NATSConfig     `mapstructure:"nats" yaml:"nats"`
	Kafka    KafkaConfig    `mapstructure:"kafka" yaml:"kafka"`
	Topology TopologyConfig `mapstructure:"topology" yaml:"topology"`
	Publish  PublishConfig  `mapstructure:"publish" yaml:"publish"`
	Relay    RelayConfig    `mapstructure:"relay" yaml:"relay"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

type BrokerConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"`
}

type NATSConfig struct {
	URL           string        `mapstructure:"url" yaml:"url"`
	Name          string        `mapstructure:"name" yaml:"name"`
	MaxReconnects int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Username      string        `mapstructure:"username" yaml:"username"`
	Password      string        `mapstructure:"password" yaml:"-"`
	Token         string        `mapstructure:"token" yaml:"-"`
	StreamMaxAge  time.Duration `mapstructure:"stream_max_age" yaml:"stream_max_age"`
}

type KafkaConfig struct {
	Brokers           []string `mapstructure:"brokers" yaml:"brokers"`
	Partitions        int      `mapstructure:"partitions" yaml:"partitions"`
	ReplicationFactor int      `mapstructure:"replication_factor" yaml:"replication_factor"`
}

// TopologyConfig names the topics and subscription. Project namespaces them
// on brokers that support it and is otherwise informational.
type TopologyConfig struct {
	Project          string `mapstructure:"project" yaml:"project"`
	Topic            string `mapstructure:"topic" yaml:"topic"`
	TransformedTopic string `mapstructure:"transformed_topic" yaml:"transformed_topic"`
	Subscription     string `mapstructure:"subscription" yaml:"subscription"`
	DeadLetterTopic  string `mapstructure:"dead_letter_topic" yaml:"dead_letter_topic"`
}

// DefaultRateConcurrency bounds in-flight publishes when an interval is set
// without an explicit concurrency.
const DefaultRateConcurrency = 10

type PublishConfig struct {
	Count       int           `mapstructure:"count" yaml:"count"`
	BatchSize   int           `mapstructure:"batch_size" yaml:"batch_size"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	Seed        int64         `mapstructure:"seed" yaml:"seed"`
	Retry       bool          `mapstructure:"retry" yaml:"retry"`
}

// Limit is the in-flight bound for each batch; 0 means unbounded.
func (p PublishConfig) Limit() int {
	if p.Concurrency > 0 {
		return p.Concurrency
	}
	if p.Interval > 0 {
		return DefaultRateConcurrency
	}
	return 0
}

type RelayConfig struct {
	MaxInFlight      int           `mapstructure:"max_in_flight" yaml:"max_in_flight"`
	AckWait          time.Duration `mapstructure:"ack_wait" yaml:"ack_wait"`
	MaxDeliver       int           `mapstructure:"max_deliver" yaml:"max_deliver"`
	MaxReceiveErrors int           `mapstructure:"max_receive_errors" yaml:"max_receive_errors"`
}

type RedisConfig struct {
	URL          string        `mapstructure:"url" yaml:"url"`
	DedupEnabled bool          `mapstructure:"dedup_enabled" yaml:"dedup_enabled"`
	DedupTTL     time.Duration `mapstructure:"dedup_ttl" yaml:"dedup_ttl"`
}

type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("broker.kind", BrokerNATS)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.name", "eventrelay")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("nats.stream_max_age", "24h")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.partitions", 1)
	v.SetDefault("kafka.replication_factor", 1)
	v.SetDefault("topology.project", "local-project")
	v.SetDefault("topology.topic", "events-topic")
	v.SetDefault("topology.transformed_topic", "transformed-events-topic")
	v.SetDefault("topology.subscription", "transformer-subscription")
	v.SetDefault("topology.dead_letter_topic", "")
	v.SetDefault("publish.count", 5)
	v.SetDefault("publish.batch_size", 0)
	v.SetDefault("publish.concurrency", 0)
	v.SetDefault("publish.interval", "0s")
	v.SetDefault("publish.seed", 0)
	v.SetDefault("publish.retry", false)
	v.SetDefault("relay.max_in_flight", 1)
	v.SetDefault("relay.ack_wait", "30s")
	v.SetDefault("relay.max_deliver", -1)
	v.SetDefault("relay.max_receive_errors", 10)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.dedup_enabled", false)
	v.SetDefault("redis.dedup_ttl", "24h")
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/eventrelay")
	}

	// Environment variables override, e.g. EVENTRELAY_TOPOLOGY_TOPIC
	v.SetEnvPrefix("EVENTRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the settings every command depends on.
func (c *Config) Validate() error {
	var errs []error

	switch c.Broker.Kind {
	case BrokerNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required"))
		}
	case BrokerKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("kafka.brokers is required"))
		}
	case BrokerMemory:
	default:
		errs = append(errs, fmt.Errorf("broker.kind %q is not one of nats, kafka, memory", c.Broker.Kind))
	}

	if c.Topology.Topic == "" {
		errs = append(errs, errors.New("topology.topic is required"))
	}
	if c.Topology.TransformedTopic == "" {
		errs = append(errs, errors.New("topology.transformed_topic is required"))
	}
	if c.Topology.Subscription == "" {
		errs = append(errs, errors.New("topology.subscription is required"))
	}
	if c.Topology.Topic != "" && c.Topology.Topic == c.Topology.TransformedTopic {
		errs = append(errs, errors.New("topology.transformed_topic must differ from topology.topic"))
	}

	if c.Publish.Count < 0 {
		errs = append(errs, errors.New("publish.count must not be negative"))
	}
	if c.Publish.Interval < 0 {
		errs = append(errs, errors.New("publish.interval must not be negative"))
	}
	if c.Relay.MaxInFlight < 1 {
		errs = append(errs, errors.New("relay.max_in_flight must be at least 1"))
	}
	if c.Redis.DedupEnabled && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required when redis.dedup_enabled is set"))
	}

	return errors.Join(errs...)
}
