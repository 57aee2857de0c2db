package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix scopes environment overrides, e.g. EVALBUS_KAFKA_SEED_BROKERS.
const EnvPrefix = "EVALBUS"

// Config is the complete evalbus configuration.
type Config struct {
	Broker     BrokerConfig     `mapstructure:"broker"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Subscriber SubscriberConfig `mapstructure:"subscriber"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// BrokerConfig selects and tunes the transport.
type BrokerConfig struct {
	// Kind is "memory" or "kafka".
	Kind string `mapstructure:"kind"`
	// MaxDeliveries bounds deliveries per message before dead-lettering.
	MaxDeliveries int `mapstructure:"max_deliveries"`
	// PublishRetries is the number of retries after a failed publish.
	PublishRetries int `mapstructure:"publish_retries"`
	// PublishBackoff is the first retry delay; it doubles on each retry.
	PublishBackoff time.Duration `mapstructure:"publish_backoff"`
	// BreakerThreshold is the number of failed publishes that opens the circuit.
	BreakerThreshold int `mapstructure:"breaker_threshold"`
	// BreakerCooldown is how long an open circuit rejects publishes.
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

// KafkaConfig configures the franz-go client.
type KafkaConfig struct {
	SeedBrokers       []string `mapstructure:"seed_brokers"`
	ClientID          string   `mapstructure:"client_id"`
	TopicPrefix       string   `mapstructure:"topic_prefix"`
	Partitions        int32    `mapstructure:"partitions"`
	ReplicationFactor int16    `mapstructure:"replication_factor"`
}

// RedisConfig configures the redis client. An empty URL disables redis.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// PostgresConfig configures the database pool. An empty DSN disables postgres.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EvaluationConfig holds publisher-side protocol timings.
type EvaluationConfig struct {
	NegotiationTimeout  time.Duration `mapstructure:"negotiation_timeout"`
	NegotiationInterval time.Duration `mapstructure:"negotiation_interval"`
	NegotiationGrace    time.Duration `mapstructure:"negotiation_grace"`
	ConsumptionTimeout  time.Duration `mapstructure:"consumption_timeout"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	// JobIDEnv names the environment variable carrying an external job id.
	JobIDEnv string `mapstructure:"job_id_env"`
	// Approval selects the subscriber approver: "all", "static", "redis" or "postgres".
	Approval         string            `mapstructure:"approval"`
	ApprovedByFormat map[string]string `mapstructure:"approved_by_format"`
}

// SubscriberConfig holds subscriber-side settings.
type SubscriberConfig struct {
	ID                 string        `mapstructure:"id"`
	Formats            []string      `mapstructure:"formats"`
	OutputDir          string        `mapstructure:"output_dir"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	DescriptionTimeout time.Duration `mapstructure:"description_timeout"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is "text" or "json".
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Kind:             "memory",
			MaxDeliveries:    4,
			PublishRetries:   3,
			PublishBackoff:   time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Kafka: KafkaConfig{
			SeedBrokers:       []string{"localhost:9092"},
			ClientID:          "evalbus",
			TopicPrefix:       "evalbus.",
			Partitions:        1,
			ReplicationFactor: 1,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 1,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Postgres: PostgresConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Evaluation: EvaluationConfig{
			NegotiationTimeout:  5 * time.Minute,
			NegotiationInterval: 5 * time.Second,
			NegotiationGrace:    100 * time.Millisecond,
			ConsumptionTimeout:  120 * time.Minute,
			HeartbeatInterval:   100 * time.Second,
			JobIDEnv:            "EVALUATION_JOB_ID",
			Approval:            "all",
		},
		Subscriber: SubscriberConfig{
			OutputDir:          ".",
			HeartbeatInterval:  60 * time.Second,
			DescriptionTimeout: 600 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("broker.kind", d.Broker.Kind)
	v.SetDefault("broker.max_deliveries", d.Broker.MaxDeliveries)
	v.SetDefault("broker.publish_retries", d.Broker.PublishRetries)
	v.SetDefault("broker.publish_backoff", d.Broker.PublishBackoff)
	v.SetDefault("broker.breaker_threshold", d.Broker.BreakerThreshold)
	v.SetDefault("broker.breaker_cooldown", d.Broker.BreakerCooldown)

	v.SetDefault("kafka.seed_brokers", d.Kafka.SeedBrokers)
	v.SetDefault("kafka.client_id", d.Kafka.ClientID)
	v.SetDefault("kafka.topic_prefix", d.Kafka.TopicPrefix)
	v.SetDefault("kafka.partitions", d.Kafka.Partitions)
	v.SetDefault("kafka.replication_factor", d.Kafka.ReplicationFactor)

	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("redis.pool_size", d.Redis.PoolSize)
	v.SetDefault("redis.min_idle_conns", d.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", d.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", d.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", d.Redis.WriteTimeout)

	v.SetDefault("postgres.dsn", d.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", d.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", d.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", d.Postgres.ConnMaxLifetime)

	v.SetDefault("evaluation.negotiation_timeout", d.Evaluation.NegotiationTimeout)
	v.SetDefault("evaluation.negotiation_interval", d.Evaluation.NegotiationInterval)
	v.SetDefault("evaluation.negotiation_grace", d.Evaluation.NegotiationGrace)
	v.SetDefault("evaluation.consumption_timeout", d.Evaluation.ConsumptionTimeout)
	v.SetDefault("evaluation.heartbeat_interval", d.Evaluation.HeartbeatInterval)
	v.SetDefault("evaluation.job_id_env", d.Evaluation.JobIDEnv)
	v.SetDefault("evaluation.approval", d.Evaluation.Approval)

	v.SetDefault("evaluation.approved_by_format", map[string]string{})

	// Empty defaults still register the keys so EVALBUS_* variables reach Unmarshal.
	v.SetDefault("subscriber.id", d.Subscriber.ID)
	v.SetDefault("subscriber.formats", d.Subscriber.Formats)
	v.SetDefault("subscriber.output_dir", d.Subscriber.OutputDir)
	v.SetDefault("subscriber.heartbeat_interval", d.Subscriber.HeartbeatInterval)
	v.SetDefault("subscriber.description_timeout", d.Subscriber.DescriptionTimeout)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// BindEnv enables EVALBUS_* overrides for nested keys, e.g.
// EVALBUS_EVALUATION_NEGOTIATION_TIMEOUT for evaluation.negotiation_timeout.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load reads the configuration from v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}
