package kafka

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const (
	DefaultFlushTimeout = 15 * time.Second
)

// ProducerConfig holds the configuration of the change and outcome sinks.
type ProducerConfig struct {
	BootstrapServers  string        `env:"KAFKA_BOOTSTRAP_SERVERS"   envDefault:""`                          // Kafka broker addresses; empty disables the sink
	ChangesTopic      string        `env:"KAFKA_CHANGES_TOPIC"       envDefault:"forced-inclusion-changes"`  // Topic for queue changes
	OutcomesTopic     string        `env:"KAFKA_OUTCOMES_TOPIC"      envDefault:"forced-inclusion-outcomes"` // Topic for submission outcomes
	ClientID          string        `env:"KAFKA_CLIENT_ID"           envDefault:"forced-inclusion-toolbox"`
	Partitions        int           `env:"KAFKA_TOPIC_PARTITIONS"    envDefault:"1"`
	ReplicationFactor int           `env:"KAFKA_REPLICATION_FACTOR"  envDefault:"1"`
	EnsureTopics      bool          `env:"KAFKA_ENSURE_TOPICS"       envDefault:"false"` // Create topics on start
	FlushTimeout      time.Duration `env:"KAFKA_FLUSH_TIMEOUT"       envDefault:"15s"`   // Flush timeout on close
	EnableLogs        bool          `env:"KAFKA_ENABLE_LOGS"         envDefault:"false"` // Enable librdkafka client logs

	SecurityProtocol string `env:"KAFKA_SECURITY_PROTOCOL" envDefault:""` // e.g. SASL_SSL
	SASLMechanism    string `env:"KAFKA_SASL_MECHANISM"    envDefault:""` // e.g. SCRAM-SHA-512
	SASLUsername     string `env:"KAFKA_SASL_USERNAME"     envDefault:""`
	SASLPassword     string `env:"KAFKA_SASL_PASSWORD"     envDefault:""`
}

// LoadProducerConfig loads the producer configuration from environment variables.
func LoadProducerConfig() (ProducerConfig, error) {
	var cfg ProducerConfig
	if err := env.Parse(&cfg); err != nil {
		return ProducerConfig{}, fmt.Errorf("failed to parse kafka producer config: %w", err)
	}
	return cfg, nil
}

// Enabled reports whether brokers are configured.
func (c ProducerConfig) Enabled() bool {
	return strings.TrimSpace(c.BootstrapServers) != ""
}

func (c ProducerConfig) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.ChangesTopic == "" || c.OutcomesTopic == "" {
		return errors.New("kafka topics cannot be empty")
	}
	if c.SASLMechanism != "" && (c.SASLUsername == "" || c.SASLPassword == "") {
		return errors.New("kafka SASL mechanism set without username and password")
	}
	if c.Partitions <= 0 || c.ReplicationFactor <= 0 {
		return fmt.Errorf("invalid topic layout: %d partitions, replication factor %d", c.Partitions, c.ReplicationFactor)
	}
	return nil
}

// ConfigMap builds the librdkafka producer configuration.
func (c ProducerConfig) ConfigMap() *kafka.ConfigMap {
	cm := &kafka.ConfigMap{
		"bootstrap.servers":      c.BootstrapServers,
		"client.id":              c.ClientID,
		"acks":                   "all",
		"enable.idempotence":     true,
		"compression.type":       "zstd",
		"go.logs.channel.enable": c.EnableLogs,
	}
	if c.SecurityProtocol != "" {
		_ = cm.SetKey("security.protocol", c.SecurityProtocol)
	}
	if c.SASLMechanism != "" {
		_ = cm.SetKey("sasl.mechanisms", c.SASLMechanism)
		_ = cm.SetKey("sasl.username", c.SASLUsername)
		_ = cm.SetKey("sasl.password", c.SASLPassword)
	}
	return cm
}

// AdminConfigMap builds the configuration for topic administration.
func (c ProducerConfig) AdminConfigMap() *kafka.ConfigMap {
	cm := &kafka.ConfigMap{"bootstrap.servers": c.BootstrapServers}
	for _, k := range []string{"security.protocol", "sasl.mechanisms", "sasl.username", "sasl.password"} {
		if v, err := c.ConfigMap().Get(k, ""); err == nil && v != "" {
			_ = cm.SetKey(k, v)
		}
	}
	return cm
}

// Topics returns both sink topics with the configured layout.
func (c ProducerConfig) Topics() []TopicSpec {
	return []TopicSpec{
		{Name: c.ChangesTopic, Partitions: c.Partitions, ReplicationFactor: c.ReplicationFactor},
		{Name: c.OutcomesTopic, Partitions: c.Partitions, ReplicationFactor: c.ReplicationFactor},
	}
}
