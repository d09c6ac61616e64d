package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProducerConfig_Defaults(t *testing.T) {
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "")
	cfg, err := LoadProducerConfig()
	require.NoError(t, err)

	assert.False(t, cfg.Enabled())
	assert.Equal(t, "forced-inclusion-changes", cfg.ChangesTopic)
	assert.Equal(t, "forced-inclusion-outcomes", cfg.OutcomesTopic)
	assert.Equal(t, DefaultFlushTimeout, cfg.FlushTimeout)
	assert.NoError(t, cfg.Validate(), "a disabled sink is always valid")
}

func TestLoadProducerConfig_FromEnv(t *testing.T) {
	t.Setenv("KAFKA_BOOTSTRAP_SERVERS", "b1:9092,b2:9092")
	t.Setenv("KAFKA_CHANGES_TOPIC", "changes")
	t.Setenv("KAFKA_FLUSH_TIMEOUT", "3s")
	t.Setenv("KAFKA_SASL_MECHANISM", "SCRAM-SHA-512")
	t.Setenv("KAFKA_SASL_USERNAME", "u")
	t.Setenv("KAFKA_SASL_PASSWORD", "p")

	cfg, err := LoadProducerConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Enabled())
	assert.Equal(t, "changes", cfg.ChangesTopic)
	assert.Equal(t, 3*time.Second, cfg.FlushTimeout)

	cm := cfg.ConfigMap()
	v, err := cm.Get("sasl.mechanisms", "")
	require.NoError(t, err)
	assert.Equal(t, "SCRAM-SHA-512", v)

	admin := cfg.AdminConfigMap()
	v, err = admin.Get("sasl.username", "")
	require.NoError(t, err)
	assert.Equal(t, "u", v)
}

func TestProducerConfig_Validate(t *testing.T) {
	t.Parallel()
	base := ProducerConfig{
		BootstrapServers:  "localhost:9092",
		ChangesTopic:      "c",
		OutcomesTopic:     "o",
		Partitions:        1,
		ReplicationFactor: 1,
	}
	tests := []struct {
		name    string
		mutate  func(*ProducerConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(*ProducerConfig) {}},
		{name: "empty topic", mutate: func(c *ProducerConfig) { c.OutcomesTopic = "" }, wantErr: true},
		{name: "sasl without credentials", mutate: func(c *ProducerConfig) { c.SASLMechanism = "PLAIN" }, wantErr: true},
		{name: "zero partitions", mutate: func(c *ProducerConfig) { c.Partitions = 0 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestProducerConfig_Topics(t *testing.T) {
	t.Parallel()
	cfg := ProducerConfig{ChangesTopic: "c", OutcomesTopic: "o", Partitions: 3, ReplicationFactor: 2}
	topics := cfg.Topics()
	require.Len(t, topics, 2)
	for _, tc := range topics {
		require.NoError(t, tc.Validate())
		assert.Equal(t, 3, tc.Partitions)
	}
}
