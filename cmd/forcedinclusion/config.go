package main

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/clickhouse"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/contracts"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/kafka"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/scheduler"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/submission"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/utils"
)

// Config holds the settings shared by every command.
type Config struct {
	Verbose bool

	L1RPCURL     string
	L2RPCURL     string
	L1PrivateKey string
	L2PrivateKey string
	Store        common.Address
	Fork         contracts.Fork

	RPCTimeout      time.Duration
	InclusionDelay  uint64
	PageSize        uint64
	ReadConcurrency int64

	// Metrics settings
	MetricsHost string
	MetricsPort int
	Environment string

	// Kafka is disabled unless brokers are set.
	Kafka kafka.ProducerConfig
	// ClickHouse is nil unless hosts are set.
	ClickHouse           *clickhouse.Config
	CheckpointTableName  string
	SubmissionsTableName string
}

// SubmitConfig holds the pricing and pipeline settings of send and spam.
type SubmitConfig struct {
	MaxFee           *big.Int // nil means no ceiling
	GasLimit         uint64
	TipMarginPercent uint64
	BumpPercent      uint64
	Pipeline         submission.Config
}

type MonitorConfig struct {
	JSON              bool
	WSURL             string
	PollInterval      time.Duration
	FromBlock         uint64
	ConfirmationDepth uint64
	MaxReorgDepth     int
	CheckpointEvery   time.Duration
	MaxRestartBackoff time.Duration
	WatchdogInterval  time.Duration
	WatchdogMaxStall  time.Duration
}

// MetricsAddr returns the formatted metrics address
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf("%s:%d", c.MetricsHost, c.MetricsPort)
}

// buildConfig builds a Config from CLI context flags
func buildConfig(c *cli.Context) (*Config, error) {
	store, err := utils.ParseAddress(c.String("forced-inclusion-store-address"))
	if err != nil {
		return nil, fmt.Errorf("%w: store address: %w", types.ErrInvalidConfig, err)
	}
	fork, err := contracts.ParseFork(c.String("fork"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	}
	kafkaCfg, err := buildKafkaConfig(c)
	if err != nil {
		return nil, err
	}
	chCfg, err := buildClickHouseConfig(c)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Verbose:              c.Bool("verbose"),
		L1RPCURL:             c.String("l1-rpc-url"),
		L2RPCURL:             c.String("l2-rpc-url"),
		L1PrivateKey:         c.String("l1-private-key"),
		L2PrivateKey:         c.String("l2-private-key"),
		Store:                store,
		Fork:                 fork,
		RPCTimeout:           c.Duration("rpc-timeout"),
		InclusionDelay:       c.Uint64("inclusion-delay"),
		PageSize:             c.Uint64("page-size"),
		ReadConcurrency:      c.Int64("read-concurrency"),
		MetricsHost:          c.String("metrics-host"),
		MetricsPort:          c.Int("metrics-port"),
		Environment:          c.String("environment"),
		Kafka:                kafkaCfg,
		ClickHouse:           chCfg,
		CheckpointTableName:  c.String("checkpoint-table-name"),
		SubmissionsTableName: c.String("submissions-table-name"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.L1RPCURL) == "":
		return fmt.Errorf("%w: l1 rpc url is required", types.ErrInvalidConfig)
	case c.RPCTimeout <= 0:
		return fmt.Errorf("%w: rpc timeout must be positive", types.ErrInvalidConfig)
	case c.ReadConcurrency <= 0:
		return fmt.Errorf("%w: read concurrency must be positive", types.ErrInvalidConfig)
	case c.MetricsPort < 0 || c.MetricsPort > 65535:
		return fmt.Errorf("%w: metrics port %d out of range", types.ErrInvalidConfig, c.MetricsPort)
	case c.ClickHouse != nil && (c.CheckpointTableName == "" || c.SubmissionsTableName == ""):
		return fmt.Errorf("%w: clickhouse table names cannot be empty", types.ErrInvalidConfig)
	}
	if err := c.Kafka.Validate(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	}
	return nil
}

// ValidateSubmitter checks the settings of the commands that send transactions.
func (c *Config) ValidateSubmitter() error {
	switch {
	case strings.TrimSpace(c.L2RPCURL) == "":
		return fmt.Errorf("%w: l2 rpc url is required", types.ErrInvalidConfig)
	case strings.TrimSpace(c.L1PrivateKey) == "":
		return fmt.Errorf("%w: l1 private key is required", types.ErrInvalidConfig)
	case strings.TrimSpace(c.L2PrivateKey) == "":
		return fmt.Errorf("%w: l2 private key is required", types.ErrInvalidConfig)
	}
	return nil
}

func buildSubmitConfig(c *cli.Context) (*SubmitConfig, error) {
	var maxFee *big.Int
	if s := strings.TrimSpace(c.String("max-fee-wei")); s != "" {
		v, err := utils.ParseWei(s)
		if err != nil {
			return nil, fmt.Errorf("%w: max fee: %w", types.ErrInvalidConfig, err)
		}
		maxFee = v
	}
	cfg := &SubmitConfig{
		MaxFee:           maxFee,
		GasLimit:         c.Uint64("gas-limit"),
		TipMarginPercent: c.Uint64("tip-margin-percent"),
		BumpPercent:      c.Uint64("bump-percent"),
		Pipeline: submission.Config{
			MaxAttempts:         c.Int("max-attempts"),
			RetryInitialDelay:   c.Duration("retry-initial-delay"),
			RetryMaxDelay:       c.Duration("retry-max-delay"),
			RetryJitter:         c.Float64("retry-jitter"),
			Timeout:             c.Duration("submission-timeout"),
			BumpLead:            c.Duration("bump-lead"),
			ReceiptPollInterval: c.Duration("receipt-poll-interval"),
		},
	}
	if cfg.GasLimit == 0 {
		return nil, fmt.Errorf("%w: gas limit must be positive", types.ErrInvalidConfig)
	}
	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildMonitorConfig(c *cli.Context) (*MonitorConfig, error) {
	cfg := &MonitorConfig{
		JSON:              c.Bool("json"),
		WSURL:             c.String("ws-url"),
		PollInterval:      c.Duration("poll-interval"),
		FromBlock:         c.Uint64("from-block"),
		ConfirmationDepth: c.Uint64("confirmation-depth"),
		MaxReorgDepth:     c.Int("max-reorg-depth"),
		CheckpointEvery:   c.Duration("checkpoint-interval"),
		MaxRestartBackoff: c.Duration("max-restart-backoff"),
		WatchdogInterval:  c.Duration("watchdog-interval"),
		WatchdogMaxStall:  c.Duration("watchdog-max-stall"),
	}
	switch {
	case cfg.PollInterval <= 0:
		return nil, fmt.Errorf("%w: poll interval must be positive", types.ErrInvalidConfig)
	case cfg.MaxReorgDepth <= 0:
		return nil, fmt.Errorf("%w: max reorg depth must be positive", types.ErrInvalidConfig)
	case uint64(cfg.MaxReorgDepth) <= cfg.ConfirmationDepth:
		return nil, fmt.Errorf("%w: max reorg depth %d must exceed confirmation depth %d",
			types.ErrInvalidConfig, cfg.MaxReorgDepth, cfg.ConfirmationDepth)
	case cfg.CheckpointEvery <= 0 || cfg.WatchdogInterval <= 0 || cfg.WatchdogMaxStall <= 0:
		return nil, fmt.Errorf("%w: checkpoint and watchdog intervals must be positive", types.ErrInvalidConfig)
	case cfg.MaxRestartBackoff <= 0:
		return nil, fmt.Errorf("%w: max restart backoff must be positive", types.ErrInvalidConfig)
	}
	return cfg, nil
}

func buildSchedulerConfig(c *cli.Context) (scheduler.Config, error) {
	cfg := scheduler.Config{
		Interval:      c.Duration("interval"),
		MaxBackoff:    c.Duration("max-backoff"),
		Jitter:        c.Float64("jitter"),
		ShutdownGrace: c.Duration("shutdown-grace"),
	}
	return cfg, cfg.Validate()
}

// buildKafkaConfig reads the sink settings from the environment and applies
// the flags on top.
func buildKafkaConfig(c *cli.Context) (kafka.ProducerConfig, error) {
	cfg, err := kafka.LoadProducerConfig()
	if err != nil {
		return kafka.ProducerConfig{}, fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	}
	cfg.BootstrapServers = strings.TrimSpace(c.String("kafka-brokers"))
	cfg.ChangesTopic = c.String("kafka-changes-topic")
	cfg.OutcomesTopic = c.String("kafka-outcomes-topic")
	return cfg, nil
}

// buildClickHouseConfig returns nil when no hosts are configured.
func buildClickHouseConfig(c *cli.Context) (*clickhouse.Config, error) {
	hosts := splitHosts(c.StringSlice("clickhouse-hosts"))
	if len(hosts) == 0 {
		return nil, nil
	}
	cfg, err := clickhouse.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	}
	cfg.Hosts = hosts
	return &cfg, nil
}

// splitHosts accepts both repeated flags and comma-separated values.
func splitHosts(in []string) []string {
	var out []string
	for _, h := range in {
		for _, part := range strings.Split(h, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
