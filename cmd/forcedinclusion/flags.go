package main

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/checkpointer"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/queue"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/scheduler"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/slidingwindow"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/submission"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/txbuilder"
)

// globalFlags are shared by every command.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable verbose logging",
			EnvVars: []string{"VERBOSE"},
		},
		&cli.StringFlag{
			Name:     "l1-rpc-url",
			Usage:    "RPC URL of the L1 execution layer node",
			EnvVars:  []string{"L1_RPC_URL"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "l2-rpc-url",
			Usage:   "RPC URL of the L2 execution layer node (send, spam)",
			EnvVars: []string{"L2_RPC_URL"},
		},
		&cli.StringFlag{
			Name:    "l1-private-key",
			Usage:   "Private key of the L1 submitter, funded with ETH on L1 (send, spam)",
			EnvVars: []string{"L1_PRIVATE_KEY"},
		},
		&cli.StringFlag{
			Name:    "l2-private-key",
			Usage:   "Private key signing the force-included L2 transaction, funded on L2 (send, spam)",
			EnvVars: []string{"L2_PRIVATE_KEY"},
		},
		&cli.StringFlag{
			Name:     "forced-inclusion-store-address",
			Aliases:  []string{"store"},
			Usage:    "Address of the ForcedInclusionStore contract on L1",
			EnvVars:  []string{"FORCED_INCLUSION_STORE_ADDRESS"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "fork",
			Usage:   "Store ABI to use (pacaya or shasta)",
			EnvVars: []string{"FORK"},
			Value:   "shasta",
		},
		&cli.DurationFlag{
			Name:    "rpc-timeout",
			Usage:   "Timeout of every RPC call",
			EnvVars: []string{"RPC_TIMEOUT"},
			Value:   15 * time.Second,
		},
		&cli.Uint64Flag{
			Name:    "inclusion-delay",
			Usage:   "Delay added to an entry's creation point to get its deadline (seconds for shasta, batches for pacaya)",
			EnvVars: []string{"INCLUSION_DELAY"},
			Value:   384,
		},
		&cli.Uint64Flag{
			Name:    "page-size",
			Usage:   "Maximum number of queue entries fetched per call",
			EnvVars: []string{"PAGE_SIZE"},
			Value:   queue.DefaultPageSize,
		},
		&cli.Int64Flag{
			Name:    "read-concurrency",
			Usage:   "Maximum number of concurrent entry reads",
			EnvVars: []string{"READ_CONCURRENCY"},
			Value:   queue.DefaultConcurrency,
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Usage:   "Host for Prometheus metrics server (empty for all interfaces)",
			EnvVars: []string{"METRICS_HOST"},
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Aliases: []string{"m"},
			Usage:   "Port for Prometheus metrics server of long running commands, 0 disables it",
			EnvVars: []string{"METRICS_PORT"},
			Value:   9090,
		},
		&cli.StringFlag{
			Name:    "environment",
			Aliases: []string{"E"},
			Usage:   "Deployment environment for metrics labels (e.g., 'production', 'devnet')",
			EnvVars: []string{"ENVIRONMENT"},
		},
		&cli.StringFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka bootstrap servers; when set, changes and outcomes are published",
			EnvVars: []string{"KAFKA_BOOTSTRAP_SERVERS"},
		},
		&cli.StringFlag{
			Name:    "kafka-changes-topic",
			Usage:   "Kafka topic for queue changes",
			EnvVars: []string{"KAFKA_CHANGES_TOPIC"},
			Value:   "forced-inclusion-changes",
		},
		&cli.StringFlag{
			Name:    "kafka-outcomes-topic",
			Usage:   "Kafka topic for submission outcomes",
			EnvVars: []string{"KAFKA_OUTCOMES_TOPIC"},
			Value:   "forced-inclusion-outcomes",
		},
		&cli.StringSliceFlag{
			Name:    "clickhouse-hosts",
			Usage:   "ClickHouse hosts; when set, checkpoints and outcomes are stored",
			EnvVars: []string{"CLICKHOUSE_HOSTS"},
		},
		&cli.StringFlag{
			Name:    "checkpoint-table-name",
			Usage:   "ClickHouse table of monitor checkpoints",
			EnvVars: []string{"CHECKPOINT_TABLE_NAME"},
			Value:   "forced_inclusion_checkpoints",
		},
		&cli.StringFlag{
			Name:    "submissions-table-name",
			Usage:   "ClickHouse table of submission outcomes",
			EnvVars: []string{"SUBMISSIONS_TABLE_NAME"},
			Value:   "forced_inclusion_submissions",
		},
	}
}

// submitFlags configure pricing and the submission pipeline.
func submitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "max-fee-wei",
			Usage:   "Ceiling on the total fee of one submission, e.g. 0.05ether or 300gwei (empty for none)",
			EnvVars: []string{"MAX_FEE_WEI"},
		},
		&cli.Uint64Flag{
			Name:    "gas-limit",
			Usage:   "Gas limit of the store transaction",
			EnvVars: []string{"GAS_LIMIT"},
			Value:   txbuilder.DefaultGasLimit,
		},
		&cli.Uint64Flag{
			Name:    "tip-margin-percent",
			Usage:   "Margin added to the suggested priority fee",
			EnvVars: []string{"TIP_MARGIN_PERCENT"},
			Value:   txbuilder.DefaultTipMarginPercent,
		},
		&cli.Uint64Flag{
			Name:    "bump-percent",
			Usage:   "Fee increase of a replacement transaction (at least 10)",
			EnvVars: []string{"BUMP_PERCENT"},
			Value:   txbuilder.MinBumpPercent,
		},
		&cli.DurationFlag{
			Name:    "submission-timeout",
			Usage:   "Time allowed for a submission to be mined, counted from the first send",
			EnvVars: []string{"SUBMISSION_TIMEOUT"},
			Value:   submission.DefaultTimeout,
		},
		&cli.DurationFlag{
			Name:    "bump-lead",
			Usage:   "How long before the timeout the fee bump is sent",
			EnvVars: []string{"BUMP_LEAD"},
			Value:   submission.DefaultBumpLead,
		},
		&cli.DurationFlag{
			Name:    "receipt-poll-interval",
			Usage:   "Interval between receipt polls",
			EnvVars: []string{"RECEIPT_POLL_INTERVAL"},
			Value:   submission.DefaultReceiptPollInterval,
		},
		&cli.IntFlag{
			Name:    "max-attempts",
			Usage:   "Maximum sends of one submission, rebuilds included",
			EnvVars: []string{"MAX_ATTEMPTS"},
			Value:   submission.DefaultMaxAttempts,
		},
		&cli.DurationFlag{
			Name:    "retry-initial-delay",
			Usage:   "First delay before resending after a transport error",
			EnvVars: []string{"RETRY_INITIAL_DELAY"},
			Value:   submission.DefaultRetryInitialDelay,
		},
		&cli.DurationFlag{
			Name:    "retry-max-delay",
			Usage:   "Largest delay between resends",
			EnvVars: []string{"RETRY_MAX_DELAY"},
			Value:   submission.DefaultRetryMaxDelay,
		},
		&cli.Float64Flag{
			Name:    "retry-jitter",
			Usage:   "Randomization factor of resend delays, in [0, 0.33)",
			EnvVars: []string{"RETRY_JITTER"},
			Value:   submission.DefaultRetryJitter,
		},
	}
}

func readQueueFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print the snapshot as JSON",
		},
		&cli.Uint64Flag{
			Name:  "block",
			Usage: "Read the queue at this block instead of the latest one",
		},
	}
}

func monitorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print one JSON object per change",
		},
		&cli.StringFlag{
			Name:    "ws-url",
			Usage:   "Websocket URL of the L1 node; enables push mode",
			EnvVars: []string{"L1_WS_URL"},
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "Interval between head polls",
			EnvVars: []string{"POLL_INTERVAL"},
			Value:   slidingwindow.DefaultPollInterval,
		},
		&cli.Uint64Flag{
			Name:    "from-block",
			Usage:   "First block to monitor; defaults to the checkpoint, else the latest block",
			EnvVars: []string{"FROM_BLOCK"},
		},
		&cli.Uint64Flag{
			Name:    "confirmation-depth",
			Usage:   "Blocks on top of a block before its changes are final",
			EnvVars: []string{"CONFIRMATION_DEPTH"},
			Value:   12,
		},
		&cli.IntFlag{
			Name:    "max-reorg-depth",
			Usage:   "How far back a fork is followed",
			EnvVars: []string{"MAX_REORG_DEPTH"},
			Value:   slidingwindow.DefaultMaxReorgDepth,
		},
		&cli.DurationFlag{
			Name:    "checkpoint-interval",
			Usage:   "Interval between checkpoint writes",
			EnvVars: []string{"CHECKPOINT_INTERVAL"},
			Value:   checkpointer.DefaultConfig().Interval,
		},
		&cli.DurationFlag{
			Name:    "max-restart-backoff",
			Usage:   "Largest wait before the event stream is restarted",
			EnvVars: []string{"MAX_RESTART_BACKOFF"},
			Value:   time.Minute,
		},
		&cli.DurationFlag{
			Name:    "watchdog-interval",
			Usage:   "Interval between stream health checks",
			EnvVars: []string{"WATCHDOG_INTERVAL"},
			Value:   30 * time.Second,
		},
		&cli.DurationFlag{
			Name:    "watchdog-max-stall",
			Usage:   "Warn and fail /health when no block arrived for this long",
			EnvVars: []string{"WATCHDOG_MAX_STALL"},
			Value:   2 * time.Minute,
		},
	}
}

func sendFlags() []cli.Flag {
	return append(submitFlags(),
		&cli.Uint64Flag{
			Name:  "nonce-delta",
			Usage: "Added to the L2 pending nonce so several forced transactions from one account stay valid",
		},
	)
}

func spamFlags() []cli.Flag {
	return append(submitFlags(),
		&cli.DurationFlag{
			Name:    "interval",
			Usage:   "Wait between successful submissions",
			EnvVars: []string{"SPAM_INTERVAL"},
			Value:   scheduler.DefaultInterval,
		},
		&cli.DurationFlag{
			Name:    "max-backoff",
			Usage:   "Largest wait after consecutive failures",
			EnvVars: []string{"SPAM_MAX_BACKOFF"},
			Value:   scheduler.DefaultMaxBackoff,
		},
		&cli.Float64Flag{
			Name:    "jitter",
			Usage:   "Randomization factor of failure backoff, in [0, 1)",
			EnvVars: []string{"SPAM_JITTER"},
			Value:   scheduler.DefaultJitter,
		},
		&cli.DurationFlag{
			Name:    "shutdown-grace",
			Usage:   "How long an in-flight submission may run after an interrupt",
			EnvVars: []string{"SPAM_SHUTDOWN_GRACE"},
			Value:   scheduler.DefaultShutdownGrace,
		},
	)
}
