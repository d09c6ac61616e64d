package main

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/taikoxyz/forced-inclusion-toolbox/internal/chainclient/geth"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/clickhouse"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/contracts"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/data/clickhouse/checkpoint"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/data/clickhouse/submissions"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/kafka"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/metrics"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/utils"
)

// runtime is what every command sets up before doing its work.
type runtime struct {
	cfg      *Config
	log      *zap.SugaredLogger
	l1       *geth.Client
	chainID  *big.Int
	store    contracts.Store
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	closers []func()
}

func setup(ctx context.Context, c *cli.Context) (*runtime, error) {
	cfg, err := buildConfig(c)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	sugar.Infow("config",
		"command", c.Command.Name,
		"verbose", cfg.Verbose,
		"store", cfg.Store,
		"fork", cfg.Fork,
		"rpcTimeout", cfg.RPCTimeout,
		"inclusionDelay", cfg.InclusionDelay,
		"pageSize", cfg.PageSize,
		"readConcurrency", cfg.ReadConcurrency,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"kafkaEnabled", cfg.Kafka.Enabled(),
		"kafkaChangesTopic", cfg.Kafka.ChangesTopic,
		"kafkaOutcomesTopic", cfg.Kafka.OutcomesTopic,
		"clickhouseEnabled", cfg.ClickHouse != nil,
		"checkpointTableName", cfg.CheckpointTableName,
		"submissionsTableName", cfg.SubmissionsTableName,
	)

	rt := &runtime{cfg: cfg, log: sugar}
	rt.closers = append(rt.closers, func() { _ = sugar.Desugar().Sync() })

	rc, err := rpc.DialContext(ctx, cfg.L1RPCURL)
	if err != nil {
		rt.close()
		return nil, &types.RpcError{Op: "dial_l1", Err: err}
	}
	rt.closers = append(rt.closers, rc.Close)

	// The chain id labels every metric, so it is read before they exist.
	chainID, err := geth.NewFromRPC(rc, geth.WithCallTimeout(cfg.RPCTimeout)).ChainID(ctx)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to read l1 chain id: %w", err)
	}
	rt.chainID = chainID

	rt.store, err = contracts.New(cfg.Fork, cfg.Store, contracts.Options{InclusionDelay: cfg.InclusionDelay})
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidConfig, err)
	}

	rt.registry = prometheus.NewRegistry()
	rt.metrics, err = metrics.NewWithLabels(rt.registry, metrics.Labels{
		L1ChainID:   chainID.Uint64(),
		Fork:        string(cfg.Fork),
		Store:       cfg.Store.Hex(),
		Environment: cfg.Environment,
	})
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	rt.l1 = geth.NewFromRPC(rc, geth.WithMetrics(rt.metrics), geth.WithCallTimeout(cfg.RPCTimeout))

	sugar.Infow("connected to l1", "chainID", chainID)
	return rt, nil
}

// close releases resources in reverse order of acquisition.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// startMetrics serves /metrics and /health. It returns a nil channel when the
// server is disabled; receiving from it then blocks forever.
func (rt *runtime) startMetrics(opts ...metrics.ServerOption) <-chan error {
	if rt.cfg.MetricsPort == 0 {
		return nil
	}
	server := metrics.NewServer(rt.cfg.MetricsAddr(), rt.registry, opts...)
	errCh := server.Start()
	if rt.cfg.MetricsHost == "" {
		rt.log.Infof("metrics server listening on http://0.0.0.0:%d/metrics", rt.cfg.MetricsPort)
	} else {
		rt.log.Infof("metrics server listening on http://%s/metrics", rt.cfg.MetricsAddr())
	}
	rt.closers = append(rt.closers, func() {
		rt.log.Info("shutting down metrics server")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			rt.log.Warnw("metrics server shutdown error", "error", err)
		}
	})
	return errCh
}

// openClickHouse returns nil when ClickHouse is not configured.
func (rt *runtime) openClickHouse(ctx context.Context) (clickhouse.Client, error) {
	if rt.cfg.ClickHouse == nil {
		return nil, nil
	}
	client, err := clickhouse.New(ctx, *rt.cfg.ClickHouse, rt.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create ClickHouse client: %w", err)
	}
	rt.closers = append(rt.closers, func() {
		if err := client.Close(); err != nil {
			rt.log.Warnw("clickhouse close error", "error", err)
		}
	})
	rt.log.Info("ClickHouse client created successfully")
	return client, nil
}

func (rt *runtime) checkpoints(ctx context.Context, client clickhouse.Client) (checkpoint.Repository, error) {
	repo, err := checkpoint.NewRepository(ctx, client, rt.cfg.ClickHouse.Cluster, rt.cfg.ClickHouse.Database, rt.cfg.CheckpointTableName)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint repository: %w", err)
	}
	return repo, nil
}

func (rt *runtime) submissions(ctx context.Context, client clickhouse.Client) (submissions.Repository, error) {
	repo, err := submissions.NewRepository(ctx, client, rt.cfg.ClickHouse.Cluster, rt.cfg.ClickHouse.Database, rt.cfg.SubmissionsTableName)
	if err != nil {
		return nil, fmt.Errorf("failed to create submissions repository: %w", err)
	}
	return repo, nil
}

// openKafka returns a nil sink when Kafka is not configured. The producer
// outlives ctx so the last records can still be flushed on shutdown.
func (rt *runtime) openKafka(ctx context.Context) (*kafka.Sink, <-chan error, error) {
	cfg := rt.cfg.Kafka
	if !cfg.Enabled() {
		return nil, nil, nil
	}
	if cfg.EnsureTopics {
		if err := kafka.EnsureTopics(ctx, cfg, rt.log); err != nil {
			return nil, nil, fmt.Errorf("failed to ensure kafka topics: %w", err)
		}
	}
	producer, err := kafka.NewProducer(context.WithoutCancel(ctx), cfg.ConfigMap(), rt.log)
	if err != nil {
		return nil, nil, err
	}
	flush := cfg.FlushTimeout
	if flush <= 0 {
		flush = flushTimeoutOnClose
	}
	rt.closers = append(rt.closers, func() { producer.Close(flush) })
	rt.log.Infow("kafka producer created", "brokers", cfg.BootstrapServers)
	return kafka.NewSink(producer, cfg, rt.chainID.Uint64(), rt.store.Address(), rt.metrics), producer.Errors(), nil
}

// dialL2 connects to the L2 node. It shares the L1 call timeout but records
// no metrics: the labels describe the L1 store.
func (rt *runtime) dialL2(ctx context.Context) (*geth.Client, *big.Int, error) {
	l2, err := geth.New(ctx, rt.cfg.L2RPCURL, geth.WithCallTimeout(rt.cfg.RPCTimeout))
	if err != nil {
		return nil, nil, &types.RpcError{Op: "dial_l2", Err: err}
	}
	rt.closers = append(rt.closers, l2.Close)
	id, err := l2.ChainID(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read l2 chain id: %w", err)
	}
	return l2, id, nil
}
