package metrics

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "forced_inclusion"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	RPC        = "rpc"
	Queue      = "queue"
	Monitor    = "monitor"
	Submission = "submission"
	Spam       = "spam"
	Kafka      = "kafka"
)

// Error type constants.
const (
	ErrTypeRPC          = "rpc"
	ErrTypeRejected     = "rejected"
	ErrTypeDecode       = "decode"
	ErrTypeInconsistent = "inconsistent_state"
	ErrTypeStream       = "stream_terminated"
	ErrTypeFeeTooHigh   = "fee_too_high"
	ErrTypeSigning      = "signing"
	ErrTypeSink         = "sink"
)

// Labels holds constant labels applied to all metrics.
type Labels struct {
	L1ChainID   uint64 // chain hosting the store
	Fork        string // store ABI, "pacaya" or "shasta"
	Store       string // store contract address
	Environment string // deployment environment (e.g., "production", "devnet")
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.L1ChainID != 0 {
		labels["l1_chain_id"] = strconv.FormatUint(l.L1ChainID, 10)
	}
	if l.Fork != "" {
		labels["fork"] = l.Fork
	}
	if l.Store != "" {
		labels["store"] = l.Store
	}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	return labels
}

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	errors *prometheus.CounterVec

	// RPC metrics
	rpcCalls    *prometheus.CounterVec
	rpcDuration *prometheus.HistogramVec
	rpcInFlight prometheus.Gauge

	// Queue reads
	queueHead    prometheus.Gauge
	queueTail    prometheus.Gauge
	queueSize    prometheus.Gauge
	readDuration prometheus.Histogram

	// Monitor stream
	changes        *prometheus.CounterVec
	reorgs         prometheus.Counter
	reorgDepth     prometheus.Histogram
	headBlock      prometheus.Gauge
	finalizedBlock prometheus.Gauge
	windowBlocks   prometheus.Gauge
	restarts       prometheus.Counter

	// Submissions
	submissions *prometheus.CounterVec
	attempts    prometheus.Histogram
	feeBumps    prometheus.Counter
	sendRetries prometheus.Counter
	totalFee    prometheus.Histogram

	// Spam loop
	spamBackoff  prometheus.Gauge
	spamFailures prometheus.Gauge
	spamNonce    prometheus.Gauge

	// Kafka sink
	kafkaPublished *prometheus.CounterVec
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels (e.g., l1_chain_id), use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	latency := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

	m := &Metrics{
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Total errors by type",
		}, []string{"type"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "calls_total",
			Help:      "Total RPC calls by method and status",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "duration_seconds",
			Help:      "RPC call duration in seconds",
			Buckets:   latency,
		}, []string{"method"}),
		rpcInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: RPC,
			Name:      "in_flight",
			Help:      "Number of RPC calls currently in progress",
		}),
		queueHead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "head",
			Help:      "Index of the oldest unprocessed entry",
		}),
		queueTail: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "tail",
			Help:      "Index the next stored entry will take",
		}),
		queueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "size",
			Help:      "Number of pending entries (tail - head)",
		}),
		readDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "read_duration_seconds",
			Help:      "Time to read a full queue snapshot",
			Buckets:   latency,
		}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Monitor,
			Name:      "changes_total",
			Help:      "Queue changes emitted by kind",
		}, []string{"kind"}),
		reorgs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Monitor,
			Name:      "reorgs_total",
			Help:      "Total reorgs that retracted emitted changes",
		}),
		reorgDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Monitor,
			Name:      "reorg_depth_blocks",
			Help:      "Number of blocks retracted per reorg",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34, 64},
		}),
		headBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Monitor,
			Name:      "head_block",
			Help:      "Highest block observed by the monitor",
		}),
		finalizedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Monitor,
			Name:      "finalized_block",
			Help:      "Highest block whose changes are final",
		}),
		windowBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Monitor,
			Name:      "window_blocks",
			Help:      "Blocks held in the reorg window",
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Monitor,
			Name:      "restarts_total",
			Help:      "Times the event stream was re-established",
		}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Submission,
			Name:      "outcomes_total",
			Help:      "Submission outcomes by final status",
		}, []string{"status"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Submission,
			Name:      "attempts",
			Help:      "Signed transactions broadcast per submission",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		}),
		feeBumps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Submission,
			Name:      "fee_bumps_total",
			Help:      "Replacement transactions sent with bumped fees",
		}),
		sendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Submission,
			Name:      "send_retries_total",
			Help:      "Broadcasts retried after transient RPC errors",
		}),
		totalFee: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Submission,
			Name:      "total_fee_gwei",
			Help:      "Maximum total cost of the final attempt in gwei",
			Buckets:   prometheus.ExponentialBuckets(1e4, 4, 12),
		}),
		spamBackoff: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Spam,
			Name:      "backoff_seconds",
			Help:      "Current delay before the next spam iteration",
		}),
		spamFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Spam,
			Name:      "consecutive_failures",
			Help:      "Failed iterations since the last confirmation",
		}),
		spamNonce: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Spam,
			Name:      "next_nonce",
			Help:      "Nonce the next spam submission will use",
		}),
		kafkaPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Kafka,
			Name:      "published_total",
			Help:      "Messages published to Kafka by topic and status",
		}, []string{"topic", "status"}),
	}

	err := errors.Join(
		reg.Register(m.errors),
		reg.Register(m.rpcCalls),
		reg.Register(m.rpcDuration),
		reg.Register(m.rpcInFlight),
		reg.Register(m.queueHead),
		reg.Register(m.queueTail),
		reg.Register(m.queueSize),
		reg.Register(m.readDuration),
		reg.Register(m.changes),
		reg.Register(m.reorgs),
		reg.Register(m.reorgDepth),
		reg.Register(m.headBlock),
		reg.Register(m.finalizedBlock),
		reg.Register(m.windowBlocks),
		reg.Register(m.restarts),
		reg.Register(m.submissions),
		reg.Register(m.attempts),
		reg.Register(m.feeBumps),
		reg.Register(m.sendRetries),
		reg.Register(m.totalFee),
		reg.Register(m.spamBackoff),
		reg.Register(m.spamFailures),
		reg.Register(m.spamNonce),
		reg.Register(m.kafkaPublished),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// IncError increments the error counter for the given error type.
func (m *Metrics) IncError(errType string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(errType).Inc()
}

// IncRPCInFlight increments the in-flight RPC gauge.
func (m *Metrics) IncRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Inc()
}

// DecRPCInFlight decrements the in-flight RPC gauge.
func (m *Metrics) DecRPCInFlight() {
	if m == nil {
		return
	}
	m.rpcInFlight.Dec()
}

// RecordRPCCall records an RPC call outcome.
func (m *Metrics) RecordRPCCall(method string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errors.WithLabelValues(ErrTypeRPC).Inc()
	}
	m.rpcCalls.WithLabelValues(method, status).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(durationSeconds)
}

// UpdateQueue records the queue bounds.
func (m *Metrics) UpdateQueue(head, tail uint64) {
	if m == nil {
		return
	}
	m.queueHead.Set(float64(head))
	m.queueTail.Set(float64(tail))
	m.queueSize.Set(float64(tail - head))
}

// ObserveReadDuration records how long a snapshot read took.
func (m *Metrics) ObserveReadDuration(seconds float64) {
	if m == nil {
		return
	}
	m.readDuration.Observe(seconds)
}

// RecordChange counts an emitted change of the given kind.
func (m *Metrics) RecordChange(kind string) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(kind).Inc()
}

// RecordReorg counts a reorg that retracted blocks blocks.
func (m *Metrics) RecordReorg(blocks uint64) {
	if m == nil {
		return
	}
	m.reorgs.Inc()
	m.reorgDepth.Observe(float64(blocks))
}

// UpdateWindow records the monitor head, finality point and window size.
func (m *Metrics) UpdateWindow(head, finalized uint64, size int) {
	if m == nil {
		return
	}
	m.headBlock.Set(float64(head))
	m.finalizedBlock.Set(float64(finalized))
	m.windowBlocks.Set(float64(size))
}

// IncRestarts counts a re-established event stream.
func (m *Metrics) IncRestarts() {
	if m == nil {
		return
	}
	m.restarts.Inc()
}

// RecordSubmission records a finished submission.
func (m *Metrics) RecordSubmission(status string, attempts uint32, totalFeeGwei float64) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(status).Inc()
	if attempts > 0 {
		m.attempts.Observe(float64(attempts))
	}
	if totalFeeGwei > 0 {
		m.totalFee.Observe(totalFeeGwei)
	}
}

// IncFeeBumps counts a replacement transaction.
func (m *Metrics) IncFeeBumps() {
	if m == nil {
		return
	}
	m.feeBumps.Inc()
}

// IncSendRetries counts a retried broadcast.
func (m *Metrics) IncSendRetries() {
	if m == nil {
		return
	}
	m.sendRetries.Inc()
}

// UpdateSpam records the spam loop state after an iteration.
func (m *Metrics) UpdateSpam(nextNonce uint64, failures int, backoffSeconds float64) {
	if m == nil {
		return
	}
	m.spamNonce.Set(float64(nextNonce))
	m.spamFailures.Set(float64(failures))
	m.spamBackoff.Set(backoffSeconds)
}

// RecordKafkaPublish records a Kafka publish attempt.
// Pass nil error for successful publishes, non-nil for failures.
func (m *Metrics) RecordKafkaPublish(topic string, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errors.WithLabelValues(ErrTypeSink).Inc()
	}
	m.kafkaPublished.WithLabelValues(topic, status).Inc()
}
