package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/kafka/messages"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/metrics"
	"github.com/taikoxyz/forced-inclusion-toolbox/pkg/types"
)

// Publisher is what the sink needs from a producer. *Producer implements it.
type Publisher interface {
	Produce(ctx context.Context, msg Msg) error
}

// Sink publishes queue changes and submission outcomes of one store.
type Sink struct {
	producer      Publisher
	changesTopic  string
	outcomesTopic string
	chainID       uint64
	store         common.Address
	metrics       *metrics.Metrics
	now           func() time.Time
}

func NewSink(p Publisher, cfg ProducerConfig, chainID uint64, store common.Address, m *metrics.Metrics) *Sink {
	return &Sink{
		producer:      p,
		changesTopic:  cfg.ChangesTopic,
		outcomesTopic: cfg.OutcomesTopic,
		chainID:       chainID,
		store:         store,
		metrics:       m,
		now:           time.Now,
	}
}

func (s *Sink) PublishChange(ctx context.Context, c types.QueueChange) error {
	m := messages.NewQueueChange(s.chainID, s.store, c)
	value, err := m.Encode(s.now())
	if err != nil {
		return err
	}
	return s.produce(ctx, Msg{
		Topic:   s.changesTopic,
		Key:     m.PartitionKey(),
		Value:   value,
		Headers: s.headers(messages.TypeQueueChange),
	})
}

func (s *Sink) PublishOutcome(ctx context.Context, account common.Address, o types.SubmissionOutcome) error {
	m := messages.NewSubmissionOutcome(s.chainID, s.store, account, o)
	value, err := m.Encode()
	if err != nil {
		return err
	}
	return s.produce(ctx, Msg{
		Topic:   s.outcomesTopic,
		Key:     m.PartitionKey(),
		Value:   value,
		Headers: s.headers(messages.TypeSubmissionOutcome),
	})
}

func (s *Sink) headers(msgType string) map[string]string {
	return map[string]string{
		"type":     msgType,
		"version":  strconv.Itoa(messages.Version),
		"chain_id": strconv.FormatUint(s.chainID, 10),
	}
}

func (s *Sink) produce(ctx context.Context, msg Msg) error {
	err := s.producer.Produce(ctx, msg)
	s.metrics.RecordKafkaPublish(msg.Topic, err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", msg.Topic, err)
	}
	return nil
}
