package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Msg is one record to publish.
type Msg struct {
	Topic   string
	Value   []byte
	Key     []byte
	Headers map[string]string
}

func (m Msg) toKafka() *kafka.Message {
	topic := m.Topic
	km := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            m.Key,
		Value:          m.Value,
	}
	for k, v := range m.Headers {
		km.Headers = append(km.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return km
}

const queueFullBackoff = time.Second

// Producer publishes records and waits for their delivery reports.
//
// A background goroutine watches client events and reports the first fatal
// one on Errors. Close must be called to stop it and flush what is queued.
type Producer struct {
	client *kafka.Producer
	log    *zap.SugaredLogger

	fatal     chan error
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewProducer creates a producer. ctx bounds the background goroutines only;
// Close is still required.
func NewProducer(ctx context.Context, conf *kafka.ConfigMap, log *zap.SugaredLogger) (*Producer, error) {
	client, err := kafka.NewProducer(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	withLogs, err := conf.Get("go.logs.channel.enable", false)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to read go.logs.channel.enable: %w", err)
	}

	p := &Producer{
		client: client,
		log:    log,
		fatal:  make(chan error, 1),
		stop:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.watchEvents(ctx)
	if enabled, _ := withLogs.(bool); enabled {
		p.wg.Add(1)
		go p.forwardLogs(ctx)
	}
	return p, nil
}

// Produce enqueues msg and blocks until its delivery report arrives or ctx is
// done. A full local queue is retried every second. When ctx ends first the
// record may still be delivered later, so consumers must tolerate duplicates.
func (p *Producer) Produce(ctx context.Context, msg Msg) error {
	// Left open: the report of an abandoned record may still arrive.
	report := make(chan kafka.Event, 1)
	km := msg.toKafka()
	if err := p.enqueue(ctx, km, report); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ev := <-report:
		return deliveryResult(p.log, km, ev)
	}
}

func (p *Producer) enqueue(ctx context.Context, km *kafka.Message, report chan kafka.Event) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := p.client.Produce(km, report)
		if err == nil {
			return nil
		}
		var kerr kafka.Error
		if !errors.As(err, &kerr) || kerr.Code() != kafka.ErrQueueFull {
			return fmt.Errorf("produce to %s: %w", *km.TopicPartition.Topic, err)
		}
		p.log.Warnw("producer queue full, retrying", "topic", *km.TopicPartition.Topic, "in", queueFullBackoff)
		t := time.NewTimer(queueFullBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Errors delivers at most one fatal client error and is closed by Close.
// The producer is unusable after an error.
func (p *Producer) Errors() <-chan error {
	return p.fatal
}

// Close stops the background goroutines and flushes queued records for up to
// timeout. Records still queued after that are lost. Safe to call twice.
func (p *Producer) Close(timeout time.Duration) {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()
		if pending := p.client.Flush(int(timeout.Milliseconds())); pending > 0 {
			p.log.Warnw("kafka flush timed out, dropping records", "pending", pending)
		}
		p.client.Close()
		close(p.fatal)
		p.log.Info("kafka producer closed")
	})
}

func (p *Producer) fail(err error) {
	select {
	case p.fatal <- err:
	default:
	}
}

func (p *Producer) watchEvents(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case ev, ok := <-p.client.Events():
			if !ok {
				p.fail(errors.New("kafka producer event channel closed"))
				return
			}
			switch e := ev.(type) {
			case kafka.Error:
				if e.IsFatal() || e.Code() == kafka.ErrAllBrokersDown {
					p.fail(fmt.Errorf("kafka producer: %w", e))
					return
				}
				p.log.Warnw("kafka client error", "code", e.Code(), "error", e)
			case *kafka.Message:
				// Reports go to the per-record channel; this one lost its caller.
				p.log.Debugw("unclaimed delivery report", "partition", e.TopicPartition, "error", e.TopicPartition.Error)
			default:
				p.log.Debugw("kafka event", "event", e.String())
			}
		}
	}
}

func (p *Producer) forwardLogs(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case l, ok := <-p.client.Logs():
			if !ok {
				return
			}
			p.log.Debugw("librdkafka", "level", l.Level, "tag", l.Tag, "message", l.Message)
		}
	}
}

func deliveryResult(log *zap.SugaredLogger, km *kafka.Message, ev kafka.Event) error {
	m, ok := ev.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event %T", ev)
	}
	if err := m.TopicPartition.Error; err != nil {
		return fmt.Errorf("delivery to %s failed: %w", *km.TopicPartition.Topic, err)
	}
	log.Debugw("record delivered",
		"topic", *km.TopicPartition.Topic,
		"partition", m.TopicPartition.Partition,
		"offset", m.TopicPartition.Offset,
	)
	return nil
}
