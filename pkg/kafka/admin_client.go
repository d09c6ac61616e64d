package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

const metadataTimeout = 10 * time.Second

// TopicSpec is the desired layout of one sink topic.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

func (s TopicSpec) Validate() error {
	switch {
	case s.Name == "":
		return errors.New("topic name cannot be empty")
	case s.Partitions <= 0:
		return fmt.Errorf("topic %q: partitions must be > 0, got %d", s.Name, s.Partitions)
	case s.ReplicationFactor <= 0:
		return fmt.Errorf("topic %q: replication factor must be > 0, got %d", s.Name, s.ReplicationFactor)
	}
	return nil
}

// EnsureTopics creates the missing sink topics of cfg and grows the ones with
// fewer partitions than configured. A topic with more partitions fails, since
// Kafka cannot shrink it. A differing replication factor is only logged.
func EnsureTopics(ctx context.Context, cfg ProducerConfig, log *zap.SugaredLogger) error {
	admin, err := kafka.NewAdminClient(cfg.AdminConfigMap())
	if err != nil {
		return fmt.Errorf("failed to create kafka admin client: %w", err)
	}
	defer admin.Close()

	var (
		create []kafka.TopicSpecification
		grow   []kafka.PartitionsSpecification
	)
	for _, spec := range cfg.Topics() {
		if err := spec.Validate(); err != nil {
			return err
		}
		md, err := describeTopic(admin, spec.Name)
		if err != nil {
			return err
		}
		if md == nil {
			create = append(create, kafka.TopicSpecification{
				Topic:             spec.Name,
				NumPartitions:     spec.Partitions,
				ReplicationFactor: spec.ReplicationFactor,
			})
			continue
		}

		have := len(md.Partitions)
		if rf := replicationFactor(md); rf != spec.ReplicationFactor {
			log.Warnw("topic replication factor differs from config",
				"topic", spec.Name,
				"current", rf,
				"configured", spec.ReplicationFactor,
			)
		}
		switch {
		case have > spec.Partitions:
			return fmt.Errorf("topic %q has %d partitions, more than the configured %d", spec.Name, have, spec.Partitions)
		case have < spec.Partitions:
			grow = append(grow, kafka.PartitionsSpecification{Topic: spec.Name, IncreaseTo: spec.Partitions})
		}
	}

	if len(create) > 0 {
		results, err := admin.CreateTopics(ctx, create)
		if err != nil {
			return fmt.Errorf("failed to create topics: %w", err)
		}
		if err := checkTopicResults("create topic", results, log); err != nil {
			return err
		}
	}
	if len(grow) > 0 {
		results, err := admin.CreatePartitions(ctx, grow)
		if err != nil {
			return fmt.Errorf("failed to grow topics: %w", err)
		}
		if err := checkTopicResults("grow topic", results, log); err != nil {
			return err
		}
	}
	return nil
}

// describeTopic returns nil metadata when the topic does not exist.
func describeTopic(admin *kafka.AdminClient, name string) (*kafka.TopicMetadata, error) {
	md, err := admin.GetMetadata(&name, false, int(metadataTimeout.Milliseconds()))
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata for topic %q: %w", name, err)
	}
	tm, ok := md.Topics[name]
	switch {
	case !ok, tm.Error.Code() == kafka.ErrUnknownTopicOrPart:
		return nil, nil
	case tm.Error.Code() != kafka.ErrNoError:
		return nil, fmt.Errorf("topic %q: %w", name, tm.Error)
	}
	return &tm, nil
}

func replicationFactor(md *kafka.TopicMetadata) int {
	if len(md.Partitions) == 0 {
		return 0
	}
	return len(md.Partitions[0].Replicas)
}

// checkTopicResults accepts topics created concurrently by another process.
func checkTopicResults(op string, results []kafka.TopicResult, log *zap.SugaredLogger) error {
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError:
			log.Infow(op+" done", "topic", r.Topic)
		case kafka.ErrTopicAlreadyExists:
			log.Infow("topic already exists", "topic", r.Topic)
		default:
			return fmt.Errorf("%s %q: %w", op, r.Topic, r.Error)
		}
	}
	return nil
}
