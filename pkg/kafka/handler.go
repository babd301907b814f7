// Package kafka writes an audit trail of moderation actions to a Kafka (or
// Redpanda) topic and reads it back for the tail tool.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"jetstream-labeler/internal/logging"
	"jetstream-labeler/internal/models"
)

// errTopicAlreadyExists is TOPIC_ALREADY_EXISTS in the Kafka protocol.
const errTopicAlreadyExists = 36

func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string) error {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	createReq := &kmsg.CreateTopicsRequest{
		Topics: []kmsg.CreateTopicsRequestTopic{
			{
				Topic:             topic,
				NumPartitions:     1,
				ReplicationFactor: 1,
			},
		},
		ValidateOnly: false,
	}

	resp, err := createReq.RequestWith(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to create topic: %w", err)
	}

	for _, t := range resp.Topics {
		if t.ErrorCode != 0 && t.ErrorCode != errTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", t.Topic, t.ErrorCode)
		}
	}
	return nil
}

// Sink produces one JSON message per action, keyed by subject URI so every
// action on a record lands in the same partition.
type Sink struct {
	client *kgo.Client
	topic  string
}

func NewSink(ctx context.Context, brokers []string, topic string) (*Sink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RetryTimeout(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	if err := createTopicIfNotExists(ctx, client, topic); err != nil {
		client.Close()
		return nil, err
	}

	logging.Info().Strs("brokers", brokers).Str("topic", topic).Msg("audit sink ready")
	return &Sink{client: client, topic: topic}, nil
}

func (s *Sink) Publish(ctx context.Context, record models.ActionRecord) error {
	r, err := newRecord(s.topic, record)
	if err != nil {
		return err
	}
	if err := s.client.ProduceSync(ctx, r).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}
	return nil
}

func (s *Sink) Close() {
	s.client.Close()
}

func newRecord(topic string, record models.ActionRecord) (*kgo.Record, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal action %s: %w", record.ID, err)
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(record.SubjectURI),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(record.Kind)},
		},
	}, nil
}

// Reader consumes the audit topic from the beginning.
type Reader struct {
	client *kgo.Client
}

func NewReader(ctx context.Context, brokers []string, topic, group string) (*Reader, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.RetryTimeout(10 * time.Second),
	}
	if group != "" {
		opts = append(opts, kgo.ConsumerGroup(group))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	if err := createTopicIfNotExists(ctx, client, topic); err != nil {
		client.Close()
		return nil, err
	}
	return &Reader{client: client}, nil
}

// Read calls fn for every action until ctx is done. Undecodable messages are
// logged and skipped.
func (r *Reader) Read(ctx context.Context, fn func(models.ActionRecord)) error {
	log := logging.For("audit")
	for {
		fetches := r.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			log.Warn().Err(err).Str("topic", topic).Int32("partition", partition).Msg("fetch failed")
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			var action models.ActionRecord
			if err := json.Unmarshal(rec.Value, &action); err != nil {
				log.Warn().Err(err).Int64("offset", rec.Offset).Msg("skipping undecodable action record")
				return
			}
			fn(action)
		})
	}
}

func (r *Reader) Close() {
	r.client.Close()
}
