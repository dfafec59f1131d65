// Package processors provides concrete broker.Processor implementations
// that mirror admitted messages out to external systems: a message broker
// (Kafka/Redpanda), a pub/sub bus (NATS), or a local database.
package processors

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/seiscomp/scmaster/internal/broker"
)

// KafkaMirror publishes every admitted message to a fixed topic on a
// Kafka/Redpanda cluster (one topic per queue), keyed by the target
// group so downstream consumers can partition by destination.
type KafkaMirror struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
}

// KafkaMirrorConfig is built by cmd/scmaster from the topology's kafka
// section (brokers, and the topic prefix plus the queue name); Init does
// not read it. NewKafkaMirror takes the parsed form so construction
// failures surface at startup, not mid-stream.
type KafkaMirrorConfig struct {
	Brokers []string
	Topic   string
}

// NewKafkaMirror dials the cluster eagerly so a misconfigured processor
// fails queue startup rather than silently dropping every message.
func NewKafkaMirror(cfg KafkaMirrorConfig, logger zerolog.Logger) (*KafkaMirror, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka mirror: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka mirror: topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka mirror: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("kafka mirror: %w", err)
	}

	return &KafkaMirror{client: client, topic: cfg.Topic, logger: logger}, nil
}

// Init satisfies broker.Processor; KafkaMirror is constructed with its
// configuration up front via NewKafkaMirror, so Init only records the
// instance prefix used in logs.
func (k *KafkaMirror) Init(config map[string]string, prefix string) bool {
	k.logger = k.logger.With().Str("processor", "kafka").Str("prefix", prefix).Logger()
	return true
}

// Process fires the produce asynchronously and always returns ActionPass;
// a slow or unreachable Kafka cluster must never stall message delivery
// to subscribers.
func (k *KafkaMirror) Process(msg *broker.Message) broker.Action {
	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(msg.TargetGroup),
		Value: msg.Payload,
	}
	k.client.Produce(context.Background(), record, func(_ *kgo.Record, err error) {
		if err != nil {
			k.logger.Error().Err(err).Uint64("sequence", msg.Sequence).Msg("kafka mirror produce failed")
		}
	})
	return broker.ActionPass
}

// Close flushes in-flight produces and releases the client.
func (k *KafkaMirror) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.client.Flush(ctx); err != nil {
		k.logger.Warn().Err(err).Msg("kafka mirror flush failed")
	}
	k.client.Close()
}
