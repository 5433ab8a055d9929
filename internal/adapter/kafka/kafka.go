// Package kafka dispatches outbox batches to Kafka/Redpanda with franz-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/relayware/pgoutbox/internal/outbox"
)

// Config holds producer configuration.
type Config struct {
	// Brokers is a comma-separated broker list.
	Brokers string
	// EnsureTopics are created on Start when missing.
	EnsureTopics []string
	// TopicPartitions applies when creating missing topics.
	TopicPartitions int32
	// TopicReplication applies when creating missing topics.
	TopicReplication int16
}

// Adapter publishes each outbox message as one Kafka record on the
// message's topic, keyed by the ordering key so Kafka partitioning lines up
// with the outbox's per-key ordering.
type Adapter struct {
	cfg    Config
	client *kgo.Client
}

// New creates the adapter and its underlying client.
func New(cfg Config) (*Adapter, error) {
	brokerList := strings.Split(cfg.Brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokerList...),
		kgo.MaxProduceRequestsInflightPerBroker(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RecordRetries(5),
		kgo.RetryBackoffFn(func(n int) time.Duration {
			return time.Duration(n*100) * time.Millisecond
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	return &Adapter{cfg: cfg, client: client}, nil
}

// Start verifies connectivity and creates missing topics.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping: %w", err)
	}
	if len(a.cfg.EnsureTopics) == 0 {
		return nil
	}

	partitions := a.cfg.TopicPartitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := a.cfg.TopicReplication
	if replication <= 0 {
		replication = 1
	}

	admin := kadm.NewClient(a.client)
	resps, err := admin.CreateTopics(ctx, partitions, replication, nil, a.cfg.EnsureTopics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, resp := range resps.Sorted() {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", resp.Topic, resp.Err)
		}
	}
	return nil
}

// Stop flushes buffered records and closes the client.
func (a *Adapter) Stop(ctx context.Context) error {
	if err := a.client.Flush(ctx); err != nil {
		slog.Error("kafka flush on stop", "error", err)
	}
	a.client.Close()
	return nil
}

// Send produces one record per message and settles each result at the
// message's position.
func (a *Adapter) Send(ctx context.Context, msgs []outbox.Message) ([]outbox.Result, error) {
	records := make([]*kgo.Record, len(msgs))
	index := make(map[*kgo.Record]int, len(msgs))
	for i, msg := range msgs {
		records[i] = recordFor(msg)
		index[records[i]] = i
	}

	results := make([]outbox.Result, len(msgs))
	for _, pr := range a.client.ProduceSync(ctx, records...) {
		i, ok := index[pr.Record]
		if !ok {
			continue
		}
		if pr.Err != nil {
			results[i] = outbox.Rejected(fmt.Errorf("kafka produce: %w", pr.Err))
			continue
		}
		results[i] = outbox.Fulfilled(map[string]any{
			"partition": pr.Record.Partition,
			"offset":    pr.Record.Offset,
		})
	}
	return results, nil
}

// OnHandled logs the batch for instrumentation.
func (a *Adapter) OnHandled(ctx context.Context, msgs []outbox.Message) error {
	slog.Debug("kafka batch handled", "messages", len(msgs))
	return nil
}

func recordFor(msg outbox.Message) *kgo.Record {
	var key []byte
	if msg.Key != nil {
		key = []byte(*msg.Key)
	}
	headers := make([]kgo.RecordHeader, 0, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	headers = append(headers, kgo.RecordHeader{Key: "context_id", Value: []byte(msg.ContextID)})

	return &kgo.Record{
		Topic:   msg.Topic,
		Key:     key,
		Value:   msg.Value,
		Headers: headers,
	}
}
