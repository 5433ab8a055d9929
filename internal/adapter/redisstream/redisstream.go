// Package redisstream dispatches outbox batches to Redis Streams, one
// stream per topic.
package redisstream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayware/pgoutbox/internal/outbox"
)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces the stream keys.
	KeyPrefix string
	// MaxLen caps each stream approximately; 0 means unbounded.
	MaxLen int64
}

// Adapter appends each outbox message to the stream named after its topic
// via XADD.
type Adapter struct {
	cfg    Config
	client *redis.Client
}

// New creates the adapter; connectivity is checked by Start.
func New(cfg Config) *Adapter {
	return &Adapter{
		cfg: cfg,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(client *redis.Client, keyPrefix string) *Adapter {
	return &Adapter{cfg: Config{KeyPrefix: keyPrefix}, client: client}
}

// Start verifies connectivity.
func (a *Adapter) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Stop closes the client.
func (a *Adapter) Stop(ctx context.Context) error {
	return a.client.Close()
}

// Send appends messages to their topic streams, settling results
// positionally.
func (a *Adapter) Send(ctx context.Context, msgs []outbox.Message) ([]outbox.Result, error) {
	results := make([]outbox.Result, len(msgs))
	for i, msg := range msgs {
		values := map[string]any{
			"value":      string(msg.Value),
			"context_id": msg.ContextID,
		}
		if msg.Key != nil {
			values["key"] = *msg.Key
		}
		for k, v := range msg.Headers {
			values["header:"+k] = v
		}

		id, err := a.client.XAdd(ctx, &redis.XAddArgs{
			Stream: a.streamKey(msg.Topic),
			MaxLen: a.cfg.MaxLen,
			Approx: a.cfg.MaxLen > 0,
			Values: values,
		}).Result()
		if err != nil {
			results[i] = outbox.Rejected(fmt.Errorf("xadd: %w", err))
			continue
		}
		results[i] = outbox.Fulfilled(map[string]any{"stream_id": id})
	}
	return results, nil
}

// OnHandled logs the batch for instrumentation.
func (a *Adapter) OnHandled(ctx context.Context, msgs []outbox.Message) error {
	slog.Debug("redis batch handled", "messages", len(msgs))
	return nil
}

func (a *Adapter) streamKey(topic string) string {
	return a.cfg.KeyPrefix + topic
}
