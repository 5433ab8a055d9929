// Package nats dispatches outbox batches to NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/relayware/pgoutbox/internal/outbox"
)

// Config holds NATS connection and stream configuration.
type Config struct {
	URL            string
	Name           string
	Stream         string
	Subjects       []string
	MaxAge         time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// DefaultConfig returns sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		Name:           "pgoutbox",
		Stream:         "OUTBOX",
		Subjects:       []string{"outbox.>"},
		MaxAge:         24 * time.Hour,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 10 * time.Second,
	}
}

// Adapter publishes each outbox message to JetStream on subject
// "outbox.<topic>" (dots in the topic preserved as subject tokens).
type Adapter struct {
	cfg Config
	nc  *nats.Conn
	js  jetstream.JetStream
}

// New creates the adapter; the connection is established by Start.
func New(cfg Config) *Adapter {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = def.Subjects
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = def.MaxReconnects
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	return &Adapter{cfg: cfg}
}

// Start connects, enables JetStream and ensures the stream exists.
func (a *Adapter) Start(ctx context.Context) error {
	opts := []nats.Option{
		nats.Name(a.cfg.Name),
		nats.ReconnectWait(a.cfg.ReconnectWait),
		nats.MaxReconnects(a.cfg.MaxReconnects),
		nats.Timeout(a.cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(a.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     a.cfg.Stream,
		Subjects: a.cfg.Subjects,
		MaxAge:   a.cfg.MaxAge,
		Storage:  jetstream.FileStorage,
		Discard:  jetstream.DiscardOld,
	})
	if err != nil {
		nc.Close()
		return fmt.Errorf("ensure stream %s: %w", a.cfg.Stream, err)
	}

	a.nc = nc
	a.js = js
	return nil
}

// Stop drains in-flight publishes and closes the connection.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.nc == nil {
		return nil
	}
	if err := a.nc.Drain(); err != nil {
		a.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Send publishes messages one by one, settling each result positionally.
func (a *Adapter) Send(ctx context.Context, msgs []outbox.Message) ([]outbox.Result, error) {
	results := make([]outbox.Result, len(msgs))
	for i, msg := range msgs {
		ack, err := a.js.Publish(ctx, subjectFor(msg.Topic), msg.Value)
		if err != nil {
			results[i] = outbox.Rejected(fmt.Errorf("jetstream publish: %w", err))
			continue
		}
		results[i] = outbox.Fulfilled(map[string]any{
			"stream":   ack.Stream,
			"sequence": ack.Sequence,
		})
	}
	return results, nil
}

// OnHandled logs the batch for instrumentation.
func (a *Adapter) OnHandled(ctx context.Context, msgs []outbox.Message) error {
	slog.Debug("nats batch handled", "messages", len(msgs))
	return nil
}

// subjectFor maps an outbox topic onto the stream's subject space.
func subjectFor(topic string) string {
	return "outbox." + strings.ReplaceAll(topic, " ", "_")
}
