package redisstream

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relayware/pgoutbox/internal/outbox"
)

func testAdapter(t *testing.T, prefix string) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, prefix), srv
}

func strPtr(s string) *string { return &s }

func TestSend_AppendsToTopicStream(t *testing.T) {
	a, srv := testAdapter(t, "outbox:")
	ctx := context.Background()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	msgs := []outbox.Message{
		{
			ID:        1,
			Topic:     "orders",
			Key:       strPtr("k1"),
			Value:     json.RawMessage(`{"n":1}`),
			Headers:   map[string]string{"trace": "abc"},
			ContextID: "ctx-1",
		},
		{
			ID:        2,
			Topic:     "payments",
			Value:     json.RawMessage(`{"n":2}`),
			ContextID: "ctx-2",
		},
	}

	results, err := a.Send(ctx, msgs)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Status != outbox.StatusFulfilled {
			t.Errorf("result %d: %v", i, res.Err)
		}
		value, ok := res.Value.(map[string]any)
		if !ok || value["stream_id"] == "" {
			t.Errorf("result %d missing stream id: %v", i, res.Value)
		}
	}

	entries, err := srv.Stream("outbox:orders")
	if err != nil {
		t.Fatalf("stream read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("outbox:orders length = %d, want 1", len(entries))
	}
	if payments, err := srv.Stream("outbox:payments"); err != nil || len(payments) != 1 {
		t.Errorf("outbox:payments length = %d (%v), want 1", len(payments), err)
	}
	fields := map[string]string{}
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		fields[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	if fields["value"] != `{"n":1}` {
		t.Errorf("value field = %q", fields["value"])
	}
	if fields["key"] != "k1" {
		t.Errorf("key field = %q", fields["key"])
	}
	if fields["context_id"] != "ctx-1" {
		t.Errorf("context_id field = %q", fields["context_id"])
	}
	if fields["header:trace"] != "abc" {
		t.Errorf("header field = %q", fields["header:trace"])
	}
}

func TestSend_FailureIsPositional(t *testing.T) {
	a, srv := testAdapter(t, "")
	ctx := context.Background()

	msgs := []outbox.Message{
		{ID: 1, Topic: "ok", Value: json.RawMessage(`{}`)},
		{ID: 2, Topic: "also-ok", Value: json.RawMessage(`{}`)},
	}

	srv.Close()

	results, err := a.Send(ctx, msgs)
	if err != nil {
		t.Fatalf("send must settle per message, got batch error %v", err)
	}
	for i, res := range results {
		if res.Status != outbox.StatusRejected {
			t.Errorf("result %d should be rejected after server close", i)
		}
	}
}
