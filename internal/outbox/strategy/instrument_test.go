package strategy

import (
	"context"
	"errors"
	"testing"

	"github.com/relayware/pgoutbox/internal/outbox"
)

func TestInstrument_AttachesDiagnostics(t *testing.T) {
	h := Instrument(HandlerFunc(func(context.Context, outbox.Message) (Response, error) {
		return Response{Value: "ok"}, nil
	}))

	resp, err := h.HandleMessage(context.Background(), outbox.Message{ID: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Value != "ok" {
		t.Errorf("value = %v", resp.Value)
	}

	diag, ok := resp.Meta["pgoutbox"].(map[string]any)
	if !ok {
		t.Fatalf("missing pgoutbox diagnostics in meta: %v", resp.Meta)
	}
	for _, field := range []string{"time_ms", "goroutines", "uptime_sec"} {
		if _, ok := diag[field]; !ok {
			t.Errorf("missing %s in diagnostics", field)
		}
	}
}

func TestInstrument_KeepsHandlerMeta(t *testing.T) {
	h := Instrument(HandlerFunc(func(context.Context, outbox.Message) (Response, error) {
		return Response{Meta: map[string]any{"custom": 1}}, nil
	}))

	resp, err := h.HandleMessage(context.Background(), outbox.Message{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Meta["custom"] != 1 {
		t.Error("handler meta must survive instrumentation")
	}
	if _, ok := resp.Meta["pgoutbox"]; !ok {
		t.Error("diagnostics must be merged alongside handler meta")
	}
}

func TestInstrument_DiagnosticsOnFailure(t *testing.T) {
	h := Instrument(HandlerFunc(func(context.Context, outbox.Message) (Response, error) {
		return Response{}, errors.New("boom")
	}))

	resp, err := h.HandleMessage(context.Background(), outbox.Message{})
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := resp.Meta["pgoutbox"]; !ok {
		t.Error("failures must carry diagnostics too")
	}
}
