package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relayware/pgoutbox/internal/outbox"
)

func strPtr(s string) *string { return &s }

func msgWithKey(id int64, key string) outbox.Message {
	m := outbox.Message{ID: id, Topic: "t"}
	if key != "" {
		m.Key = &key
	}
	return m
}

// recorder tracks per-key handling order across concurrent handlers.
type recorder struct {
	mu    sync.Mutex
	byKey map[string][]int64
}

func newRecorder() *recorder {
	return &recorder{byKey: map[string][]int64{}}
}

func (r *recorder) handle(_ context.Context, msg outbox.Message) (Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := ""
	if msg.Key != nil {
		k = *msg.Key
	}
	r.byKey[k] = append(r.byKey[k], msg.ID)
	return Response{Value: msg.ID}, nil
}

func assertPerKeyOrder(t *testing.T, r *recorder) {
	t.Helper()
	for k, ids := range r.byKey {
		for i := 1; i < len(ids); i++ {
			if ids[i] < ids[i-1] {
				t.Errorf("key %q handled out of order: %v", k, ids)
				break
			}
		}
	}
}

func TestSerial_OrderAndPositions(t *testing.T) {
	var order []int64
	s := NewSerial(HandlerFunc(func(_ context.Context, msg outbox.Message) (Response, error) {
		order = append(order, msg.ID)
		return Response{Value: msg.ID}, nil
	}))

	msgs := []outbox.Message{{ID: 1}, {ID: 2}, {ID: 3}}
	results, err := s.Send(context.Background(), msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, res := range results {
		if res.Status != outbox.StatusFulfilled {
			t.Errorf("result %d not fulfilled", i)
		}
		if res.Value != msgs[i].ID {
			t.Errorf("result %d carries value %v, want %d", i, res.Value, msgs[i].ID)
		}
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("serial order = %v", order)
	}
}

func TestParallel_ResultsArePositional(t *testing.T) {
	p := NewParallel(HandlerFunc(func(_ context.Context, msg outbox.Message) (Response, error) {
		if msg.ID%2 == 0 {
			return Response{}, fmt.Errorf("even %d", msg.ID)
		}
		return Response{Value: msg.ID}, nil
	}))

	msgs := make([]outbox.Message, 20)
	for i := range msgs {
		msgs[i] = outbox.Message{ID: int64(i + 1)}
	}
	results, err := p.Send(context.Background(), msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != len(msgs) {
		t.Fatalf("got %d results for %d messages", len(results), len(msgs))
	}
	for i, res := range results {
		id := msgs[i].ID
		if id%2 == 0 {
			if res.Status != outbox.StatusRejected {
				t.Errorf("row %d should be rejected", id)
			}
		} else if res.Value != id {
			t.Errorf("row %d result landed at wrong position: %v", id, res.Value)
		}
	}
}

func TestGrouped_PerKeyOrder(t *testing.T) {
	rec := newRecorder()
	g := NewGrouped(HandlerFunc(rec.handle))

	var msgs []outbox.Message
	keys := []string{"a", "b", "c", ""}
	id := int64(1)
	for round := 0; round < 10; round++ {
		for _, k := range keys {
			msgs = append(msgs, msgWithKey(id, k))
			id++
		}
	}

	results, err := g.Send(context.Background(), msgs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != len(msgs) {
		t.Fatalf("got %d results for %d messages", len(results), len(msgs))
	}
	assertPerKeyOrder(t, rec)
}

func TestGroupedAsync_PerKeyOrderAcrossBatches(t *testing.T) {
	rec := newRecorder()
	g := NewGroupedAsync(HandlerFunc(rec.handle))

	// Two consecutive batches reuse keys so queues are created, drained,
	// torn down and recreated.
	for batch := 0; batch < 2; batch++ {
		var msgs []outbox.Message
		base := int64(batch * 100)
		for i := int64(1); i <= 30; i++ {
			msgs = append(msgs, msgWithKey(base+i, fmt.Sprintf("k%d", i%3)))
		}
		if _, err := g.Send(context.Background(), msgs); err != nil {
			t.Fatalf("batch %d: %v", batch, err)
		}
	}
	assertPerKeyOrder(t, rec)

	// Workers tear queues down just after the last job completes; allow a
	// moment for the final delete.
	deadline := time.Now().Add(2 * time.Second)
	for {
		g.mu.Lock()
		live := len(g.queues)
		g.mu.Unlock()
		if live == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("%d queues still live after idle", live)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApprove_MarksRejectionApproved(t *testing.T) {
	s := NewSerial(HandlerFunc(func(_ context.Context, _ outbox.Message) (Response, error) {
		return Response{}, Approve(errors.New("expected failure"))
	}))

	results, err := s.Send(context.Background(), []outbox.Message{{ID: 1}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res := results[0]
	if res.Status != outbox.StatusRejected {
		t.Fatal("expected rejection")
	}
	if !res.ErrorApproved {
		t.Error("approved error must set ErrorApproved")
	}
	if res.Err.Error() != "expected failure" {
		t.Errorf("error text = %q", res.Err.Error())
	}
}

func TestApprove_WrappedStillDetected(t *testing.T) {
	inner := Approve(errors.New("root"))
	wrapped := fmt.Errorf("outer: %w", inner)
	s := NewSerial(HandlerFunc(func(_ context.Context, _ outbox.Message) (Response, error) {
		return Response{}, wrapped
	}))

	results, _ := s.Send(context.Background(), []outbox.Message{{ID: 1}})
	if !results[0].ErrorApproved {
		t.Error("approval must survive wrapping")
	}
}

type lifecycleHandler struct {
	started, stopped bool
	handledBatches   int
}

func (h *lifecycleHandler) HandleMessage(context.Context, outbox.Message) (Response, error) {
	return Response{}, nil
}
func (h *lifecycleHandler) Start(context.Context) error { h.started = true; return nil }
func (h *lifecycleHandler) Stop(context.Context) error  { h.stopped = true; return nil }
func (h *lifecycleHandler) OnHandled(_ context.Context, _ []outbox.Message) error {
	h.handledBatches++
	return nil
}

func TestLifecycleForwarding(t *testing.T) {
	h := &lifecycleHandler{}
	s := NewSerial(h)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.OnHandled(ctx, nil); err != nil {
		t.Fatalf("onHandled: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !h.started || !h.stopped || h.handledBatches != 1 {
		t.Errorf("hooks not forwarded: %+v", h)
	}
}

func TestLifecycleNoHooksIsNoop(t *testing.T) {
	s := NewSerial(HandlerFunc(func(context.Context, outbox.Message) (Response, error) {
		return Response{}, nil
	}))
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Errorf("start: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Errorf("stop: %v", err)
	}
}
