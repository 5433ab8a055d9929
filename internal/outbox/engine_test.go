package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// The fakes are shared with the assembly tests, where engine cycles and the
// responder touch them from their own goroutines, so access is locked.

type fakeTx struct {
	mu       sync.Mutex
	msgs     []Message
	fetchErr error

	outcomes   []Outcome
	updateErr  error
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Fetch(_ context.Context, _ FetchQuery) ([]Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs, t.fetchErr
}

func (t *fakeTx) UpdateOutcomes(_ context.Context, outcomes []Outcome) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes = outcomes
	return t.updateErr
}

func (t *fakeTx) Commit(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.committed = true
	return t.commitErr
}

func (t *fakeTx) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rolledBack = true
	return nil
}

func (t *fakeTx) outcomeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outcomes)
}

type fakeGateway struct {
	tx       *fakeTx
	beginErr error

	mu         sync.Mutex
	failedIDs  []int64
	failedText string
	markErr    error

	eventBatches [][]Message
	processed    []Message
	fetchProcErr error
}

func (g *fakeGateway) Begin(_ context.Context) (BatchTx, error) {
	if g.beginErr != nil {
		return nil, g.beginErr
	}
	return g.tx, nil
}

func (g *fakeGateway) MarkFailed(_ context.Context, ids []int64, errText string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failedIDs = append(g.failedIDs, ids...)
	g.failedText = errText
	return g.markErr
}

func (g *fakeGateway) FetchEvents(_ context.Context, afterID int64, _ int) ([]Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, batch := range g.eventBatches {
		if len(batch) > 0 && batch[len(batch)-1].ID > afterID {
			return batch, nil
		}
	}
	return nil, nil
}

func (g *fakeGateway) FetchProcessed(_ context.Context, ids []int64, key *string) ([]Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchProcErr != nil {
		return nil, g.fetchProcErr
	}
	var out []Message
	for _, row := range g.processed {
		for _, id := range ids {
			if row.ID != id {
				continue
			}
			if key != nil && (row.Key == nil || *row.Key != *key) {
				continue
			}
			out = append(out, row)
		}
	}
	return out, nil
}

func (g *fakeGateway) setProcessed(rows []Message) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.processed = rows
}

type fakeAdapter struct {
	mu      sync.Mutex
	results []Result
	sendErr error
	sent    [][]Message
	handled [][]Message
}

func (a *fakeAdapter) Start(context.Context) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error  { return nil }

func (a *fakeAdapter) Send(_ context.Context, msgs []Message) ([]Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msgs)
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	if a.results != nil {
		return a.results, nil
	}
	results := make([]Result, len(msgs))
	for i := range msgs {
		results[i] = Fulfilled(nil)
	}
	return results, nil
}

func (a *fakeAdapter) OnHandled(_ context.Context, msgs []Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handled = append(a.handled, msgs)
	return nil
}

func strPtr(s string) *string { return &s }

func newTestEngine(gw Gateway, adapter Adapter, opts Options) (*Engine, *Cursor) {
	cursor := NewCursor()
	e := NewEngine(gw, adapter, cursor, opts.withDefaults())
	return e, cursor
}

func TestRunCycle_FulfilledCommand(t *testing.T) {
	tx := &fakeTx{msgs: []Message{{ID: 1, Topic: "orders"}}}
	gw := &fakeGateway{tx: tx}
	adapter := &fakeAdapter{results: []Result{Fulfilled(map[string]any{"ok": true})}}
	e, _ := newTestEngine(gw, adapter, Options{})

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.committed {
		t.Fatal("expected commit")
	}
	if len(tx.outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(tx.outcomes))
	}
	out := tx.outcomes[0]
	if !out.Processed {
		t.Error("expected processed=true")
	}
	if string(out.Response) != `{"ok":true}` {
		t.Errorf("unexpected response: %s", out.Response)
	}
	if out.Error != nil {
		t.Errorf("expected nil error, got %q", *out.Error)
	}
	if out.ClearError {
		t.Error("expected ClearError=false by default")
	}
	if len(adapter.handled) != 1 {
		t.Errorf("expected one OnHandled call, got %d", len(adapter.handled))
	}
}

func TestRunCycle_RejectedTerminalByDefault(t *testing.T) {
	tx := &fakeTx{msgs: []Message{{ID: 2, Topic: "orders"}}}
	gw := &fakeGateway{tx: tx}
	adapter := &fakeAdapter{results: []Result{Rejected(errors.New("broker down"))}}
	e, _ := newTestEngine(gw, adapter, Options{})

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := tx.outcomes[0]
	if !out.Processed {
		t.Error("default predicate never retries, row must terminalize")
	}
	if out.Error == nil || *out.Error != "broker down" {
		t.Errorf("unexpected error text: %v", out.Error)
	}
	if out.ErrorApproved == nil || *out.ErrorApproved {
		t.Error("expected error_approved=false")
	}
	if out.AttemptsDelta != 0 {
		t.Errorf("terminal failure must not bump attempts, got %d", out.AttemptsDelta)
	}
}

func TestRunCycle_RetryScheduling(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name          string
		attempts      int16
		wantProcessed bool
		wantDelta     int16
	}{
		{name: "first failure schedules retry", attempts: 0, wantProcessed: false, wantDelta: 1},
		{name: "below cap schedules retry", attempts: 2, wantProcessed: false, wantDelta: 1},
		{name: "at cap terminalizes", attempts: 3, wantProcessed: true, wantDelta: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &fakeTx{msgs: []Message{{ID: 7, Attempts: tt.attempts}}}
			gw := &fakeGateway{tx: tx}
			adapter := &fakeAdapter{results: []Result{Rejected(errors.New("timeout"))}}
			e, _ := newTestEngine(gw, adapter, Options{
				RetryPredicate:   func(error) bool { return true },
				RetryDelay:       10 * time.Second,
				RetryMaxAttempts: 3,
			})
			e.now = func() time.Time { return now }

			if err := e.RunCycle(context.Background()); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			out := tx.outcomes[0]
			if out.Processed != tt.wantProcessed {
				t.Errorf("processed = %v, want %v", out.Processed, tt.wantProcessed)
			}
			if out.AttemptsDelta != tt.wantDelta {
				t.Errorf("attempts delta = %d, want %d", out.AttemptsDelta, tt.wantDelta)
			}
			if !tt.wantProcessed {
				if out.SinceAt == nil || !out.SinceAt.Equal(now.Add(10*time.Second)) {
					t.Errorf("since_at = %v, want %v", out.SinceAt, now.Add(10*time.Second))
				}
			}
		})
	}
}

func TestRunCycle_EventsNeverWritten(t *testing.T) {
	tx := &fakeTx{msgs: []Message{
		{ID: 10, IsEvent: true},
		{ID: 11, Topic: "orders"},
		{ID: 12, IsEvent: true},
	}}
	gw := &fakeGateway{tx: tx}
	adapter := &fakeAdapter{results: []Result{
		Fulfilled(nil), Fulfilled(nil), Fulfilled(nil),
	}}
	e, cursor := newTestEngine(gw, adapter, Options{})

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tx.outcomes) != 1 || tx.outcomes[0].ID != 11 {
		t.Fatalf("only command row 11 should get an outcome, got %+v", tx.outcomes)
	}
	if cursor.Last() != 12 {
		t.Errorf("cursor = %d, want 12", cursor.Last())
	}
}

func TestRunCycle_LockContentionIsBenign(t *testing.T) {
	tx := &fakeTx{fetchErr: ErrLockNotAvailable}
	gw := &fakeGateway{tx: tx}
	adapter := &fakeAdapter{}
	e, _ := newTestEngine(gw, adapter, Options{})

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("lock contention must not surface, got %v", err)
	}
	if !tx.rolledBack {
		t.Error("expected rollback")
	}
	if len(gw.failedIDs) != 0 {
		t.Error("lock contention must not terminalize rows")
	}
	if len(adapter.sent) != 0 {
		t.Error("nothing should be dispatched")
	}
}

func TestRunCycle_EmptyBatchCommits(t *testing.T) {
	tx := &fakeTx{}
	gw := &fakeGateway{tx: tx}
	adapter := &fakeAdapter{}
	e, _ := newTestEngine(gw, adapter, Options{})

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.committed {
		t.Error("empty cycle must still commit")
	}
	if len(adapter.sent) != 0 {
		t.Error("empty batch must not reach the adapter")
	}
}

func TestRunCycle_AdapterFailureTerminalizesCommands(t *testing.T) {
	tx := &fakeTx{msgs: []Message{
		{ID: 20, IsEvent: true},
		{ID: 21},
		{ID: 22},
	}}
	gw := &fakeGateway{tx: tx}
	adapter := &fakeAdapter{sendErr: errors.New("sink unreachable")}
	e, _ := newTestEngine(gw, adapter, Options{})

	err := e.RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !tx.rolledBack {
		t.Error("expected rollback")
	}
	if len(gw.failedIDs) != 2 || gw.failedIDs[0] != 21 || gw.failedIDs[1] != 22 {
		t.Errorf("command rows 21,22 should be terminalized, got %v", gw.failedIDs)
	}
	if gw.failedText != "sink unreachable" {
		t.Errorf("unexpected failure text %q", gw.failedText)
	}
}

func TestRunCycle_ResultCountMismatch(t *testing.T) {
	tx := &fakeTx{msgs: []Message{{ID: 30}, {ID: 31}}}
	gw := &fakeGateway{tx: tx}
	adapter := &fakeAdapter{results: []Result{Fulfilled(nil)}}
	e, _ := newTestEngine(gw, adapter, Options{})

	if err := e.RunCycle(context.Background()); err == nil {
		t.Fatal("short result slice must fail the cycle")
	}
	if len(gw.failedIDs) != 2 {
		t.Errorf("both rows should be terminalized, got %v", gw.failedIDs)
	}
}

func TestRunCycle_ClearErrorOnSuccess(t *testing.T) {
	tx := &fakeTx{msgs: []Message{{ID: 40, Error: strPtr("old failure")}}}
	gw := &fakeGateway{tx: tx}
	adapter := &fakeAdapter{results: []Result{Fulfilled("done")}}
	e, _ := newTestEngine(gw, adapter, Options{ClearErrorOnSuccess: true})

	if err := e.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tx.outcomes[0].ClearError {
		t.Error("expected ClearError to propagate")
	}
}

func TestNormalizeError(t *testing.T) {
	if got := normalizeError(nil); got != "unknown error" {
		t.Errorf("nil error = %q, want %q", got, "unknown error")
	}
	if got := normalizeError(errors.New("boom")); got != "boom" {
		t.Errorf("got %q, want %q", got, "boom")
	}
}
