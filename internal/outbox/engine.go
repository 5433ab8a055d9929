package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Engine executes the fetch-lock-dispatch-update cycle. One cycle is one
// transaction: eligible command rows are locked, the whole batch is handed
// to the adapter, outcomes are written back in a single bulk update, and the
// event cursor advances after commit.
type Engine struct {
	gw      Gateway
	adapter Adapter
	cursor  *Cursor
	opts    Options
	now     func() time.Time
}

// NewEngine creates an Engine. Options are assumed to have defaults applied.
func NewEngine(gw Gateway, adapter Adapter, cursor *Cursor, opts Options) *Engine {
	return &Engine{
		gw:      gw,
		adapter: adapter,
		cursor:  cursor,
		opts:    opts,
		now:     time.Now,
	}
}

// RunCycle drains one batch. Lock contention is swallowed; any other error
// terminalizes the fetched command rows best-effort and is returned to the
// caller (the coordinator reports it via OnError).
func (e *Engine) RunCycle(ctx context.Context) error {
	tx, err := e.gw.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cycle tx: %w", err)
	}

	msgs, err := tx.Fetch(ctx, FetchQuery{
		Limit:        e.opts.Limit,
		Topics:       e.opts.TopicFilter,
		AfterEventID: e.cursor.Last(),
		SkipLocked:   e.opts.Concurrent,
	})
	if err != nil {
		_ = tx.Rollback(ctx)
		if errors.Is(err, ErrLockNotAvailable) {
			return nil
		}
		return fmt.Errorf("fetch batch: %w", err)
	}
	if len(msgs) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit empty cycle: %w", err)
		}
		return nil
	}

	results, err := e.adapter.Send(ctx, msgs)
	if err == nil && len(results) != len(msgs) {
		err = fmt.Errorf("adapter returned %d results for %d messages", len(results), len(msgs))
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		e.failFetched(ctx, msgs, err)
		return fmt.Errorf("adapter send: %w", err)
	}

	outcomes, err := e.settle(msgs, results)
	if err == nil {
		err = tx.UpdateOutcomes(ctx, outcomes)
	}
	if err == nil {
		err = tx.Commit(ctx)
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		e.failFetched(ctx, msgs, err)
		return fmt.Errorf("persist outcomes: %w", err)
	}

	e.advanceCursor(msgs)

	if err := e.adapter.OnHandled(ctx, msgs); err != nil {
		slog.Warn("outbox onHandled hook failed", "error", err, "messages", len(msgs))
	}
	return nil
}

// settle maps positional adapter results onto command-row outcomes. Event
// rows get no outcome at all; they are never written by the engine.
func (e *Engine) settle(msgs []Message, results []Result) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(msgs))
	for i, msg := range msgs {
		if msg.IsEvent {
			continue
		}
		res := results[i]
		meta, err := marshalMeta(res.Meta)
		if err != nil {
			return nil, fmt.Errorf("marshal meta for row %d: %w", msg.ID, err)
		}

		if res.Status == StatusFulfilled {
			resp, err := wrapResponse(res.Value)
			if err != nil {
				return nil, fmt.Errorf("marshal response for row %d: %w", msg.ID, err)
			}
			outcomes = append(outcomes, Outcome{
				ID:         msg.ID,
				Processed:  true,
				Response:   resp,
				Meta:       meta,
				ClearError: e.opts.ClearErrorOnSuccess,
			})
			continue
		}

		errText := normalizeError(res.Err)
		approved := res.ErrorApproved
		out := Outcome{
			ID:            msg.ID,
			Processed:     true,
			Error:         &errText,
			Meta:          meta,
			ErrorApproved: &approved,
		}
		if e.opts.RetryPredicate(res.Err) && int(msg.Attempts) < e.opts.RetryMaxAttempts {
			since := e.now().Add(e.opts.RetryDelay)
			out.Processed = false
			out.AttemptsDelta = 1
			out.SinceAt = &since
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, nil
}

// failFetched terminalizes every command row of an aborted cycle with the
// cycle error. Best effort: its own failure is only logged, the original
// error still surfaces.
func (e *Engine) failFetched(ctx context.Context, msgs []Message, cause error) {
	ids := make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		if !msg.IsEvent {
			ids = append(ids, msg.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := e.gw.MarkFailed(ctx, ids, normalizeError(cause)); err != nil {
		slog.Error("outbox: failed to terminalize aborted batch", "error", err, "rows", len(ids))
	}
}

func (e *Engine) advanceCursor(msgs []Message) {
	for _, msg := range msgs {
		if msg.IsEvent {
			e.cursor.Advance(msg.ID)
		}
	}
}

func normalizeError(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
