// Package strategy provides the built-in dispatch adapters. Each one wraps
// a per-message Handler and differs only in how much concurrency it allows:
// Serial preserves strict global order, Parallel runs everything at once,
// Grouped and GroupedAsync preserve order per key while keys run
// concurrently.
package strategy

import (
	"context"
	"errors"

	"github.com/relayware/pgoutbox/internal/outbox"
)

// Response is a handler's success payload plus optional diagnostics merged
// into the row's meta.
type Response struct {
	Value any
	Meta  map[string]any
}

// Handler processes one message. The message's ContextID carries the per-row
// correlation value assigned at insert time.
type Handler interface {
	HandleMessage(ctx context.Context, msg outbox.Message) (Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg outbox.Message) (Response, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg outbox.Message) (Response, error) {
	return f(ctx, msg)
}

type approvedError struct {
	err error
}

func (e approvedError) Error() string { return e.err.Error() }
func (e approvedError) Unwrap() error { return e.err }

// Approve marks a handler error as expected. The engine stores it with
// error_approved set so it does not alert.
func Approve(err error) error {
	return approvedError{err: err}
}

// settle folds one handler invocation into a positional Result.
func settle(ctx context.Context, h Handler, msg outbox.Message) outbox.Result {
	resp, err := h.HandleMessage(ctx, msg)
	if err != nil {
		res := outbox.Rejected(err)
		// Meta returned alongside an error is kept; the instrumentation
		// decorator attaches timings to failures too.
		res.Meta = resp.Meta
		var approved approvedError
		if errors.As(err, &approved) {
			res.ErrorApproved = true
		}
		return res
	}
	return outbox.Result{Status: outbox.StatusFulfilled, Value: resp.Value, Meta: resp.Meta}
}

// lifecycle forwards the optional Start/Stop/OnHandled hooks a Handler may
// implement. Embedded by every strategy.
type lifecycle struct {
	handler Handler
}

// Starter is implemented by handlers that hold external resources.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is the teardown counterpart of Starter.
type Stopper interface {
	Stop(ctx context.Context) error
}

// HandledObserver receives the post-commit hook for instrumentation.
type HandledObserver interface {
	OnHandled(ctx context.Context, msgs []outbox.Message) error
}

func (l lifecycle) Start(ctx context.Context) error {
	if s, ok := l.handler.(Starter); ok {
		return s.Start(ctx)
	}
	return nil
}

func (l lifecycle) Stop(ctx context.Context) error {
	if s, ok := l.handler.(Stopper); ok {
		return s.Stop(ctx)
	}
	return nil
}

func (l lifecycle) OnHandled(ctx context.Context, msgs []outbox.Message) error {
	if o, ok := l.handler.(HandledObserver); ok {
		return o.OnHandled(ctx, msgs)
	}
	return nil
}

// groupKey buckets messages by their ordering key. Rows without a key share
// one bucket, matching the grouped adapters' null-key behavior.
func groupKey(msg outbox.Message) string {
	if msg.Key == nil {
		return ""
	}
	return *msg.Key
}
