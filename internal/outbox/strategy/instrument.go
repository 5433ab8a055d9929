package strategy

import (
	"context"
	"runtime"
	"time"

	"github.com/relayware/pgoutbox/internal/outbox"
)

var processStart = time.Now()

// Instrumented decorates a Handler with per-message diagnostics: wall-clock
// duration, heap snapshots before and after, goroutine count and process
// uptime, merged into the row's meta under the "pgoutbox" key. Layer it onto
// any strategy:
//
//	strategy.NewGrouped(strategy.Instrument(handler))
type Instrumented struct {
	handler Handler
}

// Instrument wraps h with the diagnostics decorator.
func Instrument(h Handler) *Instrumented {
	return &Instrumented{handler: h}
}

func (in *Instrumented) HandleMessage(ctx context.Context, msg outbox.Message) (Response, error) {
	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	started := time.Now()

	resp, err := in.handler.HandleMessage(ctx, msg)

	elapsed := time.Since(started)
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	diag := map[string]any{
		"time_ms": float64(elapsed.Microseconds()) / 1000,
		"before_memory": map[string]any{
			"heap_alloc": before.HeapAlloc,
			"heap_sys":   before.HeapSys,
		},
		"after_memory": map[string]any{
			"heap_alloc": after.HeapAlloc,
			"heap_sys":   after.HeapSys,
		},
		"goroutines": runtime.NumGoroutine(),
		"uptime_sec": time.Since(processStart).Seconds(),
	}
	if resp.Meta == nil {
		resp.Meta = map[string]any{}
	}
	resp.Meta["pgoutbox"] = diag
	return resp, err
}

// Start forwards to the wrapped handler.
func (in *Instrumented) Start(ctx context.Context) error {
	if s, ok := in.handler.(Starter); ok {
		return s.Start(ctx)
	}
	return nil
}

// Stop forwards to the wrapped handler.
func (in *Instrumented) Stop(ctx context.Context) error {
	if s, ok := in.handler.(Stopper); ok {
		return s.Stop(ctx)
	}
	return nil
}

// OnHandled forwards to the wrapped handler.
func (in *Instrumented) OnHandled(ctx context.Context, msgs []outbox.Message) error {
	if o, ok := in.handler.(HandledObserver); ok {
		return o.OnHandled(ctx, msgs)
	}
	return nil
}
