package strategy

import (
	"context"
	"sync"

	"github.com/relayware/pgoutbox/internal/outbox"
)

// Parallel dispatches every message concurrently. No ordering guarantee
// between rows, but each result still lands at its message's position.
type Parallel struct {
	lifecycle
}

// NewParallel wraps h in the parallel strategy.
func NewParallel(h Handler) *Parallel {
	return &Parallel{lifecycle{handler: h}}
}

func (p *Parallel) Send(ctx context.Context, msgs []outbox.Message) ([]outbox.Result, error) {
	results := make([]outbox.Result, len(msgs))
	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		go func(i int, msg outbox.Message) {
			defer wg.Done()
			results[i] = settle(ctx, p.handler, msg)
		}(i, msg)
	}
	wg.Wait()
	return results, nil
}
