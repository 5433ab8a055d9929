package strategy

import (
	"context"
	"sync"

	"github.com/relayware/pgoutbox/internal/outbox"
)

// Grouped partitions the batch by key and runs each group serially in id
// order while groups execute concurrently with each other.
type Grouped struct {
	lifecycle
}

// NewGrouped wraps h in the grouped strategy.
func NewGrouped(h Handler) *Grouped {
	return &Grouped{lifecycle{handler: h}}
}

func (g *Grouped) Send(ctx context.Context, msgs []outbox.Message) ([]outbox.Result, error) {
	results := make([]outbox.Result, len(msgs))

	groups := map[string][]int{}
	for i, msg := range msgs {
		k := groupKey(msg)
		groups[k] = append(groups[k], i)
	}

	var wg sync.WaitGroup
	for _, indexes := range groups {
		wg.Add(1)
		go func(indexes []int) {
			defer wg.Done()
			for _, i := range indexes {
				results[i] = settle(ctx, g.handler, msgs[i])
			}
		}(indexes)
	}
	wg.Wait()
	return results, nil
}
