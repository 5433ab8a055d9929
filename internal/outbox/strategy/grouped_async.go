package strategy

import (
	"context"
	"sync"

	"github.com/relayware/pgoutbox/internal/outbox"
)

// GroupedAsync runs one worker per active key with a work queue of
// concurrency 1. Queues are created lazily on the first message for a key
// and torn down as soon as the key goes idle, bounding long-lived per-key
// resources when keys are high-cardinality and short-lived.
type GroupedAsync struct {
	lifecycle

	mu     sync.Mutex
	queues map[string]*keyQueue
}

type keyQueue struct {
	jobs []func()
}

// NewGroupedAsync wraps h in the grouped-async strategy.
func NewGroupedAsync(h Handler) *GroupedAsync {
	return &GroupedAsync{
		lifecycle: lifecycle{handler: h},
		queues:    map[string]*keyQueue{},
	}
}

func (g *GroupedAsync) Send(ctx context.Context, msgs []outbox.Message) ([]outbox.Result, error) {
	results := make([]outbox.Result, len(msgs))
	var wg sync.WaitGroup
	wg.Add(len(msgs))
	for i, msg := range msgs {
		i, msg := i, msg
		g.enqueue(groupKey(msg), func() {
			defer wg.Done()
			results[i] = settle(ctx, g.handler, msg)
		})
	}
	wg.Wait()
	return results, nil
}

// enqueue adds a job to the key's queue, spawning the queue's single worker
// if the key was idle. Worker teardown and job appends share g.mu, so a job
// is either seen by the running worker or lands in a fresh queue.
func (g *GroupedAsync) enqueue(key string, job func()) {
	g.mu.Lock()
	q, ok := g.queues[key]
	if !ok {
		q = &keyQueue{}
		g.queues[key] = q
	}
	q.jobs = append(q.jobs, job)
	g.mu.Unlock()
	if !ok {
		go g.work(key, q)
	}
}

func (g *GroupedAsync) work(key string, q *keyQueue) {
	for {
		g.mu.Lock()
		if len(q.jobs) == 0 {
			delete(g.queues, key)
			g.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		g.mu.Unlock()
		job()
	}
}
