package outbox

import (
	"context"
	"log/slog"
	"sync"
)

type coordState int

const (
	stateIdle coordState = iota
	stateProcessing
	stateRepeatQueued
)

// Coordinator serializes transfer cycles across all trigger sources: the
// poll timer, LISTEN/NOTIFY, the replication stream, and manual triggers.
// At most one cycle runs at a time. A trigger landing mid-cycle is not
// dropped; it is coalesced into exactly one follow-up cycle.
type Coordinator struct {
	run     func(ctx context.Context) error
	onError func(err error)

	mu      sync.Mutex
	state   coordState
	stopped bool
	ctx     context.Context
	wg      sync.WaitGroup
}

// NewCoordinator wires the coordinator to a cycle function, normally
// Engine.RunCycle. Errors from the cycle go to onError; the coordinator
// itself always returns to idle.
func NewCoordinator(run func(ctx context.Context) error, onError func(err error)) *Coordinator {
	return &Coordinator{run: run, onError: onError, ctx: context.Background()}
}

// Start arms the coordinator. Cycles run with the given context.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	c.stopped = false
}

// Trigger requests a transfer cycle. Returns false once the coordinator is
// stopped. The reason is for logging only.
func (c *Coordinator) Trigger(reason string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	switch c.state {
	case stateIdle:
		c.state = stateProcessing
		c.wg.Add(1)
		go c.process()
	case stateProcessing:
		slog.Debug("outbox trigger coalesced", "reason", reason)
		c.state = stateRepeatQueued
	case stateRepeatQueued:
		// already queued, nothing to record
	}
	return true
}

func (c *Coordinator) process() {
	defer c.wg.Done()
	for {
		if err := c.run(c.ctx); err != nil {
			c.onError(err)
		}
		c.mu.Lock()
		if c.state == stateRepeatQueued && !c.stopped {
			c.state = stateProcessing
			c.mu.Unlock()
			continue
		}
		c.state = stateIdle
		c.mu.Unlock()
		return
	}
}

// Stop rejects further triggers and waits for the in-flight cycle to finish.
// The cycle is never aborted mid-transaction.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.wg.Wait()
}
