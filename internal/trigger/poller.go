// Package trigger contains the sources that request transfer cycles from
// the coordinator: a poll timer, a LISTEN/NOTIFY subscription, and a
// logical-replication stream. Each source is thin glue; coalescing and
// mutual exclusion live in the coordinator.
package trigger

import (
	"context"
	"time"
)

// Poller fires the coordinator on a fixed interval. It is the fallback
// trigger source in every mode except logical.
type Poller struct {
	interval time.Duration
	trigger  func(reason string) bool

	stop chan struct{}
	done chan struct{}
}

// NewPoller creates a Poller calling trigger every interval.
func NewPoller(interval time.Duration, trigger func(reason string) bool) *Poller {
	return &Poller{
		interval: interval,
		trigger:  trigger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the timer loop.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.trigger("poll")
			}
		}
	}()
}

// Stop halts the timer and waits for the loop to exit.
func (p *Poller) Stop() {
	close(p.stop)
	<-p.done
}
