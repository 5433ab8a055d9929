package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

type waiter struct {
	key  *string
	done chan waitOutcome
}

type waitOutcome struct {
	response json.RawMessage
	err      error
}

// Responder lets a caller await a specific row's terminal outcome. It polls
// the store on its own interval and connection, never touching a transfer
// cycle's transaction. Waiters carry no built-in timeout; callers cancel
// through their context.
type Responder struct {
	gw       Gateway
	interval time.Duration
	onError  func(err error)

	mu      sync.Mutex
	waiters map[int64]waiter

	stop chan struct{}
	done chan struct{}
}

// NewResponder creates a Responder polling gw every interval.
func NewResponder(gw Gateway, interval time.Duration, onError func(err error)) *Responder {
	return &Responder{
		gw:       gw,
		interval: interval,
		onError:  onError,
		waiters:  map[int64]waiter{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop.
func (r *Responder) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.respond(ctx)
			}
		}
	}()
}

// Stop halts polling. Pending waiters are rejected so callers unblock.
func (r *Responder) Stop() {
	close(r.stop)
	<-r.done

	r.mu.Lock()
	pending := r.waiters
	r.waiters = map[int64]waiter{}
	r.mu.Unlock()
	for _, w := range pending {
		w.done <- waitOutcome{err: errors.New("outbox: responder stopped")}
	}
}

// WaitFor blocks until the row reaches a terminal state, resolving with its
// stored response or rejecting with its stored error. The optional key
// narrows the lookup query.
func (r *Responder) WaitFor(ctx context.Context, id int64, key *string) (json.RawMessage, error) {
	w := waiter{key: key, done: make(chan waitOutcome, 1)}
	r.mu.Lock()
	r.waiters[id] = w
	r.mu.Unlock()

	select {
	case out := <-w.done:
		return out.response, out.err
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.waiters, id)
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// respond resolves every pending waiter whose row is terminal. A query
// failure is reported once and the waiters stay registered for the next
// tick.
func (r *Responder) respond(ctx context.Context) {
	r.mu.Lock()
	if len(r.waiters) == 0 {
		r.mu.Unlock()
		return
	}
	// One query per distinct key so a waiter's filter never hides another
	// waiter's row.
	groups := map[string][]int64{}
	for id, w := range r.waiters {
		k := ""
		if w.key != nil {
			k = *w.key
		}
		groups[k] = append(groups[k], id)
	}
	r.mu.Unlock()

	for k, ids := range groups {
		var key *string
		if k != "" {
			key = &k
		}
		rows, err := r.gw.FetchProcessed(ctx, ids, key)
		if err != nil {
			r.onError(fmt.Errorf("responder query: %w", err))
			return
		}
		for _, row := range rows {
			r.resolve(row)
		}
	}
}

func (r *Responder) resolve(row Message) {
	r.mu.Lock()
	w, ok := r.waiters[row.ID]
	if ok {
		delete(r.waiters, row.ID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if row.Error != nil {
		w.done <- waitOutcome{err: errors.New(*row.Error)}
	} else {
		w.done <- waitOutcome{response: row.Response}
	}
}
