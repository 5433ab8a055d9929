// Package outbox implements the transactional outbox transfer engine:
// application code inserts rows in its own business transaction and the
// engine drains them to an external system with at-least-once delivery,
// per-key ordering, retry with linear backoff, and poll / notify / logical
// replication triggering.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relayware/pgoutbox/internal/trigger"
)

// Deps are the collaborators an Outbox is assembled from.
type Deps struct {
	// Gateway is the row store, bound to one physical table.
	Gateway Gateway
	// Adapter dispatches fetched batches.
	Adapter Adapter
	// ConnString is used by the notify and logical trigger bridges for
	// their dedicated connections.
	ConnString string
	// Table is the physical table name, needed by the logical bridge to
	// recognize inserts.
	Table string
}

// Outbox ties the engine, trigger coordination, event cursor and responder
// together behind the programmatic surface: Start, Stop, WaitFor,
// TriggerFetch, LastEventID.
type Outbox struct {
	deps      Deps
	opts      Options
	cursor    *Cursor
	engine    *Engine
	coord     *Coordinator
	responder *Responder

	poller   *trigger.Poller
	notifier *trigger.Notifier
	logical  *trigger.Logical

	cancel context.CancelFunc
}

// New assembles an Outbox. Nothing runs until Start.
func New(deps Deps, opts Options) *Outbox {
	opts = opts.withDefaults()

	cursor := NewCursor()
	engine := NewEngine(deps.Gateway, deps.Adapter, cursor, opts)
	coord := NewCoordinator(engine.RunCycle, opts.OnError)

	o := &Outbox{
		deps:      deps,
		opts:      opts,
		cursor:    cursor,
		engine:    engine,
		coord:     coord,
		responder: NewResponder(deps.Gateway, opts.RespondInterval, opts.OnError),
	}

	switch opts.Mode {
	case ModeNotify:
		o.poller = trigger.NewPoller(opts.PollInterval, coord.Trigger)
		o.notifier = trigger.NewNotifier(deps.ConnString, opts.NotifyChannel, coord.Trigger, opts.OnError)
	case ModeLogical:
		slot := opts.ReplicationSlot
		if slot == "" {
			slot = deps.Table + "_slot"
		}
		pub := opts.ReplicationPublication
		if pub == "" {
			pub = deps.Table + "_pub"
		}
		o.logical = trigger.NewLogical(trigger.LogicalConfig{
			ConnString:  deps.ConnString,
			Slot:        slot,
			Publication: pub,
			Table:       deps.Table,
		}, coord.Trigger, opts.OnError)
	default:
		o.poller = trigger.NewPoller(opts.PollInterval, coord.Trigger)
	}

	return o
}

// Start connects the adapter, replays event rows past the cursor, then arms
// the responder and the trigger sources.
func (o *Outbox) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := o.deps.Adapter.Start(ctx); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	if err := o.cursor.InitSync(ctx, o.deps.Gateway, o.deps.Adapter, o.opts.InitSyncBatchSize); err != nil {
		return fmt.Errorf("event init sync: %w", err)
	}

	o.coord.Start(ctx)
	o.responder.Start(ctx)
	if o.poller != nil {
		o.poller.Start(ctx)
	}
	if o.notifier != nil {
		o.notifier.Start(ctx)
	}
	if o.logical != nil {
		if err := o.logical.Start(ctx); err != nil {
			return fmt.Errorf("start replication bridge: %w", err)
		}
	}
	return nil
}

// Stop shuts down in reverse order: trigger sources first so no new cycles
// start, then the coordinator drains the in-flight cycle, then the
// responder and adapter release their resources.
func (o *Outbox) Stop(ctx context.Context) error {
	if o.logical != nil {
		o.logical.Stop()
	}
	if o.notifier != nil {
		o.notifier.Stop()
	}
	if o.poller != nil {
		o.poller.Stop()
	}
	o.coord.Stop()
	o.responder.Stop()

	err := o.deps.Adapter.Stop(ctx)
	if o.cancel != nil {
		o.cancel()
	}
	if err != nil {
		return fmt.Errorf("stop adapter: %w", err)
	}
	return nil
}

// WaitFor blocks until the row with id reaches a terminal state, returning
// its stored response or error. The optional key narrows the lookup.
func (o *Outbox) WaitFor(ctx context.Context, id int64, key *string) (json.RawMessage, error) {
	return o.responder.WaitFor(ctx, id, key)
}

// TriggerFetch requests an immediate transfer cycle, bypassing the poll
// timer. Coalesced like any other trigger.
func (o *Outbox) TriggerFetch() {
	o.coord.Trigger("manual")
}

// LastEventID reports the event cursor position.
func (o *Outbox) LastEventID() int64 {
	return o.cursor.Last()
}
