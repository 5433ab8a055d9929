package outbox

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Cursor tracks the id of the last consumed event row. It is process-local
// and in-memory: a fresh process replays the whole event log from the start,
// which is the intended replay semantic. Persisting the position across
// restarts is the application's concern.
type Cursor struct {
	last atomic.Int64
}

// NewCursor starts at position 0, before the first event row.
func NewCursor() *Cursor {
	return &Cursor{}
}

// Last returns the current position.
func (c *Cursor) Last() int64 {
	return c.last.Load()
}

// Advance moves the cursor forward. Positions never move backwards.
func (c *Cursor) Advance(id int64) {
	for {
		cur := c.last.Load()
		if id <= cur {
			return
		}
		if c.last.CompareAndSwap(cur, id) {
			return
		}
	}
}

// InitSync replays all event rows past the cursor in bounded batches,
// dispatching each batch through the adapter exactly as a regular cycle
// would, until a batch comes back empty. Command rows are never touched.
func (c *Cursor) InitSync(ctx context.Context, gw Gateway, adapter Adapter, batchSize int) error {
	for {
		msgs, err := gw.FetchEvents(ctx, c.Last(), batchSize)
		if err != nil {
			return fmt.Errorf("fetch events: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}
		if _, err := adapter.Send(ctx, msgs); err != nil {
			return fmt.Errorf("init sync send: %w", err)
		}
		c.Advance(msgs[len(msgs)-1].ID)
	}
}
