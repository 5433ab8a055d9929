package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrLockNotAvailable is returned by a Gateway when the command-row lock is
// held by another transfer cycle. It signals benign contention: another
// instance owns that batch, this cycle ends cleanly.
var ErrLockNotAvailable = errors.New("outbox: rows locked by another consumer")

// FetchQuery describes one cycle's batch fetch.
type FetchQuery struct {
	// Limit caps the merged command+event batch size.
	Limit int
	// Topics restricts the fetch when non-empty.
	Topics []string
	// AfterEventID is the event cursor position; only event rows with a
	// greater id are fetched.
	AfterEventID int64
	// SkipLocked selects SKIP LOCKED instead of NOWAIT for command rows.
	SkipLocked bool
}

// Outcome is the write-back for one command row. Nil pointer fields preserve
// the row's current value in the bulk update.
type Outcome struct {
	ID        int64
	Processed bool
	// Response is written as-is; nil stores NULL.
	Response json.RawMessage
	// Error, when nil, leaves the stored error untouched so the last
	// failure survives a later success.
	Error *string
	// ClearError forces the stored error to be overwritten even when Error
	// is nil.
	ClearError bool
	// Meta, when nil, preserves the row's current meta.
	Meta json.RawMessage
	// AttemptsDelta is added to the attempts counter (0 or 1).
	AttemptsDelta int16
	// SinceAt defers the next pickup; nil preserves the current value.
	SinceAt *time.Time
	// ErrorApproved, when non-nil, overwrites the approved flag.
	ErrorApproved *bool
}

// BatchTx is one transfer cycle's transaction: fetch holds the row locks
// until Commit or Rollback.
type BatchTx interface {
	Fetch(ctx context.Context, q FetchQuery) ([]Message, error)
	UpdateOutcomes(ctx context.Context, outcomes []Outcome) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Gateway is the engine's view of the row store. The pgx-backed
// implementation lives in internal/platform/storage.
type Gateway interface {
	Begin(ctx context.Context) (BatchTx, error)
	// MarkFailed terminalizes rows outside any failed transaction. Used as
	// the best-effort write path for cycle-level errors.
	MarkFailed(ctx context.Context, ids []int64, errText string) error
	// FetchEvents reads event rows past the cursor without locking,
	// for the startup init sync.
	FetchEvents(ctx context.Context, afterID int64, limit int) ([]Message, error)
	// FetchProcessed returns terminal rows among ids for the responder,
	// optionally narrowed by key.
	FetchProcessed(ctx context.Context, ids []int64, key *string) ([]Message, error)
}
