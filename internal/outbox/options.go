package outbox

import (
	"log/slog"
	"time"
)

// Mode selects how transfer cycles are triggered.
type Mode string

const (
	// ModeShortPolling runs cycles on a fixed poll timer only.
	ModeShortPolling Mode = "short-polling"
	// ModeNotify adds a LISTEN/NOTIFY subscription on top of the poll timer.
	ModeNotify Mode = "notify"
	// ModeLogical triggers cycles from a logical-replication stream.
	ModeLogical Mode = "logical"
)

const (
	defaultPollInterval      = 5 * time.Second
	defaultLimit             = 50
	defaultRetryDelay        = 5 * time.Second
	defaultRetryMaxAttempts  = 5
	defaultRespondInterval   = 100 * time.Millisecond
	defaultInitSyncBatchSize = 100
	defaultNotifyChannel     = "outbox"
)

// Options configures the outbox engine. The zero value is usable; defaults
// are applied by withDefaults.
type Options struct {
	// PollInterval is the period of the fallback poll timer.
	PollInterval time.Duration
	// Limit caps the number of rows fetched per cycle.
	Limit int
	// Mode selects the trigger sources (short-polling, notify, logical).
	Mode Mode
	// Partition, when set, points the engine at the physical partition
	// outbox_<n> instead of the logical table. One engine instance per
	// partition.
	Partition *int
	// TopicFilter restricts fetching to the named topics.
	TopicFilter []string
	// RetryPredicate decides whether a rejected message is retried. The
	// default never retries: a rejection terminalizes the row.
	RetryPredicate func(err error) bool
	// RetryDelay is the linear backoff written to since_at on retry.
	RetryDelay time.Duration
	// RetryMaxAttempts caps retries; once reached, a failure terminalizes
	// the row.
	RetryMaxAttempts int
	// Concurrent switches row locking from NOWAIT to SKIP LOCKED so
	// multiple engine instances can drain the same table without blocking
	// each other.
	Concurrent bool
	// ClearErrorOnSuccess blanks a previously stored error when a later
	// attempt succeeds. Off by default: the last error is preserved as an
	// audit trail even after a successful retry.
	ClearErrorOnSuccess bool
	// OnError receives cycle-level errors. The default logs via slog.
	OnError func(err error)
	// RespondInterval is the responder's poll period for pending waiters.
	RespondInterval time.Duration
	// InitSyncBatchSize bounds event batches during startup replay.
	InitSyncBatchSize int
	// NotifyChannel is the LISTEN/NOTIFY channel used in notify mode.
	NotifyChannel string
	// ReplicationSlot names the logical-replication slot; defaults to
	// <table>_slot.
	ReplicationSlot string
	// ReplicationPublication names the publication; defaults to
	// <table>_pub.
	ReplicationPublication string
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Limit <= 0 {
		o.Limit = defaultLimit
	}
	if o.Mode == "" {
		o.Mode = ModeShortPolling
	}
	if o.RetryPredicate == nil {
		o.RetryPredicate = func(error) bool { return false }
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.RetryMaxAttempts <= 0 {
		o.RetryMaxAttempts = defaultRetryMaxAttempts
	}
	if o.OnError == nil {
		o.OnError = func(err error) {
			slog.Error("outbox error", "error", err)
		}
	}
	if o.RespondInterval <= 0 {
		o.RespondInterval = defaultRespondInterval
	}
	if o.InitSyncBatchSize <= 0 {
		o.InitSyncBatchSize = defaultInitSyncBatchSize
	}
	if o.NotifyChannel == "" {
		o.NotifyChannel = defaultNotifyChannel
	}
	return o
}
