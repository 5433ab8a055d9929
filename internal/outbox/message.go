package outbox

import (
	"bytes"
	"encoding/json"
	"time"
)

// Message is a single outbox row. Command rows (IsEvent=false) are delivered
// at most once and terminalized with Processed=true; event rows are an
// append-only log consumed through a monotonic id cursor and never mutated.
type Message struct {
	ID            int64
	Topic         string
	Key           *string
	Value         json.RawMessage
	Headers       map[string]string
	Processed     bool
	IsEvent       bool
	Response      json.RawMessage
	Error         *string
	ErrorApproved bool
	Meta          json.RawMessage
	Attempts      int16
	SinceAt       *time.Time
	ContextID     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ResultStatus tags a settle result the way Promise.allSettled does: every
// message gets exactly one result, fulfilled or rejected, never dropped.
type ResultStatus string

const (
	StatusFulfilled ResultStatus = "fulfilled"
	StatusRejected  ResultStatus = "rejected"
)

// Result is the per-message outcome returned by an Adapter's Send. Results
// are correlated to messages positionally, so an adapter must return exactly
// one Result per input message, in input order.
type Result struct {
	Status ResultStatus
	// Value is the success payload. It is persisted to the row's response
	// column, wrapped into an object when it is not one already.
	Value any
	// Err is the rejection reason for StatusRejected results.
	Err error
	// Meta is optional adapter-supplied diagnostics stored on the row.
	Meta map[string]any
	// ErrorApproved marks a rejection as expected, suppressing alerting on
	// the stored error.
	ErrorApproved bool
}

// Fulfilled builds a success result.
func Fulfilled(value any) Result {
	return Result{Status: StatusFulfilled, Value: value}
}

// Rejected builds a failure result.
func Rejected(err error) Result {
	return Result{Status: StatusRejected, Err: err}
}

// wrapResponse makes sure stored responses are always JSON objects.
// Primitives and arrays are wrapped as {"r": value} so the jsonb column and
// its consumers can rely on an object shape.
func wrapResponse(value any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] == '{' {
		return trimmed, nil
	}
	wrapped, err := json.Marshal(map[string]json.RawMessage{"r": trimmed})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

// marshalMeta serializes adapter meta for storage, returning nil for empty
// maps so existing row meta is preserved by the bulk update.
func marshalMeta(meta map[string]any) (json.RawMessage, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	return json.Marshal(meta)
}
