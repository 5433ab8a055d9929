package outbox

import "context"

// Adapter turns a batch of fetched messages into per-message settle results.
// Implementations connect the outbox to an external system (Kafka, NATS,
// Redis Streams, or arbitrary side effects via the strategy package).
type Adapter interface {
	// Start connects external resources before the first Send.
	Start(ctx context.Context) error
	// Stop releases external resources. Called after the engine has drained.
	Stop(ctx context.Context) error
	// Send dispatches messages and returns exactly one Result per message,
	// in input order. It must never reorder or drop entries; the engine
	// correlates results to rows positionally. A returned error aborts the
	// whole cycle and terminalizes every fetched command row.
	Send(ctx context.Context, msgs []Message) ([]Result, error)
	// OnHandled runs once per cycle after commit with exactly the messages
	// that were fetched, events included. Failures here are logged and do
	// not affect outcomes already committed.
	OnHandled(ctx context.Context, msgs []Message) error
}
