package strategy

import (
	"context"

	"github.com/relayware/pgoutbox/internal/outbox"
)

// Serial processes messages one at a time in id order, each completing
// before the next begins. Strict ordering across all keys.
type Serial struct {
	lifecycle
}

// NewSerial wraps h in the serial strategy.
func NewSerial(h Handler) *Serial {
	return &Serial{lifecycle{handler: h}}
}

func (s *Serial) Send(ctx context.Context, msgs []outbox.Message) ([]outbox.Result, error) {
	results := make([]outbox.Result, len(msgs))
	for i, msg := range msgs {
		results[i] = settle(ctx, s.handler, msg)
	}
	return results, nil
}
