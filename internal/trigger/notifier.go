package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

const reconnectDelay = 2 * time.Second

// Notifier subscribes to a LISTEN/NOTIFY channel on a dedicated connection
// and turns every notification into a coordinator trigger. The insert
// trigger installed by the migrations notifies once per producing statement.
type Notifier struct {
	connString string
	channel    string
	trigger    func(reason string) bool
	onError    func(err error)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewNotifier creates a Notifier for the given channel.
func NewNotifier(connString, channel string, trigger func(reason string) bool, onError func(err error)) *Notifier {
	return &Notifier{
		connString: connString,
		channel:    channel,
		trigger:    trigger,
		onError:    onError,
		done:       make(chan struct{}),
	}
}

// Start connects and begins listening. Connection failures are reported via
// onError and retried until Stop.
func (n *Notifier) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	go func() {
		defer close(n.done)
		for ctx.Err() == nil {
			if err := n.listen(ctx); err != nil && ctx.Err() == nil {
				n.onError(fmt.Errorf("notify listener: %w", err))
				select {
				case <-time.After(reconnectDelay):
				case <-ctx.Done():
				}
			}
		}
	}()
}

func (n *Notifier) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, n.connString)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	listenSQL := "LISTEN " + pgx.Identifier{n.channel}.Sanitize()
	if _, err := conn.Exec(ctx, listenSQL); err != nil {
		return fmt.Errorf("listen %s: %w", n.channel, err)
	}
	slog.Debug("outbox notify listener attached", "channel", n.channel)

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		n.trigger("notify")
	}
}

// Stop closes the subscription and waits for the listener to exit.
func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	<-n.done
}
