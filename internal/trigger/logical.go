package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	standbyInterval   = 10 * time.Second
	debounceWindow    = 50 * time.Millisecond
	pgDuplicateObject = "42710"
)

// LogicalConfig configures the replication bridge.
type LogicalConfig struct {
	// ConnString is a plain connection string; the bridge adds the
	// replication parameter itself.
	ConnString string
	// Slot is the replication slot name. The slot is created temporary, so
	// it disappears with the connection; the outbox rows themselves are the
	// durable state, not the slot position.
	Slot string
	// Publication is created for the outbox table if it does not exist.
	Publication string
	// Table is the relation whose inserts trigger transfers.
	Table string
}

// Logical consumes a pgoutput logical-replication stream and debounces
// insert events on the outbox table into coordinator triggers. Only the
// fact of an insert is decoded; row contents stay in the database and are
// fetched by the normal cycle.
type Logical struct {
	cfg     LogicalConfig
	trigger func(reason string) bool
	onError func(err error)

	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	debounce *time.Timer
}

// NewLogical creates the replication bridge.
func NewLogical(cfg LogicalConfig, trigger func(reason string) bool, onError func(err error)) *Logical {
	return &Logical{
		cfg:     cfg,
		trigger: trigger,
		onError: onError,
		done:    make(chan struct{}),
	}
}

// Start ensures the publication exists, then begins streaming. Stream
// failures are reported via onError and the stream is re-established until
// Stop.
func (l *Logical) Start(ctx context.Context) error {
	if err := l.ensurePublication(ctx); err != nil {
		return err
	}

	ctx, l.cancel = context.WithCancel(ctx)
	go func() {
		defer close(l.done)
		for ctx.Err() == nil {
			if err := l.stream(ctx); err != nil && ctx.Err() == nil {
				l.onError(fmt.Errorf("replication stream: %w", err))
				select {
				case <-time.After(reconnectDelay):
				case <-ctx.Done():
				}
			}
		}
	}()
	return nil
}

func (l *Logical) ensurePublication(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.cfg.ConnString)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(ctx)

	sql := fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
		pgx.Identifier{l.cfg.Publication}.Sanitize(),
		pgx.Identifier{l.cfg.Table}.Sanitize())
	if _, err := conn.Exec(ctx, sql); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateObject {
			return nil
		}
		return fmt.Errorf("create publication: %w", err)
	}
	return nil
}

func (l *Logical) stream(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, l.cfg.ConnString+" replication=database")
	if err != nil {
		return fmt.Errorf("replication connect: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	ident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}

	_, err = pglogrepl.CreateReplicationSlot(ctx, conn, l.cfg.Slot, "pgoutput",
		pglogrepl.CreateReplicationSlotOptions{Temporary: true})
	if err != nil {
		return fmt.Errorf("create slot: %w", err)
	}

	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", l.cfg.Publication),
	}
	err = pglogrepl.StartReplication(ctx, conn, l.cfg.Slot, ident.XLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	slog.Info("outbox replication stream started", "slot", l.cfg.Slot, "lsn", ident.XLogPos)

	clientXLogPos := ident.XLogPos
	relations := map[uint32]string{}
	nextStandby := time.Now().Add(standbyInterval)

	for {
		if time.Now().After(nextStandby) {
			err := pglogrepl.SendStandbyStatusUpdate(ctx, conn,
				pglogrepl.StandbyStatusUpdate{WALWritePosition: clientXLogPos})
			if err != nil {
				return fmt.Errorf("standby status: %w", err)
			}
			nextStandby = time.Now().Add(standbyInterval)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse keepalive: %w", err)
			}
			if pkm.ReplyRequested {
				nextStandby = time.Time{}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return fmt.Errorf("parse xlog data: %w", err)
			}
			clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
			l.handleWAL(xld.WALData, relations)
		}
	}
}

// handleWAL decodes just enough pgoutput to spot inserts on the outbox
// relation. Decode failures are logged, not fatal: a missed trigger is
// recovered by the next poll or notification.
func (l *Logical) handleWAL(walData []byte, relations map[uint32]string) {
	msg, err := pglogrepl.Parse(walData)
	if err != nil {
		slog.Warn("outbox: undecodable replication message", "error", err)
		return
	}
	switch m := msg.(type) {
	case *pglogrepl.RelationMessage:
		relations[m.RelationID] = m.RelationName
	case *pglogrepl.InsertMessage:
		if name, ok := relations[m.RelationID]; ok && name != l.cfg.Table {
			return
		}
		l.scheduleTrigger()
	}
}

// scheduleTrigger coalesces a burst of inserts into one trigger per
// debounce window.
func (l *Logical) scheduleTrigger() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.debounce != nil {
		return
	}
	l.debounce = time.AfterFunc(debounceWindow, func() {
		l.mu.Lock()
		l.debounce = nil
		l.mu.Unlock()
		l.trigger("logical")
	})
}

// Stop tears down the stream; the temporary slot is dropped with the
// connection.
func (l *Logical) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	<-l.done
}
