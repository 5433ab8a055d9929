package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/relayware/pgoutbox/internal/outbox"
)

// BaseTable is the logical outbox table name.
const BaseTable = "outbox"

// pgLockNotAvailable is raised by FOR UPDATE NOWAIT when another transaction
// holds the row locks.
const pgLockNotAvailable = "55P03"

const messageColumns = `id, topic, "key", value, headers, processed, is_event,
	response, error, error_approved, meta, attempts, since_at,
	context_id::text, created_at, updated_at`

// Store implements the engine's row gateway against one physical table:
// either the logical outbox table or a single hash partition of it.
type Store struct {
	db    *DB
	table string
}

// NewStore binds a Store to the outbox table, or to partition outbox_<n>
// when partition is non-nil.
func NewStore(db *DB, partition *int) *Store {
	return &Store{db: db, table: TableName(partition)}
}

// TableName returns the physical table targeted by an engine instance.
func TableName(partition *int) string {
	if partition == nil {
		return BaseTable
	}
	return BaseTable + "_" + strconv.Itoa(*partition)
}

// Table reports the physical table this store operates on.
func (s *Store) Table() string {
	return s.table
}

// Begin opens a transfer cycle transaction.
func (s *Store) Begin(ctx context.Context) (outbox.BatchTx, error) {
	tx, err := s.db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &batchTx{tx: tx, table: s.table}, nil
}

type batchTx struct {
	tx    pgx.Tx
	table string
}

// Fetch selects the cycle's batch: locked command rows plus unlocked event
// rows past the cursor, merged in ascending id order and capped at q.Limit.
func (b *batchTx) Fetch(ctx context.Context, q outbox.FetchQuery) ([]outbox.Message, error) {
	commands, err := b.fetchCommands(ctx, q)
	if err != nil {
		return nil, err
	}
	events, err := b.fetchEvents(ctx, q)
	if err != nil {
		return nil, err
	}
	return mergeByID(commands, events, q.Limit), nil
}

func (b *batchTx) fetchCommands(ctx context.Context, q outbox.FetchQuery) ([]outbox.Message, error) {
	lock := "FOR UPDATE NOWAIT"
	if q.SkipLocked {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	sql := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE is_event = FALSE
		  AND processed = FALSE
		  AND (since_at IS NULL OR since_at <= NOW())
		  AND ($2::text[] IS NULL OR topic = ANY($2))
		ORDER BY id
		LIMIT $1
		%s
	`, messageColumns, b.table, lock)

	rows, err := b.tx.Query(ctx, sql, q.Limit, topicsParam(q.Topics))
	if err != nil {
		return nil, classifyFetchErr(err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, classifyFetchErr(err)
	}
	return msgs, nil
}

func (b *batchTx) fetchEvents(ctx context.Context, q outbox.FetchQuery) ([]outbox.Message, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE is_event = TRUE
		  AND id > $2
		  AND ($3::text[] IS NULL OR topic = ANY($3))
		ORDER BY id
		LIMIT $1
	`, messageColumns, b.table)

	rows, err := b.tx.Query(ctx, sql, q.Limit, q.AfterEventID, topicsParam(q.Topics))
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanMessages(rows)
}

// UpdateOutcomes writes all command-row outcomes in one statement using
// positional arrays. NULL array elements preserve the row's current error,
// approved flag, meta and since_at.
func (b *batchTx) UpdateOutcomes(ctx context.Context, outcomes []outbox.Outcome) error {
	if len(outcomes) == 0 {
		return nil
	}

	n := len(outcomes)
	ids := make([]int64, n)
	processed := make([]bool, n)
	responses := make([]*string, n)
	errTexts := make([]*string, n)
	clearErr := make([]bool, n)
	approved := make([]*bool, n)
	metas := make([]*string, n)
	attemptsInc := make([]int16, n)
	sinceAts := make([]*time.Time, n)

	for i, o := range outcomes {
		ids[i] = o.ID
		processed[i] = o.Processed
		responses[i] = jsonParam(o.Response)
		errTexts[i] = o.Error
		clearErr[i] = o.ClearError
		approved[i] = o.ErrorApproved
		metas[i] = jsonParam(o.Meta)
		attemptsInc[i] = o.AttemptsDelta
		sinceAts[i] = o.SinceAt
	}

	sql := fmt.Sprintf(`
		UPDATE %s t SET
			processed = u.processed,
			response = u.response::jsonb,
			error = CASE WHEN u.clear_error THEN u.error ELSE COALESCE(u.error, t.error) END,
			error_approved = COALESCE(u.error_approved, t.error_approved),
			meta = COALESCE(u.meta::jsonb, t.meta),
			attempts = t.attempts + u.attempts_inc,
			since_at = COALESCE(u.since_at, t.since_at),
			updated_at = NOW()
		FROM unnest(
			$1::bigint[], $2::boolean[], $3::text[], $4::text[], $5::boolean[],
			$6::boolean[], $7::text[], $8::smallint[], $9::timestamptz[]
		) AS u(id, processed, response, error, clear_error, error_approved, meta, attempts_inc, since_at)
		WHERE t.id = u.id
	`, b.table)

	_, err := b.tx.Exec(ctx, sql,
		ids, processed, responses, errTexts, clearErr, approved, metas, attemptsInc, sinceAts)
	if err != nil {
		return fmt.Errorf("update outcomes: %w", err)
	}
	return nil
}

func (b *batchTx) Commit(ctx context.Context) error {
	return b.tx.Commit(ctx)
}

func (b *batchTx) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// MarkFailed terminalizes rows with a cycle-level error, outside the failed
// transaction, on its own pool connection.
func (s *Store) MarkFailed(ctx context.Context, ids []int64, errText string) error {
	if len(ids) == 0 {
		return nil
	}
	sql := fmt.Sprintf(`
		UPDATE %s
		SET processed = TRUE, error = $2, updated_at = NOW()
		WHERE id = ANY($1) AND is_event = FALSE
	`, s.table)
	if _, err := s.db.pool.Exec(ctx, sql, ids, errText); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// FetchEvents reads event rows past afterID without locking. Used by the
// cursor's startup replay.
func (s *Store) FetchEvents(ctx context.Context, afterID int64, limit int) ([]outbox.Message, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE is_event = TRUE AND id > $1
		ORDER BY id
		LIMIT $2
	`, messageColumns, s.table)

	rows, err := s.db.pool.Query(ctx, sql, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return scanMessages(rows)
}

// FetchProcessed returns terminal rows among ids for the responder.
func (s *Store) FetchProcessed(ctx context.Context, ids []int64, key *string) ([]outbox.Message, error) {
	sql := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE id = ANY($1)
		  AND processed = TRUE
		  AND ($2::text IS NULL OR "key" = $2)
	`, messageColumns, s.table)

	rows, err := s.db.pool.Query(ctx, sql, ids, key)
	if err != nil {
		return nil, fmt.Errorf("query processed: %w", err)
	}
	return scanMessages(rows)
}

func classifyFetchErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
		return fmt.Errorf("%w: %s", outbox.ErrLockNotAvailable, pgErr.Message)
	}
	return fmt.Errorf("query commands: %w", err)
}

func topicsParam(topics []string) *[]string {
	if len(topics) == 0 {
		return nil
	}
	return &topics
}

func jsonParam(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := string(raw)
	return &s
}

func scanMessages(rows pgx.Rows) ([]outbox.Message, error) {
	defer rows.Close()

	var msgs []outbox.Message
	for rows.Next() {
		var (
			msg     outbox.Message
			value   []byte
			headers []byte
			resp    []byte
			meta    []byte
		)
		err := rows.Scan(
			&msg.ID, &msg.Topic, &msg.Key, &value, &headers, &msg.Processed, &msg.IsEvent,
			&resp, &msg.Error, &msg.ErrorApproved, &meta, &msg.Attempts, &msg.SinceAt,
			&msg.ContextID, &msg.CreatedAt, &msg.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		msg.Value = value
		msg.Response = resp
		msg.Meta = meta
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &msg.Headers); err != nil {
				return nil, fmt.Errorf("decode headers for row %d: %w", msg.ID, err)
			}
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// mergeByID interleaves two id-sorted slices into one ascending batch.
func mergeByID(a, b []outbox.Message, limit int) []outbox.Message {
	merged := make([]outbox.Message, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].ID < b[j].ID {
			merged = append(merged, a[i])
			i++
		} else {
			merged = append(merged, b[j])
			j++
		}
	}
	merged = append(merged, a[i:]...)
	merged = append(merged, b[j:]...)
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// NewMessage is a producer-side row to enqueue.
type NewMessage struct {
	Topic   string
	Key     *string
	Value   json.RawMessage
	Headers map[string]string
	IsEvent bool
	SinceAt *time.Time
}

// Querier is satisfied by both pgx.Tx and the pool, so callers can enqueue
// inside their own business transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Enqueue inserts messages, assigning each a fresh context_id, and returns
// the assigned row ids in input order.
func (s *Store) Enqueue(ctx context.Context, q Querier, msgs ...NewMessage) ([]int64, error) {
	sql := fmt.Sprintf(`
		INSERT INTO %s (topic, "key", value, headers, is_event, since_at, context_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, s.table)

	ids := make([]int64, 0, len(msgs))
	for _, msg := range msgs {
		var headers *string
		if len(msg.Headers) > 0 {
			b, err := json.Marshal(msg.Headers)
			if err != nil {
				return nil, fmt.Errorf("marshal headers: %w", err)
			}
			h := string(b)
			headers = &h
		}
		var id int64
		err := q.QueryRow(ctx, sql,
			msg.Topic, msg.Key, jsonParam(msg.Value), headers, msg.IsEvent, msg.SinceAt,
			uuid.NewString(),
		).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("insert outbox row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
