package storage

import (
	"context"
	"fmt"
)

// EnsurePartitions creates the hash-partitioned outbox parent plus its n
// partitions outbox_0..outbox_n-1, idempotently. Partitioned deployments
// call this instead of relying on the plain-table migration; the engine is
// then run once per partition. The partition key is the ordering "key"
// column, so all rows of a key land in the same partition and keep their
// relative order.
func (db *DB) EnsurePartitions(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("partition count must be positive, got %d", n)
	}

	parent := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL NOT NULL,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			since_at TIMESTAMPTZ NULL,
			topic TEXT NOT NULL,
			"key" TEXT NOT NULL DEFAULT '',
			value JSONB NULL,
			headers JSONB NULL,
			response JSONB NULL,
			error TEXT NULL,
			error_approved BOOLEAN NOT NULL DEFAULT FALSE,
			meta JSONB NULL,
			attempts SMALLINT NOT NULL DEFAULT 0,
			is_event BOOLEAN NOT NULL DEFAULT FALSE,
			context_id UUID NOT NULL DEFAULT gen_random_uuid(),
			CONSTRAINT %s_pk PRIMARY KEY (id, "key")
		) PARTITION BY HASH ("key")
	`, BaseTable, BaseTable)
	if _, err := db.pool.Exec(ctx, parent); err != nil {
		return fmt.Errorf("create partitioned parent: %w", err)
	}

	for i := 0; i < n; i++ {
		part := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_%d
			PARTITION OF %s
			FOR VALUES WITH (MODULUS %d, REMAINDER %d)
		`, BaseTable, i, BaseTable, n, i)
		if _, err := db.pool.Exec(ctx, part); err != nil {
			return fmt.Errorf("create partition %d: %w", i, err)
		}
	}
	return nil
}
