package metasync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PendingPatch is an undelivered metadata patch.
type PendingPatch struct {
	ID            string
	TransactionID string
	Patch         map[string]any
	Attempts      int
}

// OutboxRepository persists undelivered patches across restarts.
type OutboxRepository interface {
	Enqueue(ctx context.Context, transactionID string, patch map[string]any) error
	ListPending(ctx context.Context, limit int) ([]PendingPatch, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// PGOutbox implements OutboxRepository on the sync_outbox table.
type PGOutbox struct {
	pool *pgxpool.Pool
}

// NewOutbox creates a PostgreSQL-backed outbox.
func NewOutbox(pool *pgxpool.Pool) *PGOutbox {
	return &PGOutbox{pool: pool}
}

func (o *PGOutbox) Enqueue(ctx context.Context, transactionID string, patch map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("metasync: marshal patch: %w", err)
	}

	const insertSQL = `INSERT INTO sync_outbox (transaction_id, patch) VALUES ($1, $2::jsonb)`
	if _, err := o.pool.Exec(ctx, insertSQL, transactionID, body); err != nil {
		return fmt.Errorf("metasync: enqueue: %w", err)
	}
	return nil
}

func (o *PGOutbox) ListPending(ctx context.Context, limit int) ([]PendingPatch, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	const selectSQL = `
		SELECT id, transaction_id, patch, attempts
		FROM sync_outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
	`

	rows, err := o.pool.Query(ctx, selectSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("metasync: list pending: %w", err)
	}
	defer rows.Close()

	pending := []PendingPatch{}
	for rows.Next() {
		var (
			p   PendingPatch
			raw []byte
		)
		if err := rows.Scan(&p.ID, &p.TransactionID, &raw, &p.Attempts); err != nil {
			return nil, fmt.Errorf("metasync: scan pending: %w", err)
		}
		if err := json.Unmarshal(raw, &p.Patch); err != nil {
			return nil, fmt.Errorf("metasync: decode pending patch: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metasync: iterate pending: %w", err)
	}

	return pending, nil
}

func (o *PGOutbox) MarkDelivered(ctx context.Context, id string) error {
	const updateSQL = `UPDATE sync_outbox SET status = 'delivered', updated_at = now() WHERE id = $1`
	if _, err := o.pool.Exec(ctx, updateSQL, id); err != nil {
		return fmt.Errorf("metasync: mark delivered: %w", err)
	}
	return nil
}

func (o *PGOutbox) MarkFailed(ctx context.Context, id string) error {
	const updateSQL = `UPDATE sync_outbox SET attempts = attempts + 1, updated_at = now() WHERE id = $1`
	if _, err := o.pool.Exec(ctx, updateSQL, id); err != nil {
		return fmt.Errorf("metasync: mark failed: %w", err)
	}
	return nil
}
