package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against the live schema while the
// actors race. Each query selects violating rows; an empty result passes.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_request_per_transaction",
			SQL: `SELECT transaction_id, COUNT(*) FROM signature_requests
                  GROUP BY transaction_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_signed_fields_consistent",
			SQL: `SELECT id FROM signers
                  WHERE (status = 'signed' AND signed_at IS NULL)
                     OR (status = 'pending' AND signed_at IS NOT NULL)`,
		},
		{
			Name: "O3_completed_means_all_signed",
			SQL: `SELECT r.id FROM signature_requests r
                  WHERE r.status = 'completed'
                    AND (r.completed_at IS NULL
                         OR r.signed_document_url IS NULL
                         OR EXISTS (SELECT 1 FROM signers s
                                    WHERE s.request_id = r.id AND s.status <> 'signed'))`,
		},
		{
			Name: "O4_pending_carries_no_completion",
			SQL: `SELECT id FROM signature_requests
                  WHERE status = 'pending'
                    AND (completed_at IS NOT NULL OR signed_document_url IS NOT NULL)`,
		},
		{
			Name: "O5_two_distinct_signer_slots",
			SQL: `SELECT request_id FROM signers
                  GROUP BY request_id
                  HAVING COUNT(*) <> 2 OR COUNT(DISTINCT role) <> 2`,
		},
		{
			Name: "O6_content_snapshot_present",
			SQL:  `SELECT id FROM signature_requests WHERE content_hash = ''`,
		},
		{
			Name: "O7_outbox_terminal_or_fresh",
			SQL: `SELECT id FROM sync_outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O8_completed_metadata_converges",
			SQL: `SELECT t.id FROM transactions t
                  JOIN signature_requests r ON r.transaction_id = t.id
                  WHERE r.status = 'completed'
                    AND r.completed_at < now() - interval '2 minutes'
                    AND COALESCE(t.metadata->>'ndaFullySigned', '') <> 'true'
                    AND NOT EXISTS (SELECT 1 FROM sync_outbox o
                                    WHERE o.transaction_id = t.id AND o.status = 'pending')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
