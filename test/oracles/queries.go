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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_total_invariant",
			SQL: `SELECT id, total_amount, rent_amount, deposit_amount, platform_fee FROM payments
                  WHERE total_amount <> rent_amount + deposit_amount + platform_fee`,
		},
		{
			Name: "O2_single_settlement",
			SQL: `SELECT payment_id, type, COUNT(*) FROM payment_events
                  WHERE type IN ('ESCROW_RELEASED','ESCROW_REFUNDED')
                  GROUP BY payment_id, type HAVING COUNT(*) > 1
                  UNION ALL
                  SELECT payment_id, 'both_directions', COUNT(DISTINCT type) FROM payment_events
                  WHERE type IN ('ESCROW_RELEASED','ESCROW_REFUNDED')
                  GROUP BY payment_id HAVING COUNT(DISTINCT type) > 1`,
		},
		{
			Name: "O3_commission_retained",
			SQL: `SELECT o.id FROM outbox o
                  JOIN payments p ON p.reference = o.payload->>'payment_reference'
                  WHERE o.topic IN ('payment.released','payment.refunded')
                    AND ((o.payload->>'moved_amount')::bigint <> p.rent_amount + p.deposit_amount
                      OR (o.payload->>'retained_commission')::bigint <> p.platform_fee)`,
		},
		{
			Name: "O4_event_seq_dense",
			SQL: `WITH seqs AS (
                      SELECT payment_id, seq,
                             LAG(seq) OVER (PARTITION BY payment_id ORDER BY seq) AS prev
                      FROM payment_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O5_terminal_stability",
			SQL: `SELECT later.payment_id, later.type, later.seq FROM payment_events later
                  JOIN payment_events terminal ON terminal.payment_id = later.payment_id
                  WHERE terminal.type IN ('ESCROW_RELEASED','ESCROW_REFUNDED','PAYMENT_FAILED')
                    AND later.type IN ('ESCROW_RELEASED','ESCROW_REFUNDED','PAYMENT_FAILED','ESCROW_ENTERED','PAYMENT_CONFIRMED')
                    AND later.seq > terminal.seq`,
		},
		{
			Name: "O6_dispute_freeze",
			SQL: `SELECT p.id FROM payments p
                  JOIN disputes d ON d.payment_id = p.id AND d.status = 'under_review'
                  WHERE p.status IN ('confirmed_final','refunded')`,
		},
		{
			Name: "O7_lock_artifact_complete",
			SQL: `SELECT id, status FROM contracts
                  WHERE (status = 'locked' AND (artifact_hash IS NULL OR artifact_ref IS NULL OR retraction_expired_at IS NULL))
                     OR (status <> 'locked' AND artifact_hash IS NOT NULL)`,
		},
		{
			Name: "O8_lock_respects_window",
			SQL: `SELECT id FROM contracts
                  WHERE status = 'locked' AND retraction_expired_at < retraction_deadline`,
		},
		{
			Name: "O9_cancel_inside_window",
			SQL: `SELECT id FROM contracts
                  WHERE status = 'cancelled' AND retraction_deadline IS NOT NULL AND updated_at > retraction_deadline`,
		},
		{
			Name: "O10_escrow_timestamp",
			SQL: `SELECT id FROM payments
                  WHERE status IN ('escrow','disputed') AND entered_escrow_at IS NULL`,
		},
		{
			Name: "O11_outbox_progress",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O12_delete_guard",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'no_delete_payments')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or empty name if all pass.
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
