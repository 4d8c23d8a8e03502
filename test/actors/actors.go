package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Releaser races to settle an escrow payment to the payee, mimicking the
// auto-release sweep: lock the row, re-check state and disputes, settle.
func Releaser(ctx context.Context, pool *pgxpool.Pool, paymentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := settle(ctx, pool, paymentID, "confirmed_final", "ESCROW_RELEASED", "payment.released"); err != nil {
			return fmt.Errorf("releaser: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Refunder races the releaser to settle the same payment back to the payer.
func Refunder(ctx context.Context, pool *pgxpool.Pool, paymentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := settle(ctx, pool, paymentID, "refunded", "ESCROW_REFUNDED", "payment.refunded"); err != nil {
			return fmt.Errorf("refunder: %w", err)
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

func settle(ctx context.Context, pool *pgxpool.Pool, paymentID, next, eventType, topic string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status, reference string
	var rent, deposit, fee int64
	err = tx.QueryRow(ctx, `SELECT status::text, reference, rent_amount, deposit_amount, platform_fee
                            FROM payments WHERE id=$1 FOR UPDATE`, paymentID).
		Scan(&status, &reference, &rent, &deposit, &fee)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	if status != "escrow" {
		return nil
	}
	var open bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE payment_id=$1 AND status='under_review')`, paymentID).Scan(&open); err != nil {
		return err
	}
	if open {
		return nil
	}

	if _, err := tx.Exec(ctx, `UPDATE payments SET status=$2::payment_status, settled_at=NOW(), updated_at=NOW() WHERE id=$1`, paymentID, next); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO payment_events (payment_id, type, payload)
                               VALUES ($1,$2, jsonb_build_object('moved_amount', $3::bigint, 'retained_commission', $4::bigint))`,
		paymentID, eventType, rent+deposit, fee); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload)
                               VALUES ($1, jsonb_build_object('payment_reference', $2::text, 'moved_amount', $3::bigint, 'retained_commission', $4::bigint))`,
		topic, reference, rent+deposit, fee); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Disputer opens a dispute while the payment still sits in escrow, then
// resolves it a beat later. The open check runs under the same row lock
// settlement takes, so a settled payment never gains an open dispute.
func Disputer(ctx context.Context, pool *pgxpool.Pool, paymentID, openedBy string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("disputer begin: %w", err)
		}
		var status string
		err = tx.QueryRow(ctx, `SELECT status::text FROM payments WHERE id=$1 FOR UPDATE`, paymentID).Scan(&status)
		if err == nil && status == "escrow" {
			_, _ = tx.Exec(ctx, `INSERT INTO disputes (payment_id, opened_by, reason)
                                 SELECT $1, $2, 'stress dispute'
                                 WHERE NOT EXISTS (SELECT 1 FROM disputes WHERE payment_id=$1 AND status='under_review')`,
				paymentID, openedBy)
		}
		_ = tx.Commit(ctx)

		time.Sleep(time.Duration(100+rand.Intn(150)) * time.Millisecond)
		_, _ = pool.Exec(ctx, `UPDATE disputes SET status='resolved', resolved_at=NOW(), updated_at=NOW()
                               WHERE payment_id=$1 AND status='under_review'`, paymentID)
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Canceller tries to retract a fully signed contract while its window is
// still open.
func Canceller(ctx context.Context, pool *pgxpool.Pool, contractID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `UPDATE contracts
                                  SET status='cancelled', cancel_reason='stress retraction', updated_at=NOW()
                                  WHERE id=$1 AND status='retraction_window' AND NOW() < retraction_deadline`, contractID)
		if err != nil {
			return fmt.Errorf("canceller: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Finalizer locks a contract once its retraction deadline has passed,
// racing the canceller at the window boundary.
func Finalizer(ctx context.Context, pool *pgxpool.Pool, contractID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `UPDATE contracts
                                  SET status='locked', retraction_expired_at=NOW(),
                                      artifact_hash='stress-hash', artifact_ref='contracts/stress.enc',
                                      artifact_algorithm='sha256+chacha20poly1305', updated_at=NOW()
                                  WHERE id=$1 AND status='retraction_window' AND NOW() >= retraction_deadline`, contractID)
		if err != nil {
			return fmt.Errorf("finalizer: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, with simulated random failures bumping attempts.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// WebhookReplayer re-registers the same idempotency key over and over; only
// the first registration may append the confirmation event.
func WebhookReplayer(ctx context.Context, pool *pgxpool.Pool, paymentID, key string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tag, err := pool.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1) ON CONFLICT DO NOTHING`, key)
		if err != nil {
			return fmt.Errorf("webhook replayer: %w", err)
		}
		if tag.RowsAffected() == 1 {
			_, _ = pool.Exec(ctx, `INSERT INTO payment_events (payment_id, type, payload)
                                   VALUES ($1,'PAYMENT_CONFIRMED', jsonb_build_object('gateway','stress'))`, paymentID)
		}
		time.Sleep(80 * time.Millisecond)
	}
}

// TaskSweeper claims due scheduled tasks with SKIP LOCKED, so two sweepers
// can run side by side without double-firing.
func TaskSweeper(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM scheduled_tasks WHERE status='pending' AND fire_at <= NOW()
                                    ORDER BY fire_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `UPDATE scheduled_tasks SET status='done', updated_at=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
