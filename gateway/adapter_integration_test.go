package gateway

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/notify"
	"escrowflow/payment"
	"escrowflow/schedule"
)

// TestWebhookSettlement_Integration connects to a real PostgreSQL via
// DATABASE_URL and verifies the webhook -> escrow hold -> scheduled release
// pipeline end to end, including webhook replay.
func TestWebhookSettlement_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "payments") || !tableExists(ctx, t, pool, "scheduled_tasks") || !tableExists(ctx, t, pool, "idempotency") {
		t.Skip("database schema missing; apply migrations/0001_core.sql first")
	}

	// Seed a locked contract and an initiated escrow-bound payment. Rows in
	// payments and contracts cannot be deleted, so references are unique
	// per run.
	nonce := time.Now().UnixNano()
	contractRef := fmt.Sprintf("CTR-ITEST-%d", nonce)
	paymentRef := fmt.Sprintf("PAY-ITEST-%d", nonce)

	if _, err := pool.Exec(ctx, `INSERT INTO contracts
        (reference, listing_ref, owner_id, counterparty_id, status,
         retraction_deadline, retraction_expired_at, artifact_hash, artifact_ref, artifact_algorithm)
        VALUES ($1,'LST-ITEST', gen_random_uuid(), gen_random_uuid(), 'locked',
                NOW() - interval '3 days', NOW() - interval '1 day',
                'itest-hash','contracts/itest.enc','sha256+chacha20poly1305')`, contractRef); err != nil {
		t.Fatalf("seed contract: %v", err)
	}
	var paymentID string
	if err := pool.QueryRow(ctx, `INSERT INTO payments
        (reference, contract_ref, payer_id, payee_id, rent_amount, deposit_amount, platform_fee, total_amount, status)
        VALUES ($1,$2, gen_random_uuid(), gen_random_uuid(), 2500000, 2500000, 1250000, 6250000, 'initiated')
        RETURNING id`, paymentRef, contractRef).Scan(&paymentID); err != nil {
		t.Fatalf("seed payment: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM scheduled_tasks WHERE entity_ref = $1`, paymentRef)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'payment_reference' = $1`, paymentRef)
		pool.Exec(ctx2, `DELETE FROM idempotency WHERE key LIKE '%' || $1 || '%'`, paymentRef)
	})

	repo := payment.NewRepository(pool)
	ledger := payment.NewLedger(pool, repo, noDisputes{}, notify.Discard{})
	adapter := NewAdapter(pool, NewKeyRepository(), NewRegistry(), ledger, schedule.NewScheduler(pool))

	body := []byte(fmt.Sprintf(`{"cpm_result":"00","cpm_trans_id":"itest-%d","cpm_custom":%q}`, nonce, paymentRef))

	// First delivery confirms and holds the payment.
	if err := adapter.HandleWebhook(ctx, "cinetpay", body); err != nil {
		t.Fatalf("handle webhook (first): %v", err)
	}

	var status string
	var enteredEscrowAt *time.Time
	if err := pool.QueryRow(ctx, `SELECT status::text, entered_escrow_at FROM payments WHERE id = $1`, paymentID).Scan(&status, &enteredEscrowAt); err != nil {
		t.Fatalf("verify payment: %v", err)
	}
	if status != "escrow" {
		t.Fatalf("expected payment status 'escrow', got %q", status)
	}
	if enteredEscrowAt == nil || enteredEscrowAt.IsZero() {
		t.Fatalf("expected entered_escrow_at to be set")
	}

	var holdEvents int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM payment_events WHERE payment_id = $1 AND type = 'ESCROW_ENTERED'`, paymentID).Scan(&holdEvents); err != nil {
		t.Fatalf("verify events: %v", err)
	}
	if holdEvents != 1 {
		t.Fatalf("expected 1 ESCROW_ENTERED event, got %d", holdEvents)
	}

	var taskCount int
	var fireAt time.Time
	if err := pool.QueryRow(ctx, `SELECT COUNT(*), MIN(fire_at) FROM scheduled_tasks WHERE kind = 'escrow_release' AND entity_ref = $1`, paymentRef).Scan(&taskCount, &fireAt); err != nil {
		t.Fatalf("verify scheduled task: %v", err)
	}
	if taskCount != 1 {
		t.Fatalf("expected 1 auto-release task, got %d", taskCount)
	}
	if want := enteredEscrowAt.Add(payment.EscrowWindow); !fireAt.Equal(want) {
		t.Fatalf("task fires at %v, want %v", fireAt, want)
	}

	// Replay: same payload, no further effect.
	if err := adapter.HandleWebhook(ctx, "cinetpay", body); err != nil {
		t.Fatalf("handle webhook (replay): %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM payment_events WHERE payment_id = $1 AND type = 'ESCROW_ENTERED'`, paymentID).Scan(&holdEvents); err != nil {
		t.Fatalf("re-verify events: %v", err)
	}
	if holdEvents != 1 {
		t.Fatalf("expected ESCROW_ENTERED events to remain 1 after replay, got %d", holdEvents)
	}
}

type noDisputes struct{}

func (noDisputes) HasOpen(context.Context, uuid.UUID) (bool, error) { return false, nil }

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
