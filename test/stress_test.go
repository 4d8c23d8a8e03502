package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// releasers and refunders battling over the same escrow payment
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Releaser(ctx2, pool, seedData.escrowPaymentID, stop) })
		g.Go(func() error { return actors.Refunder(ctx2, pool, seedData.escrowPaymentID, stop) })
	}
	// dispute churn on the same payment
	g.Go(func() error { return actors.Disputer(ctx2, pool, seedData.escrowPaymentID, seedData.payerID, stop) })
	// retraction window boundary race
	g.Go(func() error { return actors.Canceller(ctx2, pool, seedData.windowContractID, stop) })
	g.Go(func() error { return actors.Finalizer(ctx2, pool, seedData.windowContractID, stop) })
	// outbox drain
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// replayed webhook
	g.Go(func() error {
		return actors.WebhookReplayer(ctx2, pool, seedData.confirmedPaymentID, fmt.Sprintf("stress-%s", seedData.confirmedPaymentID), stop)
	})
	// concurrent task sweepers
	g.Go(func() error { return actors.TaskSweeper(ctx2, pool, stop) })
	g.Go(func() error { return actors.TaskSweeper(ctx2, pool, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	payerID            string
	payeeID            string
	lockedContractRef  string
	windowContractID   string
	escrowPaymentID    string
	confirmedPaymentID string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	s.payerID = newUUID(t, ctx, pool)
	s.payeeID = newUUID(t, ctx, pool)

	// a locked contract to hang payments off
	s.lockedContractRef = fmt.Sprintf("CTR-STRESS-%d", rand.Int63())
	if _, err := pool.Exec(ctx, `INSERT INTO contracts
        (reference, listing_ref, owner_id, counterparty_id, status,
         retraction_deadline, retraction_expired_at, artifact_hash, artifact_ref, artifact_algorithm)
        VALUES ($1,'LST-STRESS',$2,$3,'locked', NOW() - interval '3 days', NOW() - interval '1 day',
                'seed-hash','contracts/seed.enc','sha256+chacha20poly1305')`,
		s.lockedContractRef, s.payeeID, s.payerID); err != nil {
		t.Fatalf("seed locked contract: %v", err)
	}

	// a fully signed contract whose window closes mid-run
	if err := pool.QueryRow(ctx, `INSERT INTO contracts
        (reference, listing_ref, owner_id, counterparty_id, status, retraction_deadline)
        VALUES ($1,'LST-STRESS',$2,$3,'retraction_window', NOW() + interval '5 seconds')
        RETURNING id`,
		fmt.Sprintf("CTR-STRESS-W-%d", rand.Int63()), s.payeeID, s.payerID).Scan(&s.windowContractID); err != nil {
		t.Fatalf("seed window contract: %v", err)
	}

	// escrow payment for the release/refund/dispute battles
	if err := pool.QueryRow(ctx, `INSERT INTO payments
        (reference, contract_ref, payer_id, payee_id, rent_amount, deposit_amount, platform_fee, total_amount,
         status, entered_escrow_at)
        VALUES ($1,$2,$3,$4, 2500000, 2500000, 1250000, 6250000, 'escrow', NOW() - interval '49 hours')
        RETURNING id`,
		fmt.Sprintf("PAY-STRESS-%d", rand.Int63()), s.lockedContractRef, s.payerID, s.payeeID).Scan(&s.escrowPaymentID); err != nil {
		t.Fatalf("seed escrow payment: %v", err)
	}
	for _, ev := range []string{"PAYMENT_INITIATED", "PAYMENT_CONFIRMED", "ESCROW_ENTERED"} {
		if _, err := pool.Exec(ctx, `INSERT INTO payment_events (payment_id, type) VALUES ($1,$2)`, s.escrowPaymentID, ev); err != nil {
			t.Fatalf("seed payment event %s: %v", ev, err)
		}
	}

	// initiated payment for the webhook replayer
	if err := pool.QueryRow(ctx, `INSERT INTO payments
        (reference, contract_ref, payer_id, payee_id, rent_amount, deposit_amount, platform_fee, total_amount, status)
        VALUES ($1,$2,$3,$4, 100000, 0, 1000, 101000, 'initiated')
        RETURNING id`,
		fmt.Sprintf("PAY-STRESS-W-%d", rand.Int63()), s.lockedContractRef, s.payerID, s.payeeID).Scan(&s.confirmedPaymentID); err != nil {
		t.Fatalf("seed webhook payment: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO payment_events (payment_id, type) VALUES ($1,'PAYMENT_INITIATED')`, s.confirmedPaymentID); err != nil {
		t.Fatalf("seed webhook payment event: %v", err)
	}

	// a due auto-release task for the sweepers to fight over
	if _, err := pool.Exec(ctx, `INSERT INTO scheduled_tasks (kind, entity_ref, fire_at)
        SELECT 'escrow_release', reference, NOW() - interval '1 hour' FROM payments WHERE id = $1`,
		s.escrowPaymentID); err != nil {
		t.Fatalf("seed scheduled task: %v", err)
	}

	return s
}

func newUUID(t *testing.T, ctx context.Context, pool *pgxpool.Pool) string {
	t.Helper()
	var id string
	if err := pool.QueryRow(ctx, `SELECT gen_random_uuid()::text`).Scan(&id); err != nil {
		t.Fatalf("generate uuid: %v", err)
	}
	return id
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"payments", `SELECT id, reference, status, entered_escrow_at, settled_at FROM payments ORDER BY updated_at DESC LIMIT 50`},
		{"payment_events", `SELECT id, payment_id, seq, type, created_at FROM payment_events ORDER BY id DESC LIMIT 50`},
		{"contracts", `SELECT id, reference, status, retraction_deadline, retraction_expired_at FROM contracts ORDER BY updated_at DESC LIMIT 50`},
		{"disputes", `SELECT id, payment_id, status, created_at, resolved_at FROM disputes ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"scheduled_tasks", `SELECT id, kind, entity_ref, status, attempts, fire_at FROM scheduled_tasks ORDER BY updated_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
