package schedule

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/contract"
	"escrowflow/payment"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = time.Minute
	claimBatchSize     = 50
)

// Scheduler records durable deferred checks. Scheduling is idempotent per
// (kind, entity): re-scheduling an existing pending task is a no-op.
type Scheduler struct {
	pool *pgxpool.Pool
}

func NewScheduler(pool *pgxpool.Pool) *Scheduler {
	return &Scheduler{pool: pool}
}

func (s *Scheduler) Schedule(ctx context.Context, kind Kind, entityRef string, fireAt time.Time) error {
	if entityRef == "" {
		return fmt.Errorf("schedule: entity reference required")
	}
	const q = `
INSERT INTO scheduled_tasks (kind, entity_ref, fire_at)
VALUES ($1, $2, $3)
ON CONFLICT (kind, entity_ref) DO NOTHING
`
	if _, err := s.pool.Exec(ctx, q, string(kind), entityRef, fireAt.UTC()); err != nil {
		return fmt.Errorf("schedule: insert task: %w", err)
	}
	return nil
}

// ScheduleEscrowRelease registers the 48h auto-release check for a payment.
func (s *Scheduler) ScheduleEscrowRelease(ctx context.Context, paymentRef string, fireAt time.Time) error {
	return s.Schedule(ctx, KindEscrowRelease, paymentRef, fireAt)
}

// ScheduleFinalize registers the lock check for a contract's retraction
// deadline.
func (s *Scheduler) ScheduleFinalize(ctx context.Context, contractRef string, fireAt time.Time) error {
	return s.Schedule(ctx, KindContractFinalize, contractRef, fireAt)
}

// EscrowReleaser is the slice of the payment ledger the sweeper drives. The
// timer path settles from escrow only; settling a disputed payment belongs
// exclusively to dispute resolution.
type EscrowReleaser interface {
	ReleaseExpired(ctx context.Context, reference string) (payment.Settlement, error)
}

// ContractFinalizer locks contracts whose retraction window has closed.
type ContractFinalizer interface {
	FinalizeIfExpired(ctx context.Context, reference string) (contract.Contract, error)
}

// Sweeper processes due scheduled tasks. Every firing re-validates current
// entity state before acting, so a stale task whose payment was already
// resolved manually degrades to a no-op. Failures retry with bounded
// exponential backoff before the task is marked dead and alerted.
type Sweeper struct {
	pool        *pgxpool.Pool
	ledger      EscrowReleaser
	contracts   ContractFinalizer
	maxAttempts int
	baseBackoff time.Duration
	now         func() time.Time
}

func NewSweeper(pool *pgxpool.Pool, ledger EscrowReleaser, contracts ContractFinalizer) *Sweeper {
	return &Sweeper{
		pool:        pool,
		ledger:      ledger,
		contracts:   contracts,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		now:         time.Now,
	}
}

// Run sweeps on the given interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.RunOnce(ctx); err != nil {
				log.Printf("schedule: sweep: %v", err)
			} else if n > 0 {
				log.Printf("schedule: sweep processed %d task(s)", n)
			}
		}
	}
}

// RunOnce claims and processes one batch of due tasks. Claimed rows are
// locked with SKIP LOCKED so concurrent sweepers never double-fire a task.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("schedule: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const claimSQL = `
SELECT id, kind, entity_ref, fire_at, status::text, attempts, last_error, created_at, updated_at
FROM scheduled_tasks
WHERE status = 'pending' AND fire_at <= $1
ORDER BY fire_at
LIMIT $2
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, claimSQL, s.now().UTC(), claimBatchSize)
	if err != nil {
		return 0, fmt.Errorf("schedule: claim due tasks: %w", err)
	}
	tasks, err := scanTasks(rows)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, task := range tasks {
		fireErr := s.fire(ctx, task)
		if fireErr == nil {
			if err := s.markDone(ctx, tx, task.ID); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		attempts := task.Attempts + 1
		if attempts >= s.maxAttempts {
			// Operational alert: the entity itself is untouched, a manual
			// or re-scheduled check must pick it up.
			log.Printf("schedule: ALERT task %s (%s %s) dead after %d attempts: %v",
				task.ID, task.Kind, task.EntityRef, attempts, fireErr)
			if err := s.markDead(ctx, tx, task.ID, attempts, fireErr); err != nil {
				return processed, err
			}
			continue
		}

		delay := s.baseBackoff << (attempts - 1)
		if err := s.reschedule(ctx, tx, task.ID, attempts, s.now().UTC().Add(delay), fireErr); err != nil {
			return processed, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return processed, fmt.Errorf("schedule: commit sweep: %w", err)
	}
	return processed, nil
}

// fire dispatches one task. A no-op outcome (entity already resolved,
// dispute holding the funds) is success: the deferred check ran and found
// nothing to do.
func (s *Sweeper) fire(ctx context.Context, task Task) error {
	switch task.Kind {
	case KindEscrowRelease:
		_, err := s.ledger.ReleaseExpired(ctx, task.EntityRef)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, payment.ErrDisputeOpen):
			// Funds stay in escrow; dispute resolution must release or
			// refund explicitly.
			return nil
		case errors.Is(err, payment.ErrInvalidStateTransition):
			// Already released, refunded, or disputed before we fired.
			return nil
		default:
			return err
		}
	case KindContractFinalize:
		_, err := s.contracts.FinalizeIfExpired(ctx, task.EntityRef)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, contract.ErrRetractionNotExpired):
			return fmt.Errorf("schedule: contract %s window still open", task.EntityRef)
		case errors.Is(err, contract.ErrCancelled):
			return nil
		default:
			return err
		}
	default:
		return fmt.Errorf("schedule: unknown task kind %q", task.Kind)
	}
}

func (s *Sweeper) markDone(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	const q = `UPDATE scheduled_tasks SET status = 'done', updated_at = get_tx_timestamp() WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("schedule: mark done: %w", err)
	}
	return nil
}

func (s *Sweeper) markDead(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, cause error) error {
	const q = `
UPDATE scheduled_tasks
SET status = 'dead', attempts = $2, last_error = $3, updated_at = get_tx_timestamp()
WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, attempts, cause.Error()); err != nil {
		return fmt.Errorf("schedule: mark dead: %w", err)
	}
	return nil
}

func (s *Sweeper) reschedule(ctx context.Context, tx pgx.Tx, id uuid.UUID, attempts int, fireAt time.Time, cause error) error {
	const q = `
UPDATE scheduled_tasks
SET attempts = $2, fire_at = $3, last_error = $4, updated_at = get_tx_timestamp()
WHERE id = $1`
	if _, err := tx.Exec(ctx, q, id, attempts, fireAt, cause.Error()); err != nil {
		return fmt.Errorf("schedule: reschedule: %w", err)
	}
	return nil
}

func scanTasks(rows pgx.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		var kind, status string
		if err := rows.Scan(&t.ID, &kind, &t.EntityRef, &t.FireAt, &status, &t.Attempts, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("schedule: scan task: %w", err)
		}
		t.Kind = Kind(kind)
		t.Status = TaskStatus(status)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule: iterate tasks: %w", err)
	}
	return out, nil
}
