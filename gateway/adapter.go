package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/payment"
)

// ErrDuplicateWebhook signals a replayed webhook; replays are a no-op, not
// an error, and the adapter swallows this internally.
var ErrDuplicateWebhook = errors.New("gateway: duplicate webhook")

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger is the slice of the payment ledger the adapter drives.
type Ledger interface {
	Confirm(ctx context.Context, reference string) (payment.Payment, error)
	Hold(ctx context.Context, reference string) (payment.Payment, error)
	SettleDirect(ctx context.Context, reference string) (payment.Settlement, error)
	Fail(ctx context.Context, reference string, detail string) (payment.Payment, error)
}

// ReleaseScheduler registers the 48h auto-release check once funds are held.
type ReleaseScheduler interface {
	ScheduleEscrowRelease(ctx context.Context, paymentRef string, fireAt time.Time) error
}

// KeyStore reserves webhook idempotency keys.
type KeyStore interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
}

// Adapter consumes normalized gateway outcomes and settles payments exactly
// once. Replaying a webhook against an already-settled payment is a no-op.
type Adapter struct {
	pool      TxBeginner
	keys      KeyStore
	registry  *Registry
	ledger    Ledger
	scheduler ReleaseScheduler
}

func NewAdapter(pool TxBeginner, keys KeyStore, registry *Registry, ledger Ledger, scheduler ReleaseScheduler) *Adapter {
	if registry == nil {
		registry = NewRegistry()
	}
	if keys == nil {
		keys = NewKeyRepository()
	}
	return &Adapter{
		pool:      pool,
		keys:      keys,
		registry:  registry,
		ledger:    ledger,
		scheduler: scheduler,
	}
}

// HandleWebhook maps the payload through the gateway's mapper and applies
// the settlement outcome. The idempotency key is reserved in a transaction
// that only commits after the ledger transition succeeds, so a failed
// attempt stays retryable.
func (a *Adapter) HandleWebhook(ctx context.Context, gatewayName string, payload []byte) error {
	if gatewayName == "" {
		return fmt.Errorf("gateway: gateway name required")
	}

	notification, err := a.registry.Lookup(gatewayName).Map(payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnmappableNotification, err)
	}

	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("gateway: begin webhook tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := a.keys.InsertIdempotencyKey(ctx, tx, idempotencyKey(gatewayName, notification, payload)); err != nil {
		if errors.Is(err, ErrDuplicateWebhook) {
			return nil
		}
		return err
	}

	if err := a.apply(ctx, notification); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("gateway: commit webhook key: %w", err)
	}
	return nil
}

func (a *Adapter) apply(ctx context.Context, n Notification) error {
	if n.Outcome != OutcomeSuccess {
		if _, err := a.ledger.Fail(ctx, n.PaymentRef, n.Detail); err != nil {
			// A payment past confirmation cannot fail retroactively; a
			// stale failure webhook is a replay, not an error.
			if errors.Is(err, payment.ErrInvalidStateTransition) {
				return nil
			}
			return err
		}
		return nil
	}

	p, err := a.ledger.Confirm(ctx, n.PaymentRef)
	if err != nil {
		return err
	}

	if !p.EscrowBound {
		if _, err := a.ledger.SettleDirect(ctx, n.PaymentRef); err != nil {
			return err
		}
		return nil
	}

	held, err := a.ledger.Hold(ctx, n.PaymentRef)
	if err != nil {
		return err
	}
	if held.EnteredEscrowAt == nil {
		return fmt.Errorf("gateway: payment %s held without escrow timestamp", n.PaymentRef)
	}
	if err := a.scheduler.ScheduleEscrowRelease(ctx, n.PaymentRef, held.EnteredEscrowAt.Add(payment.EscrowWindow)); err != nil {
		return fmt.Errorf("gateway: schedule auto release: %w", err)
	}
	return nil
}

// idempotencyKey prefers the gateway's own event id; payloads without one
// fall back to a content hash.
func idempotencyKey(gatewayName string, n Notification, payload []byte) string {
	if n.EventID != "" {
		return gatewayName + ":" + n.EventID
	}
	sum := sha256.Sum256(payload)
	return gatewayName + ":" + hex.EncodeToString(sum[:])
}

// KeyRepository is the Postgres-backed KeyStore.
type KeyRepository struct{}

func NewKeyRepository() *KeyRepository {
	return &KeyRepository{}
}

// InsertIdempotencyKey reserves the key inside the caller's transaction. A
// unique violation means the webhook was already processed.
func (r *KeyRepository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("gateway: empty idempotency key")
	}
	if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateWebhook
		}
		return fmt.Errorf("gateway: insert idempotency key: %w", err)
	}
	return nil
}
