package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const paymentColumns = `id, reference, contract_ref, payer_id, payee_id,
rent_amount, deposit_amount, platform_fee, total_amount, status::text,
escrow_bound, entered_escrow_at, settled_at, created_at, updated_at`

// InsertParams enumerates the fields fixed at payment creation. PlatformFee
// and TotalAmount are derived once here and immutable afterwards.
type InsertParams struct {
	Reference     string
	ContractRef   string
	PayerID       uuid.UUID
	PayeeID       uuid.UUID
	RentAmount    int64
	DepositAmount int64
	PlatformFee   int64
	EscrowBound   bool
}

// SetStatusParams carries one status write. Timestamp fields are only set
// when the transition stamps them; they are never cleared.
type SetStatusParams struct {
	PaymentID       uuid.UUID
	Status          Status
	EnteredEscrowAt *time.Time
	SettledAt       *time.Time
}

// Repository is the Postgres-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Payment, error) {
	const q = `
INSERT INTO payments (reference, contract_ref, payer_id, payee_id,
                      rent_amount, deposit_amount, platform_fee, total_amount, escrow_bound)
VALUES ($1, $2, $3, $4, $5, $6, $7, $5 + $6 + $7, $8)
RETURNING ` + paymentColumns

	row := tx.QueryRow(ctx, q,
		params.Reference,
		params.ContractRef,
		params.PayerID,
		params.PayeeID,
		params.RentAmount,
		params.DepositAmount,
		params.PlatformFee,
		params.EscrowBound,
	)
	p, err := scanPayment(row)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: insert: %w", err)
	}
	return p, nil
}

func (r *Repository) Get(ctx context.Context, reference string) (Payment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get: %w", err)
	}
	return p, nil
}

// GetForUpdate locks the single payment row for the duration of the caller's
// transaction. The returned state is authoritative; callers must not trust
// any copy read before the lock.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, reference string) (Payment, error) {
	row := tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference = $1 FOR UPDATE`, reference)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: lock: %w", err)
	}
	return p, nil
}

func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, params SetStatusParams) (Payment, error) {
	const q = `
UPDATE payments
SET status = $2::payment_status,
    entered_escrow_at = COALESCE($3, entered_escrow_at),
    settled_at = COALESCE($4, settled_at),
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + paymentColumns

	row := tx.QueryRow(ctx, q, params.PaymentID, string(params.Status), params.EnteredEscrowAt, params.SettledAt)
	p, err := scanPayment(row)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: set status: %w", err)
	}
	return p, nil
}

func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID, eventType string, actorID *uuid.UUID, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payment: marshal event payload: %w", err)
	}
	var actor any
	if actorID != nil {
		actor = *actorID
	}
	const q = `INSERT INTO payment_events (payment_id, type, actor_id, payload) VALUES ($1, $2, $3, $4::jsonb)`
	if _, err := tx.Exec(ctx, q, paymentID, eventType, actor, body); err != nil {
		return fmt.Errorf("payment: append event: %w", err)
	}
	return nil
}

func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payment: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("payment: enqueue outbox: %w", err)
	}
	return nil
}

func (r *Repository) ContractStatus(ctx context.Context, tx pgx.Tx, contractRef string) (string, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status::text FROM contracts WHERE reference = $1`, contractRef).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("payment: contract %s not found", contractRef)
		}
		return "", fmt.Errorf("payment: contract status: %w", err)
	}
	return status, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var p Payment
	var status string
	if err := row.Scan(
		&p.ID,
		&p.Reference,
		&p.ContractRef,
		&p.PayerID,
		&p.PayeeID,
		&p.RentAmount,
		&p.DepositAmount,
		&p.PlatformFee,
		&p.TotalAmount,
		&status,
		&p.EscrowBound,
		&p.EnteredEscrowAt,
		&p.SettledAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return Payment{}, err
	}
	p.Status = Status(status)
	return p, nil
}
