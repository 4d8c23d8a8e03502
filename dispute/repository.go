package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `id, payment_id, opened_by, reason, status::text, created_at, updated_at, resolved_at`

// Repository is the Postgres store for dispute records. It also implements
// the ledger's open-dispute lookup, so a payment under review can never be
// auto-released.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// HasOpen reports whether the payment has a dispute under review.
func (r *Repository) HasOpen(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM disputes WHERE payment_id = $1 AND status = 'under_review')`
	var open bool
	if err := r.pool.QueryRow(ctx, q, paymentID).Scan(&open); err != nil {
		return false, fmt.Errorf("dispute: open lookup: %w", err)
	}
	return open, nil
}

// Insert opens a dispute unless one is already under review for the payment.
func (r *Repository) Insert(ctx context.Context, paymentID, openedBy uuid.UUID, reason string) (Record, error) {
	const q = `
INSERT INTO disputes (payment_id, opened_by, reason)
SELECT $1, $2, $3
WHERE NOT EXISTS (
    SELECT 1 FROM disputes WHERE payment_id = $1 AND status = 'under_review'
)
RETURNING ` + recordColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, q, paymentID, openedBy, reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

// Get fetches one dispute by id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Record, error) {
	const q = `SELECT ` + recordColumns + ` FROM disputes WHERE id = $1`
	rec, err := scanRecord(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get: %w", err)
	}
	return rec, nil
}

// ListForPayment returns all disputes ever raised on a payment, newest first.
func (r *Repository) ListForPayment(ctx context.Context, paymentID uuid.UUID) ([]Record, error) {
	const q = `SELECT ` + recordColumns + ` FROM disputes WHERE payment_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, paymentID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var status string
		if err := rows.Scan(&rec.ID, &rec.PaymentID, &rec.OpenedBy, &rec.Reason, &status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt); err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		rec.Status = Status(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// Close marks an under-review dispute resolved. ErrAlreadyClosed if the
// record exists but is not under review.
func (r *Repository) Close(ctx context.Context, id uuid.UUID) (Record, error) {
	const q = `
UPDATE disputes
SET status = 'resolved', resolved_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
WHERE id = $1 AND status = 'under_review'
RETURNING ` + recordColumns

	rec, err := scanRecord(r.pool.QueryRow(ctx, q, id))
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("dispute: close: %w", err)
	}
	if _, err := r.Get(ctx, id); err != nil {
		return Record{}, err
	}
	return Record{}, ErrAlreadyClosed
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	var status string
	if err := row.Scan(&rec.ID, &rec.PaymentID, &rec.OpenedBy, &rec.Reason, &status, &rec.CreatedAt, &rec.UpdatedAt, &rec.ResolvedAt); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	return rec, nil
}
