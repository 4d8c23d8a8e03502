package dispute

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/payment"
)

// LedgerOps is the slice of the payment ledger dispute handling drives.
type LedgerOps interface {
	MarkDisputed(ctx context.Context, reference string, actorID *uuid.UUID) (payment.Payment, error)
	Release(ctx context.Context, reference string, actorID *uuid.UUID) (payment.Settlement, error)
	Refund(ctx context.Context, reference string, actorID *uuid.UUID) (payment.Settlement, error)
}

// Service coordinates dispute records with the payment ledger. Opening a
// dispute freezes the payment; resolving one settles it in the direction
// the mediator decided.
type Service struct {
	pool   *pgxpool.Pool
	repo   *Repository
	ledger LedgerOps
}

func NewService(pool *pgxpool.Pool, repo *Repository, ledger LedgerOps) *Service {
	return &Service{pool: pool, repo: repo, ledger: ledger}
}

// Open raises a dispute on an escrow payment. The payment is frozen first;
// the auto-release sweep then skips it until resolution.
func (s *Service) Open(ctx context.Context, paymentRef string, openedBy uuid.UUID, reason string) (Record, error) {
	if reason == "" {
		return Record{}, fmt.Errorf("dispute: reason required")
	}

	p, err := s.ledger.MarkDisputed(ctx, paymentRef, &openedBy)
	if err != nil {
		return Record{}, err
	}
	return s.repo.Insert(ctx, p.ID, openedBy, reason)
}

// Resolve closes a dispute with the mediated outcome and settles the frozen
// payment accordingly. The record is closed first so the settlement path
// sees no open dispute; if the settlement itself fails the payment stays
// frozen and the same outcome can be re-applied through the ledger.
func (s *Service) Resolve(ctx context.Context, disputeID uuid.UUID, outcome Outcome, resolvedBy uuid.UUID) (Record, payment.Settlement, error) {
	if outcome != OutcomeRelease && outcome != OutcomeRefund {
		return Record{}, payment.Settlement{}, ErrInvalidOutcome
	}

	rec, err := s.repo.Close(ctx, disputeID)
	if err != nil {
		return Record{}, payment.Settlement{}, err
	}

	ref, err := s.paymentReference(ctx, rec.PaymentID)
	if err != nil {
		return Record{}, payment.Settlement{}, err
	}

	var settlement payment.Settlement
	if outcome == OutcomeRelease {
		settlement, err = s.ledger.Release(ctx, ref, &resolvedBy)
	} else {
		settlement, err = s.ledger.Refund(ctx, ref, &resolvedBy)
	}
	if err != nil {
		return Record{}, payment.Settlement{}, fmt.Errorf("dispute: settle %s: %w", outcome, err)
	}
	return rec, settlement, nil
}

// ListForPayment resolves the payment reference and returns its disputes.
func (s *Service) ListForPayment(ctx context.Context, paymentRef string) ([]Record, error) {
	const q = `SELECT id FROM payments WHERE reference = $1`
	var paymentID uuid.UUID
	if err := s.pool.QueryRow(ctx, q, paymentRef).Scan(&paymentID); err != nil {
		return nil, payment.ErrNotFound
	}
	return s.repo.ListForPayment(ctx, paymentID)
}

func (s *Service) paymentReference(ctx context.Context, paymentID uuid.UUID) (string, error) {
	const q = `SELECT reference FROM payments WHERE id = $1`
	var ref string
	if err := s.pool.QueryRow(ctx, q, paymentID).Scan(&ref); err != nil {
		return "", fmt.Errorf("dispute: resolve payment reference: %w", err)
	}
	return ref, nil
}
