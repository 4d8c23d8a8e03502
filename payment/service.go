package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"escrowflow/commission"
)

// InitiateParams are the facts needed to open a settlement attempt against a
// locked contract.
type InitiateParams struct {
	ContractRef     string
	PayerID         uuid.UUID
	PayeeID         uuid.UUID
	TransactionType commission.TransactionType
	BaseAmount      int64
	DepositAmount   int64
	PayerTier       commission.Tier
}

// Service creates payments. Lifecycle transitions after creation belong to
// the Ledger.
type Service struct {
	pool  TxBeginner
	store Store
	now   func() time.Time
}

func NewService(pool TxBeginner, store Store) *Service {
	return &Service{pool: pool, store: store, now: time.Now}
}

// Initiate prices the transaction and inserts the payment in the initiated
// state. The platform fee is computed here exactly once; nothing downstream
// may recompute or mutate it.
func (s *Service) Initiate(ctx context.Context, params InitiateParams) (Payment, commission.Invoice, error) {
	if params.ContractRef == "" {
		return Payment{}, commission.Invoice{}, fmt.Errorf("payment: contract reference required")
	}
	if params.PayerID == uuid.Nil || params.PayeeID == uuid.Nil {
		return Payment{}, commission.Invoice{}, fmt.Errorf("payment: payer and payee ids required")
	}

	invoice, quote, err := commission.CalculateInvoice(commission.Facts{
		Type:      params.TransactionType,
		Amount:    params.BaseAmount,
		Deposit:   params.DepositAmount,
		PayerTier: params.PayerTier,
	})
	if err != nil {
		return Payment{}, commission.Invoice{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, commission.Invoice{}, fmt.Errorf("payment: begin initiate tx: %w", err)
	}
	defer tx.Rollback(ctx)

	status, err := s.store.ContractStatus(ctx, tx, params.ContractRef)
	if err != nil {
		return Payment{}, commission.Invoice{}, err
	}
	if status != "locked" {
		return Payment{}, commission.Invoice{}, fmt.Errorf("%w: contract %s is %s", ErrContractNotLocked, params.ContractRef, status)
	}

	p, err := s.store.Insert(ctx, tx, InsertParams{
		Reference:     NewReference(s.now()),
		ContractRef:   params.ContractRef,
		PayerID:       params.PayerID,
		PayeeID:       params.PayeeID,
		RentAmount:    params.BaseAmount,
		DepositAmount: params.DepositAmount,
		PlatformFee:   quote.CommissionFinal,
		// Short stays pay out on confirmation; everything else is held in
		// escrow for the 48h window.
		EscrowBound: params.TransactionType != commission.RentalShort,
	})
	if err != nil {
		return Payment{}, commission.Invoice{}, err
	}

	if err := s.store.AppendEvent(ctx, tx, p.ID, EventInitiated, &params.PayerID, map[string]any{
		"reference":    p.Reference,
		"contract_ref": p.ContractRef,
		"rate_used_bp": quote.RateUsed,
		"discount_bp":  quote.DiscountRate,
		"platform_fee": p.PlatformFee,
		"total_amount": p.TotalAmount,
		"payer_tier":   string(params.PayerTier),
		"transaction":  string(params.TransactionType),
	}); err != nil {
		return Payment{}, commission.Invoice{}, err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, TopicInitiated, map[string]any{
		"payment_reference": p.Reference,
		"payer_id":          p.PayerID,
		"total_amount":      p.TotalAmount,
	}); err != nil {
		return Payment{}, commission.Invoice{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, commission.Invoice{}, fmt.Errorf("payment: commit initiate: %w", err)
	}
	return p, invoice, nil
}
