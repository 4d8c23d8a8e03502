package payment

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/notify"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access the ledger needs. Mutations are tx-scoped so
// the status write, audit append, and outbox enqueue commit atomically.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Payment, error)
	Get(ctx context.Context, reference string) (Payment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, reference string) (Payment, error)
	SetStatus(ctx context.Context, tx pgx.Tx, params SetStatusParams) (Payment, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID, eventType string, actorID *uuid.UUID, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	ContractStatus(ctx context.Context, tx pgx.Tx, contractRef string) (string, error)
}

// DisputeLookup reports whether an open dispute references a payment.
type DisputeLookup interface {
	HasOpen(ctx context.Context, paymentID uuid.UUID) (bool, error)
}

// Ledger owns every payment state transition. All mutating operations follow
// the same discipline: begin a transaction, lock the single payment row with
// FOR UPDATE, re-read state inside the lock, then write the new state together
// with its audit entry.
type Ledger struct {
	pool       TxBeginner
	store      Store
	disputes   DisputeLookup
	dispatcher notify.Dispatcher
	now        func() time.Time
}

func NewLedger(pool TxBeginner, store Store, disputes DisputeLookup, dispatcher notify.Dispatcher) *Ledger {
	if dispatcher == nil {
		dispatcher = notify.Discard{}
	}
	return &Ledger{
		pool:       pool,
		store:      store,
		disputes:   disputes,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// Confirm moves an initiated payment to confirmed once the gateway reports
// success. Replays against an already-confirmed payment are a no-op.
func (l *Ledger) Confirm(ctx context.Context, reference string) (Payment, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin confirm tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := l.store.GetForUpdate(ctx, tx, reference)
	if err != nil {
		return Payment{}, err
	}
	if p.Status != StatusInitiated {
		if p.Status == StatusConfirmed || p.Status == StatusEscrow {
			return p, nil
		}
		return Payment{}, fmt.Errorf("%w: confirm from %s", ErrInvalidStateTransition, p.Status)
	}

	p, err = l.store.SetStatus(ctx, tx, SetStatusParams{PaymentID: p.ID, Status: StatusConfirmed})
	if err != nil {
		return Payment{}, err
	}
	if err := l.store.AppendEvent(ctx, tx, p.ID, EventConfirmed, nil, map[string]any{
		"reference": p.Reference,
	}); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit confirm: %w", err)
	}
	return p, nil
}

// Hold moves a confirmed payment into escrow and stamps entered_escrow_at.
// Idempotent: a payment already in escrow is returned unchanged.
func (l *Ledger) Hold(ctx context.Context, reference string) (Payment, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin hold tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := l.store.GetForUpdate(ctx, tx, reference)
	if err != nil {
		return Payment{}, err
	}
	if p.Status == StatusEscrow {
		return p, nil
	}
	if p.Status != StatusConfirmed {
		return Payment{}, fmt.Errorf("%w: hold from %s", ErrInvalidStateTransition, p.Status)
	}

	entered := l.now().UTC()
	p, err = l.store.SetStatus(ctx, tx, SetStatusParams{
		PaymentID:       p.ID,
		Status:          StatusEscrow,
		EnteredEscrowAt: &entered,
	})
	if err != nil {
		return Payment{}, err
	}
	if err := l.store.AppendEvent(ctx, tx, p.ID, EventEscrowEntered, nil, map[string]any{
		"reference":         p.Reference,
		"entered_escrow_at": entered,
	}); err != nil {
		return Payment{}, err
	}
	if err := l.store.EnqueueOutbox(ctx, tx, TopicHeld, map[string]any{
		"payment_reference": p.Reference,
		"release_after":     entered.Add(EscrowWindow),
	}); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit hold: %w", err)
	}
	return p, nil
}

// Release pays rent + deposit to the payee and retains the commission. Valid
// from escrow, or from disputed once the dispute has been resolved; the
// open-dispute check blocks everything else. A second release is a no-op
// that reports the already-final settlement.
func (l *Ledger) Release(ctx context.Context, reference string, actorID *uuid.UUID) (Settlement, error) {
	return l.release(ctx, reference, actorID, false)
}

// ReleaseExpired is the escrow-window timer's entry point. It settles only a
// payment still in escrow: a payment that entered dispute stays frozen for
// the resolution path even when the dispute record has already closed.
func (l *Ledger) ReleaseExpired(ctx context.Context, reference string) (Settlement, error) {
	return l.release(ctx, reference, nil, true)
}

func (l *Ledger) release(ctx context.Context, reference string, actorID *uuid.UUID, escrowOnly bool) (Settlement, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Settlement{}, fmt.Errorf("payment: begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := l.store.GetForUpdate(ctx, tx, reference)
	if err != nil {
		return Settlement{}, err
	}
	if p.Status == StatusConfirmedFinal {
		return Settlement{
			Payment:            p,
			MovedAmount:        p.RentAmount + p.DepositAmount,
			RetainedCommission: p.PlatformFee,
			AlreadySettled:     true,
		}, nil
	}
	if p.Status != StatusEscrow && (escrowOnly || p.Status != StatusDisputed) {
		return Settlement{}, fmt.Errorf("%w: release from %s", ErrInvalidStateTransition, p.Status)
	}

	open, err := l.disputes.HasOpen(ctx, p.ID)
	if err != nil {
		return Settlement{}, fmt.Errorf("payment: dispute lookup: %w", err)
	}
	if open {
		return Settlement{}, ErrDisputeOpen
	}

	settledAt := l.now().UTC()
	payout := p.RentAmount + p.DepositAmount
	p, err = l.store.SetStatus(ctx, tx, SetStatusParams{
		PaymentID: p.ID,
		Status:    StatusConfirmedFinal,
		SettledAt: &settledAt,
	})
	if err != nil {
		return Settlement{}, err
	}
	if err := l.store.AppendEvent(ctx, tx, p.ID, EventReleased, actorID, map[string]any{
		"reference":           p.Reference,
		"payout_amount":       payout,
		"retained_commission": p.PlatformFee,
	}); err != nil {
		return Settlement{}, err
	}
	if err := l.store.EnqueueOutbox(ctx, tx, TopicReleased, map[string]any{
		"payment_reference":   p.Reference,
		"payee_id":            p.PayeeID,
		"payout_amount":       payout,
		"retained_commission": p.PlatformFee,
	}); err != nil {
		return Settlement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Settlement{}, fmt.Errorf("payment: commit release: %w", err)
	}

	// Receipt generation is downstream of the committed transition; a
	// failure here is logged by the dispatcher, never propagated.
	l.dispatcher.Notify(ctx, p.PayeeID, "payment.receipt", map[string]any{
		"payment_reference": p.Reference,
		"payout_amount":     payout,
	})

	return Settlement{Payment: p, MovedAmount: payout, RetainedCommission: p.PlatformFee}, nil
}

// Refund returns rent + deposit to the payer. The platform fee is retained,
// never refunded; that is an invariant, not a policy toggle.
func (l *Ledger) Refund(ctx context.Context, reference string, actorID *uuid.UUID) (Settlement, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Settlement{}, fmt.Errorf("payment: begin refund tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := l.store.GetForUpdate(ctx, tx, reference)
	if err != nil {
		return Settlement{}, err
	}
	if p.Status == StatusRefunded {
		return Settlement{
			Payment:            p,
			MovedAmount:        p.RentAmount + p.DepositAmount,
			RetainedCommission: p.PlatformFee,
			AlreadySettled:     true,
		}, nil
	}
	if p.Status != StatusEscrow && p.Status != StatusDisputed {
		return Settlement{}, fmt.Errorf("%w: refund from %s", ErrInvalidStateTransition, p.Status)
	}

	settledAt := l.now().UTC()
	refund := p.RentAmount + p.DepositAmount
	p, err = l.store.SetStatus(ctx, tx, SetStatusParams{
		PaymentID: p.ID,
		Status:    StatusRefunded,
		SettledAt: &settledAt,
	})
	if err != nil {
		return Settlement{}, err
	}
	if err := l.store.AppendEvent(ctx, tx, p.ID, EventRefunded, actorID, map[string]any{
		"reference":           p.Reference,
		"refund_amount":       refund,
		"retained_commission": p.PlatformFee,
	}); err != nil {
		return Settlement{}, err
	}
	if err := l.store.EnqueueOutbox(ctx, tx, TopicRefunded, map[string]any{
		"payment_reference":   p.Reference,
		"payer_id":            p.PayerID,
		"refund_amount":       refund,
		"retained_commission": p.PlatformFee,
	}); err != nil {
		return Settlement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Settlement{}, fmt.Errorf("payment: commit refund: %w", err)
	}
	return Settlement{Payment: p, MovedAmount: refund, RetainedCommission: p.PlatformFee}, nil
}

// SettleDirect finalizes a payment that never passes through escrow, such as
// a short-stay booking paid out immediately on gateway confirmation.
func (l *Ledger) SettleDirect(ctx context.Context, reference string) (Settlement, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Settlement{}, fmt.Errorf("payment: begin direct settle tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := l.store.GetForUpdate(ctx, tx, reference)
	if err != nil {
		return Settlement{}, err
	}
	if p.Status == StatusConfirmedFinal {
		return Settlement{
			Payment:            p,
			MovedAmount:        p.RentAmount + p.DepositAmount,
			RetainedCommission: p.PlatformFee,
			AlreadySettled:     true,
		}, nil
	}
	if p.Status != StatusInitiated && p.Status != StatusConfirmed {
		return Settlement{}, fmt.Errorf("%w: direct settle from %s", ErrInvalidStateTransition, p.Status)
	}

	settledAt := l.now().UTC()
	payout := p.RentAmount + p.DepositAmount
	p, err = l.store.SetStatus(ctx, tx, SetStatusParams{
		PaymentID: p.ID,
		Status:    StatusConfirmedFinal,
		SettledAt: &settledAt,
	})
	if err != nil {
		return Settlement{}, err
	}
	if err := l.store.AppendEvent(ctx, tx, p.ID, EventReleased, nil, map[string]any{
		"reference":           p.Reference,
		"payout_amount":       payout,
		"retained_commission": p.PlatformFee,
		"direct":              true,
	}); err != nil {
		return Settlement{}, err
	}
	if err := l.store.EnqueueOutbox(ctx, tx, TopicReleased, map[string]any{
		"payment_reference": p.Reference,
		"payee_id":          p.PayeeID,
		"payout_amount":     payout,
	}); err != nil {
		return Settlement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Settlement{}, fmt.Errorf("payment: commit direct settle: %w", err)
	}
	return Settlement{Payment: p, MovedAmount: payout, RetainedCommission: p.PlatformFee}, nil
}

// Fail marks a payment failed after a gateway rejection. Terminal; a new
// payment attempt must be created. Replays are a no-op.
func (l *Ledger) Fail(ctx context.Context, reference string, detail string) (Payment, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := l.store.GetForUpdate(ctx, tx, reference)
	if err != nil {
		return Payment{}, err
	}
	if p.Status == StatusFailed {
		return p, nil
	}
	if p.Status != StatusInitiated && p.Status != StatusConfirmed {
		return Payment{}, fmt.Errorf("%w: fail from %s", ErrInvalidStateTransition, p.Status)
	}

	p, err = l.store.SetStatus(ctx, tx, SetStatusParams{PaymentID: p.ID, Status: StatusFailed})
	if err != nil {
		return Payment{}, err
	}
	if err := l.store.AppendEvent(ctx, tx, p.ID, EventFailed, nil, map[string]any{
		"reference": p.Reference,
		"detail":    detail,
	}); err != nil {
		return Payment{}, err
	}
	if err := l.store.EnqueueOutbox(ctx, tx, TopicFailed, map[string]any{
		"payment_reference": p.Reference,
		"payer_id":          p.PayerID,
	}); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit fail: %w", err)
	}
	return p, nil
}

// MarkDisputed freezes a payment in the disputed state pending external
// mediation. Only reachable from escrow.
func (l *Ledger) MarkDisputed(ctx context.Context, reference string, actorID *uuid.UUID) (Payment, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin dispute tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := l.store.GetForUpdate(ctx, tx, reference)
	if err != nil {
		return Payment{}, err
	}
	if p.Status == StatusDisputed {
		return p, nil
	}
	if p.Status != StatusEscrow {
		return Payment{}, fmt.Errorf("%w: dispute from %s", ErrInvalidStateTransition, p.Status)
	}

	p, err = l.store.SetStatus(ctx, tx, SetStatusParams{PaymentID: p.ID, Status: StatusDisputed})
	if err != nil {
		return Payment{}, err
	}
	if err := l.store.AppendEvent(ctx, tx, p.ID, EventDisputed, actorID, map[string]any{
		"reference": p.Reference,
	}); err != nil {
		return Payment{}, err
	}
	if err := l.store.EnqueueOutbox(ctx, tx, TopicDisputed, map[string]any{
		"payment_reference": p.Reference,
	}); err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit dispute: %w", err)
	}
	return p, nil
}

// Status reports the escrow window position for a payment by reference.
func (l *Ledger) Status(ctx context.Context, reference string) (EscrowStatus, error) {
	p, err := l.store.Get(ctx, reference)
	if err != nil {
		return EscrowStatus{}, err
	}
	if p.EnteredEscrowAt == nil {
		return EscrowStatus{}, fmt.Errorf("%w: payment %s never entered escrow", ErrInvalidStateTransition, reference)
	}
	return StatusAt(p, l.now()), nil
}

// StatusAt computes the escrow window position at the given instant.
// Remaining hours floor at zero, never negative.
func StatusAt(p Payment, now time.Time) EscrowStatus {
	elapsed := now.Sub(*p.EnteredEscrowAt).Hours()
	remaining := math.Max(0, EscrowWindow.Hours()-elapsed)
	return EscrowStatus{
		HoursElapsed:   elapsed,
		HoursRemaining: remaining,
		IsExpired:      elapsed >= EscrowWindow.Hours(),
	}
}
