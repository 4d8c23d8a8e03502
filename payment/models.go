package payment

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a payment. Payments only move forward;
// disputed and failed are terminal.
type Status string

const (
	StatusInitiated      Status = "initiated"
	StatusConfirmed      Status = "confirmed"
	StatusEscrow         Status = "escrow"
	StatusConfirmedFinal Status = "confirmed_final"
	StatusRefunded       Status = "refunded"
	StatusDisputed       Status = "disputed"
	StatusFailed         Status = "failed"
)

// Payment mirrors the payments table. Amounts are in the platform's smallest
// currency unit. PlatformFee is fixed at creation and never mutated.
type Payment struct {
	ID              uuid.UUID
	Reference       string
	ContractRef     string
	PayerID         uuid.UUID
	PayeeID         uuid.UUID
	RentAmount      int64
	DepositAmount   int64
	PlatformFee     int64
	TotalAmount     int64
	Status          Status
	EscrowBound     bool
	EnteredEscrowAt *time.Time
	SettledAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Settlement reports the money moved by a release or refund. The platform fee
// is always retained, never part of either amount.
type Settlement struct {
	Payment            Payment
	MovedAmount        int64
	RetainedCommission int64
	AlreadySettled     bool
}

// EscrowStatus is the time-window view of a payment sitting in escrow.
type EscrowStatus struct {
	HoursElapsed   float64
	HoursRemaining float64
	IsExpired      bool
}

// EscrowWindow is how long funds sit in escrow before automatic release.
const EscrowWindow = 48 * time.Hour

var (
	// ErrNotFound is returned when no payment row exists for the identifier.
	ErrNotFound = errors.New("payment: not found")
	// ErrInvalidStateTransition signals an operation that the current state
	// does not permit. Surfaced, never silently retried.
	ErrInvalidStateTransition = errors.New("payment: invalid state transition")
	// ErrDisputeOpen blocks release while a dispute references the payment.
	ErrDisputeOpen = errors.New("payment: open dispute blocks release")
	// ErrContractNotLocked is returned when initiating a payment against a
	// contract that is not yet locked.
	ErrContractNotLocked = errors.New("payment: contract is not locked")
)

// Event types appended to the payment_events audit log.
const (
	EventInitiated     = "PAYMENT_INITIATED"
	EventConfirmed     = "PAYMENT_CONFIRMED"
	EventEscrowEntered = "ESCROW_ENTERED"
	EventReleased      = "ESCROW_RELEASED"
	EventRefunded      = "ESCROW_REFUNDED"
	EventDisputed      = "PAYMENT_DISPUTED"
	EventFailed        = "PAYMENT_FAILED"
)

// Outbox topics emitted alongside payment transitions.
const (
	TopicInitiated = "payment.initiated"
	TopicHeld      = "payment.held"
	TopicReleased  = "payment.released"
	TopicRefunded  = "payment.refunded"
	TopicFailed    = "payment.failed"
	TopicDisputed  = "payment.disputed"
)
