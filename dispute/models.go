package dispute

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Outcome is the mediated decision closing a dispute. Release pays the
// payee, refund returns the funds to the payer; the commission is retained
// either way.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

var (
	ErrNotFound       = errors.New("dispute: not found")
	ErrAlreadyOpen    = errors.New("dispute: payment already under review")
	ErrAlreadyClosed  = errors.New("dispute: already resolved")
	ErrInvalidOutcome = errors.New("dispute: outcome must be release or refund")
)

// Record mirrors the disputes table.
type Record struct {
	ID         uuid.UUID
	PaymentID  uuid.UUID
	OpenedBy   uuid.UUID
	Reason     string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}
