package contract

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the signature-protocol state of a contract. Fully signed
// contracts enter the retraction window immediately; locked is terminal and
// immutable, cancelled is reachable from the retraction window only.
type Status string

const (
	StatusUnsigned         Status = "unsigned"
	StatusPartiallySigned  Status = "partially_signed"
	StatusRetractionWindow Status = "retraction_window"
	StatusLocked           Status = "locked"
	StatusCancelled        Status = "cancelled"
)

// RetractionWindow is the statutory right-of-withdrawal period that opens
// once both parties have signed.
const RetractionWindow = 48 * time.Hour

// Signature records one party's signature: when, over what content, and from
// where it was submitted.
type Signature struct {
	SignedAt    *time.Time
	ContentHash *string
	Origin      *string
}

func (s Signature) Present() bool { return s.SignedAt != nil }

// Contract mirrors the contracts table.
type Contract struct {
	ID                   uuid.UUID
	Reference            string
	ListingRef           string
	OwnerID              uuid.UUID
	CounterpartyID       uuid.UUID
	Status               Status
	OwnerSignature       Signature
	CounterpartySig      Signature
	RetractionDeadline   *time.Time
	RetractionExpiredAt  *time.Time
	CancelReason         *string
	ArtifactHash         *string
	ArtifactRef          *string
	ArtifactAlgorithm    *string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SignatureFor returns the stored signature slot for a principal.
func (c Contract) SignatureFor(partyID uuid.UUID) (Signature, bool) {
	switch partyID {
	case c.OwnerID:
		return c.OwnerSignature, true
	case c.CounterpartyID:
		return c.CounterpartySig, true
	default:
		return Signature{}, false
	}
}

var (
	// ErrNotFound is returned when no contract row exists for the reference.
	ErrNotFound = errors.New("contract: not found")
	// ErrUnauthorized rejects a party that is not one of the two principals.
	ErrUnauthorized = errors.New("contract: party is not a contract principal")
	// ErrAlreadySigned reports an expected race, not an anomaly: the party
	// (or the whole contract) is already signed.
	ErrAlreadySigned = errors.New("contract: already signed")
	// ErrInvalidOrExpiredCode rejects a bad or stale one-time code.
	ErrInvalidOrExpiredCode = errors.New("contract: invalid or expired code")
	// ErrRetractionExpired rejects a cancellation after the window closed.
	ErrRetractionExpired = errors.New("contract: retraction window has expired")
	// ErrRetractionNotExpired rejects locking while the window is open.
	ErrRetractionNotExpired = errors.New("contract: retraction window still open")
	// ErrCancelled is returned for operations on a cancelled contract.
	ErrCancelled = errors.New("contract: cancelled")
	// ErrNotFullySigned rejects locking before both signatures exist.
	ErrNotFullySigned = errors.New("contract: not fully signed")
	// ErrReasonRequired rejects a cancellation without a stated reason.
	ErrReasonRequired = errors.New("contract: cancellation reason required")
)

// Event types appended to the contract_events audit log.
const (
	EventCreated   = "CONTRACT_CREATED"
	EventSigned    = "CONTRACT_SIGNED"
	EventCancelled = "CONTRACT_CANCELLED"
	EventLocked    = "CONTRACT_LOCKED"
)

// Outbox topics emitted alongside contract transitions.
const (
	TopicFullySigned = "contract.fully_signed"
	TopicCancelled   = "contract.cancelled"
	TopicLocked      = "contract.locked"
)

// NewReference builds a contract reference in the CTR-YYYYMMDD-XXXXX format.
func NewReference(t time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:5]
	return fmt.Sprintf("CTR-%s-%s", t.UTC().Format("20060102"), suffix)
}
