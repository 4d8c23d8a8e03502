package contract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"escrowflow/notify"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Archiver produces the immutable encrypted artifact at lock time and
// returns its hash, storage reference, and algorithm tag.
type Archiver interface {
	Archive(ctx context.Context, reference string, content []byte) (hash, storageRef, algorithm string, err error)
}

// ArtifactSource holds the signed document between signature collection and
// lock-time archival. Rendering itself (PDF generation) is an external
// collaborator.
type ArtifactSource interface {
	Save(ctx context.Context, reference string, content []byte) error
	Load(ctx context.Context, reference string) ([]byte, error)
}

// FinalizeScheduler registers the deferred lock check for the moment the
// retraction window closes.
type FinalizeScheduler interface {
	ScheduleFinalize(ctx context.Context, contractRef string, fireAt time.Time) error
}

// SignParams is one signature submission.
type SignParams struct {
	ContractRef   string
	PartyID       uuid.UUID
	Code          string
	SignedContent []byte
	Origin        string
}

// SignResult reports the protocol state after a successful signature.
type SignResult struct {
	Contract           Contract
	FullySigned        bool
	RetractionDeadline *time.Time
}

// Service owns the contract signature and locking protocol.
type Service struct {
	pool       TxBeginner
	store      Store
	codes      CodeValidator
	issuer     *ChallengeIssuer
	archiver   Archiver
	artifacts  ArtifactSource
	scheduler  FinalizeScheduler
	dispatcher notify.Dispatcher
	now        func() time.Time
}

func NewService(pool TxBeginner, store Store, issuer *ChallengeIssuer, codes CodeValidator, archiver Archiver, artifacts ArtifactSource, scheduler FinalizeScheduler, dispatcher notify.Dispatcher) *Service {
	if codes == nil {
		codes = issuer
	}
	if dispatcher == nil {
		dispatcher = notify.Discard{}
	}
	return &Service{
		pool:       pool,
		store:      store,
		codes:      codes,
		issuer:     issuer,
		archiver:   archiver,
		artifacts:  artifacts,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// Create registers a new unsigned contract between two parties.
func (s *Service) Create(ctx context.Context, params CreateParams) (Contract, error) {
	if params.ListingRef == "" {
		return Contract{}, fmt.Errorf("contract: listing reference required")
	}
	if params.OwnerID == uuid.Nil || params.CounterpartyID == uuid.Nil {
		return Contract{}, fmt.Errorf("contract: both party ids required")
	}
	if params.OwnerID == params.CounterpartyID {
		return Contract{}, fmt.Errorf("contract: owner and counterparty must differ")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.store.Insert(ctx, tx, NewReference(s.now()), params)
	if err != nil {
		return Contract{}, err
	}
	if err := s.store.AppendEvent(ctx, tx, c.ID, EventCreated, nil, map[string]any{
		"reference":   c.Reference,
		"listing_ref": c.ListingRef,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit create: %w", err)
	}
	return c, nil
}

// RequestSignature checks the party is a principal and issues a one-time
// signing challenge bound to (contract, party).
func (s *Service) RequestSignature(ctx context.Context, reference string, partyID uuid.UUID) (Challenge, error) {
	c, err := s.store.Get(ctx, reference)
	if err != nil {
		return Challenge{}, err
	}
	sig, principal := c.SignatureFor(partyID)
	if !principal {
		return Challenge{}, ErrUnauthorized
	}
	if sig.Present() {
		return Challenge{}, ErrAlreadySigned
	}
	if c.Status != StatusUnsigned && c.Status != StatusPartiallySigned {
		return Challenge{}, ErrAlreadySigned
	}
	return s.issuer.Issue(reference, partyID)
}

// Sign validates the one-time code and records the party's signature. The
// second distinct signature closes collection and opens the 48h retraction
// window in the same transaction.
func (s *Service) Sign(ctx context.Context, params SignParams) (SignResult, error) {
	if len(params.SignedContent) == 0 {
		return SignResult{}, fmt.Errorf("contract: signed content required")
	}

	ok, err := s.codes.Validate(ctx, params.ContractRef, params.PartyID, params.Code)
	if err != nil {
		return SignResult{}, fmt.Errorf("contract: validate code: %w", err)
	}
	if !ok {
		return SignResult{}, ErrInvalidOrExpiredCode
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return SignResult{}, fmt.Errorf("contract: begin sign tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.store.GetForUpdate(ctx, tx, params.ContractRef)
	if err != nil {
		return SignResult{}, err
	}

	sig, principal := c.SignatureFor(params.PartyID)
	if !principal {
		return SignResult{}, ErrUnauthorized
	}
	if sig.Present() {
		return SignResult{}, ErrAlreadySigned
	}
	switch c.Status {
	case StatusUnsigned, StatusPartiallySigned:
	case StatusCancelled:
		return SignResult{}, ErrCancelled
	default:
		return SignResult{}, ErrAlreadySigned
	}

	isOwner := params.PartyID == c.OwnerID
	other := c.CounterpartySig
	if !isOwner {
		other = c.OwnerSignature
	}

	signedAt := s.now().UTC()
	hash := sha256.Sum256(params.SignedContent)
	sigParams := SignatureParams{
		ContractID:  c.ID,
		PartyID:     params.PartyID,
		IsOwner:     isOwner,
		SignedAt:    signedAt,
		ContentHash: hex.EncodeToString(hash[:]),
		Origin:      params.Origin,
		NextStatus:  StatusPartiallySigned,
	}

	var deadline *time.Time
	if other.Present() {
		d := signedAt.Add(RetractionWindow)
		deadline = &d
		sigParams.NextStatus = StatusRetractionWindow
		sigParams.RetractionDeadline = deadline
	}

	// Persisted before commit: if the vault write fails the signature
	// transaction aborts and the hash on record never outruns the document.
	if err := s.artifacts.Save(ctx, c.Reference, params.SignedContent); err != nil {
		return SignResult{}, err
	}

	c, err = s.store.RecordSignature(ctx, tx, sigParams)
	if err != nil {
		return SignResult{}, err
	}
	if err := s.store.AppendEvent(ctx, tx, c.ID, EventSigned, &params.PartyID, map[string]any{
		"reference":    c.Reference,
		"content_hash": sigParams.ContentHash,
		"origin":       params.Origin,
		"fully_signed": deadline != nil,
	}); err != nil {
		return SignResult{}, err
	}
	if deadline != nil {
		if err := s.store.EnqueueOutbox(ctx, tx, TopicFullySigned, map[string]any{
			"contract_reference":  c.Reference,
			"retraction_deadline": *deadline,
		}); err != nil {
			return SignResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SignResult{}, fmt.Errorf("contract: commit sign: %w", err)
	}

	if deadline != nil && s.scheduler != nil {
		// Best effort: the finalize sweep also scans for overdue windows,
		// so a failed schedule only delays locking.
		if err := s.scheduler.ScheduleFinalize(ctx, c.Reference, *deadline); err != nil {
			s.dispatcher.Notify(ctx, c.OwnerID, "contract.schedule_failed", map[string]any{
				"contract_reference": c.Reference,
			})
		}
	}

	return SignResult{Contract: c, FullySigned: deadline != nil, RetractionDeadline: c.RetractionDeadline}, nil
}

// Cancel retracts a fully signed contract inside the statutory window.
// Terminal; requires a non-empty reason from one of the principals.
func (s *Service) Cancel(ctx context.Context, reference string, requesterID uuid.UUID, reason string) (Contract, error) {
	if reason == "" {
		return Contract{}, ErrReasonRequired
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.store.GetForUpdate(ctx, tx, reference)
	if err != nil {
		return Contract{}, err
	}
	if _, principal := c.SignatureFor(requesterID); !principal {
		return Contract{}, ErrUnauthorized
	}
	switch c.Status {
	case StatusRetractionWindow:
	case StatusCancelled:
		return c, nil
	case StatusLocked:
		return Contract{}, ErrRetractionExpired
	default:
		return Contract{}, fmt.Errorf("contract: cancel from %s not allowed", c.Status)
	}
	if c.RetractionDeadline == nil || !s.now().Before(*c.RetractionDeadline) {
		return Contract{}, ErrRetractionExpired
	}

	c, err = s.store.SetCancelled(ctx, tx, c.ID, reason)
	if err != nil {
		return Contract{}, err
	}
	if err := s.store.AppendEvent(ctx, tx, c.ID, EventCancelled, &requesterID, map[string]any{
		"reference": c.Reference,
		"reason":    reason,
	}); err != nil {
		return Contract{}, err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, TopicCancelled, map[string]any{
		"contract_reference": c.Reference,
		"reason":             reason,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit cancel: %w", err)
	}
	return c, nil
}

// FinalizeIfExpired locks the contract once the retraction window has closed
// and archives the signed artifact. Idempotent: an already locked contract is
// returned unchanged. Designed for the periodic sweep but safe to call from
// anywhere.
func (s *Service) FinalizeIfExpired(ctx context.Context, reference string) (Contract, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: begin finalize tx: %w", err)
	}
	defer tx.Rollback(ctx)

	c, err := s.store.GetForUpdate(ctx, tx, reference)
	if err != nil {
		return Contract{}, err
	}
	switch c.Status {
	case StatusLocked:
		return c, nil
	case StatusCancelled:
		return Contract{}, ErrCancelled
	case StatusRetractionWindow:
	default:
		return Contract{}, ErrNotFullySigned
	}
	if c.RetractionDeadline == nil {
		return Contract{}, ErrNotFullySigned
	}
	if s.now().Before(*c.RetractionDeadline) {
		return Contract{}, ErrRetractionNotExpired
	}

	content, err := s.artifacts.Load(ctx, c.Reference)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: load signed artifact: %w", err)
	}
	hash, storageRef, algorithm, err := s.archiver.Archive(ctx, c.Reference, content)
	if err != nil {
		return Contract{}, fmt.Errorf("contract: archive artifact: %w", err)
	}

	expiredAt := s.now().UTC()
	c, err = s.store.SetLocked(ctx, tx, LockParams{
		ContractID:          c.ID,
		RetractionExpiredAt: expiredAt,
		ArtifactHash:        hash,
		ArtifactRef:         storageRef,
		ArtifactAlgorithm:   algorithm,
	})
	if err != nil {
		return Contract{}, err
	}
	if err := s.store.AppendEvent(ctx, tx, c.ID, EventLocked, nil, map[string]any{
		"reference":          c.Reference,
		"artifact_hash":      hash,
		"artifact_ref":       storageRef,
		"artifact_algorithm": algorithm,
	}); err != nil {
		return Contract{}, err
	}
	if err := s.store.EnqueueOutbox(ctx, tx, TopicLocked, map[string]any{
		"contract_reference": c.Reference,
		"artifact_hash":      hash,
	}); err != nil {
		return Contract{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Contract{}, fmt.Errorf("contract: commit finalize: %w", err)
	}
	return c, nil
}
