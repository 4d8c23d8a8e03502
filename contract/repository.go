package contract

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

const contractColumns = `id, reference, listing_ref, owner_id, counterparty_id, status::text,
owner_signed_at, owner_sig_hash, owner_sig_origin,
counterparty_signed_at, counterparty_sig_hash, counterparty_sig_origin,
retraction_deadline, retraction_expired_at, cancel_reason,
artifact_hash, artifact_ref, artifact_algorithm, created_at, updated_at`

// CreateParams are the facts fixed at contract creation.
type CreateParams struct {
	ListingRef     string
	OwnerID        uuid.UUID
	CounterpartyID uuid.UUID
}

// SignatureParams carries one recorded signature plus the resulting protocol
// state decided by the service.
type SignatureParams struct {
	ContractID         uuid.UUID
	PartyID            uuid.UUID
	IsOwner            bool
	SignedAt           time.Time
	ContentHash        string
	Origin             string
	NextStatus         Status
	RetractionDeadline *time.Time
}

// LockParams stamps the terminal locked state together with the archival
// record. WORM: none of these columns is ever written again.
type LockParams struct {
	ContractID          uuid.UUID
	RetractionExpiredAt time.Time
	ArtifactHash        string
	ArtifactRef         string
	ArtifactAlgorithm   string
}

// Store defines the data access the signing service needs.
type Store interface {
	Insert(ctx context.Context, tx pgx.Tx, reference string, params CreateParams) (Contract, error)
	Get(ctx context.Context, reference string) (Contract, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, reference string) (Contract, error)
	RecordSignature(ctx context.Context, tx pgx.Tx, params SignatureParams) (Contract, error)
	SetCancelled(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, reason string) (Contract, error)
	SetLocked(ctx context.Context, tx pgx.Tx, params LockParams) (Contract, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, eventType string, actorID *uuid.UUID, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Repository is the Postgres-backed Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, reference string, params CreateParams) (Contract, error) {
	const q = `
INSERT INTO contracts (reference, listing_ref, owner_id, counterparty_id)
VALUES ($1, $2, $3, $4)
RETURNING ` + contractColumns

	c, err := scanContract(tx.QueryRow(ctx, q, reference, params.ListingRef, params.OwnerID, params.CounterpartyID))
	if err != nil {
		return Contract{}, fmt.Errorf("contract: insert: %w", err)
	}
	return c, nil
}

func (r *Repository) Get(ctx context.Context, reference string) (Contract, error) {
	c, err := scanContract(r.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE reference = $1`, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: get: %w", err)
	}
	return c, nil
}

// GetForUpdate locks the contract row for the caller's transaction. State
// read after this call is authoritative.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, reference string) (Contract, error) {
	c, err := scanContract(tx.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE reference = $1 FOR UPDATE`, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Contract{}, ErrNotFound
		}
		return Contract{}, fmt.Errorf("contract: lock: %w", err)
	}
	return c, nil
}

func (r *Repository) RecordSignature(ctx context.Context, tx pgx.Tx, params SignatureParams) (Contract, error) {
	var q string
	if params.IsOwner {
		q = `
UPDATE contracts
SET owner_signed_at = $2, owner_sig_hash = $3, owner_sig_origin = $4,
    status = $5::contract_status,
    retraction_deadline = COALESCE($6, retraction_deadline),
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + contractColumns
	} else {
		q = `
UPDATE contracts
SET counterparty_signed_at = $2, counterparty_sig_hash = $3, counterparty_sig_origin = $4,
    status = $5::contract_status,
    retraction_deadline = COALESCE($6, retraction_deadline),
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + contractColumns
	}

	c, err := scanContract(tx.QueryRow(ctx, q,
		params.ContractID,
		params.SignedAt,
		params.ContentHash,
		params.Origin,
		string(params.NextStatus),
		params.RetractionDeadline,
	))
	if err != nil {
		return Contract{}, fmt.Errorf("contract: record signature: %w", err)
	}
	return c, nil
}

func (r *Repository) SetCancelled(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, reason string) (Contract, error) {
	const q = `
UPDATE contracts
SET status = 'cancelled', cancel_reason = $2, updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + contractColumns

	c, err := scanContract(tx.QueryRow(ctx, q, contractID, reason))
	if err != nil {
		return Contract{}, fmt.Errorf("contract: set cancelled: %w", err)
	}
	return c, nil
}

func (r *Repository) SetLocked(ctx context.Context, tx pgx.Tx, params LockParams) (Contract, error) {
	const q = `
UPDATE contracts
SET status = 'locked',
    retraction_expired_at = $2,
    artifact_hash = $3,
    artifact_ref = $4,
    artifact_algorithm = $5,
    updated_at = get_tx_timestamp()
WHERE id = $1 AND retraction_expired_at IS NULL
RETURNING ` + contractColumns

	c, err := scanContract(tx.QueryRow(ctx, q,
		params.ContractID,
		params.RetractionExpiredAt,
		params.ArtifactHash,
		params.ArtifactRef,
		params.ArtifactAlgorithm,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// retraction_expired_at is written at most once.
			return Contract{}, fmt.Errorf("contract: lock refused, already finalized")
		}
		return Contract{}, fmt.Errorf("contract: set locked: %w", err)
	}
	return c, nil
}

func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, contractID uuid.UUID, eventType string, actorID *uuid.UUID, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal event payload: %w", err)
	}
	var actor any
	if actorID != nil {
		actor = *actorID
	}
	const q = `INSERT INTO contract_events (contract_id, type, actor_id, payload) VALUES ($1, $2, $3, $4::jsonb)`
	if _, err := tx.Exec(ctx, q, contractID, eventType, actor, body); err != nil {
		return fmt.Errorf("contract: append event: %w", err)
	}
	return nil
}

func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("contract: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("contract: enqueue outbox: %w", err)
	}
	return nil
}

func scanContract(row pgx.Row) (Contract, error) {
	var c Contract
	var status string
	if err := row.Scan(
		&c.ID,
		&c.Reference,
		&c.ListingRef,
		&c.OwnerID,
		&c.CounterpartyID,
		&status,
		&c.OwnerSignature.SignedAt,
		&c.OwnerSignature.ContentHash,
		&c.OwnerSignature.Origin,
		&c.CounterpartySig.SignedAt,
		&c.CounterpartySig.ContentHash,
		&c.CounterpartySig.Origin,
		&c.RetractionDeadline,
		&c.RetractionExpiredAt,
		&c.CancelReason,
		&c.ArtifactHash,
		&c.ArtifactRef,
		&c.ArtifactAlgorithm,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Contract{}, err
	}
	c.Status = Status(status)
	return c, nil
}
