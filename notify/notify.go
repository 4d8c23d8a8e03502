// Package notify carries fire-and-forget event delivery to parties. Failures
// are logged and never block settlement logic.
package notify

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Dispatcher delivers an event to a party. Implementations must not return
// errors to callers; delivery problems are their own to log and retry.
type Dispatcher interface {
	Notify(ctx context.Context, partyID uuid.UUID, eventType string, payload map[string]any)
}

// Discard drops every notification. Useful in tests and as a nil-safe default.
type Discard struct{}

func (Discard) Notify(context.Context, uuid.UUID, string, map[string]any) {}

// Outbox persists notifications to the outbox table for a downstream relay to
// deliver. Best effort: an insert failure is logged, the caller's transition
// has already committed and is never rolled back.
type Outbox struct {
	Pool *pgxpool.Pool
}

func (o *Outbox) Notify(ctx context.Context, partyID uuid.UUID, eventType string, payload map[string]any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("notify: marshal %s payload: %v", eventType, err)
		return
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, jsonb_set($2::jsonb, '{party_id}', to_jsonb($3::text)))`
	if _, err := o.Pool.Exec(ctx, q, eventType, body, partyID.String()); err != nil {
		log.Printf("notify: enqueue %s for %s: %v", eventType, partyID, err)
	}
}
