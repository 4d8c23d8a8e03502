// Package gateway normalizes payment-gateway webhook payloads and drives the
// escrow ledger exactly once per confirmation. Payload signature verification
// happens upstream; payloads arriving here are assumed authentic.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnmappableNotification wraps payloads no mapper can reduce to a
// settlement outcome. Retrying the same payload cannot help.
var ErrUnmappableNotification = errors.New("gateway: unmappable notification")

// Outcome is the normalized result of a gateway confirmation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Notification is one webhook reduced to what settlement needs.
type Notification struct {
	PaymentRef string
	EventID    string
	Outcome    Outcome
	Detail     string
}

// OutcomeMapper extracts a Notification from one gateway's payload format.
// Adding a gateway means adding a mapper, never touching settlement logic.
type OutcomeMapper interface {
	Map(payload []byte) (Notification, error)
}

// Registry resolves a mapper by gateway name. Unknown gateways fall back to
// a mapper that reports failure: unrecognized confirmations never move money.
type Registry struct {
	mappers map[string]OutcomeMapper
}

func NewRegistry() *Registry {
	return &Registry{mappers: map[string]OutcomeMapper{
		"cinetpay": cinetpayMapper{},
		"paydunya": paydunyaMapper{},
		"stripe":   stripeMapper{},
	}}
}

func (r *Registry) Register(name string, m OutcomeMapper) {
	r.mappers[name] = m
}

func (r *Registry) Lookup(name string) OutcomeMapper {
	if m, ok := r.mappers[name]; ok {
		return m
	}
	return failSafeMapper{gateway: name}
}

type cinetpayMapper struct{}

func (cinetpayMapper) Map(payload []byte) (Notification, error) {
	var body struct {
		TransactionID string `json:"cpm_trans_id"`
		SiteRef       string `json:"cpm_custom"`
		Status        string `json:"cpm_result"`
		Message       string `json:"cpm_error_message"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Notification{}, fmt.Errorf("gateway: cinetpay payload: %w", err)
	}
	if body.SiteRef == "" {
		return Notification{}, fmt.Errorf("gateway: cinetpay payload missing payment reference")
	}
	outcome := OutcomeFailure
	if body.Status == "00" {
		outcome = OutcomeSuccess
	}
	return Notification{
		PaymentRef: body.SiteRef,
		EventID:    body.TransactionID,
		Outcome:    outcome,
		Detail:     body.Message,
	}, nil
}

type paydunyaMapper struct{}

func (paydunyaMapper) Map(payload []byte) (Notification, error) {
	var body struct {
		Invoice struct {
			Token       string `json:"token"`
			CustomData  struct {
				PaymentRef string `json:"payment_ref"`
			} `json:"custom_data"`
		} `json:"invoice"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Notification{}, fmt.Errorf("gateway: paydunya payload: %w", err)
	}
	if body.Invoice.CustomData.PaymentRef == "" {
		return Notification{}, fmt.Errorf("gateway: paydunya payload missing payment reference")
	}
	outcome := OutcomeFailure
	if body.Status == "completed" {
		outcome = OutcomeSuccess
	}
	return Notification{
		PaymentRef: body.Invoice.CustomData.PaymentRef,
		EventID:    body.Invoice.Token,
		Outcome:    outcome,
		Detail:     body.Status,
	}, nil
}

type stripeMapper struct{}

func (stripeMapper) Map(payload []byte) (Notification, error) {
	var body struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			Object struct {
				Metadata struct {
					PaymentRef string `json:"payment_ref"`
				} `json:"metadata"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Notification{}, fmt.Errorf("gateway: stripe payload: %w", err)
	}
	if body.Data.Object.Metadata.PaymentRef == "" {
		return Notification{}, fmt.Errorf("gateway: stripe payload missing payment reference")
	}
	outcome := OutcomeFailure
	if body.Type == "payment_intent.succeeded" {
		outcome = OutcomeSuccess
	}
	return Notification{
		PaymentRef: body.Data.Object.Metadata.PaymentRef,
		EventID:    body.ID,
		Outcome:    outcome,
		Detail:     body.Type,
	}, nil
}

// failSafeMapper handles gateways with no registered mapper. It extracts the
// payment reference when the payload carries a recognizable field, and always
// reports failure.
type failSafeMapper struct {
	gateway string
}

func (m failSafeMapper) Map(payload []byte) (Notification, error) {
	var body struct {
		PaymentRef string `json:"payment_ref"`
		Reference  string `json:"reference"`
		EventID    string `json:"event_id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Notification{}, fmt.Errorf("gateway: %s payload: %w", m.gateway, err)
	}
	ref := body.PaymentRef
	if ref == "" {
		ref = body.Reference
	}
	if ref == "" {
		return Notification{}, fmt.Errorf("gateway: %s is not supported and payload carries no payment reference", m.gateway)
	}
	return Notification{
		PaymentRef: ref,
		EventID:    body.EventID,
		Outcome:    OutcomeFailure,
		Detail:     fmt.Sprintf("unsupported gateway %s", m.gateway),
	}, nil
}
