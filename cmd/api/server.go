package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"escrowflow/archive"
	"escrowflow/commission"
	"escrowflow/contract"
	"escrowflow/dispute"
	"escrowflow/gateway"
	"escrowflow/payment"
)

type paymentInitiator interface {
	Initiate(ctx context.Context, params payment.InitiateParams) (payment.Payment, commission.Invoice, error)
}

type escrowLedger interface {
	Status(ctx context.Context, reference string) (payment.EscrowStatus, error)
	Release(ctx context.Context, reference string, actorID *uuid.UUID) (payment.Settlement, error)
	Refund(ctx context.Context, reference string, actorID *uuid.UUID) (payment.Settlement, error)
}

type webhookHandler interface {
	HandleWebhook(ctx context.Context, gatewayName string, payload []byte) error
}

type contractService interface {
	Create(ctx context.Context, params contract.CreateParams) (contract.Contract, error)
	RequestSignature(ctx context.Context, reference string, partyID uuid.UUID) (contract.Challenge, error)
	Sign(ctx context.Context, params contract.SignParams) (contract.SignResult, error)
	Cancel(ctx context.Context, reference string, requesterID uuid.UUID, reason string) (contract.Contract, error)
}

type disputeService interface {
	Open(ctx context.Context, paymentRef string, openedBy uuid.UUID, reason string) (dispute.Record, error)
	Resolve(ctx context.Context, disputeID uuid.UUID, outcome dispute.Outcome, resolvedBy uuid.UUID) (dispute.Record, payment.Settlement, error)
	ListForPayment(ctx context.Context, paymentRef string) ([]dispute.Record, error)
}

type integrityAuditor interface {
	VerifyContract(ctx context.Context, reference string) (archive.Result, error)
}

// Server holds the HTTP layer over the domain services.
type Server struct {
	payments  paymentInitiator
	ledger    escrowLedger
	webhooks  webhookHandler
	contracts contractService
	disputes  disputeService
	auditor   integrityAuditor
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	r.HandleFunc("/api/quotes", s.handleQuote).Methods("POST")
	r.HandleFunc("/api/payments", s.handleInitiatePayment).Methods("POST")
	r.HandleFunc("/api/payments/{reference}/escrow", s.handleEscrowStatus).Methods("GET")
	r.HandleFunc("/api/payments/{reference}/release", s.handleRelease).Methods("POST")
	r.HandleFunc("/api/payments/{reference}/refund", s.handleRefund).Methods("POST")
	r.HandleFunc("/api/payments/{reference}/disputes", s.handleListDisputes).Methods("GET")
	r.HandleFunc("/api/webhooks/{gateway}", s.handleWebhook).Methods("POST")
	r.HandleFunc("/api/contracts", s.handleCreateContract).Methods("POST")
	r.HandleFunc("/api/contracts/{reference}/signature-requests", s.handleRequestSignature).Methods("POST")
	r.HandleFunc("/api/contracts/{reference}/signatures", s.handleSign).Methods("POST")
	r.HandleFunc("/api/contracts/{reference}/cancel", s.handleCancelContract).Methods("POST")
	r.HandleFunc("/api/contracts/{reference}/integrity", s.handleVerifyIntegrity).Methods("GET")
	r.HandleFunc("/api/disputes", s.handleOpenDispute).Methods("POST")
	r.HandleFunc("/api/disputes/{id}", s.handleResolveDispute).Methods("PATCH")

	return r
}

type quoteRequest struct {
	TransactionType string `json:"transactionType"`
	Amount          int64  `json:"amount"`
	Deposit         int64  `json:"deposit"`
	PayerTier       string `json:"payerTier"`
}

type quoteResponse struct {
	CommissionBase  int64              `json:"commissionBase"`
	DiscountRate    int                `json:"discountRate"`
	CommissionFinal int64              `json:"commissionFinal"`
	Invoice         commission.Invoice `json:"invoice"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	invoice, quote, err := commission.CalculateInvoice(commission.Facts{
		Type:      commission.TransactionType(req.TransactionType),
		Amount:    req.Amount,
		Deposit:   req.Deposit,
		PayerTier: commission.Tier(req.PayerTier),
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{
		CommissionBase:  quote.CommissionBase,
		DiscountRate:    quote.DiscountRate,
		CommissionFinal: quote.CommissionFinal,
		Invoice:         invoice,
	})
}

type initiatePaymentRequest struct {
	ContractRef     string `json:"contractRef"`
	PayerID         string `json:"payerId"`
	PayeeID         string `json:"payeeId"`
	TransactionType string `json:"transactionType"`
	Amount          int64  `json:"amount"`
	Deposit         int64  `json:"deposit"`
	PayerTier       string `json:"payerTier"`
}

type paymentResponse struct {
	Reference     string              `json:"reference"`
	ContractRef   string              `json:"contractRef"`
	Status        string              `json:"status"`
	RentAmount    int64               `json:"rentAmount"`
	DepositAmount int64               `json:"depositAmount"`
	PlatformFee   int64               `json:"platformFee"`
	TotalAmount   int64               `json:"totalAmount"`
	Invoice       *commission.Invoice `json:"invoice,omitempty"`
}

func (s *Server) handleInitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req initiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payerID, err := uuid.Parse(req.PayerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payerId")
		return
	}
	payeeID, err := uuid.Parse(req.PayeeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payeeId")
		return
	}

	p, invoice, err := s.payments.Initiate(r.Context(), payment.InitiateParams{
		ContractRef:     req.ContractRef,
		PayerID:         payerID,
		PayeeID:         payeeID,
		TransactionType: commission.TransactionType(req.TransactionType),
		BaseAmount:      req.Amount,
		DepositAmount:   req.Deposit,
		PayerTier:       commission.Tier(req.PayerTier),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentResponse{
		Reference:     p.Reference,
		ContractRef:   p.ContractRef,
		Status:        string(p.Status),
		RentAmount:    p.RentAmount,
		DepositAmount: p.DepositAmount,
		PlatformFee:   p.PlatformFee,
		TotalAmount:   p.TotalAmount,
		Invoice:       &invoice,
	})
}

type escrowStatusResponse struct {
	HoursElapsed   float64 `json:"hoursElapsed"`
	HoursRemaining float64 `json:"hoursRemaining"`
	IsExpired      bool    `json:"isExpired"`
}

func (s *Server) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]
	status, err := s.ledger.Status(r.Context(), reference)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowStatusResponse{
		HoursElapsed:   status.HoursElapsed,
		HoursRemaining: status.HoursRemaining,
		IsExpired:      status.IsExpired,
	})
}

type settlementResponse struct {
	Reference          string `json:"reference"`
	Status             string `json:"status"`
	MovedAmount        int64  `json:"movedAmount"`
	RetainedCommission int64  `json:"retainedCommission"`
	AlreadySettled     bool   `json:"alreadySettled"`
}

func settlementPayload(s payment.Settlement) settlementResponse {
	return settlementResponse{
		Reference:          s.Payment.Reference,
		Status:             string(s.Payment.Status),
		MovedAmount:        s.MovedAmount,
		RetainedCommission: s.RetainedCommission,
		AlreadySettled:     s.AlreadySettled,
	}
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	settlement, err := s.ledger.Release(r.Context(), reference, &actorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementPayload(settlement))
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}
	settlement, err := s.ledger.Refund(r.Context(), reference, &actorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settlementPayload(settlement))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	gatewayName := mux.Vars(r)["gateway"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.webhooks.HandleWebhook(r.Context(), gatewayName, body); err != nil {
		// Gateways retry on non-2xx. Surface only infrastructure trouble;
		// a malformed notification will never become valid on retry.
		if errors.Is(err, gateway.ErrUnmappableNotification) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("api: webhook %s: %v", gatewayName, err)
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createContractRequest struct {
	ListingRef     string `json:"listingRef"`
	OwnerID        string `json:"ownerId"`
	CounterpartyID string `json:"counterpartyId"`
}

type contractResponse struct {
	Reference          string     `json:"reference"`
	ListingRef         string     `json:"listingRef"`
	Status             string     `json:"status"`
	RetractionDeadline *time.Time `json:"retractionDeadline,omitempty"`
	ArtifactHash       *string    `json:"artifactHash,omitempty"`
}

func contractPayload(c contract.Contract) contractResponse {
	return contractResponse{
		Reference:          c.Reference,
		ListingRef:         c.ListingRef,
		Status:             string(c.Status),
		RetractionDeadline: c.RetractionDeadline,
		ArtifactHash:       c.ArtifactHash,
	}
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid ownerId")
		return
	}
	counterpartyID, err := uuid.Parse(req.CounterpartyID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid counterpartyId")
		return
	}

	c, err := s.contracts.Create(r.Context(), contract.CreateParams{
		ListingRef:     req.ListingRef,
		OwnerID:        ownerID,
		CounterpartyID: counterpartyID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, contractPayload(c))
}

type challengeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) handleRequestSignature(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]
	partyID, ok := requireActor(w, r)
	if !ok {
		return
	}
	ch, err := s.contracts.RequestSignature(r.Context(), reference, partyID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, challengeResponse{Code: ch.Code, ExpiresAt: ch.ExpiresAt})
}

type signRequest struct {
	Code          string `json:"code"`
	SignedContent []byte `json:"signedContent"`
}

type signResponse struct {
	Contract           contractResponse `json:"contract"`
	FullySigned        bool             `json:"fullySigned"`
	RetractionDeadline *time.Time       `json:"retractionDeadline,omitempty"`
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]
	partyID, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req signRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.contracts.Sign(r.Context(), contract.SignParams{
		ContractRef:   reference,
		PartyID:       partyID,
		Code:          req.Code,
		SignedContent: req.SignedContent,
		Origin:        clientAddr(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signResponse{
		Contract:           contractPayload(res.Contract),
		FullySigned:        res.FullySigned,
		RetractionDeadline: res.RetractionDeadline,
	})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelContract(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]
	requesterID, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := s.contracts.Cancel(r.Context(), reference, requesterID, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, contractPayload(c))
}

type integrityResponse struct {
	Reference      string `json:"reference"`
	Verified       bool   `json:"verified"`
	MismatchDetail string `json:"mismatchDetail,omitempty"`
}

func (s *Server) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]
	res, err := s.auditor.VerifyContract(r.Context(), reference)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, integrityResponse{
		Reference:      reference,
		Verified:       res.Verified,
		MismatchDetail: res.MismatchDetail,
	})
}

type openDisputeRequest struct {
	PaymentRef string `json:"paymentRef"`
	Reason     string `json:"reason"`
}

type disputeResponse struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"createdAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

func disputePayload(rec dispute.Record) disputeResponse {
	return disputeResponse{
		ID:         rec.ID.String(),
		Status:     string(rec.Status),
		Reason:     rec.Reason,
		CreatedAt:  rec.CreatedAt,
		ResolvedAt: rec.ResolvedAt,
	}
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	openedBy, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := s.disputes.Open(r.Context(), req.PaymentRef, openedBy, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, disputePayload(rec))
}

type resolveDisputeRequest struct {
	Outcome string `json:"outcome"`
}

type resolveDisputeResponse struct {
	Dispute    disputeResponse    `json:"dispute"`
	Settlement settlementResponse `json:"settlement"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dispute id")
		return
	}
	resolvedBy, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, settlement, err := s.disputes.Resolve(r.Context(), disputeID, dispute.Outcome(req.Outcome), resolvedBy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveDisputeResponse{
		Dispute:    disputePayload(rec),
		Settlement: settlementPayload(settlement),
	})
}

func (s *Server) handleListDisputes(w http.ResponseWriter, r *http.Request) {
	reference := mux.Vars(r)["reference"]
	records, err := s.disputes.ListForPayment(r.Context(), reference)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, disputePayload(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// requireActor reads the authenticated caller's id from the X-Actor-ID
// header. Authentication proper sits in front of this service.
func requireActor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get("X-Actor-ID"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing or invalid X-Actor-ID header")
		return uuid.Nil, false
	}
	return id, true
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrNotFound),
		errors.Is(err, contract.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, archive.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, contract.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, payment.ErrInvalidStateTransition),
		errors.Is(err, payment.ErrDisputeOpen),
		errors.Is(err, payment.ErrContractNotLocked),
		errors.Is(err, contract.ErrAlreadySigned),
		errors.Is(err, contract.ErrRetractionExpired),
		errors.Is(err, contract.ErrRetractionNotExpired),
		errors.Is(err, contract.ErrCancelled),
		errors.Is(err, contract.ErrNotFullySigned),
		errors.Is(err, dispute.ErrAlreadyOpen),
		errors.Is(err, dispute.ErrAlreadyClosed):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, contract.ErrInvalidOrExpiredCode):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, contract.ErrReasonRequired),
		errors.Is(err, dispute.ErrInvalidOutcome):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		var invalidType commission.ErrInvalidTransactionType
		if errors.As(err, &invalidType) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("api: internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
