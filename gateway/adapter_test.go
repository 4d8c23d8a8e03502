package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/payment"
)

const cinetpaySuccess = `{"cpm_trans_id":"evt-1","cpm_custom":"PAY-20260301-AB12C","cpm_result":"00"}`
const cinetpayFailure = `{"cpm_trans_id":"evt-2","cpm_custom":"PAY-20260301-AB12C","cpm_result":"627","cpm_error_message":"insufficient funds"}`

func TestHandleWebhook_SuccessHoldsEscrowBoundPayment(t *testing.T) {
	entered := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ledger := &fakeLedger{payment: payment.Payment{
		Reference:       "PAY-20260301-AB12C",
		Status:          payment.StatusInitiated,
		EscrowBound:     true,
		EnteredEscrowAt: &entered,
	}}
	scheduler := &fakeScheduler{}
	pool := &fakePool{}
	adapter := NewAdapter(pool, &fakeKeys{}, nil, ledger, scheduler)

	if err := adapter.HandleWebhook(context.Background(), "cinetpay", []byte(cinetpaySuccess)); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}

	if !ledger.confirmed || !ledger.held {
		t.Errorf("expected confirm + hold, got confirmed=%v held=%v", ledger.confirmed, ledger.held)
	}
	if ledger.settledDirect {
		t.Errorf("escrow-bound payment must not settle directly")
	}
	if scheduler.ref != "PAY-20260301-AB12C" {
		t.Errorf("scheduled ref = %q", scheduler.ref)
	}
	if want := entered.Add(payment.EscrowWindow); !scheduler.fireAt.Equal(want) {
		t.Errorf("fire at = %v, want %v", scheduler.fireAt, want)
	}
	if !pool.tx.committed {
		t.Errorf("expected idempotency key commit")
	}
}

func TestHandleWebhook_SuccessSettlesDirectPayment(t *testing.T) {
	ledger := &fakeLedger{payment: payment.Payment{
		Reference:   "PAY-20260301-AB12C",
		Status:      payment.StatusInitiated,
		EscrowBound: false,
	}}
	scheduler := &fakeScheduler{}
	adapter := NewAdapter(&fakePool{}, &fakeKeys{}, nil, ledger, scheduler)

	if err := adapter.HandleWebhook(context.Background(), "cinetpay", []byte(cinetpaySuccess)); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if !ledger.settledDirect {
		t.Errorf("expected direct settlement")
	}
	if ledger.held || scheduler.ref != "" {
		t.Errorf("direct payment must not enter escrow or be scheduled")
	}
}

func TestHandleWebhook_FailureMarksPaymentFailed(t *testing.T) {
	ledger := &fakeLedger{payment: payment.Payment{Reference: "PAY-20260301-AB12C", Status: payment.StatusInitiated}}
	adapter := NewAdapter(&fakePool{}, &fakeKeys{}, nil, ledger, &fakeScheduler{})

	if err := adapter.HandleWebhook(context.Background(), "cinetpay", []byte(cinetpayFailure)); err != nil {
		t.Fatalf("handle webhook: %v", err)
	}
	if !ledger.failed {
		t.Errorf("expected payment marked failed")
	}
	if ledger.failDetail != "insufficient funds" {
		t.Errorf("fail detail = %q", ledger.failDetail)
	}
}

func TestHandleWebhook_ReplayIsNoOp(t *testing.T) {
	ledger := &fakeLedger{}
	pool := &fakePool{}
	adapter := NewAdapter(pool, &fakeKeys{insertErr: ErrDuplicateWebhook}, nil, ledger, &fakeScheduler{})

	if err := adapter.HandleWebhook(context.Background(), "cinetpay", []byte(cinetpaySuccess)); err != nil {
		t.Fatalf("replay should be a no-op, got %v", err)
	}
	if ledger.confirmed || ledger.held || ledger.failed {
		t.Errorf("replay must not touch the ledger")
	}
	if pool.tx.committed {
		t.Errorf("replay must not commit")
	}
}

func TestHandleWebhook_StaleFailureAfterSettlementIsNoOp(t *testing.T) {
	ledger := &fakeLedger{failErr: payment.ErrInvalidStateTransition}
	adapter := NewAdapter(&fakePool{}, &fakeKeys{}, nil, ledger, &fakeScheduler{})

	if err := adapter.HandleWebhook(context.Background(), "cinetpay", []byte(cinetpayFailure)); err != nil {
		t.Fatalf("stale failure webhook should be a no-op, got %v", err)
	}
}

func TestRegistry_UnknownGatewayFailsSafe(t *testing.T) {
	m := NewRegistry().Lookup("molpay")
	n, err := m.Map([]byte(`{"reference":"PAY-X","event_id":"e-9"}`))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if n.Outcome != OutcomeFailure {
		t.Errorf("unknown gateway outcome = %s, want failure", n.Outcome)
	}
	if n.PaymentRef != "PAY-X" {
		t.Errorf("payment ref = %q", n.PaymentRef)
	}
}

func TestMappers_Outcomes(t *testing.T) {
	cases := []struct {
		name    string
		gateway string
		payload string
		ref     string
		outcome Outcome
	}{
		{"cinetpay accepted", "cinetpay", cinetpaySuccess, "PAY-20260301-AB12C", OutcomeSuccess},
		{"cinetpay declined", "cinetpay", cinetpayFailure, "PAY-20260301-AB12C", OutcomeFailure},
		{
			"paydunya completed", "paydunya",
			`{"invoice":{"token":"tok-1","custom_data":{"payment_ref":"PAY-A"}},"status":"completed"}`,
			"PAY-A", OutcomeSuccess,
		},
		{
			"paydunya pending", "paydunya",
			`{"invoice":{"token":"tok-2","custom_data":{"payment_ref":"PAY-A"}},"status":"pending"}`,
			"PAY-A", OutcomeFailure,
		},
		{
			"stripe succeeded", "stripe",
			`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"metadata":{"payment_ref":"PAY-B"}}}}`,
			"PAY-B", OutcomeSuccess,
		},
		{
			"stripe failed", "stripe",
			`{"id":"evt_2","type":"payment_intent.payment_failed","data":{"object":{"metadata":{"payment_ref":"PAY-B"}}}}`,
			"PAY-B", OutcomeFailure,
		},
	}

	registry := NewRegistry()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := registry.Lookup(tc.gateway).Map([]byte(tc.payload))
			if err != nil {
				t.Fatalf("map: %v", err)
			}
			if n.PaymentRef != tc.ref {
				t.Errorf("ref = %q, want %q", n.PaymentRef, tc.ref)
			}
			if n.Outcome != tc.outcome {
				t.Errorf("outcome = %s, want %s", n.Outcome, tc.outcome)
			}
		})
	}
}

// --- fakes ---

type fakeLedger struct {
	payment       payment.Payment
	confirmed     bool
	held          bool
	settledDirect bool
	failed        bool
	failDetail    string
	failErr       error
}

func (f *fakeLedger) Confirm(_ context.Context, _ string) (payment.Payment, error) {
	f.confirmed = true
	f.payment.Status = payment.StatusConfirmed
	return f.payment, nil
}

func (f *fakeLedger) Hold(_ context.Context, _ string) (payment.Payment, error) {
	f.held = true
	f.payment.Status = payment.StatusEscrow
	return f.payment, nil
}

func (f *fakeLedger) SettleDirect(_ context.Context, _ string) (payment.Settlement, error) {
	f.settledDirect = true
	return payment.Settlement{Payment: f.payment}, nil
}

func (f *fakeLedger) Fail(_ context.Context, _ string, detail string) (payment.Payment, error) {
	if f.failErr != nil {
		return payment.Payment{}, f.failErr
	}
	f.failed = true
	f.failDetail = detail
	return f.payment, nil
}

type fakeScheduler struct {
	ref    string
	fireAt time.Time
}

func (f *fakeScheduler) ScheduleEscrowRelease(_ context.Context, ref string, fireAt time.Time) error {
	f.ref = ref
	f.fireAt = fireAt
	return nil
}

type fakeKeys struct {
	insertErr error
	keys      []string
}

func (f *fakeKeys) InsertIdempotencyKey(_ context.Context, _ pgx.Tx, key string) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.keys = append(f.keys, key)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
