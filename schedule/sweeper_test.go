package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"escrowflow/contract"
	"escrowflow/payment"
)

type fakeReleaser struct {
	calls []string
	err   error
}

func (f *fakeReleaser) ReleaseExpired(_ context.Context, reference string) (payment.Settlement, error) {
	f.calls = append(f.calls, reference)
	return payment.Settlement{}, f.err
}

type fakeFinalizer struct {
	calls []string
	err   error
}

func (f *fakeFinalizer) FinalizeIfExpired(_ context.Context, reference string) (contract.Contract, error) {
	f.calls = append(f.calls, reference)
	return contract.Contract{}, f.err
}

func newTestSweeper(releaser *fakeReleaser, finalizer *fakeFinalizer) *Sweeper {
	return &Sweeper{
		ledger:      releaser,
		contracts:   finalizer,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		now:         time.Now,
	}
}

func TestFire_EscrowReleaseDispatch(t *testing.T) {
	tests := []struct {
		name       string
		releaseErr error
		wantErr    bool
	}{
		{name: "release succeeds", releaseErr: nil, wantErr: false},
		{name: "dispute holds funds", releaseErr: payment.ErrDisputeOpen, wantErr: false},
		{name: "already resolved", releaseErr: payment.ErrInvalidStateTransition, wantErr: false},
		{name: "store failure retries", releaseErr: errors.New("payment: connection reset"), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			releaser := &fakeReleaser{err: tc.releaseErr}
			s := newTestSweeper(releaser, &fakeFinalizer{})

			err := s.fire(context.Background(), Task{Kind: KindEscrowRelease, EntityRef: "PAY-20260301-AAAAA"})
			if (err != nil) != tc.wantErr {
				t.Fatalf("fire err = %v, wantErr = %v", err, tc.wantErr)
			}
			if len(releaser.calls) != 1 || releaser.calls[0] != "PAY-20260301-AAAAA" {
				t.Errorf("release calls = %v", releaser.calls)
			}
		})
	}
}

func TestFire_ContractFinalizeDispatch(t *testing.T) {
	tests := []struct {
		name        string
		finalizeErr error
		wantErr     bool
	}{
		{name: "lock succeeds", finalizeErr: nil, wantErr: false},
		{name: "cancelled contract is settled", finalizeErr: contract.ErrCancelled, wantErr: false},
		{name: "window still open retries", finalizeErr: contract.ErrRetractionNotExpired, wantErr: true},
		{name: "store failure retries", finalizeErr: errors.New("contract: connection reset"), wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			finalizer := &fakeFinalizer{err: tc.finalizeErr}
			s := newTestSweeper(&fakeReleaser{}, finalizer)

			err := s.fire(context.Background(), Task{Kind: KindContractFinalize, EntityRef: "CTR-20260301-AAAAA"})
			if (err != nil) != tc.wantErr {
				t.Fatalf("fire err = %v, wantErr = %v", err, tc.wantErr)
			}
			if len(finalizer.calls) != 1 {
				t.Errorf("finalize calls = %v", finalizer.calls)
			}
		})
	}
}

func TestFire_UnknownKind(t *testing.T) {
	s := newTestSweeper(&fakeReleaser{}, &fakeFinalizer{})
	if err := s.fire(context.Background(), Task{Kind: Kind("mystery")}); err == nil {
		t.Fatal("expected error for unknown task kind")
	}
}

func TestBackoffDoubles(t *testing.T) {
	s := newTestSweeper(&fakeReleaser{}, &fakeFinalizer{})
	want := []time.Duration{time.Minute, 2 * time.Minute}
	for attempts := 1; attempts < s.maxAttempts; attempts++ {
		got := s.baseBackoff << (attempts - 1)
		if got != want[attempts-1] {
			t.Errorf("backoff after attempt %d = %v, want %v", attempts, got, want[attempts-1])
		}
	}
}
