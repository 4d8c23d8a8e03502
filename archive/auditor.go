package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// ErrIntegrityViolation flags a failed verification. Never auto-corrected;
// always surfaced for manual investigation.
var ErrIntegrityViolation = errors.New("archive: integrity violation")

// ContractResult is one contract's outcome from a verification sweep.
type ContractResult struct {
	Reference string
	Result    Result
}

// Auditor runs integrity checks against locked contracts.
type Auditor struct {
	pool    *pgxpool.Pool
	svc     *Service
	workers int
}

func NewAuditor(pool *pgxpool.Pool, svc *Service) *Auditor {
	return &Auditor{pool: pool, svc: svc, workers: 8}
}

// VerifyContract checks a single locked contract by reference.
func (a *Auditor) VerifyContract(ctx context.Context, reference string) (Result, error) {
	var storageRef, wantHash *string
	err := a.pool.QueryRow(ctx,
		`SELECT artifact_ref, artifact_hash FROM contracts WHERE reference = $1 AND status = 'locked'`,
		reference,
	).Scan(&storageRef, &wantHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, fmt.Errorf("archive: no locked contract %s", reference)
		}
		return Result{}, fmt.Errorf("archive: fetch artifact record: %w", err)
	}
	if storageRef == nil || wantHash == nil {
		return Result{MismatchDetail: "locked contract has no artifact record"}, nil
	}
	return a.svc.Verify(ctx, reference, *storageRef, *wantHash)
}

// VerifyAll sweeps every locked contract concurrently. A clean archive
// returns (nil, nil); any failures come back alongside an error wrapping
// ErrIntegrityViolation.
func (a *Auditor) VerifyAll(ctx context.Context) ([]ContractResult, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT reference, artifact_ref, artifact_hash FROM contracts WHERE status = 'locked' ORDER BY reference`)
	if err != nil {
		return nil, fmt.Errorf("archive: list locked contracts: %w", err)
	}

	var records []artifactRecord
	for rows.Next() {
		var r artifactRecord
		if err := rows.Scan(&r.reference, &r.storageRef, &r.wantHash); err != nil {
			rows.Close()
			return nil, fmt.Errorf("archive: scan artifact record: %w", err)
		}
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: iterate artifact records: %w", err)
	}

	return a.sweep(ctx, records)
}

type artifactRecord struct {
	reference  string
	storageRef *string
	wantHash   *string
}

func (a *Auditor) sweep(ctx context.Context, records []artifactRecord) ([]ContractResult, error) {
	results := make([]Result, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, r := range records {
		g.Go(func() error {
			if r.storageRef == nil || r.wantHash == nil {
				results[i] = Result{MismatchDetail: "locked contract has no artifact record"}
				return nil
			}
			res, err := a.svc.Verify(gctx, r.reference, *r.storageRef, *r.wantHash)
			if err != nil {
				return fmt.Errorf("verify %s: %w", r.reference, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("archive: sweep: %w", err)
	}

	var failed []ContractResult
	for i, res := range results {
		if !res.Verified {
			failed = append(failed, ContractResult{Reference: records[i].reference, Result: res})
		}
	}
	if len(failed) > 0 {
		return failed, fmt.Errorf("%w: %d of %d contracts failed verification", ErrIntegrityViolation, len(failed), len(records))
	}
	return nil, nil
}
