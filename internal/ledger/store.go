package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/google/uuid"

	"github.com/wisbric/packrun/internal/auth"
)

// Sentinel errors the callers branch on directly — never by string-matching
// a driver error message (spec §7.4, §9: "generic error catching for
// constraint conflicts" is an explicitly forbidden pattern).
var (
	// ErrIdempotencyConflict means the (tenant_id, idempotency_key) unique
	// constraint was violated. The caller must look up the existing row to
	// decide replay-vs-conflict by comparing payload fingerprints.
	ErrIdempotencyConflict = errors.New("ledger: idempotency key already used")
	// ErrCASConflict means a compare-and-swap update affected zero rows —
	// a retriable conflict, not an error, per spec §4.4 operation 2.
	ErrCASConflict = errors.New("ledger: compare-and-swap guard did not match")
	// ErrNotFound means no row matched (including tenant-scoped lookups,
	// which double as the cross-tenant stealth boundary).
	ErrNotFound = errors.New("ledger: not found")
)

const idempotencyConstraintName = "runs_tenant_id_idempotency_key_key"

// Store is the ledger of record, backed by Postgres with hand-written scans
// (no ORM, no generated query layer) — the pattern pkg/incident/store.go
// uses throughout the teacher repo.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a connection pool as a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping satisfies httpserver.Checker for readiness probing.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetAPIKeyByHash implements auth.Store.
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (auth.APIKeyRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, key_prefix, active FROM api_keys WHERE key_hash = $1`,
		hash)

	var rec auth.APIKeyRecord
	if err := row.Scan(&rec.APIKeyID, &rec.TenantID, &rec.KeyPrefix, &rec.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.APIKeyRecord{}, ErrNotFound
		}
		return auth.APIKeyRecord{}, fmt.Errorf("querying api key: %w", err)
	}
	return rec, nil
}

const runColumns = `id, tenant_id, idempotency_key, payload_fingerprint, payload, status, finalize_stage,
	version, reservation_amount, actual_cost, minimum_fee, lease_token, lease_expires_at,
	finalize_token, claimed_at, pack_type, result_bucket, result_key, result_fingerprint,
	failure_reason, trace_id, created_at, started_at, completed_at, expires_at`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.ID, &r.TenantID, &r.IdempotencyKey, &r.PayloadFP, &r.Payload, &r.Status, &r.FinalizeStage,
		&r.Version, &r.ReservationAmount, &r.ActualCost, &r.MinimumFee, &r.LeaseToken, &r.LeaseExpiresAt,
		&r.FinalizeToken, &r.ClaimedAt, &r.PackType, &r.ResultBucket, &r.ResultKey, &r.ResultFingerprint,
		&r.FailureReason, &r.TraceID, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	return &r, nil
}

// InsertRun creates a new run in QUEUED/NONE. The caller supplies r.ID
// (generated before calling InsertRun) rather than relying on a
// database-side default, because the admission pipeline's reservation step
// must write the KV reservation keyed by run ID strictly before the ledger
// insert (spec §4.1 step 3 precedes step 4, §5 ordering guarantee 1) — the
// ID has to exist before the row does.
//
// On a unique-constraint violation for (tenant_id, idempotency_key), it
// returns ErrIdempotencyConflict without guessing at the cause — the caller
// fetches the existing row and compares payload fingerprints to classify
// replay vs. true conflict.
func (s *Store) InsertRun(ctx context.Context, r *Run) error {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO runs (
			id, tenant_id, idempotency_key, payload_fingerprint, payload, status, finalize_stage,
			version, reservation_amount, minimum_fee, pack_type, trace_id, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,1,$8,$9,$10,$11,$12)
		RETURNING created_at`,
		r.ID, r.TenantID, r.IdempotencyKey, r.PayloadFP, r.Payload, StatusQueued, FinalizeNone,
		r.ReservationAmount, r.MinimumFee, r.PackType, r.TraceID, r.ExpiresAt,
	)

	if err := row.Scan(&r.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == idempotencyConstraintName {
			return ErrIdempotencyConflict
		}
		return fmt.Errorf("inserting run: %w", err)
	}
	r.Status = StatusQueued
	r.FinalizeStage = FinalizeNone
	r.Version = 1
	return nil
}

// GetRunByIdempotencyKey looks up the existing run for a (tenant,
// idempotency_key) pair — used to build the replay receipt or detect a true
// conflict.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key)
	return scanRun(row)
}

// GetRun fetches a run scoped to tenantID. Scoping doubles as the stealth
// isolation boundary (spec §4.1, §8 scenario 7): a non-owner's lookup of any
// run ID — existing or not — returns ErrNotFound identically.
func (s *Store) GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1 AND tenant_id = $2`,
		runID, tenantID)
	return scanRun(row)
}

// ClaimLease performs the Worker's phase-0 CAS: QUEUED -> PROCESSING with a
// fresh lease token and expiry. Zero rows affected means another worker won
// the race or the run is already terminal; the caller negatively acks.
func (s *Store) ClaimLease(ctx context.Context, runID uuid.UUID, leaseToken string, leaseWindow time.Duration) (*Run, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE runs SET
			status = $3, lease_token = $4, lease_expires_at = now() + make_interval(secs => $5),
			version = version + 1, started_at = coalesce(started_at, now())
		WHERE id = $1 AND status = $2
		RETURNING `+runColumns,
		runID, StatusQueued, StatusProcessing, leaseToken, leaseWindow.Seconds())

	run, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrCASConflict
	}
	return run, err
}

// ExtendLease is the heartbeat's CAS: advances lease_expires_at, guarded on
// (lease_token, version, status=PROCESSING). Returns the new version so the
// caller's local copy stays in sync without sharing a session across ticks.
func (s *Store) ExtendLease(ctx context.Context, runID uuid.UUID, leaseToken string, expectedVersion int64, leaseWindow time.Duration) (int64, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE runs SET lease_expires_at = now() + make_interval(secs => $5), version = version + 1
		WHERE id = $1 AND lease_token = $2 AND version = $3 AND status = $4
		RETURNING version`,
		runID, leaseToken, expectedVersion, StatusProcessing, leaseWindow.Seconds())

	var newVersion int64
	if err := row.Scan(&newVersion); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrCASConflict
		}
		return 0, fmt.Errorf("extending lease: %w", err)
	}
	return newVersion, nil
}

// ClaimFinalize is phase 1: PROCESSING/NONE -> PROCESSING/CLAIMED, guarded on
// (lease_token, version, status=PROCESSING, finalize_stage=NONE). On success
// the caller-supplied finalizeToken is recorded on the run; the caller must
// carry it into CommitRun.
func (s *Store) ClaimFinalize(ctx context.Context, runID uuid.UUID, leaseToken string, expectedVersion int64, finalizeToken string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET finalize_stage = $5, finalize_token = $6, version = version + 1, claimed_at = now()
		WHERE id = $1 AND lease_token = $2 AND version = $3 AND status = $4 AND finalize_stage = $7`,
		runID, leaseToken, expectedVersion, StatusProcessing, FinalizeClaimed, finalizeToken, FinalizeNone)
	if err != nil {
		return fmt.Errorf("claiming finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCASConflict
	}
	return nil
}

// CommitRun is phase 3: guarded on finalize_token, it transitions the run to
// COMPLETED/COMMITTED and records the settlement in one transaction. The
// settlement insert is idempotent on run_id (ON CONFLICT DO NOTHING), so a
// duplicate commit attempt (e.g. after a Reaper race) is a safe no-op.
func (s *Store) CommitRun(ctx context.Context, runID uuid.UUID, finalizeToken string, actualCost int64, resultBucket, resultKey, resultFP string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning commit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tenantID uuid.UUID
	var reservation, minimumFee int64
	row := tx.QueryRow(ctx, `
		UPDATE runs SET
			status = $3, finalize_stage = $4, actual_cost = $5,
			result_bucket = $6, result_key = $7, result_fingerprint = $8,
			completed_at = now(), version = version + 1
		WHERE id = $1 AND finalize_token = $2 AND finalize_stage = $9
		RETURNING tenant_id, reservation_amount, minimum_fee`,
		runID, finalizeToken, StatusCompleted, FinalizeCommitted, actualCost,
		resultBucket, resultKey, resultFP, FinalizeClaimed)

	if err := row.Scan(&tenantID, &reservation, &minimumFee); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCASConflict
		}
		return fmt.Errorf("committing run: %w", err)
	}

	settled := actualCost
	if settled < minimumFee {
		settled = minimumFee
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO settlements (run_id, tenant_id, actual_cost, outcome)
		VALUES ($1, $2, $3, 'completed')
		ON CONFLICT (run_id) DO NOTHING`,
		runID, tenantID, settled); err != nil {
		return fmt.Errorf("recording settlement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// CommitFailure is the Worker's phase-3 settlement for a pack that failed
// during execution (spec §4.2 "Failure envelopes": "phase-1 succeeds with a
// failure marker, phase-2 is skipped, phase-3 transitions to FAILED and
// settles at the minimum fee"). Guarded on finalize_token like CommitRun;
// the settlement insert is the same idempotent-on-run_id pattern.
func (s *Store) CommitFailure(ctx context.Context, runID uuid.UUID, finalizeToken, reason string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning failure-commit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tenantID uuid.UUID
	var minimumFee int64
	row := tx.QueryRow(ctx, `
		UPDATE runs SET
			status = $3, finalize_stage = $4, failure_reason = $5,
			completed_at = now(), version = version + 1
		WHERE id = $1 AND finalize_token = $2 AND finalize_stage = $6
		RETURNING tenant_id, minimum_fee`,
		runID, finalizeToken, StatusFailed, FinalizeCommitted, reason, FinalizeClaimed)

	if err := row.Scan(&tenantID, &minimumFee); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCASConflict
		}
		return fmt.Errorf("committing pack failure: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO settlements (run_id, tenant_id, actual_cost, outcome)
		VALUES ($1, $2, $3, 'failed')
		ON CONFLICT (run_id) DO NOTHING`,
		runID, tenantID, minimumFee); err != nil {
		return fmt.Errorf("recording failure settlement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// FailLeaseExpired is the Reaper's lease-expiry sweep CAS: PROCESSING ->
// FAILED, guarded on the observed version. Idempotent; safe to re-enter.
func (s *Store) FailLeaseExpired(ctx context.Context, runID uuid.UUID, expectedVersion int64, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $3, failure_reason = $4, version = version + 1, completed_at = now()
		WHERE id = $1 AND version = $2 AND status = $5`,
		runID, expectedVersion, StatusFailed, reason, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failing expired lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCASConflict
	}
	return nil
}

// RollForwardClaimed is the Reaper's roll-forward decision: a CLAIMED run
// whose object-store metadata carries the authoritative actual cost is
// committed idempotently, without re-reading the result body or trusting the
// original reservation (spec §4.3).
func (s *Store) RollForwardClaimed(ctx context.Context, runID uuid.UUID, actualCost int64, resultBucket, resultKey, resultFP string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning reconcile transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tenantID uuid.UUID
	var minimumFee int64
	row := tx.QueryRow(ctx, `
		UPDATE runs SET
			status = $2, finalize_stage = $3, actual_cost = $4,
			result_bucket = $5, result_key = $6, result_fingerprint = $7, completed_at = now(),
			version = version + 1
		WHERE id = $1 AND finalize_stage = $8
		RETURNING tenant_id, minimum_fee`,
		runID, StatusCompleted, FinalizeCommitted, actualCost,
		resultBucket, resultKey, resultFP, FinalizeClaimed)

	if err := row.Scan(&tenantID, &minimumFee); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Already rolled forward by a concurrent reaper replica — converge silently.
			return nil
		}
		return fmt.Errorf("rolling forward: %w", err)
	}

	settled := actualCost
	if settled < minimumFee {
		settled = minimumFee
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO settlements (run_id, tenant_id, actual_cost, outcome)
		VALUES ($1, $2, $3, 'completed')
		ON CONFLICT (run_id) DO NOTHING`,
		runID, tenantID, settled); err != nil {
		return fmt.Errorf("recording settlement: %w", err)
	}

	return tx.Commit(ctx)
}

// RollBackClaimed is the Reaper's roll-back decision: a CLAIMED run with no
// object-store result but a still-present KV reservation is marked FAILED
// and settled at the minimum fee.
func (s *Store) RollBackClaimed(ctx context.Context, runID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning rollback transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tenantID uuid.UUID
	var minimumFee int64
	row := tx.QueryRow(ctx, `
		UPDATE runs SET status = $2, failure_reason = $3, finalize_stage = $5, completed_at = now(), version = version + 1
		WHERE id = $1 AND finalize_stage = $4
		RETURNING tenant_id, minimum_fee`,
		runID, StatusFailed, "reconciled_no_upload", FinalizeClaimed, FinalizeCommitted)

	if err := row.Scan(&tenantID, &minimumFee); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("rolling back: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO settlements (run_id, tenant_id, actual_cost, outcome)
		VALUES ($1, $2, $3, 'failed')
		ON CONFLICT (run_id) DO NOTHING`,
		runID, tenantID, minimumFee); err != nil {
		return fmt.Errorf("recording settlement: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkAuditRequired is the Reaper's terminal, unsettled decision for a
// CLAIMED run with neither an object-store result nor a KV reservation — the
// amount is never guessed (spec §4.3, §8 scenario 6).
func (s *Store) MarkAuditRequired(ctx context.Context, runID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE runs SET status = $2, completed_at = now(), version = version + 1
		WHERE id = $1 AND finalize_stage = $3`,
		runID, StatusAuditRequired, FinalizeClaimed)
	if err != nil {
		return fmt.Errorf("marking audit required: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCASConflict
	}
	return nil
}

// ListLeaseExpired returns PROCESSING runs whose lease has expired, bounded
// to limit rows to keep the Reaper's transactions small.
func (s *Store) ListLeaseExpired(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1 AND lease_expires_at < now() ORDER BY lease_expires_at LIMIT $2`,
		StatusProcessing, limit)
	if err != nil {
		return nil, fmt.Errorf("listing lease-expired runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListStuckClaimed returns CLAIMED runs older than threshold, the Reaper's
// reconcile-loop candidate page.
func (s *Store) ListStuckClaimed(ctx context.Context, threshold time.Duration, limit int) ([]*Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE finalize_stage = $1 AND claimed_at < now() - make_interval(secs => $2) ORDER BY claimed_at LIMIT $3`,
		FinalizeClaimed, threshold.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("listing stuck claimed runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows pgx.Rows) ([]*Run, error) {
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TenantBalance computes the three terms of the money-conservation
// invariant directly from the ledger (spec §3 invariant 1, §8): allowance
// minus open reservations minus costs settled in the current period.
func (s *Store) TenantBalance(ctx context.Context, tenantID uuid.UUID) (allowance, openReservations, settledThisPeriod int64, err error) {
	row := s.pool.QueryRow(ctx, `SELECT monthly_allowance FROM tenants WHERE id = $1`, tenantID)
	if err = row.Scan(&allowance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, 0, ErrNotFound
		}
		return 0, 0, 0, fmt.Errorf("loading tenant allowance: %w", err)
	}

	row = s.pool.QueryRow(ctx, `
		SELECT coalesce(sum(reservation_amount), 0) FROM runs
		WHERE tenant_id = $1 AND status IN ($2, $3, $4)`,
		tenantID, StatusQueued, StatusProcessing, StatusClaimed)
	if err = row.Scan(&openReservations); err != nil {
		return 0, 0, 0, fmt.Errorf("summing open reservations: %w", err)
	}

	row = s.pool.QueryRow(ctx, `
		SELECT coalesce(sum(actual_cost), 0) FROM settlements
		WHERE tenant_id = $1 AND settled_at >= date_trunc('month', now())`,
		tenantID)
	if err = row.Scan(&settledThisPeriod); err != nil {
		return 0, 0, 0, fmt.Errorf("summing settled costs: %w", err)
	}

	return allowance, openReservations, settledThisPeriod, nil
}

// UsageSummary sums actual settled cost for tenantID over [start, end).
func (s *Store) UsageSummary(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (int64, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT coalesce(sum(actual_cost), 0) FROM settlements
		WHERE tenant_id = $1 AND settled_at >= $2 AND settled_at < $3`,
		tenantID, start, end)

	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("summing usage: %w", err)
	}
	return total, nil
}
