// Package reaper runs the two background loops that recover runs the
// Worker could not finish cleanly (spec §4.3). It is grounded directly on
// the teacher's pkg/escalation/engine.go: a ticker-driven Engine with a
// bounded per-tick page scan, logging but not aborting on a single row's
// failure so one bad run never stalls the whole sweep.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/packrun/internal/alarm"
	"github.com/wisbric/packrun/internal/ledger"
	"github.com/wisbric/packrun/internal/objectstore"
	"github.com/wisbric/packrun/internal/reservation"
	"github.com/wisbric/packrun/internal/telemetry"
)

// Ledger is the narrow slice of ledger.Store the Reaper depends on.
type Ledger interface {
	ListLeaseExpired(ctx context.Context, limit int) ([]*ledger.Run, error)
	ListStuckClaimed(ctx context.Context, threshold time.Duration, limit int) ([]*ledger.Run, error)
	FailLeaseExpired(ctx context.Context, runID uuid.UUID, expectedVersion int64, reason string) error
	RollForwardClaimed(ctx context.Context, runID uuid.UUID, actualCost int64, resultBucket, resultKey, resultFP string) error
	RollBackClaimed(ctx context.Context, runID uuid.UUID) error
	MarkAuditRequired(ctx context.Context, runID uuid.UUID) error
}

// Engine runs the lease-expiry sweep and the reconcile loop as two
// independent ticker tasks (spec §4.3: "two cooperating background loops
// run at fixed intervals ... each scanning a bounded page").
type Engine struct {
	Ledger       Ledger
	Reservations *reservation.Index
	// Idempotency is the KV IdempotencyCell accelerator (spec §3), marked on
	// every terminal settlement this engine performs — defense-in-depth
	// alongside the ledger's own CAS columns, not a replacement for them.
	Idempotency  *reservation.IdempotencyCells
	ObjectStore  objectstore.Store
	ResultBucket string
	Alarms       *alarm.Writer
	Logger       *slog.Logger

	LeaseSweepInterval time.Duration
	ReconcileInterval  time.Duration
	ReconcileThreshold time.Duration
	PageSize           int
}

// Run starts both loops and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.Logger.Info("reaper started",
		"lease_sweep_interval", e.LeaseSweepInterval,
		"reconcile_interval", e.ReconcileInterval,
		"reconcile_threshold", e.ReconcileThreshold,
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.runLeaseSweep(ctx)
	}()
	e.runReconcile(ctx)
	<-done
	return nil
}

func (e *Engine) runLeaseSweep(ctx context.Context) {
	ticker := time.NewTicker(e.LeaseSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.leaseSweepTick(ctx); err != nil {
				e.Logger.Error("lease-expiry sweep tick", "error", err)
			}
		}
	}
}

func (e *Engine) runReconcile(ctx context.Context) {
	ticker := time.NewTicker(e.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.reconcileTick(ctx); err != nil {
				e.Logger.Error("reconcile tick", "error", err)
			}
		}
	}
}

// leaseSweepTick finds PROCESSING runs whose lease has expired and fails
// them, refunding the reservation (spec §4.3 "Lease-expiry sweep").
func (e *Engine) leaseSweepTick(ctx context.Context) error {
	runs, err := e.Ledger.ListLeaseExpired(ctx, e.PageSize)
	if err != nil {
		return err
	}
	for _, r := range runs {
		if err := e.Ledger.FailLeaseExpired(ctx, r.ID, r.Version, "lease_expired"); err != nil {
			if errors.Is(err, ledger.ErrCASConflict) {
				e.Logger.Info("lease-expiry CAS lost race, already handled", "run_id", r.ID)
				continue
			}
			e.Logger.Error("failing lease-expired run", "error", err, "run_id", r.ID)
			continue
		}
		if err := e.Reservations.Release(ctx, r.ID.String()); err != nil {
			e.Logger.Error("releasing reservation after lease expiry", "error", err, "run_id", r.ID)
		}
		if err := e.Idempotency.MarkAccounted(ctx, r.TenantID.String(), r.ID.String()); err != nil && !errors.Is(err, reservation.ErrAlreadyExists) {
			e.Logger.Error("marking idempotency cell after lease expiry", "error", err, "run_id", r.ID)
		}
		telemetry.LeaseExpiriesTotal.Inc()
		telemetry.SettlementsTotal.WithLabelValues("failed").Inc()
	}
	return nil
}

// reconcileTick applies the 3-way reconcile decision table (spec §4.3
// "Reconcile loop") to every CLAIMED run stuck past the threshold.
func (e *Engine) reconcileTick(ctx context.Context) error {
	runs, err := e.Ledger.ListStuckClaimed(ctx, e.ReconcileThreshold, e.PageSize)
	if err != nil {
		return err
	}
	for _, r := range runs {
		e.reconcileRun(ctx, r)
	}
	return nil
}

func (e *Engine) reconcileRun(ctx context.Context, r *ledger.Run) {
	bucket := e.ResultBucket
	key := objectstore.ResultKey(r.TenantID.String(), r.ID.String())

	meta, err := e.ObjectStore.HeadMetadata(ctx, bucket, key)
	resultPresent := err == nil
	if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
		e.Logger.Error("reconcile: reading object-store metadata", "error", err, "run_id", r.ID)
		return
	}

	reservationPresent, err := e.Reservations.Exists(ctx, r.ID.String())
	if err != nil {
		e.Logger.Error("reconcile: checking reservation existence", "error", err, "run_id", r.ID)
		return
	}

	switch {
	case resultPresent:
		e.rollForward(ctx, r, bucket, key, meta)
	case reservationPresent:
		e.rollBack(ctx, r)
	default:
		e.markAuditRequired(ctx, r)
	}
}

// rollForward applies phase-3 commit idempotently, reading actual cost
// exclusively from object-store metadata — never the result body, never the
// original reservation (spec §4.3: "Roll-forward reads cost exclusively
// from the object-store metadata").
func (e *Engine) rollForward(ctx context.Context, r *ledger.Run, bucket, key string, meta objectstore.Metadata) {
	if err := e.Ledger.RollForwardClaimed(ctx, r.ID, meta.ActualCostMicros, bucket, key, meta.ResultFingerprint); err != nil {
		e.Logger.Error("reconcile: rolling forward", "error", err, "run_id", r.ID)
		return
	}
	if err := e.Reservations.Release(ctx, r.ID.String()); err != nil {
		e.Logger.Error("reconcile: releasing reservation after roll-forward", "error", err, "run_id", r.ID)
	}
	if err := e.Idempotency.MarkAccounted(ctx, r.TenantID.String(), r.ID.String()); err != nil && !errors.Is(err, reservation.ErrAlreadyExists) {
		e.Logger.Error("reconcile: marking idempotency cell after roll-forward", "error", err, "run_id", r.ID)
	}
	telemetry.ReconcileDecisionsTotal.WithLabelValues("roll_forward").Inc()
	e.Logger.Info("reconcile: rolled forward", "run_id", r.ID, "actual_cost_micros", meta.ActualCostMicros)
}

// rollBack marks the run FAILED and settles at the minimum fee: no result
// was ever uploaded, but the reservation is still held (spec §4.3
// "roll-back").
func (e *Engine) rollBack(ctx context.Context, r *ledger.Run) {
	if err := e.Ledger.RollBackClaimed(ctx, r.ID); err != nil {
		e.Logger.Error("reconcile: rolling back", "error", err, "run_id", r.ID)
		return
	}
	if err := e.Reservations.Release(ctx, r.ID.String()); err != nil {
		e.Logger.Error("reconcile: releasing reservation after roll-back", "error", err, "run_id", r.ID)
	}
	if err := e.Idempotency.MarkAccounted(ctx, r.TenantID.String(), r.ID.String()); err != nil && !errors.Is(err, reservation.ErrAlreadyExists) {
		e.Logger.Error("reconcile: marking idempotency cell after roll-back", "error", err, "run_id", r.ID)
	}
	telemetry.ReconcileDecisionsTotal.WithLabelValues("roll_back").Inc()
	e.Logger.Info("reconcile: rolled back", "run_id", r.ID)
}

// markAuditRequired is the terminal, unsettled decision: neither a result
// nor a reservation exists, so no amount is ever guessed (spec §4.3, §8
// scenario 6).
func (e *Engine) markAuditRequired(ctx context.Context, r *ledger.Run) {
	if err := e.Ledger.MarkAuditRequired(ctx, r.ID); err != nil {
		e.Logger.Error("reconcile: marking audit required", "error", err, "run_id", r.ID)
		return
	}
	e.Alarms.Raise(alarm.Entry{
		TenantID:   r.TenantID.String(),
		RunID:      r.ID.String(),
		Reason:     "no_result_no_reservation",
		DetectedAt: time.Now(),
	})
	telemetry.ReconcileDecisionsTotal.WithLabelValues("audit_required").Inc()
	telemetry.AuditRequiredTotal.Inc()
	e.Logger.Error("reconcile: AUDIT_REQUIRED", "run_id", r.ID, "tenant_id", r.TenantID)
}
