package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/packrun/internal/alarm"
	"github.com/wisbric/packrun/internal/ledger"
	"github.com/wisbric/packrun/internal/objectstore"
	"github.com/wisbric/packrun/internal/reservation"
)

type fakeLedger struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*ledger.Run

	failedRunIDs        []uuid.UUID
	rolledForwardRunIDs []uuid.UUID
	rolledBackRunIDs    []uuid.UUID
	auditRequiredRunIDs []uuid.UUID
}

func (f *fakeLedger) ListLeaseExpired(ctx context.Context, limit int) ([]*ledger.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Run
	for _, r := range f.runs {
		if r.Status == ledger.StatusProcessing && r.LeaseExpiresAt != nil && r.LeaseExpiresAt.Before(time.Now()) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLedger) ListStuckClaimed(ctx context.Context, threshold time.Duration, limit int) ([]*ledger.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*ledger.Run
	for _, r := range f.runs {
		if r.FinalizeStage == ledger.FinalizeClaimed {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeLedger) FailLeaseExpired(ctx context.Context, runID uuid.UUID, expectedVersion int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok || r.Version != expectedVersion {
		return ledger.ErrCASConflict
	}
	r.Status = ledger.StatusFailed
	r.FailureReason = &reason
	f.failedRunIDs = append(f.failedRunIDs, runID)
	return nil
}

func (f *fakeLedger) RollForwardClaimed(ctx context.Context, runID uuid.UUID, actualCost int64, resultBucket, resultKey, resultFP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return errors.New("no such run")
	}
	r.Status = ledger.StatusCompleted
	r.FinalizeStage = ledger.FinalizeCommitted
	r.ActualCost = &actualCost
	f.rolledForwardRunIDs = append(f.rolledForwardRunIDs, runID)
	return nil
}

func (f *fakeLedger) RollBackClaimed(ctx context.Context, runID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return errors.New("no such run")
	}
	r.Status = ledger.StatusFailed
	r.FinalizeStage = ledger.FinalizeCommitted
	f.rolledBackRunIDs = append(f.rolledBackRunIDs, runID)
	return nil
}

func (f *fakeLedger) MarkAuditRequired(ctx context.Context, runID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[runID]
	if !ok {
		return errors.New("no such run")
	}
	r.Status = ledger.StatusAuditRequired
	f.auditRequiredRunIDs = append(f.auditRequiredRunIDs, runID)
	return nil
}

func newTestEngine(t *testing.T, fl *fakeLedger, os objectstore.Store) (*Engine, *reservation.Index) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	idx := reservation.NewIndex(rdb, time.Hour)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &Engine{
		Ledger:             fl,
		Reservations:       idx,
		Idempotency:        reservation.NewIdempotencyCells(rdb, time.Hour),
		ObjectStore:        os,
		ResultBucket:       "packrun-results",
		Alarms:             alarm.NewWriter(logger),
		Logger:             logger,
		LeaseSweepInterval: time.Second,
		ReconcileInterval:  time.Second,
		ReconcileThreshold: time.Minute,
		PageSize:           100,
	}, idx
}

func TestLeaseSweepFailsExpiredAndReleasesReservation(t *testing.T) {
	runID := uuid.New()
	expired := time.Now().Add(-time.Minute)
	fl := &fakeLedger{runs: map[uuid.UUID]*ledger.Run{
		runID: {ID: runID, TenantID: uuid.New(), Status: ledger.StatusProcessing, LeaseExpiresAt: &expired, Version: 3},
	}}
	e, idx := newTestEngine(t, fl, objectstore.NewMemoryStore())
	if err := idx.Put(context.Background(), runID.String(), 500_000); err != nil {
		t.Fatalf("seeding reservation: %v", err)
	}

	if err := e.leaseSweepTick(context.Background()); err != nil {
		t.Fatalf("leaseSweepTick: %v", err)
	}

	if fl.runs[runID].Status != ledger.StatusFailed {
		t.Errorf("status = %s, want FAILED", fl.runs[runID].Status)
	}
	if exists, _ := idx.Exists(context.Background(), runID.String()); exists {
		t.Error("reservation should be released after lease-expiry fail")
	}
}

func TestReconcileRollsForwardWhenResultPresent(t *testing.T) {
	runID := uuid.New()
	tenantID := uuid.New()
	fl := &fakeLedger{runs: map[uuid.UUID]*ledger.Run{
		runID: {ID: runID, TenantID: tenantID, FinalizeStage: ledger.FinalizeClaimed},
	}}
	store := objectstore.NewMemoryStore()
	e, idx := newTestEngine(t, fl, store)

	key := objectstore.ResultKey(tenantID.String(), runID.String())
	if err := store.Put(context.Background(), objectstore.PutInput{
		Bucket: e.ResultBucket, Key: key, Body: strings.NewReader(`{"q":"A?","answer":"42"}`),
		ActualCostMicros: 250_000, ResultFingerprint: "sha256:deadbeef",
	}); err != nil {
		t.Fatalf("seeding result object: %v", err)
	}
	if err := idx.Put(context.Background(), runID.String(), 500_000); err != nil {
		t.Fatalf("seeding reservation: %v", err)
	}

	e.reconcileRun(context.Background(), fl.runs[runID])

	if fl.runs[runID].Status != ledger.StatusCompleted {
		t.Errorf("status = %s, want COMPLETED", fl.runs[runID].Status)
	}
	if len(fl.rolledForwardRunIDs) != 1 {
		t.Errorf("expected one roll-forward, got %d", len(fl.rolledForwardRunIDs))
	}
	if exists, _ := idx.Exists(context.Background(), runID.String()); exists {
		t.Error("reservation should be released after roll-forward")
	}
}

func TestReconcileRollsBackWhenOnlyReservationPresent(t *testing.T) {
	runID := uuid.New()
	tenantID := uuid.New()
	fl := &fakeLedger{runs: map[uuid.UUID]*ledger.Run{
		runID: {ID: runID, TenantID: tenantID, FinalizeStage: ledger.FinalizeClaimed},
	}}
	e, idx := newTestEngine(t, fl, objectstore.NewMemoryStore())
	if err := idx.Put(context.Background(), runID.String(), 500_000); err != nil {
		t.Fatalf("seeding reservation: %v", err)
	}

	e.reconcileRun(context.Background(), fl.runs[runID])

	if fl.runs[runID].Status != ledger.StatusFailed {
		t.Errorf("status = %s, want FAILED", fl.runs[runID].Status)
	}
	if len(fl.rolledBackRunIDs) != 1 {
		t.Errorf("expected one roll-back, got %d", len(fl.rolledBackRunIDs))
	}
}

func TestReconcileMarksAuditRequiredWhenNeitherPresent(t *testing.T) {
	runID := uuid.New()
	tenantID := uuid.New()
	fl := &fakeLedger{runs: map[uuid.UUID]*ledger.Run{
		runID: {ID: runID, TenantID: tenantID, FinalizeStage: ledger.FinalizeClaimed},
	}}
	e, _ := newTestEngine(t, fl, objectstore.NewMemoryStore())

	e.reconcileRun(context.Background(), fl.runs[runID])

	if fl.runs[runID].Status != ledger.StatusAuditRequired {
		t.Errorf("status = %s, want AUDIT_REQUIRED", fl.runs[runID].Status)
	}
	if len(fl.auditRequiredRunIDs) != 1 {
		t.Errorf("expected one audit-required mark, got %d", len(fl.auditRequiredRunIDs))
	}
}
