// Package worker implements the 2-phase finalize protocol a packrun Worker
// runs for every queued run (spec §4.2). It is grounded on the teacher's
// pkg/escalation/engine.go ticker-driven background-loop shape, reworked
// from a fixed-interval poll into a long-poll receive loop since the
// Worker's unit of work is a queue message, not a scheduled scan.
package worker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/packrun/internal/ledger"
	"github.com/wisbric/packrun/internal/objectstore"
	"github.com/wisbric/packrun/internal/pack"
	"github.com/wisbric/packrun/internal/queue"
	"github.com/wisbric/packrun/internal/reservation"
	"github.com/wisbric/packrun/internal/telemetry"
)

// Ledger is the narrow slice of ledger.Store the Worker depends on.
type Ledger interface {
	ClaimLease(ctx context.Context, runID uuid.UUID, leaseToken string, leaseWindow time.Duration) (*ledger.Run, error)
	ExtendLease(ctx context.Context, runID uuid.UUID, leaseToken string, expectedVersion int64, leaseWindow time.Duration) (int64, error)
	ClaimFinalize(ctx context.Context, runID uuid.UUID, leaseToken string, expectedVersion int64, finalizeToken string) error
	CommitRun(ctx context.Context, runID uuid.UUID, finalizeToken string, actualCost int64, resultBucket, resultKey, resultFP string) error
	CommitFailure(ctx context.Context, runID uuid.UUID, finalizeToken, reason string) error
}

// Worker pulls queue messages and drives each through lease acquisition,
// pack execution, and the 2-phase finalize protocol.
type Worker struct {
	Ledger       Ledger
	Queue        queue.Queue
	ObjectStore  objectstore.Store
	Packs        *pack.Registry
	Reservations *reservation.Index
	// Idempotency is the KV IdempotencyCell accelerator (spec §3): marked on
	// every settlement, and consulted when a lease claim is lost to a
	// not-QUEUED run so an at-least-once queue redelivery of an
	// already-settled run can be positively acknowledged instead of wedging
	// as a silent nack (defense-in-depth only — the ledger's CAS columns
	// remain the source of truth for settlement uniqueness).
	Idempotency  *reservation.IdempotencyCells
	ResultBucket string
	Logger       *slog.Logger

	// LeaseWindow is how long a claimed lease (and matching queue
	// invisibility window) is valid for before it must be renewed (§4.2
	// step 1; "on the order of two minutes").
	LeaseWindow time.Duration
	// HeartbeatInterval is how often the heartbeat task renews the lease
	// and queue visibility (§4.2 step 2; "roughly one-fourth of the lease
	// window"). Must be strictly less than LeaseWindow.
	HeartbeatInterval time.Duration
	// ReceiveBatchSize bounds how many messages one Receive call pulls.
	ReceiveBatchSize int32
	// ReceiveWaitTime bounds how long a long-poll Receive call blocks.
	ReceiveWaitTime time.Duration
}

// Run is the Worker's main loop (spec §4.2 "Main loop"). It blocks until
// ctx is cancelled.
func (wk *Worker) Run(ctx context.Context) error {
	wk.Logger.Info("worker started", "lease_window", wk.LeaseWindow, "heartbeat_interval", wk.HeartbeatInterval)

	for {
		select {
		case <-ctx.Done():
			wk.Logger.Info("worker stopped")
			return nil
		default:
		}

		envelopes, err := wk.Queue.Receive(ctx, wk.ReceiveBatchSize, wk.ReceiveWaitTime)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wk.Logger.Error("receiving from queue", "error", err)
			continue
		}

		for _, env := range envelopes {
			wk.handle(ctx, env)
		}
	}
}

// handle runs one message through per-message processing and deletes it
// from the queue only on positive acknowledgment (§4.2 "Main loop").
func (wk *Worker) handle(ctx context.Context, env queue.Envelope) {
	ack := wk.process(ctx, env)
	if !ack {
		return
	}
	if err := wk.Queue.Delete(ctx, env.ReceiptHandle); err != nil {
		wk.Logger.Error("deleting processed message", "error", err, "run_id", env.Message.RunID)
	}
}

// process drives one run through the full 2-phase finalize protocol,
// returning true only on positive acknowledgment (§4.2 steps 1-7).
func (wk *Worker) process(ctx context.Context, env queue.Envelope) bool {
	msg := env.Message
	runID, err := uuid.Parse(msg.RunID)
	if err != nil {
		wk.Logger.Error("queue message carries invalid run id", "run_id", msg.RunID, "error", err)
		return false
	}
	log := wk.Logger.With("run_id", runID.String(), "tenant_id", msg.TenantID, "trace_id", msg.TraceID)

	// Step 1: lease acquisition.
	leaseToken := randomToken()
	run, err := wk.Ledger.ClaimLease(ctx, runID, leaseToken, wk.LeaseWindow)
	if err != nil {
		if errors.Is(err, ledger.ErrCASConflict) {
			telemetry.ClaimConflictsTotal.Inc()
			if accounted, accErr := wk.Idempotency.IsAccounted(ctx, msg.TenantID, runID.String()); accErr == nil && accounted {
				log.Info("lease claim lost race on an already-settled run; acknowledging redelivery")
				return true
			}
			log.Info("lease claim lost race or run already terminal")
			return false
		}
		log.Error("claiming lease", "error", err)
		return false
	}

	// Step 2: heartbeat start. Each tick acquires no shared mutable state
	// with the main task beyond the lease token and an atomically-updated
	// version counter (§4.2 step 2 concurrency contract).
	hb := newHeartbeat(wk.Ledger, wk.Queue, log, runID, leaseToken, run.Version, wk.LeaseWindow, wk.HeartbeatInterval, env.ReceiptHandle)
	hb.start(ctx)

	// Step 3: pack execution, bounded by the lease window so a runaway pack
	// cannot hold a lease forever. The run's requested time budget is not
	// consulted; every pack gets the same LeaseWindow timeout.
	execCtx, cancel := context.WithTimeout(ctx, wk.LeaseWindow)
	defer cancel()

	out, execErr := wk.Packs.Execute(execCtx, msg.PackType, pack.Input{
		RunID:      runID.String(),
		TenantID:   msg.TenantID,
		Payload:    run.Payload,
		MaxCostUSD: run.ReservationAmount,
	})

	// Step 4: heartbeat stop, strictly before any finalize attempt (§4.2
	// step 4 — non-negotiable ordering).
	currentVersion := hb.stopAndJoin()

	if execErr != nil {
		log.Error("pack execution failed", "error", execErr, "pack_type", msg.PackType)
		return wk.finalizeFailure(ctx, log, runID, msg.TenantID, leaseToken, currentVersion, "pack_execution_failed")
	}

	// Phase 1: CLAIM.
	finalizeToken := randomToken()
	if err := wk.Ledger.ClaimFinalize(ctx, runID, leaseToken, currentVersion, finalizeToken); err != nil {
		if errors.Is(err, ledger.ErrCASConflict) {
			telemetry.ClaimConflictsTotal.Inc()
			log.Info("finalize claim lost race, lease likely expired")
			return false
		}
		log.Error("claiming finalize", "error", err)
		return false
	}

	// Phase 2: UPLOAD.
	fingerprint := pack.Fingerprint(out.Body)
	resultKey := objectstore.ResultKey(msg.TenantID, runID.String())
	if err := wk.ObjectStore.Put(ctx, objectstore.PutInput{
		Bucket:            wk.ResultBucket,
		Key:               resultKey,
		Body:              newBodyReader(out.Body),
		ActualCostMicros:  out.ActualCostMicros,
		ResultFingerprint: fingerprint,
		ContentType:       "application/octet-stream",
	}); err != nil {
		log.Error("uploading result, aborting without settling", "error", err, "bytes", len(out.Body))
		return false
	}

	// Phase 3: COMMIT.
	if err := wk.Ledger.CommitRun(ctx, runID, finalizeToken, out.ActualCostMicros, wk.ResultBucket, resultKey, fingerprint); err != nil {
		if errors.Is(err, ledger.ErrCASConflict) {
			log.Error("commit lost race; run stays CLAIMED for the reaper to reconcile")
			return false
		}
		log.Error("committing run; run stays CLAIMED for the reaper to reconcile", "error", err)
		return false
	}

	if err := wk.Reservations.Release(ctx, runID.String()); err != nil {
		log.Error("releasing reservation after commit", "error", err)
	}
	if err := wk.Idempotency.MarkAccounted(ctx, msg.TenantID, runID.String()); err != nil && !errors.Is(err, reservation.ErrAlreadyExists) {
		log.Error("marking idempotency cell after commit", "error", err)
	}
	telemetry.SettlementsTotal.WithLabelValues("completed").Inc()

	log.Info("run completed", "actual_cost_micros", out.ActualCostMicros, "result_key", resultKey)
	return true
}

// finalizeFailure drives the failed-pack envelope: phase-1 succeeds with a
// failure marker, phase-2 is skipped, phase-3 transitions to FAILED and
// settles at the minimum fee (§4.2 "Failure envelopes").
func (wk *Worker) finalizeFailure(ctx context.Context, log *slog.Logger, runID uuid.UUID, tenantID, leaseToken string, version int64, reason string) bool {
	finalizeToken := randomToken()
	if err := wk.Ledger.ClaimFinalize(ctx, runID, leaseToken, version, finalizeToken); err != nil {
		if errors.Is(err, ledger.ErrCASConflict) {
			telemetry.ClaimConflictsTotal.Inc()
			log.Info("finalize claim for pack failure lost race, lease likely expired")
			return false
		}
		log.Error("claiming finalize for pack failure", "error", err)
		return false
	}

	if err := wk.Ledger.CommitFailure(ctx, runID, finalizeToken, reason); err != nil {
		if errors.Is(err, ledger.ErrCASConflict) {
			log.Error("commit-failure lost race; run stays CLAIMED for the reaper to reconcile")
			return false
		}
		log.Error("settling pack failure; run stays CLAIMED for the reaper to reconcile", "error", err)
		return false
	}
	if err := wk.Reservations.Release(ctx, runID.String()); err != nil {
		log.Error("releasing reservation after pack failure", "error", err)
	}
	if err := wk.Idempotency.MarkAccounted(ctx, tenantID, runID.String()); err != nil && !errors.Is(err, reservation.ErrAlreadyExists) {
		log.Error("marking idempotency cell after pack failure", "error", err)
	}
	telemetry.SettlementsTotal.WithLabelValues("failed").Inc()
	return true
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
