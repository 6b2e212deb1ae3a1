package worker

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/packrun/internal/queue"
)

// heartbeat is the Worker's cooperative background task extending a run's
// lease and its queue message's invisibility window while a pack executes
// (spec §4.2 step 2). Each tick touches only leaseToken, the run ID, and an
// atomically-read version counter — no connection, transaction, or session
// is shared with the main processing task, satisfying the "must not share
// mutable session state" concurrency contract verbatim.
type heartbeat struct {
	ledger      Ledger
	q           queue.Queue
	log         *slog.Logger
	runID       uuid.UUID
	leaseToken  string
	receipt     string
	leaseWindow time.Duration
	interval    time.Duration

	mu      sync.Mutex
	version int64

	stop chan struct{}
	done chan struct{}
}

func newHeartbeat(l Ledger, q queue.Queue, log *slog.Logger, runID uuid.UUID, leaseToken string, initialVersion int64, leaseWindow, interval time.Duration, receipt string) *heartbeat {
	return &heartbeat{
		ledger:      l,
		q:           q,
		log:         log,
		runID:       runID,
		leaseToken:  leaseToken,
		receipt:     receipt,
		leaseWindow: leaseWindow,
		interval:    interval,
		version:     initialVersion,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (h *heartbeat) start(ctx context.Context) {
	go func() {
		defer close(h.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				h.tick(ctx)
			}
		}
	}()
}

// tick renews the ledger lease and the queue visibility window. A failure
// here is logged but never aborts pack execution — finalize time
// re-validates the lease via its own CAS (spec §4.2 step 2).
func (h *heartbeat) tick(ctx context.Context) {
	h.mu.Lock()
	currentVersion := h.version
	h.mu.Unlock()

	newVersion, err := h.ledger.ExtendLease(ctx, h.runID, h.leaseToken, currentVersion, h.leaseWindow)
	if err != nil {
		h.log.Error("heartbeat: extending lease", "error", err)
		return
	}
	h.mu.Lock()
	h.version = newVersion
	h.mu.Unlock()

	if err := h.q.ExtendVisibility(ctx, h.receipt, h.leaseWindow); err != nil {
		h.log.Error("heartbeat: extending queue visibility", "error", err)
	}
}

// stopAndJoin stops and joins the heartbeat task, strictly before any
// finalize attempt (§4.2 step 4 — non-negotiable ordering), and returns the
// most recently observed lease version for the finalize CAS to guard on.
func (h *heartbeat) stopAndJoin() int64 {
	close(h.stop)
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

func newBodyReader(body []byte) io.Reader {
	return bytes.NewReader(body)
}
