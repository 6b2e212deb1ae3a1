// Package reservation implements the KV-resident ReservationIndex and
// IdempotencyCell described in spec §3: fast-path accelerators over the
// ledger, never the source of truth for the uniqueness they help enforce.
// Grounded on the teacher's internal/auth/ratelimit.go Redis usage, adapted
// from INCR-based counting to atomic add-if-absent writes since a
// reservation or idempotency cell is a set-once value, not a counter.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrAlreadyExists is returned when a reservation or idempotency cell is
// written but a value already occupies the key — the caller must treat this
// as a concurrent-submission signal, not an error to log loudly.
var ErrAlreadyExists = errors.New("reservation: key already exists")

// ErrNotFound is returned when a reservation lookup misses — either it was
// never written, it was cleared on settlement, or its TTL expired.
var ErrNotFound = errors.New("reservation: not found")

// Index is the KV-backed ReservationIndex (spec §3): reservation:{run} ->
// amount, with a TTL bounding any individual run's possible duration.
type Index struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewIndex creates an Index backed by rdb. ttl should be comfortably above
// the lease ceiling and bounded by the retention horizon (spec §9 Open
// Question resolution: an expired reservation key is itself evidence the run
// must be treated as AUDIT_REQUIRED, not silently refunded).
func NewIndex(rdb *redis.Client, ttl time.Duration) *Index {
	return &Index{rdb: rdb, ttl: ttl}
}

func reservationKey(runID string) string {
	return fmt.Sprintf("reservation:%s", runID)
}

// Put atomically creates the reservation for runID if absent. Returns
// ErrAlreadyExists if a reservation already exists for this run — callers in
// the admission pipeline should treat this as impossible under the run-ID
// generation scheme and surface it as a 5xx if it ever occurs.
func (idx *Index) Put(ctx context.Context, runID string, amountMicros int64) error {
	ok, err := idx.rdb.SetNX(ctx, reservationKey(runID), amountMicros, idx.ttl).Result()
	if err != nil {
		return fmt.Errorf("writing reservation for run %s: %w", runID, err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// Get reads the reserved amount for runID. Returns ErrNotFound if no
// reservation exists or it has expired.
func (idx *Index) Get(ctx context.Context, runID string) (int64, error) {
	v, err := idx.rdb.Get(ctx, reservationKey(runID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading reservation for run %s: %w", runID, err)
	}
	return v, nil
}

// Release deletes the reservation key for runID. Called on settlement
// (phase 3 commit), on admission-pipeline rollback (idempotency-replay or
// enqueue-failure compensation), and by the reaper on roll-forward/roll-back.
// Deleting an absent key is not an error — two concurrent releasers (e.g.
// worker and a reaper replica) must both converge silently.
func (idx *Index) Release(ctx context.Context, runID string) error {
	if err := idx.rdb.Del(ctx, reservationKey(runID)).Err(); err != nil {
		return fmt.Errorf("releasing reservation for run %s: %w", runID, err)
	}
	return nil
}

// Exists reports whether a reservation key is currently present, without
// needing the amount. Used by the reaper's reconcile decision table (spec
// §4.3), which only branches on presence/absence.
func (idx *Index) Exists(ctx context.Context, runID string) (bool, error) {
	n, err := idx.rdb.Exists(ctx, reservationKey(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking reservation existence for run %s: %w", runID, err)
	}
	return n > 0, nil
}

// IdempotencyCells is the KV-backed IdempotencyCell (spec §3): idem:{tenant}:
// {run_id} -> sentinel, with a long TTL enforcing at-most-once accounting
// for a client-declared operation id as a defense-in-depth layer alongside
// the ledger's own unique constraint — the ledger constraint remains the
// source of truth (spec §7.4); this cell is a fast-path accelerator only.
type IdempotencyCells struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewIdempotencyCells creates an IdempotencyCells store backed by rdb. ttl is
// typically measured in weeks.
func NewIdempotencyCells(rdb *redis.Client, ttl time.Duration) *IdempotencyCells {
	return &IdempotencyCells{rdb: rdb, ttl: ttl}
}

func idempotencyKey(tenantID, runID string) string {
	return fmt.Sprintf("idem:%s:%s", tenantID, runID)
}

// MarkAccounted atomically sets the idempotency sentinel for (tenantID,
// runID) if absent. Returns ErrAlreadyExists if accounting has already
// occurred for this run — settlement logic should treat this as a no-op
// signal, never a retry trigger.
func (c *IdempotencyCells) MarkAccounted(ctx context.Context, tenantID, runID string) error {
	ok, err := c.rdb.SetNX(ctx, idempotencyKey(tenantID, runID), 1, c.ttl).Result()
	if err != nil {
		return fmt.Errorf("marking idempotency cell for run %s: %w", runID, err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// IsAccounted reports whether the idempotency sentinel has already been set
// for (tenantID, runID).
func (c *IdempotencyCells) IsAccounted(ctx context.Context, tenantID, runID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, idempotencyKey(tenantID, runID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking idempotency cell for run %s: %w", runID, err)
	}
	return n > 0, nil
}
