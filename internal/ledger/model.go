// Package ledger is the money-safe source of truth: tenants, API keys,
// runs, and settlements, held in Postgres under raw SQL with hand-written
// scans (the teacher's pkg/incident/store.go pattern — no ORM, no sqlc).
package ledger

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the ordered set of states a Run passes through.
type RunStatus string

const (
	StatusQueued        RunStatus = "QUEUED"
	StatusProcessing    RunStatus = "PROCESSING"
	StatusClaimed       RunStatus = "CLAIMED"
	StatusCompleted     RunStatus = "COMPLETED"
	StatusFailed        RunStatus = "FAILED"
	StatusAuditRequired RunStatus = "AUDIT_REQUIRED"
)

// FinalizeStage tracks progress through the 2-phase finalize protocol.
type FinalizeStage string

const (
	FinalizeNone      FinalizeStage = "NONE"
	FinalizeClaimed   FinalizeStage = "CLAIMED"
	FinalizeCommitted FinalizeStage = "COMMITTED"
)

// Plan enumerates the billing tiers a tenant can be on.
type Plan string

const (
	PlanBasic      Plan = "basic"
	PlanGrowth     Plan = "growth"
	PlanEnterprise Plan = "enterprise"
)

// Tenant is a customer account.
type Tenant struct {
	ID                uuid.UUID
	Plan              Plan
	MonthlyAllowance  int64 // micro-units
	HardOverageCap    int64 // micro-units
	Currency          string
	CreatedAt         time.Time
}

// APIKey is a credential owned by a tenant. The raw key is never stored —
// only its SHA-256 digest (auth.HashAPIKey), which is unsalted.
type APIKey struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	KeyHash   string
	KeyPrefix string
	Active    bool
	CreatedAt time.Time
}

// Run is the central entity: one submitted Decision Pack job.
type Run struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	IdempotencyKey string
	PayloadFP      string
	// Payload is the raw pack inputs submitted with the run, carried in the
	// ledger (not the queue message, which per spec §6 holds only
	// identifiers) so the Worker can retrieve it from the same ClaimLease
	// read that wins the lease CAS.
	Payload []byte

	Status        RunStatus
	FinalizeStage FinalizeStage
	Version       int64

	ReservationAmount int64 // micro-units
	ActualCost        *int64
	MinimumFee        int64

	LeaseToken     *string
	LeaseExpiresAt *time.Time
	FinalizeToken  *string
	ClaimedAt      *time.Time

	PackType string

	ResultBucket      *string
	ResultKey         *string
	ResultFingerprint *string

	FailureReason *string

	TraceID string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   time.Time
}

// Settlement records the irreversible application of actual cost to a
// tenant's period balance. Unique on RunID: repeated commit attempts for the
// same run are no-ops at the ledger level.
type Settlement struct {
	ID           uuid.UUID
	RunID        uuid.UUID
	TenantID     uuid.UUID
	ActualCost   int64
	SettledAt    time.Time
	Outcome      string // "completed" or "failed"
}
