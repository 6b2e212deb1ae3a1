// Package api implements the client-facing HTTP surface: submit run, poll
// run, read usage (spec §4.1, §6). The admission pipeline here is the
// "hard part" spec §4.1 calls out — every mutating request passes through
// rate check, budget check, reservation, ledger insert, and enqueue, in
// that strict order, with compensation on any later failure.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/packrun/internal/auth"
	"github.com/wisbric/packrun/internal/httpserver"
	"github.com/wisbric/packrun/internal/ledger"
	"github.com/wisbric/packrun/internal/objectstore"
	"github.com/wisbric/packrun/internal/problem"
	"github.com/wisbric/packrun/internal/queue"
	"github.com/wisbric/packrun/internal/ratelimit"
	"github.com/wisbric/packrun/internal/reservation"
	"github.com/wisbric/packrun/internal/telemetry"
	"github.com/wisbric/packrun/internal/tenant"
)

// Ledger is the narrow slice of ledger.Store the API handlers depend on.
// Defined here (rather than taking *ledger.Store directly) so tests can
// substitute a hand-written fake — there is no pgx-compatible mock in this
// module, the same constraint the worker and reaper packages work around.
type Ledger interface {
	TenantBalance(ctx context.Context, tenantID uuid.UUID) (allowance, openReservations, settledThisPeriod int64, err error)
	InsertRun(ctx context.Context, r *ledger.Run) error
	GetRunByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*ledger.Run, error)
	GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*ledger.Run, error)
	UsageSummary(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (int64, error)
}

// Handlers wires the admission pipeline's dependencies. Every field is a
// narrow interface or concrete store so tests can substitute in-memory
// fakes (queue.MemoryQueue, objectstore.MemoryStore, miniredis-backed
// reservation.Index) without a live Postgres/Redis/SQS/S3.
type Handlers struct {
	Ledger       Ledger
	Limiter      *ratelimit.Limiter
	Reservations *reservation.Index
	Queue        queue.Queue
	ObjectStore  objectstore.Store
	ResultBucket string
	Logger       *slog.Logger

	RateLimitWindow    time.Duration
	RateLimitAllowance int64

	// DownloadURLTTL bounds how long a poll response's signed download
	// reference is valid for (§4.1 "time-bounded signed download reference").
	// Distinct from RetentionTTL: a run's row stays pollable for the full
	// retention horizon even though any one minted download link expires
	// much sooner.
	DownloadURLTTL time.Duration

	// RetentionTTL is the run's retention horizon (spec §3 "retention
	// expiration timestamp"), used to set Run.ExpiresAt at submission time.
	RetentionTTL time.Duration
}

// Mount registers packrun's core-relevant endpoints on r (spec §6).
func (h *Handlers) Mount(r chi.Router) {
	r.Post("/runs", h.SubmitRun)
	r.Get("/runs/{id}", h.PollRun)
	r.Get("/usage", h.GetUsage)
}

const idempotencyHeader = "Idempotency-Key"

type submitRequest struct {
	PackType    string          `json:"pack_type" validate:"required,oneof=decision"`
	Inputs      json.RawMessage `json:"inputs" validate:"required"`
	Reservation reservationReq  `json:"reservation" validate:"required"`
	TimeboxSec  *int            `json:"timebox_sec,omitempty" validate:"omitempty,gt=0"`
}

type reservationReq struct {
	MaxCostUSD string `json:"max_cost_usd" validate:"required"`
}

type submitResponse struct {
	RunID        string `json:"run_id"`
	Status       string `json:"status"`
	ReservedUSD  string `json:"reserved_usd"`
	PollPath     string `json:"poll_path"`
	PollAfterSec int    `json:"poll_after_sec"`
	TraceID      string `json:"trace_id"`
}

// SubmitRun implements POST /v1/runs (spec §4.1 "Submit run").
func (h *Handlers) SubmitRun(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	ti := tenant.FromContext(r.Context())
	if identity == nil || ti == nil {
		problem.RespondError(w, http.StatusUnauthorized, "missing_credential", "Unauthorized", "authentication required")
		return
	}

	idemKey := r.Header.Get(idempotencyHeader)
	if idemKey == "" {
		problem.RespondError(w, http.StatusUnprocessableEntity, "missing_idempotency_key", "Unprocessable Entity",
			"Idempotency-Key header is required", problem.WithInstance(r.URL.Path))
		return
	}

	req, fingerprint, err := decodeSubmit(r)
	if err != nil {
		problem.RespondError(w, http.StatusUnprocessableEntity, "schema_violation", "Unprocessable Entity", err.Error(),
			problem.WithInstance(r.URL.Path))
		return
	}

	if msg := httpserver.Validate(&req); msg != "" {
		problem.RespondError(w, http.StatusUnprocessableEntity, "schema_violation", "Unprocessable Entity", msg,
			problem.WithInstance(r.URL.Path))
		return
	}

	maxCostMicros, err := ledger.ParseUSDMicros(req.Reservation.MaxCostUSD)
	if err != nil {
		problem.RespondError(w, http.StatusUnprocessableEntity, "invalid_precision", "Unprocessable Entity",
			fmt.Sprintf("reservation.max_cost_usd: %s", err), problem.WithInstance(r.URL.Path))
		return
	}

	ctx := r.Context()
	tenantIDStr := ti.ID.String()
	traceID := uuid.New().String()

	// Step 1: atomic rate check (§4.1 step 1).
	rateResult, err := h.Limiter.Allow(ctx, tenantIDStr, h.RateLimitWindow, h.RateLimitAllowance)
	if err != nil {
		h.Logger.Error("rate limiter unavailable", "error", err)
		problem.RespondError(w, http.StatusInternalServerError, "rate_limiter_unavailable", "Internal Server Error",
			"rate limiter is unavailable", problem.WithInstance(r.URL.Path))
		return
	}
	setRateLimitHeaders(w, rateResult)
	if !rateResult.Allowed {
		telemetry.RateLimitRejectedTotal.Inc()
		problem.RespondError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
			"request rate limit exceeded", problem.WithInstance(r.URL.Path),
			problem.WithViolatedPolicy(problem.Policy{
				Name: "tenant_rate_limit", Limit: rateResult.Allowance, Current: rateResult.Current,
				Window: h.RateLimitWindow.String(),
			}, rateResult.RetryAfterSeconds))
		return
	}

	// Step 2: plan and budget check (§4.1 step 2).
	allowance, openRes, settled, err := h.Ledger.TenantBalance(ctx, ti.ID)
	if err != nil {
		h.Logger.Error("loading tenant balance", "error", err, "tenant_id", tenantIDStr)
		problem.RespondError(w, http.StatusInternalServerError, "ledger_unavailable", "Internal Server Error",
			"unable to evaluate budget", problem.WithInstance(r.URL.Path))
		return
	}
	available := allowance - openRes - settled
	if maxCostMicros > available {
		problem.RespondError(w, http.StatusPaymentRequired, "insufficient_allowance", "Payment Required",
			"requested maximum cost exceeds remaining budget", problem.WithInstance(r.URL.Path))
		return
	}

	runID := uuid.New()

	// Step 3: reservation (§4.1 step 3).
	if err := h.Reservations.Put(ctx, runID.String(), maxCostMicros); err != nil {
		h.Logger.Error("writing reservation", "error", err, "run_id", runID)
		problem.RespondError(w, http.StatusInternalServerError, "reservation_unavailable", "Internal Server Error",
			"unable to reserve budget", problem.WithInstance(r.URL.Path))
		return
	}
	telemetry.ReservationsTotal.WithLabelValues("reserved").Inc()

	expiresAt := time.Now().Add(h.RetentionTTL)
	run := &ledger.Run{
		ID:                runID,
		TenantID:          ti.ID,
		IdempotencyKey:    idemKey,
		PayloadFP:         fingerprint,
		Payload:           []byte(req.Inputs),
		ReservationAmount: maxCostMicros,
		MinimumFee:        0,
		PackType:          req.PackType,
		TraceID:           traceID,
		ExpiresAt:         expiresAt,
	}

	// Step 4: ledger insert (§4.1 step 4), with idempotency-replay handling.
	if err := h.Ledger.InsertRun(ctx, run); err != nil {
		if errors.Is(err, ledger.ErrIdempotencyConflict) {
			h.handleIdempotencyConflict(w, r, ctx, ti, idemKey, fingerprint, runID.String())
			return
		}
		h.Logger.Error("inserting run", "error", err, "run_id", runID)
		_ = h.Reservations.Release(ctx, runID.String())
		problem.RespondError(w, http.StatusInternalServerError, "ledger_insert_failed", "Internal Server Error",
			"unable to create run", problem.WithInstance(r.URL.Path))
		return
	}

	// Step 5: enqueue (§4.1 step 5). Failure rolls back steps 3 and 4.
	msg := queue.Message{
		RunID: runID.String(), TenantID: tenantIDStr, PackType: req.PackType,
		EnqueuedAt: time.Now(), SchemaVersion: queue.CurrentSchemaVersion, TraceID: traceID,
	}
	if err := h.Queue.Enqueue(ctx, msg); err != nil {
		h.Logger.Error("enqueueing run", "error", err, "run_id", runID)
		_ = h.Reservations.Release(ctx, runID.String())
		problem.RespondError(w, http.StatusInternalServerError, "enqueue_failed", "Internal Server Error",
			"unable to enqueue run", problem.WithInstance(r.URL.Path))
		return
	}

	// Step 6: respond.
	problem.Respond(w, http.StatusAccepted, submitResponse{
		RunID:        runID.String(),
		Status:       string(ledger.StatusQueued),
		ReservedUSD:  ledger.FormatUSDMicros(maxCostMicros),
		PollPath:     fmt.Sprintf("/v1/runs/%s", runID),
		PollAfterSec: 2,
		TraceID:      traceID,
	})
}

// handleIdempotencyConflict classifies a unique-constraint hit on (tenant,
// idempotency_key): matching payload fingerprint is a replay (original
// receipt returned, reservation released); any other fingerprint is a true
// conflict (§4.1 step 4, §8 scenarios 1-2).
func (h *Handlers) handleIdempotencyConflict(w http.ResponseWriter, r *http.Request, ctx context.Context, ti *tenant.Info, idemKey, fingerprint, newReservationRunID string) {
	_ = h.Reservations.Release(ctx, newReservationRunID)

	existing, err := h.Ledger.GetRunByIdempotencyKey(ctx, ti.ID, idemKey)
	if err != nil {
		h.Logger.Error("loading existing run for idempotency replay", "error", err)
		problem.RespondError(w, http.StatusInternalServerError, "ledger_unavailable", "Internal Server Error",
			"unable to resolve idempotency conflict", problem.WithInstance(r.URL.Path))
		return
	}

	if existing.PayloadFP != fingerprint {
		problem.RespondError(w, http.StatusConflict, "idempotency_key_conflict", "Conflict",
			"idempotency key was already used with a different payload", problem.WithInstance(r.URL.Path))
		return
	}

	problem.Respond(w, http.StatusAccepted, submitResponse{
		RunID:        existing.ID.String(),
		Status:       string(existing.Status),
		ReservedUSD:  ledger.FormatUSDMicros(existing.ReservationAmount),
		PollPath:     fmt.Sprintf("/v1/runs/%s", existing.ID),
		PollAfterSec: 2,
		TraceID:      existing.TraceID,
	})
}

// setRateLimitHeaders emits the policy-descriptor and current-state headers
// spec §6 requires on every mutating response, success or rejected (§4.1
// step 6: "returned with rate-limit headers"). Must be called before the
// response status line is written.
func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	remaining := res.Allowance - res.Current
	if remaining < 0 {
		remaining = 0
	}
	reset := res.RetryAfterSeconds
	if reset <= 0 {
		reset = int(res.Window.Seconds())
	}
	w.Header().Set("RateLimit-Policy", fmt.Sprintf("%d;w=%d", res.Allowance, int(res.Window.Seconds())))
	w.Header().Set("RateLimit", fmt.Sprintf("limit=%d, remaining=%d, reset=%d", res.Allowance, remaining, reset))
}

func decodeSubmit(r *http.Request) (submitRequest, string, error) {
	const maxBody = 1 << 20
	limited := http.MaxBytesReader(nil, r.Body, maxBody)
	defer limited.Close()

	body, err := io.ReadAll(limited)
	if err != nil {
		return submitRequest{}, "", fmt.Errorf("request body too large or unreadable: %w", err)
	}

	var req submitRequest
	dec := json.NewDecoder(newBytesReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return submitRequest{}, "", fmt.Errorf("invalid JSON: %w", err)
	}

	return req, fingerprintBody(body), nil
}
