package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/packrun/internal/auth"
	"github.com/wisbric/packrun/internal/ledger"
	"github.com/wisbric/packrun/internal/objectstore"
	"github.com/wisbric/packrun/internal/queue"
	"github.com/wisbric/packrun/internal/ratelimit"
	"github.com/wisbric/packrun/internal/reservation"
	"github.com/wisbric/packrun/internal/tenant"
)

// fakeLedger is a minimal in-memory stand-in for ledger.Store, covering only
// the admission-pipeline and read-path methods Handlers depends on. There is
// no pgx-compatible mock in this module, so API tests use a hand-written
// fake — the same pattern the worker and reaper packages establish.
type fakeLedger struct {
	mu           sync.Mutex
	allowance    int64
	byID         map[uuid.UUID]*ledger.Run
	byIdemKey    map[string]*ledger.Run
	settledTotal int64
}

func newFakeLedger(allowance int64) *fakeLedger {
	return &fakeLedger{
		allowance: allowance,
		byID:      map[uuid.UUID]*ledger.Run{},
		byIdemKey: map[string]*ledger.Run{},
	}
}

func (f *fakeLedger) TenantBalance(ctx context.Context, tenantID uuid.UUID) (int64, int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open int64
	for _, r := range f.byID {
		if r.TenantID == tenantID && r.Status == ledger.StatusQueued {
			open += r.ReservationAmount
		}
	}
	return f.allowance, open, f.settledTotal, nil
}

func (f *fakeLedger) InsertRun(ctx context.Context, r *ledger.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := r.TenantID.String() + "|" + r.IdempotencyKey
	if existing, ok := f.byIdemKey[key]; ok {
		_ = existing
		return ledger.ErrIdempotencyConflict
	}
	r.Status = ledger.StatusQueued
	r.FinalizeStage = ledger.FinalizeNone
	r.Version = 1
	r.CreatedAt = time.Now()
	cp := *r
	f.byID[r.ID] = &cp
	f.byIdemKey[key] = &cp
	return nil
}

func (f *fakeLedger) GetRunByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, key string) (*ledger.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byIdemKey[tenantID.String()+"|"+key]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return r, nil
}

func (f *fakeLedger) GetRun(ctx context.Context, tenantID, runID uuid.UUID) (*ledger.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.byID[runID]
	if !ok || r.TenantID != tenantID {
		return nil, ledger.ErrNotFound
	}
	return r, nil
}

func (f *fakeLedger) UsageSummary(ctx context.Context, tenantID uuid.UUID, start, end time.Time) (int64, error) {
	return f.settledTotal, nil
}

func newTestHandlers(t *testing.T, fl *fakeLedger) (*Handlers, *reservation.Index) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	idx := reservation.NewIndex(rdb, time.Hour)
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))

	return &Handlers{
		Ledger:             fl,
		Limiter:            ratelimit.NewLimiter(rdb),
		Reservations:       idx,
		Queue:              queue.NewMemoryQueue(),
		ObjectStore:        objectstore.NewMemoryStore(),
		ResultBucket:       "packrun-results",
		Logger:             logger,
		RateLimitWindow:    time.Minute,
		RateLimitAllowance: 100,
		DownloadURLTTL:     15 * time.Minute,
		RetentionTTL:       48 * time.Hour,
	}, idx
}

func withIdentity(r *http.Request, tenantID uuid.UUID) *http.Request {
	ctx := auth.NewContext(r.Context(), &auth.Identity{TenantID: tenantID})
	ctx = tenant.NewContext(ctx, &tenant.Info{ID: tenantID})
	return r.WithContext(ctx)
}

func TestSubmitRunAcceptsAndEnqueues(t *testing.T) {
	fl := newFakeLedger(10_000_000)
	h, _ := newTestHandlers(t, fl)
	tenantID := uuid.New()

	body := `{"pack_type":"decision","inputs":{"q":"A?"},"reservation":{"max_cost_usd":"1.00"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(body))
	req.Header.Set(idempotencyHeader, "key-1")
	req = withIdentity(req, tenantID)
	rec := httptest.NewRecorder()

	h.SubmitRun(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != string(ledger.StatusQueued) {
		t.Errorf("status = %s, want QUEUED", resp.Status)
	}

	msgs, _ := h.Queue.(*queue.MemoryQueue).Receive(context.Background(), 10, 0)
	if len(msgs) != 1 {
		t.Fatalf("expected one enqueued message, got %d", len(msgs))
	}
}

func TestSubmitRunRejectsMissingIdempotencyKey(t *testing.T) {
	fl := newFakeLedger(10_000_000)
	h, _ := newTestHandlers(t, fl)
	tenantID := uuid.New()

	body := `{"pack_type":"decision","inputs":{},"reservation":{"max_cost_usd":"1.00"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(body))
	req = withIdentity(req, tenantID)
	rec := httptest.NewRecorder()

	h.SubmitRun(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func TestSubmitRunRejectsOverBudget(t *testing.T) {
	fl := newFakeLedger(1_000) // 0.001 USD allowance
	h, _ := newTestHandlers(t, fl)
	tenantID := uuid.New()

	body := `{"pack_type":"decision","inputs":{},"reservation":{"max_cost_usd":"5.00"}}`
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(body))
	req.Header.Set(idempotencyHeader, "key-1")
	req = withIdentity(req, tenantID)
	rec := httptest.NewRecorder()

	h.SubmitRun(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("status = %d, want 402, body = %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitRunIdempotentReplayReturnsOriginalReceipt(t *testing.T) {
	fl := newFakeLedger(10_000_000)
	h, _ := newTestHandlers(t, fl)
	tenantID := uuid.New()

	body := `{"pack_type":"decision","inputs":{"q":"A?"},"reservation":{"max_cost_usd":"1.00"}}`

	req1 := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(body))
	req1.Header.Set(idempotencyHeader, "key-replay")
	req1 = withIdentity(req1, tenantID)
	rec1 := httptest.NewRecorder()
	h.SubmitRun(rec1, req1)
	if rec1.Code != http.StatusAccepted {
		t.Fatalf("first submit: status = %d, body = %s", rec1.Code, rec1.Body.String())
	}
	var first submitResponse
	_ = json.Unmarshal(rec1.Body.Bytes(), &first)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(body))
	req2.Header.Set(idempotencyHeader, "key-replay")
	req2 = withIdentity(req2, tenantID)
	rec2 := httptest.NewRecorder()
	h.SubmitRun(rec2, req2)

	if rec2.Code != http.StatusAccepted {
		t.Fatalf("replay: status = %d, body = %s", rec2.Code, rec2.Body.String())
	}
	var second submitResponse
	_ = json.Unmarshal(rec2.Body.Bytes(), &second)
	if second.RunID != first.RunID {
		t.Errorf("replay run_id = %s, want original %s", second.RunID, first.RunID)
	}
}

func TestSubmitRunConflictingPayloadSameKeyIsRejected(t *testing.T) {
	fl := newFakeLedger(10_000_000)
	h, _ := newTestHandlers(t, fl)
	tenantID := uuid.New()

	req1 := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(
		`{"pack_type":"decision","inputs":{"q":"A?"},"reservation":{"max_cost_usd":"1.00"}}`))
	req1.Header.Set(idempotencyHeader, "key-conflict")
	req1 = withIdentity(req1, tenantID)
	rec1 := httptest.NewRecorder()
	h.SubmitRun(rec1, req1)
	if rec1.Code != http.StatusAccepted {
		t.Fatalf("first submit: status = %d", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(
		`{"pack_type":"decision","inputs":{"q":"different"},"reservation":{"max_cost_usd":"1.00"}}`))
	req2.Header.Set(idempotencyHeader, "key-conflict")
	req2 = withIdentity(req2, tenantID)
	rec2 := httptest.NewRecorder()
	h.SubmitRun(rec2, req2)

	if rec2.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409, body = %s", rec2.Code, rec2.Body.String())
	}
}

func TestPollRunCrossTenantReturnsNotFound(t *testing.T) {
	fl := newFakeLedger(10_000_000)
	h, _ := newTestHandlers(t, fl)
	owner := uuid.New()
	intruder := uuid.New()

	run := &ledger.Run{
		ID: uuid.New(), TenantID: owner, IdempotencyKey: "k", PayloadFP: "fp",
		ReservationAmount: 1_000_000, PackType: "decision", TraceID: "t1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := fl.InsertRun(context.Background(), run); err != nil {
		t.Fatalf("seeding run: %v", err)
	}

	router := chi.NewRouter()
	router.Get("/v1/runs/{id}", h.PollRun)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID.String(), nil)
	req = withIdentity(req, intruder)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for cross-tenant poll", rec.Code)
	}
}

func TestPollRunOwnerSeesSettledMoneyState(t *testing.T) {
	fl := newFakeLedger(10_000_000)
	h, _ := newTestHandlers(t, fl)
	owner := uuid.New()

	actual := int64(250_000)
	bucket, key := "packrun-results", "results/x/y.bin"
	run := &ledger.Run{
		ID: uuid.New(), TenantID: owner, IdempotencyKey: "k", PayloadFP: "fp",
		Status: ledger.StatusCompleted, ReservationAmount: 1_000_000, ActualCost: &actual,
		ResultBucket: &bucket, ResultKey: &key, PackType: "decision", TraceID: "t1",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := fl.InsertRun(context.Background(), run); err != nil {
		t.Fatalf("seeding run: %v", err)
	}
	fl.byID[run.ID].Status = ledger.StatusCompleted
	fl.byID[run.ID].ActualCost = &actual
	fl.byID[run.ID].ResultBucket = &bucket
	fl.byID[run.ID].ResultKey = &key

	if err := h.ObjectStore.Put(context.Background(), objectstore.PutInput{
		Bucket: bucket, Key: key, Body: bytes.NewBufferString("result"),
		ActualCostMicros: actual, ResultFingerprint: "sha256:x",
	}); err != nil {
		t.Fatalf("seeding result object: %v", err)
	}

	router := chi.NewRouter()
	router.Get("/v1/runs/{id}", h.PollRun)

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+run.ID.String(), nil)
	req = withIdentity(req, owner)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp pollResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.MoneyState != "settled" {
		t.Errorf("money_state = %s, want settled", resp.MoneyState)
	}
	if resp.DownloadURL == nil {
		t.Error("expected a download URL for a completed run")
	}
}
