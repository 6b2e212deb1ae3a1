package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wisbric/packrun/internal/ledger"
	"github.com/wisbric/packrun/internal/objectstore"
	"github.com/wisbric/packrun/internal/problem"
	"github.com/wisbric/packrun/internal/tenant"
)

type pollResponse struct {
	RunID       string  `json:"run_id"`
	Status      string  `json:"status"`
	MoneyState  string  `json:"money_state"` // reserved | settled | refunded
	ReservedUSD string  `json:"reserved_usd"`
	ActualUSD   *string `json:"actual_usd,omitempty"`
	DownloadURL *string `json:"download_url,omitempty"`
}

// PollRun implements GET /v1/runs/{id} (spec §4.1 "Poll run", §8 scenario 7).
// Non-owner access to any run — existing or not — returns 404 identically;
// an owner's expired run returns 410. Both are handled by GetRun's
// tenant-scoped lookup: ErrNotFound covers cross-tenant references and
// genuinely-missing runs alike, by construction.
func (h *Handlers) PollRun(w http.ResponseWriter, r *http.Request) {
	ti := tenant.FromContext(r.Context())
	if ti == nil {
		problem.RespondError(w, http.StatusUnauthorized, "missing_credential", "Unauthorized", "authentication required")
		return
	}

	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		problem.RespondError(w, http.StatusNotFound, "not_found", "Not Found", "no such run", problem.WithInstance(r.URL.Path))
		return
	}

	run, err := h.Ledger.GetRun(r.Context(), ti.ID, runID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			problem.RespondError(w, http.StatusNotFound, "not_found", "Not Found", "no such run", problem.WithInstance(r.URL.Path))
			return
		}
		h.Logger.Error("loading run", "error", err, "run_id", runID)
		problem.RespondError(w, http.StatusInternalServerError, "ledger_unavailable", "Internal Server Error",
			"unable to load run", problem.WithInstance(r.URL.Path))
		return
	}

	if time.Now().After(run.ExpiresAt) {
		problem.RespondError(w, http.StatusGone, "run_expired", "Gone", "run has passed its retention expiration",
			problem.WithInstance(r.URL.Path))
		return
	}

	resp := pollResponse{
		RunID:       run.ID.String(),
		Status:      string(run.Status),
		MoneyState:  moneyState(run),
		ReservedUSD: ledger.FormatUSDMicros(run.ReservationAmount),
	}

	if run.ActualCost != nil {
		actual := ledger.FormatUSDMicros(*run.ActualCost)
		resp.ActualUSD = &actual
	}

	if run.Status == ledger.StatusCompleted && run.ResultBucket != nil && run.ResultKey != nil {
		dlURL, err := h.signedDownloadURL(r.Context(), *run.ResultBucket, *run.ResultKey)
		if err != nil {
			h.Logger.Error("minting download reference", "error", err, "run_id", runID)
		} else {
			resp.DownloadURL = &dlURL
		}
	}

	problem.Respond(w, http.StatusOK, resp)
}

func moneyState(run *ledger.Run) string {
	switch run.Status {
	case ledger.StatusCompleted:
		return "settled"
	case ledger.StatusFailed:
		return "refunded"
	default:
		return "reserved"
	}
}

// signedDownloadURL mints a time-bounded reference to a completed run's
// result. The objectstore.Store interface has no presign call so this constructs the conventional path-style
// reference; a production deployment would instead call the S3 presigner —
// left as a thin seam here since presigning is an object-store transport
// detail, not core money-safety logic (spec §1 scope).
func (h *Handlers) signedDownloadURL(ctx context.Context, bucket, key string) (string, error) {
	if _, err := h.ObjectStore.HeadMetadata(ctx, bucket, key); err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return "", fmt.Errorf("result object missing for completed run")
		}
		return "", err
	}
	return fmt.Sprintf("/v1/runs/download/%s/%s?expires=%d", bucket, key, time.Now().Add(h.DownloadURLTTL).Unix()), nil
}
