package api

import (
	"net/http"
	"time"

	"github.com/wisbric/packrun/internal/ledger"
	"github.com/wisbric/packrun/internal/problem"
	"github.com/wisbric/packrun/internal/tenant"
)

type usageResponse struct {
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	ActualCostUSD string `json:"actual_cost_usd"`
}

const dateLayout = "2006-01-02"

// GetUsage implements GET /v1/usage (spec §4.1 "Read usage").
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	ti := tenant.FromContext(r.Context())
	if ti == nil {
		problem.RespondError(w, http.StatusUnauthorized, "missing_credential", "Unauthorized", "authentication required")
		return
	}

	startStr := r.URL.Query().Get("start_date")
	endStr := r.URL.Query().Get("end_date")

	start, err := time.Parse(dateLayout, startStr)
	if err != nil {
		problem.RespondError(w, http.StatusUnprocessableEntity, "schema_violation", "Unprocessable Entity",
			"start_date must be YYYY-MM-DD", problem.WithInstance(r.URL.Path))
		return
	}
	end, err := time.Parse(dateLayout, endStr)
	if err != nil {
		problem.RespondError(w, http.StatusUnprocessableEntity, "schema_violation", "Unprocessable Entity",
			"end_date must be YYYY-MM-DD", problem.WithInstance(r.URL.Path))
		return
	}
	if end.Before(start) {
		problem.RespondError(w, http.StatusUnprocessableEntity, "schema_violation", "Unprocessable Entity",
			"end_date must not be before start_date", problem.WithInstance(r.URL.Path))
		return
	}

	total, err := h.Ledger.UsageSummary(r.Context(), ti.ID, start, end.AddDate(0, 0, 1))
	if err != nil {
		h.Logger.Error("loading usage summary", "error", err, "tenant_id", ti.ID)
		problem.RespondError(w, http.StatusInternalServerError, "ledger_unavailable", "Internal Server Error",
			"unable to load usage", problem.WithInstance(r.URL.Path))
		return
	}

	problem.Respond(w, http.StatusOK, usageResponse{
		StartDate:     startStr,
		EndDate:       endStr,
		ActualCostUSD: ledger.FormatUSDMicros(total),
	})
}
