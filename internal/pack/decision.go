package pack

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// DecisionPackType is the reference pack type exercised throughout spec §8's
// concrete scenarios (e.g. "Submit pack-type decision, payload {\"q\":\"A?\"}").
const DecisionPackType = "decision"

type decisionRequest struct {
	Q string `json:"q"`
}

type decisionResponse struct {
	Q      string `json:"q"`
	Answer string `json:"answer"`
}

// NewDecisionPack returns a trivial reference pack: it echoes the question
// back with a canned answer and charges a fixed per-call cost. Real pack
// implementations are out of scope (spec §1 Non-goals) — this exists only
// so the platform has something concrete to enqueue, execute, and settle
// end-to-end in tests and local development.
func NewDecisionPack(costMicros int64) Func {
	return func(ctx context.Context, in Input) (Output, error) {
		var req decisionRequest
		if err := json.Unmarshal(in.Payload, &req); err != nil {
			return Output{}, fmt.Errorf("decoding decision pack input: %w", err)
		}

		resp := decisionResponse{Q: req.Q, Answer: fmt.Sprintf("42 (re: %s)", req.Q)}
		body, err := json.Marshal(resp)
		if err != nil {
			return Output{}, fmt.Errorf("encoding decision pack output: %w", err)
		}

		cost := costMicros
		if cost > in.MaxCostUSD {
			cost = in.MaxCostUSD
		}

		return Output{Body: body, ActualCostMicros: cost}, nil
	}
}

// Fingerprint computes the deterministic content fingerprint recorded
// alongside a pack's result (spec §4.2 phase 2: "Content fingerprint is
// computed and recorded").
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return fmt.Sprintf("sha256:%x", sum)
}
