package pack

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Resolve("nonexistent"); !errors.Is(err, ErrUnknownPackType) {
		t.Fatalf("Resolve unknown: got err %v, want ErrUnknownPackType", err)
	}
}

func TestExecuteDecisionPack(t *testing.T) {
	r := NewRegistry()
	r.Register(DecisionPackType, NewDecisionPack(100000))

	payload, _ := json.Marshal(map[string]string{"q": "A?"})
	out, err := r.Execute(context.Background(), DecisionPackType, Input{
		RunID:      "run-1",
		TenantID:   "tenant-1",
		Payload:    payload,
		MaxCostUSD: 1000000,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ActualCostMicros != 100000 {
		t.Errorf("ActualCostMicros = %d, want 100000", out.ActualCostMicros)
	}

	var resp decisionResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	if resp.Q != "A?" {
		t.Errorf("Q = %q, want A?", resp.Q)
	}
}

func TestExecuteCostClampedToReservation(t *testing.T) {
	r := NewRegistry()
	r.Register(DecisionPackType, NewDecisionPack(500000))

	payload, _ := json.Marshal(map[string]string{"q": "B?"})
	out, err := r.Execute(context.Background(), DecisionPackType, Input{
		Payload:    payload,
		MaxCostUSD: 100000,
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.ActualCostMicros != 100000 {
		t.Errorf("ActualCostMicros = %d, want 100000 (clamped to reservation)", out.ActualCostMicros)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	f1 := Fingerprint([]byte("hello"))
	f2 := Fingerprint([]byte("hello"))
	if f1 != f2 {
		t.Errorf("Fingerprint not deterministic: %q != %q", f1, f2)
	}
	if Fingerprint([]byte("hello")) == Fingerprint([]byte("world")) {
		t.Error("Fingerprint collided for distinct inputs")
	}
}
