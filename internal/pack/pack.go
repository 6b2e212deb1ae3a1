// Package pack defines the opaque Decision Pack contract (spec §1
// Non-goals: "the pack is an opaque function from input blob to output
// blob with an associated actual-cost in micro-units"). The platform core
// never inspects pack semantics — only the result bytes and the declared
// actual cost, which phase-2 upload stamps into object-store metadata.
package pack

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownPackType is returned when a run names a pack type with no
// registered implementation.
var ErrUnknownPackType = errors.New("pack: unknown pack type")

// ErrCostExceedsReservation is returned when a pack's declared actual cost
// is above the run's reservation — packs must self-report within budget;
// the Worker treats this as a pack-execution failure, never silently
// clamping the cost.
var ErrCostExceedsReservation = errors.New("pack: actual cost exceeds reservation")

// Input is what a pack function receives. The Worker never logs the raw
// payload (spec §4.2: "logging must never include raw ... pack inputs").
type Input struct {
	RunID      string
	TenantID   string
	Payload    []byte
	MaxCostUSD int64 // reservation ceiling, in micro-units
}

// Output is what a pack function produces.
type Output struct {
	Body             []byte
	ActualCostMicros int64
}

// Func is the opaque pack contract: input blob in, output blob and
// authoritative actual cost out.
type Func func(ctx context.Context, in Input) (Output, error)

// Registry resolves a pack type name to its Func, so the Worker's main
// loop can dispatch without knowing any pack's internals.
type Registry struct {
	mu    sync.RWMutex
	packs map[string]Func
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{packs: make(map[string]Func)}
}

// Register adds a pack implementation under packType. Intended to be
// called at startup only; safe for concurrent use regardless.
func (r *Registry) Register(packType string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs[packType] = fn
}

// Resolve looks up the Func for packType.
func (r *Registry) Resolve(packType string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.packs[packType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPackType, packType)
	}
	return fn, nil
}

// Execute resolves packType and invokes it, enforcing the
// cost-within-reservation constraint every pack must satisfy.
func (r *Registry) Execute(ctx context.Context, packType string, in Input) (Output, error) {
	fn, err := r.Resolve(packType)
	if err != nil {
		return Output{}, err
	}

	out, err := fn(ctx, in)
	if err != nil {
		return Output{}, err
	}
	if out.ActualCostMicros > in.MaxCostUSD {
		return Output{}, fmt.Errorf("%w: cost=%d reservation=%d", ErrCostExceedsReservation, out.ActualCostMicros, in.MaxCostUSD)
	}
	return out, nil
}
