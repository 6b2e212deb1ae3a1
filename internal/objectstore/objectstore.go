// Package objectstore carries pack results and — critically — the
// authoritative actual-cost metadata that the Reaper's reconcile loop reads
// when recovering a stuck run (§4.2 phase 2, §4.3 reconcile table, §6
// object-store metadata contract). The actual-cost-usd-micros metadata
// field must never be elided by any upload path.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ActualCostMetadataKey is the metadata field carrying the authoritative
// actual cost, expressed as a base-10 string of micro-units (§6).
const ActualCostMetadataKey = "actual-cost-usd-micros"

// ResultFingerprintMetadataKey carries the content fingerprint of the
// uploaded result, recorded alongside the actual cost (§4.2 phase 2).
const ResultFingerprintMetadataKey = "result-fingerprint"

// ErrNotFound is returned when a result object does not exist at the given
// key — the expected state for a run that never reached phase 2.
var ErrNotFound = errors.New("objectstore: object not found")

// Metadata is the subset of object metadata the platform cares about.
type Metadata struct {
	ActualCostMicros  int64
	ResultFingerprint string
}

// PutInput describes one phase-2 upload.
type PutInput struct {
	Bucket            string
	Key               string
	Body              io.Reader
	ActualCostMicros  int64
	ResultFingerprint string
	ContentType       string
}

// Store is the narrow contract the Worker's phase-2 upload and the Reaper's
// metadata-only reads depend on.
type Store interface {
	// Put uploads a result. Implementations must retry on transient
	// failure internally or return an error the caller can retry; a
	// persistent failure here means the caller aborts without settling
	// (§4.2 phase 2).
	Put(ctx context.Context, in PutInput) error

	// HeadMetadata reads only the metadata of an object — used by the
	// Reaper, which must never re-parse the result body nor trust the
	// original reservation as the cost (§4.3).
	HeadMetadata(ctx context.Context, bucket, key string) (Metadata, error)

	// Get retrieves the full object with its metadata. The Reaper never
	// calls it, and the poll endpoint checks result existence with
	// HeadMetadata instead.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, Metadata, error)

	// Ping satisfies httpserver.Checker for /readyz probing (spec §6: the
	// object store is one of the dependencies readiness must cover).
	Ping(ctx context.Context) error
}

// ResultKey derives the deterministic key a run's result is written under
// (§4.2 phase 2: "a deterministic key derived from tenant and run
// identifier").
func ResultKey(tenantID, runID string) string {
	return fmt.Sprintf("results/%s/%s.bin", tenantID, runID)
}

func formatCostMetadata(micros int64) string {
	return strconv.FormatInt(micros, 10)
}

func parseCostMetadata(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s metadata %q: %w", ActualCostMetadataKey, s, err)
	}
	return v, nil
}
