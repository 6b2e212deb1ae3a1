// Package problem implements the RFC7807 application/problem+json error
// envelope every packrun handler responds with. It generalizes the
// teacher's flat {error, message} envelope into the richer shape spec'd
// for this service: every failure names a stable reason_code and, for rate
// limiting, the violated policy.
package problem

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

const ContentType = "application/problem+json"

// Document is the RFC7807 problem document served on every error response.
type Document struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	ReasonCode string `json:"reason_code"`
	TraceID    string `json:"trace_id,omitempty"`

	ViolatedPolicies []Policy `json:"violated-policies,omitempty"`

	// RetryAfterSeconds backs a 429's Retry-After header. It is always read
	// from this explicit field, never parsed back out of Detail.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// Policy describes one rate-limit or quota policy a request tripped.
type Policy struct {
	Name    string `json:"name"`
	Limit   int64  `json:"limit"`
	Current int64  `json:"current"`
	Window  string `json:"window"`
}

// Respond writes a successful JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// Option mutates a Document before it is written.
type Option func(*Document)

// WithInstance sets the instance URI (typically the request path).
func WithInstance(instance string) Option {
	return func(d *Document) { d.Instance = instance }
}

// WithTraceID sets the trace_id field.
func WithTraceID(traceID string) Option {
	return func(d *Document) { d.TraceID = traceID }
}

// WithViolatedPolicy appends a violated-policy entry and sets
// RetryAfterSeconds to the retryAfterSeconds argument.
func WithViolatedPolicy(p Policy, retryAfterSeconds int) Option {
	return func(d *Document) {
		d.ViolatedPolicies = append(d.ViolatedPolicies, p)
		d.RetryAfterSeconds = retryAfterSeconds
	}
}

// RespondError writes an RFC7807 problem+json error response. reasonCode is a
// stable, machine-readable identifier (e.g. "insufficient_allowance",
// "idempotency_key_conflict", "lease_expired"); title is the short
// human-readable summary for that status class; detail is request-specific.
func RespondError(w http.ResponseWriter, status int, reasonCode, title, detail string, opts ...Option) {
	doc := Document{
		Type:       "about:blank",
		Title:      title,
		Status:     status,
		Detail:     detail,
		ReasonCode: reasonCode,
	}
	for _, opt := range opts {
		opt(&doc)
	}

	w.Header().Set("Content-Type", ContentType)
	if doc.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(doc.RetryAfterSeconds))
	}
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(doc); err != nil {
		slog.Error("encoding problem document", "error", err, "reason_code", reasonCode)
	}
}
