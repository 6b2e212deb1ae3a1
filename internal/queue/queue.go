// Package queue carries run-admission messages from the API to the Worker
// (spec §4.1 step 5, §4.2 main loop, §6 queue message schema). The
// interface is narrow on purpose — long-poll receive, extend visibility,
// delete — so a test double can stand in without a live SQS queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message is the wire schema (§6): unknown fields are ignored on decode to
// permit forward evolution.
type Message struct {
	RunID         string    `json:"run_id"`
	TenantID      string    `json:"tenant_id"`
	PackType      string    `json:"pack_type"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	SchemaVersion int       `json:"schema_version"`
	TraceID       string    `json:"trace_id"`
}

// CurrentSchemaVersion is stamped onto every message this version of the
// platform enqueues.
const CurrentSchemaVersion = 1

// Envelope is a received message paired with the queue-specific receipt
// handle needed to delete it or extend its invisibility window. Callers
// never inspect ReceiptHandle themselves — it is opaque and passed back to
// Delete/ExtendVisibility verbatim.
type Envelope struct {
	Message       Message
	ReceiptHandle string
}

// Queue is the narrow contract the Worker's main loop and the API's enqueue
// step depend on.
type Queue interface {
	// Enqueue publishes msg. Used by the API admission pipeline (§4.1 step
	// 5); a failure here must roll back the reservation and ledger insert
	// that preceded it.
	Enqueue(ctx context.Context, msg Message) error

	// Receive long-polls for up to maxMessages, blocking up to waitTime for
	// at least one to arrive. Returns an empty slice (not an error) on a
	// long-poll timeout with no messages.
	Receive(ctx context.Context, maxMessages int32, waitTime time.Duration) ([]Envelope, error)

	// Delete removes a message after positive acknowledgment — the Worker
	// calls this only when phase-3 commit (or an explicit terminal failure
	// transition) has already landed.
	Delete(ctx context.Context, receiptHandle string) error

	// ExtendVisibility extends a message's invisibility window, called in
	// lockstep with the ledger lease heartbeat (§4.2 step 2, §5).
	ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error

	// Ping satisfies httpserver.Checker for /readyz probing (spec §6: the
	// queue is one of the dependencies readiness must cover).
	Ping(ctx context.Context) error
}

func marshal(msg Message) (string, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshaling queue message: %w", err)
	}
	return string(b), nil
}

func unmarshal(body string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return Message{}, fmt.Errorf("unmarshaling queue message: %w", err)
	}
	return msg, nil
}
