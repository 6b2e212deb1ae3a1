package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue used by tests for the API admission
// pipeline and the Worker main loop, so they can exercise enqueue/receive/
// delete/extend-visibility semantics without a live SQS queue.
type MemoryQueue struct {
	mu      sync.Mutex
	seq     int
	visible []entry
	leased  map[string]entry
}

type entry struct {
	msg     Message
	visible time.Time
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{leased: make(map[string]entry)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visible = append(q.visible, entry{msg: msg})
	return nil
}

// Receive returns up to maxMessages currently-visible entries, marking them
// invisible for the default of 30 seconds (callers extend via
// ExtendVisibility). waitTime is accepted for interface compatibility but
// MemoryQueue never blocks — it returns whatever is immediately available.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int32, waitTime time.Duration) ([]Envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for h, e := range q.leased {
		if now.After(e.visible) {
			delete(q.leased, h)
			q.visible = append(q.visible, entry{msg: e.msg})
		}
	}

	var out []Envelope
	var remaining []entry
	for _, e := range q.visible {
		if int32(len(out)) >= maxMessages {
			remaining = append(remaining, e)
			continue
		}
		q.seq++
		handle := fmt.Sprintf("handle-%d", q.seq)
		q.leased[handle] = entry{msg: e.msg, visible: now.Add(30 * time.Second)}
		out = append(out, Envelope{Message: e.msg, ReceiptHandle: handle})
	}
	q.visible = remaining
	return out, nil
}

func (q *MemoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.leased, receiptHandle)
	return nil
}

func (q *MemoryQueue) ExtendVisibility(ctx context.Context, receiptHandle string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.leased[receiptHandle]
	if !ok {
		return fmt.Errorf("extending visibility: unknown receipt handle %q", receiptHandle)
	}
	e.visible = time.Now().Add(d)
	q.leased[receiptHandle] = e
	return nil
}

// Requeue makes a leased message visible again without waiting for a
// natural invisibility-timeout expiry — used by tests to simulate a
// negative-acknowledgment redelivery (§4.2 main loop).
func (q *MemoryQueue) Requeue(receiptHandle string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.leased[receiptHandle]
	if !ok {
		return
	}
	delete(q.leased, receiptHandle)
	q.visible = append(q.visible, entry{msg: e.msg})
}

// Ping always succeeds — there is no external dependency to probe.
func (q *MemoryQueue) Ping(ctx context.Context) error {
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
