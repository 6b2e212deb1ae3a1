package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueEnqueueReceiveDelete(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	msg := Message{RunID: "run-1", TenantID: "tenant-1", PackType: "decision", SchemaVersion: CurrentSchemaVersion}
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	envs, err := q.Receive(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("len(envs) = %d, want 1", len(envs))
	}
	if envs[0].Message.RunID != "run-1" {
		t.Errorf("RunID = %q, want run-1", envs[0].Message.RunID)
	}

	// Second receive sees nothing — the message is leased.
	envs2, err := q.Receive(ctx, 10, 0)
	if err != nil {
		t.Fatalf("second Receive: %v", err)
	}
	if len(envs2) != 0 {
		t.Fatalf("second Receive returned %d messages, want 0", len(envs2))
	}

	if err := q.Delete(ctx, envs[0].ReceiptHandle); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestMemoryQueueRequeueOnNack(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	msg := Message{RunID: "run-2", TenantID: "tenant-1"}
	_ = q.Enqueue(ctx, msg)

	envs, _ := q.Receive(ctx, 10, 0)
	if len(envs) != 1 {
		t.Fatalf("len(envs) = %d, want 1", len(envs))
	}

	q.Requeue(envs[0].ReceiptHandle)

	envs2, err := q.Receive(ctx, 10, 0)
	if err != nil {
		t.Fatalf("Receive after requeue: %v", err)
	}
	if len(envs2) != 1 {
		t.Fatalf("len(envs2) = %d, want 1 (message should be redelivered)", len(envs2))
	}
	if envs2[0].Message.RunID != "run-2" {
		t.Errorf("RunID = %q, want run-2", envs2[0].Message.RunID)
	}
}

func TestMemoryQueueExtendVisibilityUnknownHandle(t *testing.T) {
	q := NewMemoryQueue()
	if err := q.ExtendVisibility(context.Background(), "nonexistent", time.Minute); err == nil {
		t.Fatal("expected error for unknown receipt handle")
	}
}
