package objectstore

import (
	"bytes"
	"context"
	"io"
	"sync"
)

type memoryObject struct {
	body []byte
	meta Metadata
}

// MemoryStore is an in-process Store used by tests for the Worker's
// phase-2 upload and the Reaper's reconcile loop, so both can be exercised
// without a live S3 bucket.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func objectKey(bucket, key string) string {
	return bucket + "/" + key
}

func (s *MemoryStore) Put(ctx context.Context, in PutInput) error {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[objectKey(in.Bucket, in.Key)] = memoryObject{
		body: body,
		meta: Metadata{
			ActualCostMicros:  in.ActualCostMicros,
			ResultFingerprint: in.ResultFingerprint,
		},
	}
	return nil
}

func (s *MemoryStore) HeadMetadata(ctx context.Context, bucket, key string) (Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[objectKey(bucket, key)]
	if !ok {
		return Metadata{}, ErrNotFound
	}
	return obj.meta, nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[objectKey(bucket, key)]
	if !ok {
		return nil, Metadata{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.body)), obj.meta, nil
}

// Ping always succeeds — there is no external dependency to probe.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
