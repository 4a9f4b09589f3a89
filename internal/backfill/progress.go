package backfill

import (
	"context"
	"sync"
)

// MemoryProgressStore is an in-process ProgressStore, useful for tests
// and single-process deployments where durable resume isn't needed across
// restarts (a JSON-file or goleveldb-backed store would satisfy the same
// interface for a restart-resilient deployment, persisting the full
// JobSnapshot — status, progress, checkpoint and retry envelope — rather
// than just the filled-date map, per spec §3's Resumable predicate).
type MemoryProgressStore struct {
	mu   sync.Mutex
	data map[string]*JobSnapshot // jobID -> snapshot
}

// NewMemoryProgressStore returns an empty store.
func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{data: make(map[string]*JobSnapshot)}
}

func (s *MemoryProgressStore) Load(_ context.Context, jobID string) (*JobSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[jobID], nil
}

func (s *MemoryProgressStore) Save(_ context.Context, jobID string, snapshot *JobSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[jobID] = snapshot
	return nil
}
