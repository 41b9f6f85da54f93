package ledger

import (
	"context"
	"sync"

	"exec_reconciler/internal/core"
)

// MemoryStore implements the store and journal interfaces in memory
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[core.AccountID]core.LedgerSnapshot
	journal   []core.Discrepancy
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[core.AccountID]core.LedgerSnapshot),
	}
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap core.LedgerSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.AccountID] = snap
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, accountID core.AccountID) (*core.LedgerSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[accountID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *MemoryStore) Append(ctx context.Context, d core.Discrepancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, d)
	return nil
}

func (s *MemoryStore) Recent(ctx context.Context, limit int) ([]core.Discrepancy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || len(s.journal) == 0 {
		return nil, nil
	}
	if limit > len(s.journal) {
		limit = len(s.journal)
	}
	out := make([]core.Discrepancy, 0, limit)
	for i := len(s.journal) - 1; i >= len(s.journal)-limit; i-- {
		out = append(out, s.journal[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
