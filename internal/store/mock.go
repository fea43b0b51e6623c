package store

import (
	"context"
	"sync"

	"github.com/beaconhq/event-pipeline/internal/domain"
)

// MockStore is a hand-written, in-memory Store used in unit tests.
// No mock-generation library needed.
type MockStore struct {
	mu      sync.RWMutex
	batches map[string]*domain.Batch

	// Optional error overrides — set in tests to simulate failure paths.
	AppendErr  error
	LoadAllErr error
	RemoveErr  error
}

func NewMockStore() *MockStore {
	return &MockStore{batches: make(map[string]*domain.Batch)}
}

func (m *MockStore) Append(_ context.Context, b *domain.Batch) error {
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *b
	clone.Items = append([]domain.Item(nil), b.Items...)
	m.batches[b.ID] = &clone
	return nil
}

func (m *MockStore) LoadAll(_ context.Context) ([]*domain.Batch, error) {
	if m.LoadAllErr != nil {
		return nil, m.LoadAllErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Batch, 0, len(m.batches))
	for _, b := range m.batches {
		clone := *b
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MockStore) Remove(_ context.Context, batchID string) error {
	if m.RemoveErr != nil {
		return m.RemoveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.batches[batchID]; !ok {
		return ErrNotFound
	}
	delete(m.batches, batchID)
	return nil
}

func (m *MockStore) Close() error { return nil }

// Len returns the number of persisted batches.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.batches)
}

// Get returns the persisted batch with the given ID, or nil.
func (m *MockStore) Get(batchID string) *domain.Batch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batches[batchID]
}

var _ Store = (*MockStore)(nil)
