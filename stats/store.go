package stats

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by FindByClient for unknown clients.
var ErrNotFound = errors.New("stats: statistics not found")

// Store persists Statistics. Implementations must be safe for concurrent use.
// Read-modify-write cycles are last-writer-wins.
type Store interface {
	FindByClient(ctx context.Context, client string) (*Statistics, error)
	Save(ctx context.Context, s *Statistics) error
	Delete(ctx context.Context, client string) error
	// DeleteBefore removes records whose LastRequestAt is before cutoff.
	// Permanently blocked clients are kept.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// List returns every stored record in no particular order.
	List(ctx context.Context) ([]*Statistics, error)
}

// MemoryStore keeps statistics in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Statistics
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Statistics)}
}

// FindByClient implements Store.
func (m *MemoryStore) FindByClient(_ context.Context, client string) (*Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.data[client]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, s *Statistics) error {
	if s == nil {
		return errors.New("stats: nil statistics")
	}
	m.mu.Lock()
	m.data[s.Client] = *s
	m.mu.Unlock()
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, client string) error {
	m.mu.Lock()
	delete(m.data, client)
	m.mu.Unlock()
	return nil
}

// DeleteBefore implements Store.
func (m *MemoryStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.data {
		if !s.PermanentlyBlocked && s.LastRequestAt.Before(cutoff) {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context) ([]*Statistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Statistics, 0, len(m.data))
	for _, s := range m.data {
		s := s
		out = append(out, &s)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
