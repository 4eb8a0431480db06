package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/shsh-cloudlabs/internal/domain"
)

// Store is the key/value contract behind the registry. Get returns nil, nil
// for an absent record. A ttl <= 0 keeps the record until deleted.
//
// IDs and Ref outlive the record's ttl: an id stays indexed, together with
// its credential ref, until Delete, so credentials of a lapsed record can
// still be released.
type Store interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Put(ctx context.Context, s *domain.Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	IDs(ctx context.Context) ([]string, error)
	Ref(ctx context.Context, id string) (string, error)
	Ping(ctx context.Context) error
}

type memoryEntry struct {
	session  *domain.Session
	deadline time.Time
}

// MemoryStore keeps session records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok || m.lapsed(e) {
		return nil, nil
	}
	return e.session.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, s *domain.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := memoryEntry{session: s.Clone()}
	if ttl > 0 {
		e.deadline = m.now().Add(ttl)
	}
	m.entries[s.ID] = e
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *MemoryStore) IDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Ref(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[id]
	if !ok {
		return "", nil
	}
	return e.session.Credentials.Ref, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) lapsed(e memoryEntry) bool {
	return !e.deadline.IsZero() && m.now().After(e.deadline)
}
