package agency

import (
	"context"
	"sync"
)

// MemoryStore holds agency plans in process. Used in dev mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]string
	Err   error
}

func NewMemoryStore(plans map[string]string) *MemoryStore {
	m := &MemoryStore{plans: make(map[string]string, len(plans))}
	for id, p := range plans {
		m.plans[id] = p
	}
	return m
}

func (m *MemoryStore) Set(agencyID, planType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[agencyID] = planType
}

func (m *MemoryStore) PlanType(ctx context.Context, agencyID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return "", m.Err
	}
	p, ok := m.plans[agencyID]
	if !ok {
		return "", ErrAgencyNotFound
	}
	return p, nil
}
