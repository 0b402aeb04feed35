package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process ledger for local development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records []UsageRecord

	// Now stamps CreatedAt on insert, like the database default.
	Now func() time.Time
	// Err, when set, is returned by every call to simulate an outage.
	Err error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{Now: time.Now}
}

func (m *MemoryStore) Insert(ctx context.Context, rec *UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}
	rec.ID = uuid.NewString()
	rec.CreatedAt = m.Now()
	m.records = append(m.records, *rec)
	return nil
}

func (m *MemoryStore) Totals(ctx context.Context, agencyID string, from, to time.Time) (Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return Totals{}, m.Err
	}
	var t Totals
	for i := range m.records {
		if m.matches(&m.records[i], agencyID, from, to) {
			t.Tokens += m.records[i].Tokens
			t.Requests++
		}
	}
	return t, nil
}

func (m *MemoryStore) Daily(ctx context.Context, agencyID string, from, to time.Time, loc *time.Location) ([]DailyTotal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	if loc == nil {
		loc = time.UTC
	}
	byDay := make(map[string]int64)
	for i := range m.records {
		r := &m.records[i]
		if m.matches(r, agencyID, from, to) {
			byDay[r.CreatedAt.In(loc).Format(dateLayout)] += r.Tokens
		}
	}

	out := make([]DailyTotal, 0, len(byDay))
	for day, tokens := range byDay {
		out = append(out, DailyTotal{Date: day, Tokens: tokens})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func (m *MemoryStore) List(ctx context.Context, agencyID string, from, to time.Time, limit int) ([]*UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.Err != nil {
		return nil, m.Err
	}
	var out []*UsageRecord
	for i := range m.records {
		if m.matches(&m.records[i], agencyID, from, to) {
			r := m.records[i]
			out = append(out, &r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) matches(r *UsageRecord, agencyID string, from, to time.Time) bool {
	return r.AgencyID == agencyID && !r.CreatedAt.Before(from) && !r.CreatedAt.After(to)
}
