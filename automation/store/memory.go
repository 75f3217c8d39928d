package store

import (
	"context"
	"sort"
	"sync"

	"github.com/teranos/automaton/automation"
)

// MemoryStore keeps records in a map. Records are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*automation.ScheduleRecord
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*automation.ScheduleRecord)}
}

func (m *MemoryStore) Schedules(context.Context) ([]*automation.ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(*automation.ScheduleRecord) bool { return true }), nil
}

func (m *MemoryStore) Schedule(_ context.Context, id string) (*automation.ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id].Clone(), nil
}

func (m *MemoryStore) SchedulesInGroup(_ context.Context, group string) ([]*automation.ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(r *automation.ScheduleRecord) bool { return r.Schedule.Group == group }), nil
}

func (m *MemoryStore) BatchUpsert(
	_ context.Context,
	ids []string,
	fn func(id string, existing *automation.ScheduleRecord) (*automation.ScheduleRecord, error),
) ([]*automation.ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Apply all or nothing
	staged := make(map[string]*automation.ScheduleRecord, len(ids))
	out := make([]*automation.ScheduleRecord, 0, len(ids))
	for _, id := range ids {
		existing := staged[id]
		if existing == nil {
			existing = m.records[id].Clone()
		}
		r, err := fn(id, existing)
		if err != nil {
			return nil, err
		}
		staged[id] = r.Clone()
		out = append(out, r.Clone())
	}
	for id, r := range staged {
		m.records[id] = r
	}
	return out, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*automation.ScheduleRecord) error) (*automation.ScheduleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	r := existing.Clone()
	if err := fn(r); err != nil {
		return nil, err
	}
	m.records[id] = r.Clone()
	return r, nil
}

func (m *MemoryStore) Delete(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

func (m *MemoryStore) DeleteGroup(_ context.Context, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.Schedule.Group == group {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteType(_ context.Context, payloadType automation.PayloadType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if r.Schedule.Type == payloadType {
			delete(m.records, id)
		}
	}
	return nil
}

func (m *MemoryStore) filter(keep func(*automation.ScheduleRecord) bool) []*automation.ScheduleRecord {
	var out []*automation.ScheduleRecord
	for _, r := range m.records {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Schedule.ID < out[j].Schedule.ID })
	return out
}

var _ automation.Store = (*MemoryStore)(nil)
