package limits

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is a Store for tests and ephemeral runs.
type MemoryStore struct {
	mu          sync.Mutex
	constraints map[string]FrequencyConstraint
	occurrences map[string][]Occurrence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		constraints: make(map[string]FrequencyConstraint),
		occurrences: make(map[string][]Occurrence),
	}
}

func (m *MemoryStore) FetchConstraints(_ context.Context, ids ...string) ([]ConstraintInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(ids) == 0 {
		for id := range m.constraints {
			ids = append(ids, id)
		}
	}
	var out []ConstraintInfo
	for _, id := range ids {
		c, ok := m.constraints[id]
		if !ok {
			continue
		}
		out = append(out, ConstraintInfo{
			Constraint:  c,
			Occurrences: append([]Occurrence(nil), m.occurrences[id]...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Constraint.ID < out[j].Constraint.ID })
	return out, nil
}

func (m *MemoryStore) UpsertConstraint(_ context.Context, c FrequencyConstraint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.constraints[c.ID] = c
	return nil
}

func (m *MemoryStore) DeleteConstraints(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.constraints, id)
		delete(m.occurrences, id)
	}
	return nil
}

func (m *MemoryStore) SaveOccurrences(_ context.Context, occurrences []Occurrence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range occurrences {
		if _, ok := m.constraints[o.ConstraintID]; ok {
			m.occurrences[o.ConstraintID] = append(m.occurrences[o.ConstraintID], o)
		}
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
