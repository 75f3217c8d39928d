package limits

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/automaton/db"
	"github.com/teranos/automaton/errors"
	automatontest "github.com/teranos/automaton/internal/testing"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newTestManager(t *testing.T, store Store) (*Manager, *mockClock) {
	t.Helper()
	clock := newMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewManagerWithClock(store, nil, clock.Now), clock
}

func TestEmptyIDsNeverOverLimit(t *testing.T) {
	m, _ := newTestManager(t, NewMemoryStore())
	checker, err := m.FrequencyChecker(context.Background(), nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		assert.False(t, checker.IsOverLimit())
		assert.True(t, checker.CheckAndIncrement())
	}
}

func TestMissingConstraint(t *testing.T) {
	m, _ := newTestManager(t, NewMemoryStore())
	_, err := m.FrequencyChecker(context.Background(), []string{"nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMissingConstraint))
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

// Given: a constraint of 2 per 10 seconds
// When: checking and incrementing repeatedly
// Then: the third call inside the period fails and keeps failing until the
// oldest counted occurrence leaves the window
func TestCheckAndIncrementIsSaturating(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, NewMemoryStore())
	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{{ID: "c", Range: 10 * time.Second, Count: 2}}))

	checker, err := m.FrequencyChecker(ctx, []string{"c"})
	require.NoError(t, err)

	assert.True(t, checker.CheckAndIncrement())
	clock.Advance(time.Second)
	assert.True(t, checker.CheckAndIncrement())

	for i := 0; i < 5; i++ {
		assert.True(t, checker.IsOverLimit())
		assert.False(t, checker.CheckAndIncrement(), "must stay over limit")
		clock.Advance(time.Second)
	}

	// First occurrence was at 0s; at 11s it is out of range
	clock.Advance(5 * time.Second)
	assert.False(t, checker.IsOverLimit())
	assert.True(t, checker.CheckAndIncrement())
}

func TestZeroCountIsAlwaysOverLimit(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, NewMemoryStore())
	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{{ID: "never", Range: time.Hour, Count: 0}}))

	checker, err := m.FrequencyChecker(ctx, []string{"never"})
	require.NoError(t, err)
	assert.True(t, checker.IsOverLimit())
	assert.False(t, checker.CheckAndIncrement())
}

func TestIncrementAppliesToEveryConstraint(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, NewMemoryStore())
	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{
		{ID: "a", Range: time.Hour, Count: 1},
		{ID: "b", Range: time.Hour, Count: 5},
	}))

	both, err := m.FrequencyChecker(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.True(t, both.CheckAndIncrement())

	onlyB, err := m.FrequencyChecker(ctx, []string{"b"})
	require.NoError(t, err)
	assert.False(t, onlyB.IsOverLimit())

	onlyA, err := m.FrequencyChecker(ctx, []string{"a"})
	require.NoError(t, err)
	assert.True(t, onlyA.IsOverLimit())
}

func TestOccurrencesArePersisted(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(automatontest.CreateMigratedTestDB(t))

	m, clock := newTestManager(t, store)
	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{{ID: "c", Range: time.Minute, Count: 1}}))
	checker, err := m.FrequencyChecker(ctx, []string{"c"})
	require.NoError(t, err)
	require.True(t, checker.CheckAndIncrement())
	m.Flush(ctx)

	// A fresh manager over the same store sees the occurrence
	fresh := NewManagerWithClock(store, nil, clock.Now)
	checker, err = fresh.FrequencyChecker(ctx, []string{"c"})
	require.NoError(t, err)
	assert.True(t, checker.IsOverLimit())
}

func TestRangeChangeResetsOccurrences(t *testing.T) {
	ctx := context.Background()
	store := NewSQLiteStore(automatontest.CreateMigratedTestDB(t))
	m, _ := newTestManager(t, store)

	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{{ID: "c", Range: time.Minute, Count: 1}}))
	checker, err := m.FrequencyChecker(ctx, []string{"c"})
	require.NoError(t, err)
	require.True(t, checker.CheckAndIncrement())
	m.Flush(ctx)

	// Same range, new count: occurrences survive
	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{{ID: "c", Range: time.Minute, Count: 1}}))
	checker, err = m.FrequencyChecker(ctx, []string{"c"})
	require.NoError(t, err)
	assert.True(t, checker.IsOverLimit())

	// Changed range: occurrences reset
	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{{ID: "c", Range: time.Hour, Count: 1}}))
	checker, err = m.FrequencyChecker(ctx, []string{"c"})
	require.NoError(t, err)
	assert.False(t, checker.IsOverLimit())

	infos, err := store.FetchConstraints(ctx, "c")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Empty(t, infos[0].Occurrences)
	assert.Equal(t, time.Hour, infos[0].Constraint.Range)
}

// A checker obtained before the range changed must keep enforcing the
// recreated constraint.
func TestRangeChangeKeepsHeldCheckerEnforcing(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, NewSQLiteStore(automatontest.CreateMigratedTestDB(t)))

	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{{ID: "c", Range: time.Minute, Count: 1}}))
	checker, err := m.FrequencyChecker(ctx, []string{"c"})
	require.NoError(t, err)

	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{{ID: "c", Range: time.Hour, Count: 1}}))

	var got []bool
	for i := 0; i < 4; i++ {
		got = append(got, checker.CheckAndIncrement())
	}
	assert.Equal(t, []bool{true, false, false, false}, got)
	assert.True(t, checker.IsOverLimit())
	m.Flush(ctx)
}

func TestExpiredOccurrencesArePruned(t *testing.T) {
	ctx := context.Background()
	m, clock := newTestManager(t, NewMemoryStore())
	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{{ID: "c", Range: 10 * time.Second, Count: 2}}))
	checker, err := m.FrequencyChecker(ctx, []string{"c"})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		require.True(t, checker.CheckAndIncrement())
		clock.Advance(6 * time.Second)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.LessOrEqual(t, len(m.fetched["c"].Occurrences), 2)
}

func TestSetConstraintsRemovesMissing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{
		{ID: "a", Range: time.Minute, Count: 1},
		{ID: "b", Range: time.Minute, Count: 1},
	}))
	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{{ID: "b", Range: time.Minute, Count: 1}}))

	_, err := m.FrequencyChecker(ctx, []string{"a"})
	assert.True(t, errors.Is(err, errors.ErrMissingConstraint))
}

type flakyStore struct {
	*MemoryStore
	mu    sync.Mutex
	fails int
	err   error
}

func (f *flakyStore) SaveOccurrences(ctx context.Context, o []Occurrence) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		if f.err != nil {
			return f.err
		}
		return errors.New("disk full")
	}
	f.mu.Unlock()
	return f.MemoryStore.SaveOccurrences(ctx, o)
}

func TestFailedWritesAreRetried(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), fails: 1}
	m, _ := newTestManager(t, store)
	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{{ID: "c", Range: time.Minute, Count: 3}}))

	checker, err := m.FrequencyChecker(ctx, []string{"c"})
	require.NoError(t, err)
	require.True(t, checker.CheckAndIncrement())
	m.writes.Wait()

	m.Flush(ctx)
	infos, err := store.FetchConstraints(ctx, "c")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Len(t, infos[0].Occurrences, 1)
}

func TestWritesAfterCloseAreDropped(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: NewMemoryStore(), fails: 1, err: db.ErrDatabaseClosed}
	m, _ := newTestManager(t, store)
	require.NoError(t, m.SetConstraints(ctx, []FrequencyConstraint{{ID: "c", Range: time.Minute, Count: 3}}))

	checker, err := m.FrequencyChecker(ctx, []string{"c"})
	require.NoError(t, err)
	require.True(t, checker.CheckAndIncrement())
	m.Flush(ctx)

	infos, err := store.FetchConstraints(ctx, "c")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Empty(t, infos[0].Occurrences)
	assert.Empty(t, m.pending)
}

func TestConstraintJSON(t *testing.T) {
	var c FrequencyConstraint
	require.NoError(t, json.Unmarshal([]byte(`{"id":"daily","range":86400,"boundary":2}`), &c))
	assert.Equal(t, FrequencyConstraint{ID: "daily", Range: 24 * time.Hour, Count: 2}, c)

	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"daily","range":86400,"boundary":2}`, string(b))
}
