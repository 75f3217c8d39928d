package limits

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/automaton/db"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
)

// Manager hands out frequency checkers backed by an in-memory view of the
// constraints they reference. Occurrences are written to the store
// asynchronously; failed writes are kept and retried on the next write.
type Manager struct {
	store   Store
	log     *zap.SugaredLogger
	timeNow func() time.Time

	// storeMu serializes every store access
	storeMu sync.Mutex

	mu      sync.Mutex
	fetched map[string]*ConstraintInfo
	pending []Occurrence

	writes sync.WaitGroup
}

// NewManager creates a manager using the real clock.
func NewManager(store Store, log *zap.SugaredLogger) *Manager {
	return NewManagerWithClock(store, log, time.Now)
}

// NewManagerWithClock creates a manager with a custom time source (for testing).
func NewManagerWithClock(store Store, log *zap.SugaredLogger, timeNow func() time.Time) *Manager {
	return &Manager{
		store:   store,
		log:     logger.OrDefault(log).Named("limits"),
		timeNow: timeNow,
		fetched: make(map[string]*ConstraintInfo),
	}
}

// Checker evaluates a fixed set of constraints.
type Checker struct {
	m   *Manager
	ids []string
}

// IsOverLimit reports whether any constraint is at its cap.
func (c *Checker) IsOverLimit() bool {
	if c.m == nil {
		return false
	}
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return c.m.isOverLimitLocked(c.ids)
}

// CheckAndIncrement records an occurrence against every constraint unless one
// is already at its cap. It reports whether the occurrence was recorded.
func (c *Checker) CheckAndIncrement() bool {
	if c.m == nil {
		return true
	}
	return c.m.checkAndIncrement(c.ids)
}

// FrequencyChecker returns a checker over ids. Empty ids yield a checker that
// is never over limit. Unknown ids fail with ErrMissingConstraint.
func (m *Manager) FrequencyChecker(ctx context.Context, ids []string) (*Checker, error) {
	if len(ids) == 0 {
		return &Checker{}, nil
	}

	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.writePending(ctx)

	m.mu.Lock()
	var need []string
	seen := make(map[string]bool)
	for _, id := range ids {
		if _, ok := m.fetched[id]; !ok && !seen[id] {
			need = append(need, id)
			seen[id] = true
		}
	}
	m.mu.Unlock()

	if len(need) > 0 {
		infos, err := m.store.FetchConstraints(ctx, need...)
		if err != nil {
			return nil, errors.Wrap(err, "fetch constraints")
		}
		found := make(map[string]bool, len(infos))
		for _, info := range infos {
			found[info.Constraint.ID] = true
		}
		var missing []string
		for _, id := range need {
			if !found[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return nil, errors.WithDetailf(errors.ErrMissingConstraint, "missing=%v", missing)
		}

		m.mu.Lock()
		for i := range infos {
			info := infos[i]
			m.fetched[info.Constraint.ID] = &info
		}
		m.mu.Unlock()
	}

	return &Checker{m: m, ids: append([]string(nil), ids...)}, nil
}

// SetConstraints replaces the constraint set. Constraints whose range changed
// are recreated, which discards their occurrences. Checkers already handed out
// keep enforcing a recreated constraint from an empty history.
func (m *Manager) SetConstraints(ctx context.Context, constraints []FrequencyConstraint) error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.writePending(ctx)

	existing, err := m.store.FetchConstraints(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch existing constraints")
	}

	incoming := make(map[string]FrequencyConstraint, len(constraints))
	for _, c := range constraints {
		incoming[c.ID] = c
	}
	current := make(map[string]FrequencyConstraint, len(existing))
	var remove, reset []string
	for _, info := range existing {
		c := info.Constraint
		current[c.ID] = c
		in, ok := incoming[c.ID]
		switch {
		case !ok:
			remove = append(remove, c.ID)
		case in.Range != c.Range:
			reset = append(reset, c.ID)
		}
	}

	if stale := append(append([]string(nil), remove...), reset...); len(stale) > 0 {
		if err := m.store.DeleteConstraints(ctx, stale...); err != nil {
			return errors.Wrap(err, "delete constraints")
		}
		m.mu.Lock()
		for _, id := range remove {
			delete(m.fetched, id)
		}
		for _, id := range reset {
			if info, ok := m.fetched[id]; ok {
				info.Constraint = incoming[id]
				info.Occurrences = nil
			}
		}
		m.mu.Unlock()
	}

	for _, c := range constraints {
		if old, ok := current[c.ID]; ok && old == c {
			continue
		}
		if err := m.store.UpsertConstraint(ctx, c); err != nil {
			return errors.WithDetailf(errors.Wrap(err, "upsert constraint"), "constraint_id=%s", c.ID)
		}
		m.mu.Lock()
		if info, ok := m.fetched[c.ID]; ok {
			info.Constraint = c
		}
		m.mu.Unlock()
	}

	m.log.Debugw("Frequency constraints updated",
		logger.FieldCount, len(constraints),
		"removed", len(remove),
		"reset", len(reset),
	)
	return nil
}

// Flush waits for queued writes and writes anything still pending.
func (m *Manager) Flush(ctx context.Context) {
	m.writes.Wait()
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	m.writePending(ctx)
}

func (m *Manager) isOverLimitLocked(ids []string) bool {
	now := m.timeNow()
	for _, id := range ids {
		info, ok := m.fetched[id]
		if !ok {
			continue
		}
		c := info.Constraint
		if c.Count == 0 {
			return true
		}
		occ := info.Occurrences
		if len(occ) < int(c.Count) {
			continue
		}
		sort.SliceStable(occ, func(i, j int) bool { return occ[i].Timestamp.Before(occ[j].Timestamp) })
		oldest := occ[len(occ)-int(c.Count)].Timestamp
		if now.Sub(oldest) <= c.Range {
			return true
		}
	}
	return false
}

func (m *Manager) checkAndIncrement(ids []string) bool {
	m.mu.Lock()
	if m.isOverLimitLocked(ids) {
		m.mu.Unlock()
		return false
	}
	now := m.timeNow()
	for _, id := range ids {
		o := Occurrence{ConstraintID: id, Timestamp: now}
		if info, ok := m.fetched[id]; ok {
			info.Occurrences = append(prune(info.Occurrences, info.Constraint.Range, now), o)
		}
		m.pending = append(m.pending, o)
	}
	m.mu.Unlock()

	m.writes.Add(1)
	go func() {
		defer m.writes.Done()
		m.storeMu.Lock()
		defer m.storeMu.Unlock()
		m.writePending(context.Background())
	}()
	return true
}

// prune drops occurrences that have left the window; they can no longer
// count toward the limit.
func prune(occ []Occurrence, window time.Duration, now time.Time) []Occurrence {
	kept := occ[:0]
	for _, o := range occ {
		if now.Sub(o.Timestamp) <= window {
			kept = append(kept, o)
		}
	}
	return kept
}

// writePending must be called with storeMu held.
func (m *Manager) writePending(ctx context.Context) {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	if err := m.store.SaveOccurrences(ctx, pending); err != nil {
		if db.IsDatabaseClosed(err) {
			m.log.Debugw("Dropping occurrences written after close", logger.FieldCount, len(pending))
			return
		}
		m.log.Errorw("Failed to write occurrences",
			logger.FieldCount, len(pending),
			logger.FieldError, err,
		)
		m.mu.Lock()
		m.pending = append(pending, m.pending...)
		m.mu.Unlock()
	}
}
