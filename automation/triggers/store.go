package triggers

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/teranos/automaton/errors"
)

// SQLiteStateStore keeps trigger progress in the trigger_data table.
type SQLiteStateStore struct {
	db      *sql.DB
	timeNow func() time.Time
}

// NewSQLiteStateStore creates a store over a migrated database.
func NewSQLiteStateStore(db *sql.DB) *SQLiteStateStore {
	return &SQLiteStateStore{db: db, timeNow: time.Now}
}

func (s *SQLiteStateStore) Get(ctx context.Context, scheduleID, triggerID string) (*TriggerData, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT data_json FROM trigger_data WHERE schedule_id = ? AND trigger_id = ?`,
		scheduleID, triggerID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "get trigger data"), "schedule_id=%s trigger_id=%s", scheduleID, triggerID)
	}

	var data TriggerData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "decode trigger data"), "schedule_id=%s trigger_id=%s", scheduleID, triggerID)
	}
	return &data, nil
}

func (s *SQLiteStateStore) Upsert(ctx context.Context, data []*TriggerData) error {
	if len(data) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin trigger upsert")
	}
	defer tx.Rollback()

	now := s.timeNow().UTC().Format(time.RFC3339Nano)
	for _, d := range data {
		b, err := json.Marshal(d)
		if err != nil {
			return errors.Wrap(err, "encode trigger data")
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trigger_data (schedule_id, trigger_id, data_json, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(schedule_id, trigger_id) DO UPDATE SET
				data_json = excluded.data_json,
				updated_at = excluded.updated_at`,
			d.ScheduleID, d.TriggerID, string(b), now,
		)
		if err != nil {
			return errors.WithDetailf(errors.Wrap(err, "upsert trigger data"), "schedule_id=%s trigger_id=%s", d.ScheduleID, d.TriggerID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit trigger upsert")
}

func (s *SQLiteStateStore) DeleteTriggers(ctx context.Context, scheduleID string, triggerIDs ...string) error {
	if len(triggerIDs) == 0 {
		return nil
	}
	args := append([]any{scheduleID}, toArgs(triggerIDs)...)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM trigger_data WHERE schedule_id = ? AND trigger_id IN (`+placeholders(len(triggerIDs))+`)`,
		args...,
	)
	return errors.Wrap(err, "delete trigger data")
}

func (s *SQLiteStateStore) DeleteSchedules(ctx context.Context, scheduleIDs ...string) error {
	if len(scheduleIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM trigger_data WHERE schedule_id IN (`+placeholders(len(scheduleIDs))+`)`,
		toArgs(scheduleIDs)...,
	)
	return errors.Wrap(err, "delete schedule trigger data")
}

func (s *SQLiteStateStore) DeleteExcept(ctx context.Context, keep []string) error {
	if len(keep) == 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM trigger_data`)
		return errors.Wrap(err, "clear trigger data")
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM trigger_data WHERE schedule_id NOT IN (`+placeholders(len(keep))+`)`,
		toArgs(keep)...,
	)
	return errors.Wrap(err, "delete stale trigger data")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func toArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

// MemoryStateStore is an in-memory StateStore.
type MemoryStateStore struct {
	mu   sync.Mutex
	data map[string]map[string]*TriggerData
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{data: make(map[string]map[string]*TriggerData)}
}

func (m *MemoryStateStore) Get(_ context.Context, scheduleID, triggerID string) (*TriggerData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[scheduleID][triggerID].clone(), nil
}

func (m *MemoryStateStore) Upsert(_ context.Context, data []*TriggerData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range data {
		byTrigger, ok := m.data[d.ScheduleID]
		if !ok {
			byTrigger = make(map[string]*TriggerData)
			m.data[d.ScheduleID] = byTrigger
		}
		byTrigger[d.TriggerID] = d.clone()
	}
	return nil
}

func (m *MemoryStateStore) DeleteTriggers(_ context.Context, scheduleID string, triggerIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range triggerIDs {
		delete(m.data[scheduleID], id)
	}
	return nil
}

func (m *MemoryStateStore) DeleteSchedules(_ context.Context, scheduleIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range scheduleIDs {
		delete(m.data, id)
	}
	return nil
}

func (m *MemoryStateStore) DeleteExcept(_ context.Context, keep []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[string]bool, len(keep))
	for _, id := range keep {
		set[id] = true
	}
	for id := range m.data {
		if !set[id] {
			delete(m.data, id)
		}
	}
	return nil
}
