// Package store implements automation.Store on SQLite and in memory.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/errors"
)

const selectColumns = `
	schedule_id, schedule_json, state, state_change_date, updated_at,
	execution_count, trigger_session_id, trigger_info_json, prepared_info_json`

// SQLiteStore persists records in the automation_schedules table.
// Writes are serialized by a mutex so read-modify-write cycles never interleave.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex
	timeNow func() time.Time
}

// NewSQLiteStore creates a store over a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, timeNow: time.Now}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) Schedules(ctx context.Context) ([]*automation.ScheduleRecord, error) {
	records, err := s.query(ctx, s.db, `SELECT`+selectColumns+` FROM automation_schedules ORDER BY schedule_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list schedules")
	}
	return records, nil
}

func (s *SQLiteStore) Schedule(ctx context.Context, id string) (*automation.ScheduleRecord, error) {
	return s.get(ctx, s.db, id)
}

func (s *SQLiteStore) SchedulesInGroup(ctx context.Context, group string) ([]*automation.ScheduleRecord, error) {
	records, err := s.query(ctx, s.db, `SELECT`+selectColumns+` FROM automation_schedules WHERE group_name = ? ORDER BY schedule_id`, group)
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "list group"), "group=%s", group)
	}
	return records, nil
}

func (s *SQLiteStore) BatchUpsert(
	ctx context.Context,
	ids []string,
	fn func(id string, existing *automation.ScheduleRecord) (*automation.ScheduleRecord, error),
) ([]*automation.ScheduleRecord, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin batch upsert")
	}
	defer tx.Rollback()

	out := make([]*automation.ScheduleRecord, 0, len(ids))
	for _, id := range ids {
		existing, err := s.get(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		record, err := fn(id, existing)
		if err != nil {
			return nil, errors.WithDetailf(errors.Wrap(err, "upsert"), "schedule_id=%s", id)
		}
		if err := s.write(ctx, tx, record); err != nil {
			return nil, err
		}
		out = append(out, record.Clone())
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit batch upsert")
	}
	return out, nil
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*automation.ScheduleRecord) error) (*automation.ScheduleRecord, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin update")
	}
	defer tx.Rollback()

	record, err := s.get(ctx, tx, id)
	if err != nil || record == nil {
		return nil, err
	}
	if err := fn(record); err != nil {
		return nil, err
	}
	if err := s.write(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "commit update"), "schedule_id=%s", id)
	}
	return record.Clone(), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM automation_schedules WHERE schedule_id IN (`+placeholders+`)`, args...); err != nil {
		return errors.Wrapf(err, "delete %d schedules", len(ids))
	}
	return nil
}

func (s *SQLiteStore) DeleteGroup(ctx context.Context, group string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM automation_schedules WHERE group_name = ?`, group); err != nil {
		return errors.WithDetailf(errors.Wrap(err, "delete group"), "group=%s", group)
	}
	return nil
}

func (s *SQLiteStore) DeleteType(ctx context.Context, payloadType automation.PayloadType) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM automation_schedules WHERE payload_type = ?`, string(payloadType)); err != nil {
		return errors.Wrapf(err, "delete type %s", payloadType)
	}
	return nil
}

func (s *SQLiteStore) get(ctx context.Context, q querier, id string) (*automation.ScheduleRecord, error) {
	records, err := s.query(ctx, q, `SELECT`+selectColumns+` FROM automation_schedules WHERE schedule_id = ?`, id)
	if err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "get schedule"), "schedule_id=%s", id)
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[0], nil
}

func (s *SQLiteStore) query(ctx context.Context, q querier, query string, args ...any) ([]*automation.ScheduleRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*automation.ScheduleRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (*automation.ScheduleRecord, error) {
	var (
		id, scheduleJSON, state       string
		stateChangeDate, updatedAt    string
		count                         int
		sessionID                     string
		triggerInfoJSON, preparedJSON sql.NullString
	)
	if err := rows.Scan(&id, &scheduleJSON, &state, &stateChangeDate, &updatedAt,
		&count, &sessionID, &triggerInfoJSON, &preparedJSON); err != nil {
		return nil, errors.Wrap(err, "scan schedule")
	}

	r := &automation.ScheduleRecord{
		State:            automation.State(state),
		ExecutionCount:   count,
		TriggerSessionID: sessionID,
	}
	if !r.State.Valid() {
		return nil, errors.WithDetailf(errors.Newf("invalid persisted state %q", state), "schedule_id=%s", id)
	}
	if err := json.Unmarshal([]byte(scheduleJSON), &r.Schedule); err != nil {
		return nil, errors.WithDetailf(errors.Wrap(err, "decode schedule"), "schedule_id=%s", id)
	}

	var err error
	if r.StateChangeDate, err = time.Parse(time.RFC3339Nano, stateChangeDate); err != nil {
		return nil, errors.Wrap(err, "parse state_change_date")
	}
	if r.LastModified, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, errors.Wrap(err, "parse updated_at")
	}

	if triggerInfoJSON.Valid {
		r.TriggerInfo = &automation.TriggeringInfo{}
		if err := json.Unmarshal([]byte(triggerInfoJSON.String), r.TriggerInfo); err != nil {
			return nil, errors.Wrap(err, "decode trigger info")
		}
	}
	if preparedJSON.Valid {
		r.PreparedInfo = &automation.PreparedScheduleInfo{}
		if err := json.Unmarshal([]byte(preparedJSON.String), r.PreparedInfo); err != nil {
			return nil, errors.Wrap(err, "decode prepared info")
		}
	}
	return r, nil
}

func (s *SQLiteStore) write(ctx context.Context, tx *sql.Tx, r *automation.ScheduleRecord) error {
	if !r.State.Valid() {
		return errors.WithDetailf(errors.Newf("refusing to persist state %q", r.State), "schedule_id=%s", r.Schedule.ID)
	}

	scheduleJSON, err := json.Marshal(r.Schedule)
	if err != nil {
		return errors.Wrap(err, "encode schedule")
	}
	triggerInfo, err := nullableJSON(r.TriggerInfo)
	if err != nil {
		return errors.Wrap(err, "encode trigger info")
	}
	preparedInfo, err := nullableJSON(r.PreparedInfo)
	if err != nil {
		return errors.Wrap(err, "encode prepared info")
	}

	var group any
	if r.Schedule.Group != "" {
		group = r.Schedule.Group
	}
	lastModified := r.LastModified
	if lastModified.IsZero() {
		lastModified = s.timeNow()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO automation_schedules (
			schedule_id, group_name, payload_type, schedule_json, state,
			state_change_date, execution_count, trigger_session_id,
			trigger_info_json, prepared_info_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(schedule_id) DO UPDATE SET
			group_name = excluded.group_name,
			payload_type = excluded.payload_type,
			schedule_json = excluded.schedule_json,
			state = excluded.state,
			state_change_date = excluded.state_change_date,
			execution_count = excluded.execution_count,
			trigger_session_id = excluded.trigger_session_id,
			trigger_info_json = excluded.trigger_info_json,
			prepared_info_json = excluded.prepared_info_json,
			updated_at = excluded.updated_at`,
		r.Schedule.ID,
		group,
		string(r.Schedule.Type),
		string(scheduleJSON),
		string(r.State),
		r.StateChangeDate.UTC().Format(time.RFC3339Nano),
		r.ExecutionCount,
		r.TriggerSessionID,
		triggerInfo,
		preparedInfo,
		s.timeNow().UTC().Format(time.RFC3339Nano),
		lastModified.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.WithDetailf(errors.Wrap(err, "write schedule"), "schedule_id=%s", r.Schedule.ID)
	}
	return nil
}

func nullableJSON(v any) (any, error) {
	switch t := v.(type) {
	case *automation.TriggeringInfo:
		if t == nil {
			return nil, nil
		}
	case *automation.PreparedScheduleInfo:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var _ automation.Store = (*SQLiteStore)(nil)
