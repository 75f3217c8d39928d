package engine

import (
	"context"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
)

// UpsertSchedules stores definitions. New schedules start idle; existing
// records keep their runtime state and take the new definition.
func (e *Engine) UpsertSchedules(ctx context.Context, schedules []automation.Schedule) error {
	if len(schedules) == 0 {
		return nil
	}

	byID := make(map[string]automation.Schedule, len(schedules))
	ids := make([]string, 0, len(schedules))
	for _, s := range schedules {
		if err := s.Validate(); err != nil {
			return err
		}
		if _, dup := byID[s.ID]; !dup {
			ids = append(ids, s.ID)
		}
		byID[s.ID] = s
	}

	now := e.timeNow()
	from := make(map[string]automation.State, len(ids))
	updated, err := e.Store.BatchUpsert(ctx, ids, func(id string, existing *automation.ScheduleRecord) (*automation.ScheduleRecord, error) {
		s := byID[id]
		if existing == nil {
			return automation.NewScheduleRecord(s, now), nil
		}
		from[id] = existing.State
		existing.Schedule = s
		existing.UpdateState(now)
		return existing, nil
	})
	if err != nil {
		return errors.Wrap(err, "upsert schedules")
	}

	e.Triggers.UpdateSchedules(ctx, updated)
	for _, rec := range updated {
		if prev, ok := from[rec.Schedule.ID]; !ok || prev != rec.State {
			e.publish(automation.Transition{
				ScheduleID: rec.Schedule.ID,
				Group:      rec.Schedule.Group,
				From:       prev,
				To:         rec.State,
				Date:       now,
			})
		}
	}
	e.log.Infow("Upserted schedules", logger.FieldCount, len(updated))
	return nil
}

// StopSchedules ends schedules now without deleting their definitions
// before the edit grace period.
func (e *Engine) StopSchedules(ctx context.Context, ids ...string) error {
	now := e.timeNow()
	for _, id := range ids {
		e.dropInflight(id)
		if _, err := e.updateState(ctx, id, func(r *automation.ScheduleRecord) {
			end := now
			r.Schedule.End = &end
			r.Finish(now)
		}); err != nil {
			return err
		}
	}
	return nil
}

// CancelSchedules deletes schedules and their trigger state.
func (e *Engine) CancelSchedules(ctx context.Context, ids ...string) error {
	var records []*automation.ScheduleRecord
	for _, id := range ids {
		rec, err := e.Store.Schedule(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "load schedule %s", id)
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return e.cancelRecords(ctx, records)
}

// CancelSchedulesInGroup deletes every schedule in group.
func (e *Engine) CancelSchedulesInGroup(ctx context.Context, group string) error {
	records, err := e.Store.SchedulesInGroup(ctx, group)
	if err != nil {
		return errors.Wrapf(err, "load group %s", group)
	}
	if err := e.cancelRecords(ctx, records); err != nil {
		return err
	}
	e.Triggers.CancelGroup(ctx, group)
	return nil
}

// CancelSchedulesWithType deletes every schedule with the payload type.
func (e *Engine) CancelSchedulesWithType(ctx context.Context, kind automation.PayloadType) error {
	all, err := e.Store.Schedules(ctx)
	if err != nil {
		return errors.Wrap(err, "load schedules")
	}
	var records []*automation.ScheduleRecord
	for _, rec := range all {
		if rec.Schedule.Type == kind {
			records = append(records, rec)
		}
	}
	return e.cancelRecords(ctx, records)
}

func (e *Engine) cancelRecords(ctx context.Context, records []*automation.ScheduleRecord) error {
	if err := e.deleteRecords(ctx, records); err != nil {
		return err
	}
	for _, rec := range records {
		if rec.IsInState(automation.StatePreparing, automation.StatePrepared, automation.StateExecuting) {
			e.Preparer.Cancelled(ctx, rec.Schedule)
		}
	}
	if len(records) > 0 {
		e.log.Infow("Cancelled schedules", logger.FieldCount, len(records))
	}
	return nil
}

// GetSchedule returns a live schedule or ErrScheduleNotFound.
func (e *Engine) GetSchedule(ctx context.Context, id string) (automation.Schedule, error) {
	rec, err := e.Record(ctx, id)
	if err != nil {
		return automation.Schedule{}, err
	}
	return rec.Schedule, nil
}

// Record returns the runtime record of a live schedule.
func (e *Engine) Record(ctx context.Context, id string) (*automation.ScheduleRecord, error) {
	rec, err := e.Store.Schedule(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load schedule %s", id)
	}
	if rec == nil || rec.ShouldDelete(e.timeNow()) {
		return nil, errors.WithDetailf(errors.ErrScheduleNotFound, "schedule_id=%s", id)
	}
	return rec, nil
}

// GetSchedules returns every live schedule.
func (e *Engine) GetSchedules(ctx context.Context) ([]automation.Schedule, error) {
	records, err := e.Store.Schedules(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load schedules")
	}
	return e.live(records), nil
}

// GetSchedulesInGroup returns the live schedules in group.
func (e *Engine) GetSchedulesInGroup(ctx context.Context, group string) ([]automation.Schedule, error) {
	records, err := e.Store.SchedulesInGroup(ctx, group)
	if err != nil {
		return nil, errors.Wrapf(err, "load group %s", group)
	}
	return e.live(records), nil
}

func (e *Engine) live(records []*automation.ScheduleRecord) []automation.Schedule {
	now := e.timeNow()
	out := make([]automation.Schedule, 0, len(records))
	for _, rec := range records {
		if !rec.ShouldDelete(now) {
			out = append(out, rec.Schedule)
		}
	}
	return out
}
