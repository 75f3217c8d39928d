package engine

import (
	"context"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/logger"
)

// restore reconciles records left mid-cycle by a previous process.
func (e *Engine) restore(ctx context.Context) error {
	records, err := e.Store.Schedules(ctx)
	if err != nil {
		return errors.Wrap(err, "load schedules")
	}
	automation.SortForRestore(records)

	if err := e.Triggers.RestoreSchedules(ctx, records); err != nil {
		return errors.Wrap(err, "restore triggers")
	}

	now := e.timeNow()
	var toDelete []*automation.ScheduleRecord
	restarted := 0

	for _, rec := range records {
		id := rec.Schedule.ID
		log := e.log.With(logger.FieldScheduleID, id, logger.FieldState, rec.State)

		switch rec.State {
		case automation.StateExecuting, automation.StatePrepared, automation.StatePreparing, automation.StateTriggered:
			var updated *automation.ScheduleRecord
			if rec.State == automation.StateExecuting && rec.PreparedInfo != nil {
				behavior := e.Executor.Interrupted(ctx, rec.Schedule, *rec.PreparedInfo)
				log.Infow("Execution interrupted", logger.FieldResult, behavior)
				updated, err = e.updateState(ctx, id, func(r *automation.ScheduleRecord) {
					r.ExecutionInterrupted(behavior == automation.InterruptedRetry, now)
				})
			} else {
				updated, err = e.updateState(ctx, id, func(r *automation.ScheduleRecord) {
					r.PrepareInterrupted(now)
				})
			}
			if err != nil {
				return err
			}
			if updated == nil {
				continue
			}
			switch updated.State {
			case automation.StateTriggered:
				restarted++
				e.startPipeline(id)
			case automation.StatePaused:
				e.pauseFor(id, updated.PauseRemaining(now))
			}

		case automation.StatePaused:
			e.pauseFor(id, rec.PauseRemaining(now))

		case automation.StateFinished:
			if rec.ShouldDelete(now) {
				toDelete = append(toDelete, rec)
			}
		}
	}

	if err := e.deleteRecords(ctx, toDelete); err != nil {
		return err
	}

	e.log.Infow("Restored schedules",
		logger.FieldCount, len(records),
		"restarted", restarted,
		"deleted", len(toDelete),
	)
	return nil
}
