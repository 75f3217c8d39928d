package engine

import (
	"context"
	"time"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/logger"
)

// startPipeline runs the pipeline for id in its own goroutine. If one is
// already running, it is asked to run once more when it finishes; the
// pipeline re-reads the store, so extra runs are harmless.
func (e *Engine) startPipeline(id string) {
	e.mu.Lock()
	if _, running := e.inflight[id]; running {
		e.rerun[id] = true
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.inflight[id] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			again := e.runPipeline(ctx, id)
			cancel()

			e.mu.Lock()
			if (again || e.rerun[id]) && e.ctx.Err() == nil {
				delete(e.rerun, id)
				ctx, cancel = context.WithCancel(e.ctx)
				e.inflight[id] = cancel
				e.mu.Unlock()
				continue
			}
			delete(e.inflight, id)
			delete(e.rerun, id)
			e.mu.Unlock()
			return
		}
	}()
}

// runPipeline moves a triggered or prepared record as far as the pending
// execution queue. It reports whether it should run again.
func (e *Engine) runPipeline(ctx context.Context, id string) bool {
	log := e.log.With(logger.FieldScheduleID, id)

	rec, err := e.Store.Schedule(ctx, id)
	if err != nil {
		log.Errorw("Failed to load schedule", logger.FieldError, err)
		return false
	}
	if rec == nil {
		log.Debugw("Schedule no longer exists, aborting")
		return false
	}

	switch rec.State {
	case automation.StateTriggered, automation.StatePreparing:
		e.forgetParked(id)
		return e.prepare(ctx, rec)

	case automation.StatePrepared:
		pe := e.takeParked(id)
		if pe == nil {
			// Prepared data is not persisted; prepare again.
			return e.invalidate(ctx, rec)
		}
		return e.waitAndQueue(ctx, pe)

	default:
		e.forgetParked(id)
		log.Debugw("Schedule no longer triggered, aborting", logger.FieldState, rec.State)
		return false
	}
}

func (e *Engine) prepare(ctx context.Context, rec *automation.ScheduleRecord) bool {
	id := rec.Schedule.ID
	log := e.log.With(logger.FieldScheduleID, id)

	if err := e.Delays.Preprocess(ctx, rec.Schedule.Delay, triggerDate(rec)); err != nil {
		return false
	}

	current, err := e.Store.Schedule(ctx, id)
	if err != nil || current == nil {
		return false
	}
	if !sameCycle(current, rec) {
		log.Debugw("Schedule changed while preprocessing, restarting")
		return true
	}

	now := e.timeNow()
	if !rec.IsActive(now) {
		if rec.IsExpired(now) {
			log.Infow("Schedule expired before preparing")
			if _, err := e.updateState(ctx, id, func(r *automation.ScheduleRecord) { r.Finish(now) }); err != nil {
				log.Errorw("Failed to finish expired schedule", logger.FieldError, err)
			}
		}
		e.Preparer.Cancelled(ctx, rec.Schedule)
		return false
	}

	if _, err := e.updateState(ctx, id, func(r *automation.ScheduleRecord) { r.Preparing(now) }); err != nil {
		log.Errorw("Failed to mark schedule preparing", logger.FieldError, err)
		return false
	}

	var tc *automation.TriggerContext
	if rec.TriggerInfo != nil {
		tc = rec.TriggerInfo.Context
	}
	res, err := e.Preparer.Prepare(ctx, rec.Schedule, tc, rec.TriggerSessionID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Errorw("Prepare failed, leaving schedule triggered", logger.FieldError, err)
		if _, err := e.updateState(context.WithoutCancel(ctx), id, func(r *automation.ScheduleRecord) {
			r.PrepareInterrupted(e.timeNow())
		}); err != nil {
			log.Errorw("Failed to reset schedule", logger.FieldError, err)
		}
		return false
	}
	e.Metrics.PrepareResult(res.Outcome)
	log.Debugw("Prepared", logger.FieldResult, res.Outcome)

	now = e.timeNow()
	switch res.Outcome {
	case automation.PrepareOutcomeCancel:
		current, err := e.Store.Schedule(ctx, id)
		if err == nil && current != nil {
			err = e.deleteRecords(ctx, []*automation.ScheduleRecord{current})
		}
		if err != nil {
			log.Errorw("Failed to cancel schedule", logger.FieldError, err)
		}
		return false

	case automation.PrepareOutcomeSkip, automation.PrepareOutcomePenalize:
		penalize := res.Outcome == automation.PrepareOutcomePenalize
		if _, err := e.updateState(ctx, id, func(r *automation.ScheduleRecord) {
			r.PrepareCancelled(penalize, now)
		}); err != nil {
			log.Errorw("Failed to cancel prepare", logger.FieldError, err)
		}
		return false

	case automation.PrepareOutcomeInvalidate:
		updated, err := e.updateState(ctx, id, func(r *automation.ScheduleRecord) { r.PrepareInterrupted(now) })
		if err != nil {
			log.Errorw("Failed to invalidate schedule", logger.FieldError, err)
			return false
		}
		return updated != nil && updated.State == automation.StateTriggered
	}

	updated, err := e.updateState(ctx, id, func(r *automation.ScheduleRecord) {
		r.Prepared(res.Prepared.Info, now)
	})
	if err != nil || updated == nil || updated.State != automation.StatePrepared {
		if err != nil {
			log.Errorw("Failed to store prepared info", logger.FieldError, err)
		}
		e.Preparer.Cancelled(ctx, rec.Schedule)
		return false
	}
	return e.waitAndQueue(ctx, &pendingExecution{record: updated, prepared: res.Prepared})
}

// waitAndQueue waits for delay conditions and queues the schedule for execution.
func (e *Engine) waitAndQueue(ctx context.Context, pe *pendingExecution) bool {
	if err := e.Delays.Process(ctx, pe.record.Schedule.Delay, triggerDate(pe.record)); err != nil {
		return false
	}

	if !e.stillValid(ctx, pe) {
		current, err := e.Store.Schedule(ctx, pe.id())
		if err != nil || current == nil {
			return false
		}
		return e.invalidate(ctx, current)
	}

	e.mu.Lock()
	e.pending[pe.id()] = pe
	e.Metrics.PendingExecutions(len(e.pending))
	e.mu.Unlock()
	e.kickPending()
	return false
}

// invalidate sends a prepared record back to triggered. It reports whether
// the pipeline should run again.
func (e *Engine) invalidate(ctx context.Context, rec *automation.ScheduleRecord) bool {
	updated, err := e.updateState(ctx, rec.Schedule.ID, func(r *automation.ScheduleRecord) {
		r.ExecutionInvalidated(e.timeNow())
	})
	if err != nil {
		e.log.Errorw("Failed to invalidate schedule", logger.FieldScheduleID, rec.Schedule.ID, logger.FieldError, err)
		return false
	}
	if updated != nil && updated.State == automation.StateTriggered {
		return true
	}
	e.Preparer.Cancelled(ctx, rec.Schedule)
	return false
}

// stillValid checks the prepared schedule still matches the store and that
// its definition is current.
func (e *Engine) stillValid(ctx context.Context, pe *pendingExecution) bool {
	current, err := e.Store.Schedule(ctx, pe.id())
	if err != nil || current == nil {
		return false
	}
	if current.State != automation.StatePrepared || !current.Schedule.Equal(pe.record.Schedule) {
		return false
	}
	if !current.IsActive(e.timeNow()) {
		return false
	}
	return e.Executor.IsReadyPrecheck(ctx, current.Schedule) == automation.ReadyResultReady
}

func (e *Engine) takeParked(id string) *pendingExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	pe := e.parked[id]
	delete(e.parked, id)
	return pe
}

func (e *Engine) forgetParked(id string) {
	e.mu.Lock()
	delete(e.parked, id)
	e.mu.Unlock()
}

func triggerDate(rec *automation.ScheduleRecord) time.Time {
	if rec.TriggerInfo != nil {
		return rec.TriggerInfo.Date
	}
	return rec.StateChangeDate
}

// sameCycle reports whether current is still the trigger cycle rec was read in.
func sameCycle(current, rec *automation.ScheduleRecord) bool {
	return current.State == rec.State &&
		current.TriggerSessionID == rec.TriggerSessionID &&
		current.Schedule.Equal(rec.Schedule)
}
