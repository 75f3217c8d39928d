package engine

import (
	"context"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/logger"
)

func (e *Engine) kickPending() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// pendingLoop runs pending executions whenever conditions change.
func (e *Engine) pendingLoop() {
	defer e.wg.Done()
	for {
		changed := e.Delays.Changed()
		e.processPending(e.ctx)
		select {
		case <-e.ctx.Done():
			return
		case <-changed:
		case <-e.kick:
		}
	}
}

// processPending visits every pending schedule once, highest priority first.
func (e *Engine) processPending(ctx context.Context) {
	visited := make(map[string]bool)
	for ctx.Err() == nil {
		next := e.nextPending(visited)
		if next == nil {
			return
		}
		visited[next.id()] = true

		if !e.stillValid(ctx, next) || !e.Delays.AreConditionsMet(next.record.Schedule.Delay) {
			e.mu.Lock()
			delete(e.pending, next.id())
			e.parked[next.id()] = next
			e.Metrics.PendingExecutions(len(e.pending))
			e.mu.Unlock()
			e.startPipeline(next.id())
			continue
		}

		e.mu.Lock()
		delete(e.pending, next.id())
		e.mu.Unlock()

		if !e.attemptExecution(ctx, next) {
			e.mu.Lock()
			e.pending[next.id()] = next
			e.mu.Unlock()
		}

		e.mu.Lock()
		e.Metrics.PendingExecutions(len(e.pending))
		e.mu.Unlock()
	}
}

// nextPending picks the lowest priority value not yet visited, ties by ID.
func (e *Engine) nextPending(visited map[string]bool) *pendingExecution {
	e.mu.Lock()
	defer e.mu.Unlock()
	var best *pendingExecution
	for id, pe := range e.pending {
		if visited[id] {
			continue
		}
		if best == nil || pe.priority() < best.priority() ||
			(pe.priority() == best.priority() && id < best.id()) {
			best = pe
		}
	}
	return best
}

func (e *Engine) checkReady(ctx context.Context, pe *pendingExecution) automation.ReadyResult {
	if e.enginePaused.Load() || e.executionPaused.Load() {
		return automation.ReadyResultNotReady
	}
	if !pe.record.IsActive(e.timeNow()) {
		return automation.ReadyResultInvalidate
	}
	return e.Executor.IsReady(ctx, pe.prepared)
}

// attemptExecution reports whether the schedule left the pending queue for good.
func (e *Engine) attemptExecution(ctx context.Context, pe *pendingExecution) bool {
	id := pe.id()
	log := e.log.With(logger.FieldScheduleID, id)

	ready := e.checkReady(ctx, pe)
	e.Metrics.ReadyResult(ready)
	switch ready {
	case automation.ReadyResultNotReady:
		log.Debugw("Schedule not ready")
		return false

	case automation.ReadyResultInvalidate:
		current, err := e.Store.Schedule(ctx, id)
		if err == nil && current != nil && e.invalidate(ctx, current) {
			e.startPipeline(id)
		}
		return true

	case automation.ReadyResultSkip:
		now := e.timeNow()
		updated, err := e.updateState(ctx, id, func(r *automation.ScheduleRecord) { r.ExecutionSkipped(now) })
		if err != nil {
			log.Errorw("Failed to skip execution", logger.FieldError, err)
		}
		e.pauseIfNeeded(updated)
		e.Preparer.Cancelled(ctx, pe.record.Schedule)
		return true
	}

	updated, err := e.updateState(ctx, id, func(r *automation.ScheduleRecord) { r.Executing(e.timeNow()) })
	if err != nil {
		log.Errorw("Failed to mark schedule executing", logger.FieldError, err)
		return false
	}
	if updated == nil || updated.State != automation.StateExecuting {
		return true
	}

	log.Infow("Executing schedule", logger.FieldPayloadType, pe.prepared.Data.Type)
	res := e.Executor.Execute(ctx, pe.prepared)
	e.Metrics.ExecuteResult(res)

	// The payload ran; record the outcome even if the engine is stopping.
	wctx := context.WithoutCancel(ctx)
	switch res {
	case automation.ExecuteResultCancel:
		current, err := e.Store.Schedule(wctx, id)
		if err == nil && current != nil {
			err = e.deleteRecords(wctx, []*automation.ScheduleRecord{current})
		}
		if err != nil {
			log.Errorw("Failed to delete cancelled schedule", logger.FieldError, err)
		}
		return true

	case automation.ExecuteResultRetry:
		if _, err := e.updateState(wctx, id, func(r *automation.ScheduleRecord) { r.ExecutionRetried(e.timeNow()) }); err != nil {
			log.Errorw("Failed to reset schedule for retry", logger.FieldError, err)
		}
		e.retryLater()
		return false
	}

	updated, err = e.updateState(wctx, id, func(r *automation.ScheduleRecord) { r.FinishedExecuting(e.timeNow()) })
	if err != nil {
		log.Errorw("Failed to finish execution", logger.FieldError, err)
		return true
	}
	e.pauseIfNeeded(updated)
	return true
}

func (e *Engine) pauseIfNeeded(rec *automation.ScheduleRecord) {
	if rec != nil && rec.State == automation.StatePaused {
		e.pauseFor(rec.Schedule.ID, rec.PauseRemaining(e.timeNow()))
	}
}

func (e *Engine) retryLater() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sleep(e.ctx, e.retryInterval); err == nil {
			e.kickPending()
		}
	}()
}
