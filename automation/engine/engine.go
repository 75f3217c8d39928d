// Package engine drives schedules through their lifecycle: trigger results
// start a per-schedule pipeline that prepares the payload, waits for delay
// conditions and hands it to the pending-execution loop.
//
// Every write to a schedule record goes through updateState, which performs
// an atomic read-modify-write against the store and then informs the trigger
// processor of the new state.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/automation/delay"
	"github.com/teranos/automaton/automation/triggers"
	"github.com/teranos/automaton/errors"
	"github.com/teranos/automaton/internal/util"
	"github.com/teranos/automaton/logger"
	"github.com/teranos/automaton/metrics"
)

// DefaultExecuteRetryInterval is how long a schedule whose execution asked
// for a retry waits before the pending loop looks at it again.
const DefaultExecuteRetryInterval = 30 * time.Second

// Trigger result writes are retried this many times, starting at this delay.
const (
	triggerWriteAttempts = 5
	triggerWriteBackoff  = 100 * time.Millisecond
)

// Preparer prepares triggered schedules.
type Preparer interface {
	Prepare(ctx context.Context, s automation.Schedule, tc *automation.TriggerContext, triggerSessionID string) (automation.PrepareResult, error)
	Cancelled(ctx context.Context, s automation.Schedule)
}

// Executor checks readiness and runs prepared schedules.
type Executor interface {
	IsReadyPrecheck(ctx context.Context, s automation.Schedule) automation.ReadyResult
	IsReady(ctx context.Context, p *automation.PreparedSchedule) automation.ReadyResult
	Execute(ctx context.Context, p *automation.PreparedSchedule) automation.ExecuteResult
	Interrupted(ctx context.Context, s automation.Schedule, info automation.PreparedScheduleInfo) automation.InterruptedBehavior
}

// EventSource is a stream of domain events, typically a feed.Feed.
type EventSource interface {
	Events() <-chan automation.Event
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Deps are the engine's collaborators. Events and Metrics may be nil.
type Deps struct {
	Store    automation.Store
	Triggers *triggers.Processor
	Delays   *delay.Processor
	Preparer Preparer
	Executor Executor
	Events   EventSource
	Metrics  metrics.Sink
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.timeNow = now }
}

// WithSleeper overrides how pause intervals and execute retries are waited out.
func WithSleeper(s Sleeper) Option {
	return func(e *Engine) { e.sleep = s }
}

// WithExecuteRetryInterval overrides DefaultExecuteRetryInterval.
func WithExecuteRetryInterval(d time.Duration) Option {
	return func(e *Engine) { e.retryInterval = d }
}

// pendingExecution is a prepared schedule waiting to run. Prepared data
// lives only in memory.
type pendingExecution struct {
	record   *automation.ScheduleRecord
	prepared *automation.PreparedSchedule
}

func (p *pendingExecution) id() string    { return p.record.Schedule.ID }
func (p *pendingExecution) priority() int { return p.record.Schedule.Priority }

// Engine is the automation engine.
type Engine struct {
	Deps
	log           *zap.SugaredLogger
	timeNow       func() time.Time
	sleep         Sleeper
	retryInterval time.Duration

	enginePaused    atomic.Bool
	executionPaused atomic.Bool

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	kick    chan struct{}
	stopped atomic.Bool

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	rerun    map[string]bool
	pending  map[string]*pendingExecution
	parked   map[string]*pendingExecution

	subMu       sync.Mutex
	subscribers map[int]*util.Unbounded[automation.Transition]
	nextSub     int
}

// New creates an engine. Call Start before feeding events.
func New(deps Deps, log *zap.SugaredLogger, opts ...Option) *Engine {
	deps.Metrics = metrics.OrNoop(deps.Metrics)
	e := &Engine{
		Deps:          deps,
		log:           logger.AddEngineSymbol(logger.OrDefault(log).Named("engine")),
		timeNow:       time.Now,
		sleep:         sleepContext,
		retryInterval: DefaultExecuteRetryInterval,
		kick:          make(chan struct{}, 1),
		inflight:      make(map[string]context.CancelFunc),
		rerun:         make(map[string]bool),
		pending:       make(map[string]*pendingExecution),
		parked:        make(map[string]*pendingExecution),
		subscribers:   make(map[int]*util.Unbounded[automation.Transition]),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start restores persisted records and starts the listeners. The engine runs
// until Stop or until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return errors.ErrEngineStopped
	}
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.restore(e.ctx); err != nil {
		return err
	}

	e.wg.Add(2)
	go e.listenTriggerResults()
	go e.pendingLoop()
	if e.Events != nil {
		e.wg.Add(1)
		go e.listenEvents()
	}

	e.log.Infow("Automation engine started")
	return nil
}

// Stop cancels every pipeline and waits for the goroutines to exit.
func (e *Engine) Stop() {
	if e.stopped.Swap(true) {
		return
	}
	e.cancel()
	e.wg.Wait()

	e.subMu.Lock()
	for id, sub := range e.subscribers {
		sub.Close()
		delete(e.subscribers, id)
	}
	e.subMu.Unlock()
	e.log.Infow("Automation engine stopped")
}

// SetEnginePaused stops trigger processing and execution.
func (e *Engine) SetEnginePaused(paused bool) {
	e.enginePaused.Store(paused)
	e.Triggers.SetPaused(paused)
	e.log.Infow("Engine paused changed", "paused", paused)
	e.resumeIfUnpaused()
}

// SetExecutionPaused stops execution; triggers keep firing and schedules
// keep preparing.
func (e *Engine) SetExecutionPaused(paused bool) {
	e.executionPaused.Store(paused)
	e.log.Infow("Execution paused changed", "paused", paused)
	e.resumeIfUnpaused()
}

func (e *Engine) resumeIfUnpaused() {
	if !e.enginePaused.Load() && !e.executionPaused.Load() {
		e.Delays.Notify()
	}
}

// NotifyConditionsChanged wakes schedules waiting on readiness, for example
// after a display delegate becomes ready.
func (e *Engine) NotifyConditionsChanged() {
	e.Delays.Notify()
}

// ProcessEvent feeds an event to the delay conditions and the trigger processor.
func (e *Engine) ProcessEvent(ctx context.Context, ev automation.Event) {
	e.Delays.OnEvent(ev)
	e.Triggers.ProcessEvent(ctx, ev)
}

func (e *Engine) listenEvents() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-e.Events.Events():
			if !ok {
				return
			}
			e.ProcessEvent(e.ctx, ev)
		}
	}
}

func (e *Engine) listenTriggerResults() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case r, ok := <-e.Triggers.Results():
			if !ok {
				return
			}
			e.handleTriggerResult(e.ctx, r)
		}
	}
}

func (e *Engine) handleTriggerResult(ctx context.Context, r automation.TriggerResult) {
	e.Metrics.TriggerFired(r.ExecutionType)
	now := e.timeNow()
	log := e.log.With(logger.FieldScheduleID, r.ScheduleID, logger.FieldExecutionType, r.ExecutionType)

	switch r.ExecutionType {
	case automation.ExecutionTypeDelayCancellation:
		updated, err := e.updateStateRetrying(ctx, r.ScheduleID, func(rec *automation.ScheduleRecord) {
			rec.DelayCancelled(now)
		})
		if err != nil {
			log.Errorw("Failed to cancel delay", logger.FieldError, err)
			return
		}
		if updated != nil {
			log.Infow("Delay cancelled")
			e.dropInflight(r.ScheduleID)
			e.Preparer.Cancelled(ctx, updated.Schedule)
		}

	default:
		info := r.TriggerInfo
		updated, err := e.updateStateRetrying(ctx, r.ScheduleID, func(rec *automation.ScheduleRecord) {
			rec.Triggered(info, now)
		})
		if err != nil {
			log.Errorw("Failed to mark schedule triggered", logger.FieldError, err)
			return
		}
		if updated != nil && updated.State == automation.StateTriggered {
			log.Infow("Schedule triggered")
			e.startPipeline(r.ScheduleID)
		}
	}
}

// updateStateRetrying retries a failed write with doubling backoff. Trigger
// results are not replayed by the trigger processor, so dropping one on a
// transient store error would lose the trigger. A write that committed but
// whose follow-up failed is not retried.
func (e *Engine) updateStateRetrying(ctx context.Context, id string, mutate func(*automation.ScheduleRecord)) (*automation.ScheduleRecord, error) {
	backoff := triggerWriteBackoff
	for attempt := 1; ; attempt++ {
		updated, err := e.updateState(ctx, id, mutate)
		if err == nil || updated != nil || attempt == triggerWriteAttempts {
			return updated, err
		}
		e.log.Warnw("Schedule write failed, retrying",
			logger.FieldScheduleID, id,
			logger.FieldError, err,
			"attempt", attempt,
		)
		if e.sleep(ctx, backoff) != nil {
			return nil, err
		}
		backoff *= 2
	}
}

// updateState is the single write path for records. It returns nil when the
// record does not exist. Finished records past their grace period are deleted.
func (e *Engine) updateState(ctx context.Context, id string, mutate func(*automation.ScheduleRecord)) (*automation.ScheduleRecord, error) {
	var from automation.State
	updated, err := e.Store.Update(ctx, id, func(rec *automation.ScheduleRecord) error {
		from = rec.State
		mutate(rec)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "update schedule %s", id)
	}
	if updated == nil {
		return nil, nil
	}

	e.Triggers.UpdateScheduleState(ctx, id, updated.State)
	if from != updated.State {
		e.publish(automation.Transition{
			ScheduleID: id,
			Group:      updated.Schedule.Group,
			From:       from,
			To:         updated.State,
			Date:       updated.StateChangeDate,
		})
	}

	if updated.ShouldDelete(e.timeNow()) {
		if err := e.deleteRecords(ctx, []*automation.ScheduleRecord{updated}); err != nil {
			return updated, err
		}
	}
	return updated, nil
}

// deleteRecords removes records from the store and the trigger processor.
func (e *Engine) deleteRecords(ctx context.Context, records []*automation.ScheduleRecord) error {
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.Schedule.ID
	}
	if err := e.Store.Delete(ctx, ids...); err != nil {
		return errors.Wrap(err, "delete schedules")
	}
	e.Triggers.Cancel(ctx, ids...)
	e.dropInflight(ids...)

	now := e.timeNow()
	for _, r := range records {
		e.Metrics.ScheduleDeleted()
		e.publish(automation.Transition{
			ScheduleID: r.Schedule.ID,
			Group:      r.Schedule.Group,
			From:       r.State,
			To:         r.State,
			Date:       now,
			Deleted:    true,
		})
	}
	e.log.Debugw("Deleted schedules", logger.FieldCount, len(ids))
	return nil
}

// dropInflight cancels pipelines and forgets prepared data for ids.
func (e *Engine) dropInflight(ids ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if cancel, ok := e.inflight[id]; ok {
			cancel()
		}
		delete(e.pending, id)
		delete(e.parked, id)
	}
	e.Metrics.PendingExecutions(len(e.pending))
}

// pauseFor returns the record to idle after its interval.
func (e *Engine) pauseFor(id string, d time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sleep(e.ctx, d); err != nil {
			return
		}
		now := e.timeNow()
		if _, err := e.updateState(e.ctx, id, func(rec *automation.ScheduleRecord) {
			rec.PauseElapsed(now)
		}); err != nil {
			e.log.Errorw("Failed to end pause", logger.FieldScheduleID, id, logger.FieldError, err)
		}
	}()
}
