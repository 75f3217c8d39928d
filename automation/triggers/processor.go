// Package triggers counts domain events toward schedule trigger goals and
// emits a result each time a goal is reached.
//
// Execution triggers are live while a schedule is idle. Delay-cancellation
// triggers are live while a schedule is triggered, preparing or prepared.
// Progress is persisted through a StateStore so partially met goals survive
// restarts.
package triggers

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/internal/util"
	"github.com/teranos/automaton/logger"
)

type preparedTrigger struct {
	scheduleID    string
	executionType automation.ExecutionType
	trigger       automation.Trigger
	data          *TriggerData
	active        bool
	start, end    *time.Time
	priority      int
}

type processResult struct {
	data     *TriggerData
	result   *automation.TriggerResult
	priority int
}

func (p *preparedTrigger) process(e automation.Event, now time.Time) *processResult {
	if !p.active || !p.withinDateRange(now) {
		return nil
	}

	current := p.data.clone()
	match := matchEvent(&p.trigger, e, current, true)
	triggered := match != nil && match.triggered
	if !triggered && current.equal(p.data) {
		return nil
	}
	p.data = current

	res := &processResult{data: current.clone(), priority: p.priority}
	if triggered {
		res.result = &automation.TriggerResult{
			ScheduleID:    p.scheduleID,
			ExecutionType: p.executionType,
			TriggerInfo: automation.TriggeringInfo{
				Context: &automation.TriggerContext{
					Type:  p.trigger.Type,
					Goal:  p.trigger.Goal,
					Event: e.Payload(),
				},
				Date: now,
			},
		}
	}
	return res
}

func (p *preparedTrigger) update(schedule automation.Schedule, trigger automation.Trigger) {
	p.trigger = trigger
	p.start = schedule.Start
	p.end = schedule.End
	p.priority = schedule.Priority
	removeStaleChildData(&p.trigger, p.data)
}

func (p *preparedTrigger) activate() {
	if p.active {
		return
	}
	p.active = true
	if p.executionType == automation.ExecutionTypeDelayCancellation {
		p.data.resetCount()
	}
}

func (p *preparedTrigger) withinDateRange(now time.Time) bool {
	if p.start != nil && p.start.After(now) {
		return false
	}
	if p.end != nil && p.end.Before(now) {
		return false
	}
	return true
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock replaces time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.timeNow = now }
}

// Processor owns the prepared triggers of every known schedule. All mutation
// happens under one lock, so events and schedule updates apply in call order.
type Processor struct {
	store   StateStore
	log     *zap.SugaredLogger
	timeNow func() time.Time
	paused  atomic.Bool

	mu       sync.Mutex
	prepared map[string][]*preparedTrigger
	groups   map[string]string
	appState *automation.TriggerableState

	results *util.Unbounded[automation.TriggerResult]
}

// NewProcessor creates a processor persisting progress to store.
func NewProcessor(store StateStore, log *zap.SugaredLogger, opts ...Option) *Processor {
	p := &Processor{
		store:    store,
		log:      logger.AddTriggerSymbol(log).Named("triggers"),
		timeNow:  time.Now,
		prepared: make(map[string][]*preparedTrigger),
		groups:   make(map[string]string),
		results:  util.NewUnbounded[automation.TriggerResult](),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Results delivers trigger results in emission order.
func (p *Processor) Results() <-chan automation.TriggerResult {
	return p.results.Out()
}

// Close stops delivering results.
func (p *Processor) Close() {
	p.results.Close()
}

// SetPaused stops event processing. State changes are still tracked so they
// can be replayed later.
func (p *Processor) SetPaused(paused bool) {
	p.paused.Store(paused)
}

// ProcessEvent applies e to every active trigger.
func (p *Processor) ProcessEvent(ctx context.Context, e automation.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e.IsState() && e.State != nil {
		s := *e.State
		p.appState = &s
	}
	if p.paused.Load() {
		return
	}

	now := p.timeNow()
	var results []*processResult
	for _, triggers := range p.prepared {
		for _, t := range triggers {
			if r := t.process(e, now); r != nil {
				results = append(results, r)
			}
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].priority < results[j].priority
	})
	p.emitAndSaveLocked(ctx, results)
}

// RestoreSchedules loads the schedules known at startup and drops progress
// for schedules that no longer exist.
func (p *Processor) RestoreSchedules(ctx context.Context, records []*automation.ScheduleRecord) error {
	p.UpdateSchedules(ctx, records)

	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.Schedule.ID)
	}
	return p.store.DeleteExcept(ctx, ids)
}

// UpdateSchedules creates or refreshes prepared triggers. Progress of triggers
// whose ID did not change is kept.
func (p *Processor) UpdateSchedules(ctx context.Context, records []*automation.ScheduleRecord) {
	sorted := append([]*automation.ScheduleRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Schedule.Priority < sorted[j].Schedule.Priority
	})

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, record := range sorted {
		schedule := record.Schedule
		p.groups[schedule.ID] = schedule.Group

		old := p.prepared[schedule.ID]
		var next []*preparedTrigger
		for _, t := range schedule.Triggers {
			next = append(next, p.prepareLocked(ctx, schedule, t, automation.ExecutionTypeExecution, old))
		}
		if schedule.Delay != nil {
			for _, t := range schedule.Delay.CancellationTriggers {
				next = append(next, p.prepareLocked(ctx, schedule, t, automation.ExecutionTypeDelayCancellation, old))
			}
		}
		p.prepared[schedule.ID] = next

		if stale := staleIDs(old, next); len(stale) > 0 {
			if err := p.store.DeleteTriggers(ctx, schedule.ID, stale...); err != nil {
				p.log.Errorw("Failed to delete stale trigger data",
					logger.FieldScheduleID, schedule.ID,
					logger.FieldError, err,
				)
			}
		}

		p.updateStateLocked(ctx, schedule.ID, record.State)
	}
}

func (p *Processor) prepareLocked(
	ctx context.Context,
	schedule automation.Schedule,
	trigger automation.Trigger,
	executionType automation.ExecutionType,
	old []*preparedTrigger,
) *preparedTrigger {
	for _, existing := range old {
		if existing.trigger.ID == trigger.ID && existing.executionType == executionType {
			existing.update(schedule, trigger)
			return existing
		}
	}

	data, err := p.store.Get(ctx, schedule.ID, trigger.ID)
	if err != nil {
		p.log.Errorw("Failed to load trigger data",
			logger.FieldScheduleID, schedule.ID,
			logger.FieldTriggerID, trigger.ID,
			logger.FieldError, err,
		)
	}
	if data == nil {
		data = newTriggerData(schedule.ID, trigger.ID)
	}

	pt := &preparedTrigger{
		scheduleID:    schedule.ID,
		executionType: executionType,
		data:          data,
	}
	pt.update(schedule, trigger)
	return pt
}

func staleIDs(old, next []*preparedTrigger) []string {
	keep := make(map[string]bool, len(next))
	for _, t := range next {
		keep[t.trigger.ID] = true
	}
	var stale []string
	for _, t := range old {
		if !keep[t.trigger.ID] {
			stale = append(stale, t.trigger.ID)
		}
	}
	return stale
}

// UpdateScheduleState switches which of a schedule's triggers are live.
func (p *Processor) UpdateScheduleState(ctx context.Context, scheduleID string, state automation.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateStateLocked(ctx, scheduleID, state)
}

func (p *Processor) updateStateLocked(ctx context.Context, scheduleID string, state automation.State) {
	switch state {
	case automation.StateIdle:
		p.activateLocked(ctx, scheduleID, automation.ExecutionTypeExecution)
	case automation.StateTriggered, automation.StatePreparing, automation.StatePrepared:
		p.activateLocked(ctx, scheduleID, automation.ExecutionTypeDelayCancellation)
	default:
		for _, t := range p.prepared[scheduleID] {
			t.active = false
		}
	}
}

// activateLocked enables triggers of executionType, disables the rest, and
// replays the latest app state so state triggers see it.
func (p *Processor) activateLocked(ctx context.Context, scheduleID string, executionType automation.ExecutionType) {
	triggers := p.prepared[scheduleID]
	for _, t := range triggers {
		if t.executionType == executionType {
			t.activate()
		} else {
			t.active = false
		}
	}

	if p.appState == nil || p.paused.Load() {
		return
	}
	e := automation.StateChangedEvent(*p.appState)
	now := p.timeNow()
	var results []*processResult
	for _, t := range triggers {
		if r := t.process(e, now); r != nil {
			results = append(results, r)
		}
	}
	p.emitAndSaveLocked(ctx, results)
}

func (p *Processor) emitAndSaveLocked(ctx context.Context, results []*processResult) {
	if len(results) == 0 {
		return
	}
	data := make([]*TriggerData, 0, len(results))
	for _, r := range results {
		if r.result != nil {
			p.log.Debugw("Trigger goal reached",
				logger.FieldScheduleID, r.result.ScheduleID,
				logger.FieldTriggerID, r.data.TriggerID,
				logger.FieldExecutionType, r.result.ExecutionType,
			)
			p.results.Send(*r.result)
		}
		data = append(data, r.data)
	}
	if err := p.store.Upsert(ctx, data); err != nil {
		p.log.Errorw("Failed to save trigger data",
			logger.FieldCount, len(data),
			logger.FieldError, err,
		)
	}
}

// Cancel forgets the given schedules and their progress.
func (p *Processor) Cancel(ctx context.Context, scheduleIDs ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelLocked(ctx, scheduleIDs)
}

// CancelGroup forgets every schedule in group.
func (p *Processor) CancelGroup(ctx context.Context, group string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string
	for id, g := range p.groups {
		if g == group {
			ids = append(ids, id)
		}
	}
	p.cancelLocked(ctx, ids)
}

func (p *Processor) cancelLocked(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		delete(p.prepared, id)
		delete(p.groups, id)
	}
	if err := p.store.DeleteSchedules(ctx, ids...); err != nil {
		p.log.Errorw("Failed to delete trigger data",
			logger.FieldCount, len(ids),
			logger.FieldError, err,
		)
	}
}
