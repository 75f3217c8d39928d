package automation

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// State is the persisted lifecycle state of a schedule record.
type State string

const (
	StateIdle      State = "idle"
	StateTriggered State = "triggered"
	StatePreparing State = "preparing"
	StatePrepared  State = "prepared"
	StateExecuting State = "executing"
	StatePaused    State = "paused"
	StateFinished  State = "finished"
)

// States lists every value a record may hold.
var States = []State{
	StateIdle, StateTriggered, StatePreparing, StatePrepared,
	StateExecuting, StatePaused, StateFinished,
}

// Valid reports whether s is one of States.
func (s State) Valid() bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

// ScheduleRecord is the mutable runtime record persisted per schedule ID.
// All mutators take the current time and are no-ops from states they do not
// apply to.
type ScheduleRecord struct {
	Schedule         Schedule
	State            State
	StateChangeDate  time.Time
	LastModified     time.Time
	ExecutionCount   int
	TriggerInfo      *TriggeringInfo
	PreparedInfo     *PreparedScheduleInfo
	TriggerSessionID string
}

// NewScheduleRecord creates an idle record for a schedule seen for the first time.
func NewScheduleRecord(schedule Schedule, now time.Time) *ScheduleRecord {
	return &ScheduleRecord{
		Schedule:         schedule,
		State:            StateIdle,
		StateChangeDate:  now,
		LastModified:     now,
		TriggerSessionID: uuid.NewString(),
	}
}

// Clone returns a deep copy.
func (r *ScheduleRecord) Clone() *ScheduleRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Schedule = r.Schedule.Clone()
	if r.TriggerInfo != nil {
		ti := *r.TriggerInfo
		if ti.Context != nil {
			ctx := *ti.Context
			ti.Context = &ctx
		}
		out.TriggerInfo = &ti
	}
	if r.PreparedInfo != nil {
		pi := *r.PreparedInfo
		if pi.ExperimentResult != nil {
			er := *pi.ExperimentResult
			pi.ExperimentResult = &er
		}
		out.PreparedInfo = &pi
	}
	return &out
}

// IsInState reports whether the record is in any of states.
func (r *ScheduleRecord) IsInState(states ...State) bool {
	for _, s := range states {
		if r.State == s {
			return true
		}
	}
	return false
}

// IsActive reports whether the schedule has started and not expired.
func (r *ScheduleRecord) IsActive(now time.Time) bool {
	if r.IsExpired(now) {
		return false
	}
	return r.Schedule.Start == nil || !now.Before(*r.Schedule.Start)
}

// IsExpired reports whether the end date has passed.
func (r *ScheduleRecord) IsExpired(now time.Time) bool {
	return r.Schedule.End != nil && !r.Schedule.End.After(now)
}

// IsOverLimit reports whether the execution count reached the limit.
func (r *ScheduleRecord) IsOverLimit() bool {
	limit := uint(1)
	if r.Schedule.Limit != nil {
		limit = *r.Schedule.Limit
	}
	if limit == 0 {
		return false
	}
	return int(limit) <= r.ExecutionCount
}

func (r *ScheduleRecord) done(now time.Time) bool {
	return r.IsOverLimit() || r.IsExpired(now)
}

func (r *ScheduleRecord) setState(state State, now time.Time) {
	if r.State == state {
		return
	}
	r.State = state
	r.StateChangeDate = now
	r.LastModified = now
}

func (r *ScheduleRecord) reset(state State, now time.Time) {
	r.setState(state, now)
	r.TriggerInfo = nil
	r.PreparedInfo = nil
}

func (r *ScheduleRecord) finished(now time.Time) { r.reset(StateFinished, now) }
func (r *ScheduleRecord) idle(now time.Time)     { r.reset(StateIdle, now) }
func (r *ScheduleRecord) paused(now time.Time)   { r.reset(StatePaused, now) }

// idleOrPaused ends a cycle, honoring the cooldown interval.
func (r *ScheduleRecord) idleOrPaused(now time.Time) {
	if r.Schedule.Interval() > 0 {
		r.paused(now)
	} else {
		r.idle(now)
	}
}

// UpdateState re-evaluates limits after the definition changed. A finished
// record whose new definition allows more executions goes back to idle.
func (r *ScheduleRecord) UpdateState(now time.Time) {
	if r.done(now) {
		r.finished(now)
	} else if r.State == StateFinished {
		r.idle(now)
	}
}

// Triggered starts a new trigger cycle from idle.
func (r *ScheduleRecord) Triggered(info TriggeringInfo, now time.Time) {
	if r.State != StateIdle {
		return
	}
	if r.done(now) {
		r.finished(now)
		return
	}
	r.TriggerSessionID = uuid.NewString()
	r.PreparedInfo = nil
	r.TriggerInfo = &info
	r.setState(StateTriggered, now)
}

// Preparing marks the start of a prepare attempt.
func (r *ScheduleRecord) Preparing(now time.Time) {
	if r.State != StateTriggered {
		return
	}
	r.setState(StatePreparing, now)
}

// PrepareCancelled ends the cycle without executing. Penalize counts the
// cycle as an execution.
func (r *ScheduleRecord) PrepareCancelled(penalize bool, now time.Time) {
	if !r.IsInState(StateTriggered, StatePreparing) {
		return
	}
	if penalize {
		r.ExecutionCount++
	}
	if r.done(now) {
		r.finished(now)
		return
	}
	r.idle(now)
}

// PrepareInterrupted sends an in-flight record back to triggered so the
// pipeline runs again.
func (r *ScheduleRecord) PrepareInterrupted(now time.Time) {
	if !r.IsInState(StateTriggered, StatePreparing, StatePrepared, StateExecuting) {
		return
	}
	if r.done(now) {
		r.finished(now)
		return
	}
	r.PreparedInfo = nil
	r.setState(StateTriggered, now)
}

// Prepared stores the prepared info.
func (r *ScheduleRecord) Prepared(info PreparedScheduleInfo, now time.Time) {
	if !r.IsInState(StateTriggered, StatePreparing) {
		return
	}
	if r.done(now) {
		r.finished(now)
		return
	}
	r.PreparedInfo = &info
	r.setState(StatePrepared, now)
}

// ExecutionCancelled abandons a prepared schedule.
func (r *ScheduleRecord) ExecutionCancelled(now time.Time) {
	if r.State != StatePrepared {
		return
	}
	if r.done(now) {
		r.finished(now)
		return
	}
	r.idle(now)
}

// DelayCancelled aborts a pending delay from a delay-cancellation trigger.
func (r *ScheduleRecord) DelayCancelled(now time.Time) {
	if !r.IsInState(StateTriggered, StatePreparing, StatePrepared) {
		return
	}
	if r.done(now) {
		r.finished(now)
		return
	}
	r.idle(now)
}

// ExecutionSkipped ends the cycle without counting an execution.
func (r *ScheduleRecord) ExecutionSkipped(now time.Time) {
	if r.State != StatePrepared {
		return
	}
	if r.done(now) {
		r.finished(now)
		return
	}
	r.idleOrPaused(now)
}

// ExecutionInvalidated drops the prepared info and re-runs prepare.
func (r *ScheduleRecord) ExecutionInvalidated(now time.Time) {
	if r.State != StatePrepared {
		return
	}
	if r.done(now) {
		r.finished(now)
		return
	}
	r.PreparedInfo = nil
	r.setState(StateTriggered, now)
}

// Executing marks the payload as running.
func (r *ScheduleRecord) Executing(now time.Time) {
	if r.State != StatePrepared {
		return
	}
	r.setState(StateExecuting, now)
}

// ExecutionRetried returns a running schedule to prepared so it is executed
// again with the same prepared info.
func (r *ScheduleRecord) ExecutionRetried(now time.Time) {
	if r.State != StateExecuting {
		return
	}
	r.setState(StatePrepared, now)
}

// ExecutionInterrupted reconciles a record found executing at startup.
func (r *ScheduleRecord) ExecutionInterrupted(retry bool, now time.Time) {
	if r.State != StateExecuting {
		return
	}
	if !retry {
		r.FinishedExecuting(now)
		return
	}
	if r.done(now) {
		r.finished(now)
		return
	}
	r.PreparedInfo = nil
	r.setState(StateTriggered, now)
}

// FinishedExecuting counts the execution and ends the cycle.
func (r *ScheduleRecord) FinishedExecuting(now time.Time) {
	if r.State != StateExecuting {
		return
	}
	r.ExecutionCount++
	if r.done(now) {
		r.finished(now)
		return
	}
	r.idleOrPaused(now)
}

// PauseElapsed ends the cooldown.
func (r *ScheduleRecord) PauseElapsed(now time.Time) {
	if r.State != StatePaused {
		return
	}
	if r.done(now) {
		r.finished(now)
		return
	}
	r.idle(now)
}

// Finish ends the schedule regardless of state.
func (r *ScheduleRecord) Finish(now time.Time) {
	r.finished(now)
}

// PauseRemaining is the cooldown left for a paused record.
func (r *ScheduleRecord) PauseRemaining(now time.Time) time.Duration {
	remaining := r.Schedule.Interval() - now.Sub(r.StateChangeDate)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ShouldDelete reports whether a finished record is past its edit grace period.
func (r *ScheduleRecord) ShouldDelete(now time.Time) bool {
	if r.State != StateFinished {
		return false
	}
	if r.Schedule.EditGracePeriodDays == nil {
		return true
	}
	grace := time.Duration(*r.Schedule.EditGracePeriodDays) * 24 * time.Hour
	return now.Sub(r.StateChangeDate) >= grace
}

// SortForRestore orders records by priority (lower first), then by the most
// recent trigger date.
func SortForRestore(records []*ScheduleRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Schedule.Priority != b.Schedule.Priority {
			return a.Schedule.Priority < b.Schedule.Priority
		}
		return triggerDate(a).After(triggerDate(b))
	})
}

func triggerDate(r *ScheduleRecord) time.Time {
	if r.TriggerInfo == nil {
		return time.Time{}
	}
	return r.TriggerInfo.Date
}
