package metrics

import "github.com/teranos/automaton/automation"

// NoopSink discards everything.
type NoopSink struct{}

func (NoopSink) TransitionRecorded(automation.State, automation.State) {}
func (NoopSink) ScheduleDeleted()                                      {}
func (NoopSink) TriggerFired(automation.ExecutionType)                 {}
func (NoopSink) PrepareResult(automation.PrepareOutcome)               {}
func (NoopSink) ReadyResult(automation.ReadyResult)                    {}
func (NoopSink) ExecuteResult(automation.ExecuteResult)                {}
func (NoopSink) QueueRetry(string)                                     {}
func (NoopSink) PendingExecutions(int)                                 {}
