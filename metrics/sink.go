// Package metrics records engine activity. Sinks are fire-and-forget: they
// never block and never return errors.
package metrics

import "github.com/teranos/automaton/automation"

// Sink receives engine metrics.
type Sink interface {
	TransitionRecorded(from, to automation.State)
	ScheduleDeleted()
	TriggerFired(executionType automation.ExecutionType)
	PrepareResult(outcome automation.PrepareOutcome)
	ReadyResult(result automation.ReadyResult)
	ExecuteResult(result automation.ExecuteResult)
	QueueRetry(name string)
	PendingExecutions(n int)
}

// OrNoop returns s, or a NoopSink when s is nil.
func OrNoop(s Sink) Sink {
	if s == nil {
		return NoopSink{}
	}
	return s
}
