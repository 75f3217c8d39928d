package engine

import (
	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/internal/util"
	"github.com/teranos/automaton/logger"
)

// Transitions subscribes to record state changes. The returned func
// unsubscribes and closes the channel.
func (e *Engine) Transitions() (<-chan automation.Transition, func()) {
	sub := util.NewUnbounded[automation.Transition]()

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subscribers[id] = sub
	e.subMu.Unlock()

	return sub.Out(), func() {
		e.subMu.Lock()
		delete(e.subscribers, id)
		e.subMu.Unlock()
		sub.Close()
	}
}

func (e *Engine) publish(t automation.Transition) {
	if !t.Deleted {
		e.Metrics.TransitionRecorded(t.From, t.To)
	}
	e.log.Debugw("Schedule transition",
		logger.FieldScheduleID, t.ScheduleID,
		logger.FieldFromState, t.From,
		logger.FieldState, t.To,
		"deleted", t.Deleted,
	)

	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, sub := range e.subscribers {
		sub.Send(t)
	}
}
