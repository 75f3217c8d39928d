package executor

import (
	"context"

	"github.com/teranos/automaton/automation"
)

// NotifyFunc hands an execution to something outside the engine.
type NotifyFunc func(ctx context.Context, data automation.ExecutionData, info automation.PreparedScheduleInfo) error

// NotifyDelegate is always ready and executes by calling Notify. Interrupted
// executions are considered finished.
type NotifyDelegate struct {
	Notify NotifyFunc
}

func (NotifyDelegate) IsReady(context.Context, automation.ExecutionData, automation.PreparedScheduleInfo) automation.ReadyResult {
	return automation.ReadyResultReady
}

func (d NotifyDelegate) Execute(ctx context.Context, data automation.ExecutionData, info automation.PreparedScheduleInfo) (automation.ExecuteResult, error) {
	if d.Notify != nil {
		if err := d.Notify(ctx, data, info); err != nil {
			return automation.ExecuteResultRetry, err
		}
	}
	return automation.ExecuteResultFinished, nil
}

func (NotifyDelegate) Interrupted(context.Context, automation.Schedule, automation.PreparedScheduleInfo) automation.InterruptedBehavior {
	return automation.InterruptedFinish
}
