package executor

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/automaton/automation"
	"github.com/teranos/automaton/logger"
)

// MessageAnalytics records message outcomes that never reach a delegate.
type MessageAnalytics interface {
	RecordControlResolution(ctx context.Context, info automation.PreparedScheduleInfo)
	RecordInterrupted(ctx context.Context, s automation.Schedule, info automation.PreparedScheduleInfo)
}

// LogAnalytics writes analytics events to a structured log.
type LogAnalytics struct {
	log *zap.SugaredLogger
}

func NewLogAnalytics(log *zap.SugaredLogger) *LogAnalytics {
	return &LogAnalytics{log: logger.OrDefault(log).Named("analytics")}
}

func (a *LogAnalytics) RecordControlResolution(_ context.Context, info automation.PreparedScheduleInfo) {
	fields := []interface{}{
		logger.FieldScheduleID, info.ScheduleID,
		logger.FieldTriggerSessionID, info.TriggerSessionID,
		logger.FieldEvent, "resolution",
		"resolution_type", "control",
	}
	if info.ExperimentResult != nil {
		fields = append(fields, "experiment_id", info.ExperimentResult.ExperimentID)
	}
	a.log.Infow("Message resolved", fields...)
}

func (a *LogAnalytics) RecordInterrupted(_ context.Context, s automation.Schedule, info automation.PreparedScheduleInfo) {
	a.log.Infow("Message interrupted",
		logger.FieldScheduleID, s.ID,
		logger.FieldTriggerSessionID, info.TriggerSessionID,
		logger.FieldEvent, "resolution",
		"resolution_type", "interrupted",
	)
}
