package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging.
// Use these constants instead of raw strings.
const (
	// Identity
	FieldScheduleID       = "schedule_id"
	FieldTriggerID        = "trigger_id"
	FieldTriggerSessionID = "trigger_session_id"
	FieldGroup            = "group"
	FieldConstraintID     = "constraint_id"
	FieldClientID         = "client_id"

	// Components
	FieldComponent = "component"
	FieldOperation = "operation"

	// Pipeline
	FieldState         = "state"
	FieldFromState     = "from_state"
	FieldPriority      = "priority"
	FieldEvent         = "event"
	FieldExecutionType = "execution_type"
	FieldResult        = "result"
	FieldPayloadType   = "payload_type"
	FieldAttempt       = "attempt"
	FieldDelay         = "delay"
	FieldQueue         = "queue"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Files and network
	FieldFile    = "file"
	FieldPath    = "path"
	FieldURL     = "url"
	FieldStatus  = "status"
	FieldAddress = "address"

	FieldSymbol = "symbol"
)

type contextKey string

const (
	scheduleIDKey contextKey = "logger_schedule_id"
	componentKey  contextKey = "logger_component"
)

// WithScheduleID adds a schedule ID to the context for logging
func WithScheduleID(ctx context.Context, scheduleID string) context.Context {
	return context.WithValue(ctx, scheduleIDKey, scheduleID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if id, ok := ctx.Value(scheduleIDKey).(string); ok && id != "" {
		fields = append(fields, FieldScheduleID, id)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns l enriched with fields stored in ctx.
func FromContext(ctx context.Context, l *zap.SugaredLogger) *zap.SugaredLogger {
	l = OrDefault(l)
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
// Example:
//
//	type Processor struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewProcessor() *Processor {
//	    return &Processor{logger: logger.ComponentLogger("triggers")}
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
