package logger

import (
	"github.com/teranos/automaton/sym"
	"go.uber.org/zap"
)

// Symbol-aware logging helpers.
// The symbol goes into a structured field, never into the message, so logs
// stay queryable by component.
//
// Usage:
//
//	e.log = logger.AddEngineSymbol(base)
//	e.log.Infow("Schedule triggered", logger.FieldScheduleID, id)

// AddEngineSymbol wraps a logger with the engine symbol
func AddEngineSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrDefault(l).With(FieldSymbol, sym.Engine)
}

// AddTriggerSymbol wraps a logger with the trigger symbol
func AddTriggerSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrDefault(l).With(FieldSymbol, sym.Trigger)
}

// AddQueueSymbol wraps a logger with the retry queue symbol
func AddQueueSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrDefault(l).With(FieldSymbol, sym.Queue)
}

// AddDBSymbol wraps a logger with the DB symbol
func AddDBSymbol(l *zap.SugaredLogger) *zap.SugaredLogger {
	return OrDefault(l).With(FieldSymbol, sym.DB)
}

// WithSymbol returns the global logger with the given symbol as a field.
func WithSymbol(symbol string) *zap.SugaredLogger {
	return Logger.With(FieldSymbol, symbol)
}
