// Package logger holds the process-wide zap logger and the field names used
// in structured log lines.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is a no-op until Initialize runs.
	Logger = zap.NewNop().Sugar()

	// JSONOutput reports whether the last Initialize selected JSON logs.
	JSONOutput bool
)

// Initialize installs the global logger at info level.
func Initialize(jsonOutput bool) error {
	return InitializeWithLevel(jsonOutput, zap.InfoLevel)
}

// InitializeWithLevel installs the global logger. Logs go to stderr so
// command output on stdout stays machine-readable.
func InitializeWithLevel(jsonOutput bool, level zapcore.Level) error {
	var (
		l   *zap.Logger
		err error
	)
	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.OutputPaths = []string{"stderr"}
		l, err = cfg.Build()
		if err != nil {
			return err
		}
	} else {
		l = zap.New(zapcore.NewCore(consoleEncoder(), zapcore.Lock(os.Stderr), level))
	}

	JSONOutput = jsonOutput
	Logger = l.Sugar()
	return nil
}

func consoleEncoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeName = zapcore.FullNameEncoder
	cfg.CallerKey = ""
	cfg.ConsoleSeparator = " "
	return zapcore.NewConsoleEncoder(cfg)
}

// Cleanup flushes buffered entries.
func Cleanup() {
	_ = Logger.Sync()
}

// OrDefault returns l, or the global logger when l is nil.
func OrDefault(l *zap.SugaredLogger) *zap.SugaredLogger {
	if l != nil {
		return l
	}
	return Logger
}

// Warnw logs through the global logger; for package-level helpers that have
// no injected logger.
func Warnw(msg string, keysAndValues ...any) {
	Logger.Warnw(msg, keysAndValues...)
}
