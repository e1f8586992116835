package utils

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// pion components log through a logging.LoggerFactory. SlogLoggerFactory
// forwards those logs to a slog.Logger, tagging each with the pion scope
// (e.g. "ice", "dtls", "pc").
//
// pion is chatty at debug level, so every pion log is shifted down by
// LevelOffset before reaching slog. With the default offset of -4, pion
// debug lands below slog.LevelDebug and pion info lands at slog debug.
type SlogLoggerFactory struct {
	Logger      *slog.Logger
	LevelOffset slog.Level
}

func NewSlogLoggerFactory(logger *slog.Logger) *SlogLoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLoggerFactory{
		Logger:      logger,
		LevelOffset: -4,
	}
}

func (f *SlogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{
		logger: f.Logger.With("pionScope", scope),
		offset: f.LevelOffset,
	}
}

// slog has no trace level; trace sits one step under debug
const levelTrace = slog.LevelDebug - 4

type slogLeveledLogger struct {
	logger *slog.Logger
	offset slog.Level
}

func (l *slogLeveledLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level+l.offset, msg)
}

func (l *slogLeveledLogger) Trace(msg string) { l.log(levelTrace, msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...interface{}) {
	l.log(levelTrace, fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *slogLeveledLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
