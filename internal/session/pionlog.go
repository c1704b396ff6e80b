package session

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// zapLoggerFactory routes pion's internal logging into zap. Trace goes to
// debug; pion is chatty at both levels.
type zapLoggerFactory struct {
	log *zap.Logger
}

func newZapLoggerFactory(log *zap.Logger) logging.LoggerFactory {
	return zapLoggerFactory{log: log.Named("pion")}
}

func (f zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return zapLeveledLogger{s: f.log.Named(scope).WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

type zapLeveledLogger struct {
	s *zap.SugaredLogger
}

func (l zapLeveledLogger) Trace(msg string)                  { l.s.Debug(msg) }
func (l zapLeveledLogger) Tracef(format string, args ...any) { l.s.Debugf(format, args...) }
func (l zapLeveledLogger) Debug(msg string)                  { l.s.Debug(msg) }
func (l zapLeveledLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l zapLeveledLogger) Info(msg string)                   { l.s.Info(msg) }
func (l zapLeveledLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l zapLeveledLogger) Warn(msg string)                   { l.s.Warn(msg) }
func (l zapLeveledLogger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l zapLeveledLogger) Error(msg string)                  { l.s.Error(msg) }
func (l zapLeveledLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
