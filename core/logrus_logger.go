package core

import "github.com/sirupsen/logrus"

// LogrusAdapter wraps a *logrus.Logger to satisfy Logger, for destinations
// whose adapter wants leveled logging with logrus's field/hook ecosystem
// rather than the structured JSON logger used for the broker's own
// lifecycle logs — SlurmScheduler's SSH session diagnostics, in particular.
type LogrusAdapter struct {
	*logrus.Logger
}

var _ Logger = (*LogrusAdapter)(nil)

func (l *LogrusAdapter) Criticalf(format string, args ...any) {
	l.Logger.Logf(logrus.FatalLevel, format, args...)
}

func (l *LogrusAdapter) Debugf(format string, args ...any) {
	l.Logger.Debugf(format, args...)
}

func (l *LogrusAdapter) Errorf(format string, args ...any) {
	l.Logger.Errorf(format, args...)
}

func (l *LogrusAdapter) Noticef(format string, args ...any) {
	l.Logger.Infof(format, args...)
}

func (l *LogrusAdapter) Warningf(format string, args ...any) {
	l.Logger.Warnf(format, args...)
}
