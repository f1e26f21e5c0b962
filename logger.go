package amq

import (
	"go.uber.org/zap"
)

// Logger is the logging sink used by the core and by transports.
type Logger interface {
	Log(v ...any)
	Logf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Log(...any)          {}
func (nopLogger) Logf(string, ...any) {}

type zapLogger struct {
	s *zap.SugaredLogger
}

// ZapLogger adapts a zap logger. Entries are written at info level.
func ZapLogger(l *zap.Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return &zapLogger{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z *zapLogger) Log(v ...any) {
	z.s.Info(v...)
}

func (z *zapLogger) Logf(format string, v ...any) {
	z.s.Infof(format, v...)
}
