// Package logger defines the key/value logging interface used across the
// engine and its adapters.
package logger

type Logger interface {
	Error(msg string, keyvals ...any)
	Warn(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}

// Level orders log severities for LevelFilter.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// With returns a Logger that prepends keyvals to every entry, e.g. a
// component name. A nil l yields a NullLogger.
func With(l Logger, keyvals ...any) Logger {
	if l == nil {
		return NewNullLogger()
	}
	if len(keyvals) == 0 {
		return l
	}
	if f, ok := l.(*fieldLogger); ok {
		return &fieldLogger{next: f.next, fields: append(append([]any(nil), f.fields...), keyvals...)}
	}
	return &fieldLogger{next: l, fields: append([]any(nil), keyvals...)}
}

type fieldLogger struct {
	next   Logger
	fields []any
}

func (f *fieldLogger) merge(keyvals []any) []any {
	out := make([]any, 0, len(f.fields)+len(keyvals))
	return append(append(out, f.fields...), keyvals...)
}

func (f *fieldLogger) Debug(msg string, keyvals ...any) { f.next.Debug(msg, f.merge(keyvals)...) }
func (f *fieldLogger) Info(msg string, keyvals ...any)  { f.next.Info(msg, f.merge(keyvals)...) }
func (f *fieldLogger) Warn(msg string, keyvals ...any)  { f.next.Warn(msg, f.merge(keyvals)...) }
func (f *fieldLogger) Error(msg string, keyvals ...any) { f.next.Error(msg, f.merge(keyvals)...) }

// LevelFilter drops entries below minLevel before they reach l.
func LevelFilter(l Logger, minLevel Level) Logger {
	return &levelLogger{next: l, min: minLevel}
}

type levelLogger struct {
	next Logger
	min  Level
}

func (l *levelLogger) Debug(msg string, keyvals ...any) {
	if l.min <= LevelDebug {
		l.next.Debug(msg, keyvals...)
	}
}

func (l *levelLogger) Info(msg string, keyvals ...any) {
	if l.min <= LevelInfo {
		l.next.Info(msg, keyvals...)
	}
}

func (l *levelLogger) Warn(msg string, keyvals ...any) {
	if l.min <= LevelWarn {
		l.next.Warn(msg, keyvals...)
	}
}

func (l *levelLogger) Error(msg string, keyvals ...any) { l.next.Error(msg, keyvals...) }

// ParseLevel maps "debug", "info", "warn" and "error"; anything else is info.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	}
	return LevelInfo
}
