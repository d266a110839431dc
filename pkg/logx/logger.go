package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

// Field is one key on a log line. A key set again, by With or at the call
// site, replaces the earlier value, so a line never carries duplicate keys.
type Field struct {
	key string
	set func(e *zerolog.Event)
}

func field(k string, set func(e *zerolog.Event)) Field { return Field{key: k, set: set} }

func String(k, v string) Field                 { return field(k, func(e *zerolog.Event) { e.Str(k, v) }) }
func Int(k string, v int) Field                { return field(k, func(e *zerolog.Event) { e.Int(k, v) }) }
func Int64(k string, v int64) Field            { return field(k, func(e *zerolog.Event) { e.Int64(k, v) }) }
func Uint64(k string, v uint64) Field          { return field(k, func(e *zerolog.Event) { e.Uint64(k, v) }) }
func Bool(k string, v bool) Field              { return field(k, func(e *zerolog.Event) { e.Bool(k, v) }) }
func Float64(k string, v float64) Field        { return field(k, func(e *zerolog.Event) { e.Float64(k, v) }) }
func Duration(k string, v time.Duration) Field { return field(k, func(e *zerolog.Event) { e.Dur(k, v) }) }
func Time(k string, v time.Time) Field         { return field(k, func(e *zerolog.Event) { e.Time(k, v) }) }
func Any(k string, v any) Field                { return field(k, func(e *zerolog.Event) { e.Interface(k, v) }) }

// Component tags every line of a subsystem ("scheduler", "journal", ...).
func Component(name string) Field { return String("comp", name) }

// Err is a no-op for a nil error.
func Err(err error) Field {
	return field(zerolog.ErrorFieldName, func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	})
}

// Stack is a no-op for a blank trace.
func Stack(stack string) Field {
	return field("stack", func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	})
}

// merge returns base with each of extra appended or, when its key is
// already present, replacing it in place.
func merge(base, extra []Field) []Field {
	out := make([]Field, 0, len(base)+len(extra))
	out = append(out, base...)
next:
	for _, f := range extra {
		if f.set == nil {
			continue
		}
		for i := range out {
			if out[i].key == f.key {
				out[i] = f
				continue next
			}
		}
		out = append(out, f)
	}
	return out
}

// Logger carries fixed fields on top of a root zerolog logger. A Logger
// from a Service resolves the root on every call, so Service.Apply reaches
// it. The zero value discards.
type Logger struct {
	svc     *Service
	base    zerolog.Logger
	hasBase bool
	fields  []Field
}

func Nop() Logger { return Logger{base: zerolog.Nop(), hasBase: true} }

// NewWriter logs JSON to w at level (debug when level is unknown).
func NewWriter(w io.Writer, level string) Logger {
	setGlobals()
	zl := zerolog.New(zerolog.SyncWriter(w)).Level(ParseLevel(level, zerolog.DebugLevel)).With().Timestamp().Logger()
	return Logger{base: zl, hasBase: true}
}

func (l Logger) IsZero() bool { return l.svc == nil && !l.hasBase && len(l.fields) == 0 }

func (l Logger) root() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.hasBase:
		return l.base
	}
	return zerolog.Nop()
}

func (l Logger) Enabled(level Level) bool { return level >= l.root().GetLevel() }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = merge(l.fields, fields)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

// callerDepth skips emit and the level method.
const callerDepth = 2

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.root()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(callerDepth); ok {
		e.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	all := l.fields
	if len(fields) > 0 {
		all = merge(l.fields, fields)
	}
	for _, f := range all {
		f.set(e)
	}
	e.Msg(msg)
}

// ParseLevel accepts zerolog's level names in any case plus "warning".
// Anything else, including "", yields def.
func ParseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return def
	}
	return lvl
}
