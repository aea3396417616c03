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

// Field adds one key to an event. Later fields overwrite earlier ones with the
// same key.
type Field func(e *zerolog.Event)

func String(k, v string) Field {
	return func(e *zerolog.Event) { e.Str(k, v) }
}

func Int(k string, v int) Field {
	return func(e *zerolog.Event) { e.Int(k, v) }
}

func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}

func Bool(k string, v bool) Field {
	return func(e *zerolog.Event) { e.Bool(k, v) }
}

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

func Time(k string, v time.Time) Field {
	return func(e *zerolog.Event) { e.Time(k, v) }
}

func Any(k string, v any) Field {
	return func(e *zerolog.Event) { e.Interface(k, v) }
}

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if s := strings.TrimSpace(stack); s != "" {
			e.Str("stack", s)
		}
	}
}

// Keys shared by every component so log queries stay uniform.
const (
	KeyComp   = "comp"
	KeyJobID  = "job_id"
	KeyTaskID = "task_id"
	KeyWorker = "worker"
)

func Comp(name string) Field { return String(KeyComp, name) }
func JobID(id string) Field   { return String(KeyJobID, id) }
func TaskID(id string) Field  { return String(KeyTaskID, id) }
func Worker(id string) Field  { return String(KeyWorker, id) }

// Logger is a value type; copies are cheap and share the underlying sink.
// A Logger obtained from a Service follows later Service.Apply calls.
// The zero Logger discards everything.
type Logger struct {
	svc   *Service
	fixed *zerolog.Logger
	with  []Field
}

// Nop returns a logger that never writes.
func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{fixed: &zl}
}

// NewConsole is a standalone human-readable logger on stdout, used before the
// config is loaded.
func NewConsole(level string) Logger {
	zl := newRoot(consoleWriter(stdout), ParseLevel(level))
	return Logger{fixed: &zl}
}

// NewJSON is a standalone logger writing one JSON object per line to w.
func NewJSON(w io.Writer, level string) Logger {
	zl := newRoot(w, ParseLevel(level))
	return Logger{fixed: &zl}
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && len(l.with) == 0 }

func (l Logger) sink() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.current()
	case l.fixed != nil:
		return *l.fixed
	default:
		return zerolog.Nop()
	}
}

// Enabled reports whether level passes the current filter.
func (l Logger) Enabled(level Level) bool {
	zl := l.sink()
	return level >= zl.GetLevel()
}

// With returns a child logger that adds fields to every event.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.with = append(l.with[:len(l.with):len(l.with)], fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.sink()
	ev := zl.WithLevel(level)
	if ev == nil {
		return
	}
	// emit <- Info/Warn/... <- call site
	if _, file, line, ok := runtime.Caller(2); ok {
		ev.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	apply(ev, l.with)
	apply(ev, fields)
	ev.Msg(msg)
}

func apply(ev *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(ev)
		}
	}
}

// ParseLevel maps a config string to a level; anything unknown is info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}
