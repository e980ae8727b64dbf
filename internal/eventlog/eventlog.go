package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/stackctl/internal/logger"
)

// Level is the severity attached to an Event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelOK    Level = "ok"
)

// Event is a single entry of the output channel.
type Event struct {
	Seq     uint64         `json:"seq" yaml:"seq"`
	Time    time.Time      `json:"time" yaml:"time"`
	RunID   string         `json:"run_id" yaml:"run_id"`
	Level   Level          `json:"level" yaml:"level"`
	Service string         `json:"service,omitempty" yaml:"service,omitempty"`
	Message string         `json:"message" yaml:"message"`
	Fields  map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
}

func (e Event) String() string {
	if e.Service == "" {
		return fmt.Sprintf("[%s] %s", e.Level, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Level, e.Service, e.Message)
}

// Sink receives every event in append order. Emit is called with the log's
// lock held, so implementations must not call back into the Log.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Log is an append-only, ordered event stream for one invocation.
// It is safe for concurrent use.
type Log struct {
	mu     sync.Mutex
	runID  string
	seq    uint64
	events []Event
	sinks  []Sink
	now    func() time.Time
}

func New(runID string, sinks ...Sink) *Log {
	return &Log{runID: runID, sinks: append([]Sink(nil), sinks...), now: time.Now}
}

func (l *Log) RunID() string { return l.runID }

// Append records an event. kv is a list of alternating keys and values.
func (l *Log) Append(level Level, service, msg string, kv ...any) Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	e := Event{
		Seq:     l.seq,
		Time:    l.now(),
		RunID:   l.runID,
		Level:   level,
		Service: service,
		Message: msg,
		Fields:  fields(kv),
	}
	l.events = append(l.events, e)
	for _, s := range l.sinks {
		s.Emit(e)
	}
	return e
}

func (l *Log) Info(service, msg string, kv ...any)  { l.Append(LevelInfo, service, msg, kv...) }
func (l *Log) Warn(service, msg string, kv ...any)  { l.Append(LevelWarn, service, msg, kv...) }
func (l *Log) Error(service, msg string, kv ...any) { l.Append(LevelError, service, msg, kv...) }
func (l *Log) OK(service, msg string, kv ...any)    { l.Append(LevelOK, service, msg, kv...) }

// Events returns a copy of everything appended so far.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func fields(kv []any) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	m := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		if i+1 < len(kv) {
			m[k] = kv[i+1]
		} else {
			m[k] = nil
		}
	}
	return m
}

// SlogSink forwards events to a slog.Logger. The ok level maps to logger.LevelOK.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Emit(e Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := make([]slog.Attr, 0, len(e.Fields)+2)
	attrs = append(attrs, slog.String("run_id", e.RunID))
	if e.Service != "" {
		attrs = append(attrs, slog.String("service", e.Service))
	}
	for k, v := range e.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	l.LogAttrs(context.Background(), slogLevel(e.Level), e.Message, attrs...)
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelOK:
		return logger.LevelOK
	default:
		return slog.LevelInfo
	}
}
