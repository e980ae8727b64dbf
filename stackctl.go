// Package stackctl starts, stops and reports on a group of local services
// described by one configuration document. It is the embeddable API behind
// the stackctl command.
package stackctl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/stackctl/internal/config"
	"github.com/loykin/stackctl/internal/eventlog"
	"github.com/loykin/stackctl/internal/history"
	"github.com/loykin/stackctl/internal/history/factory"
	"github.com/loykin/stackctl/internal/logger"
	"github.com/loykin/stackctl/internal/metrics"
	"github.com/loykin/stackctl/internal/orchestrator"
	"github.com/loykin/stackctl/internal/outcome"
	"github.com/loykin/stackctl/internal/probe"
	"github.com/loykin/stackctl/internal/process"
	"github.com/loykin/stackctl/internal/procmatch"
	"github.com/loykin/stackctl/internal/registry"
	"github.com/loykin/stackctl/internal/server"
	"github.com/loykin/stackctl/internal/status"
	"github.com/loykin/stackctl/internal/terminator"
)

// Re-export core types for external consumers.

type Result = outcome.Result

type Outcome = outcome.Outcome

type Snapshot = status.Snapshot

type Descriptor = registry.Descriptor

type Event = eventlog.Event

type EventSink = eventlog.Sink

type EventSinkFunc = eventlog.SinkFunc

type Config = config.Config

type ConfigurationError = registry.ConfigurationError

const (
	StatusSuccess        = outcome.StatusSuccess
	StatusPartialFailure = outcome.StatusPartialFailure
	StatusFailure        = outcome.StatusFailure
)

var (
	ErrUnknownService = orchestrator.ErrUnknownService
	ErrLocked         = orchestrator.ErrLocked
)

// IsConfigurationError reports whether err aborted an operation before any side effect.
func IsConfigurationError(err error) bool { return registry.IsConfigurationError(err) }

type options struct {
	logger   *slog.Logger
	console  io.Writer
	sinks    []eventlog.Sink
	lookup   config.LookupFunc
	prober   probe.Prober
	logLevel string
	logFile  string
}

type Option func(*options)

// WithLogger replaces the logger built from the [log] table.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithConsole sets the console writer of the built logger; nil logs to the
// configured file only. The default is os.Stderr.
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithLogLevel overrides log.level from the document.
func WithLogLevel(level string) Option { return func(o *options) { o.logLevel = level } }

// WithLogFile overrides log.file from the document.
func WithLogFile(path string) Option { return func(o *options) { o.logFile = path } }

// WithEventSink streams every event of every invocation to s.
func WithEventSink(s ...EventSink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s...) }
}

// WithLookupEnv replaces os.LookupEnv for health port overrides.
func WithLookupEnv(f func(string) (string, bool)) Option {
	return func(o *options) { o.lookup = f }
}

// WithProber replaces the TCP prober.
func WithProber(p probe.Prober) Option { return func(o *options) { o.prober = p } }

// Stack is one managed group. Logging, history and the child environment
// are read once by Open; services are re-read on every invocation.
type Stack struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	logger   *slog.Logger
	recorder *history.Recorder
	closers  []io.Closer
}

// Open loads the document at path and wires the orchestrator.
func Open(path string, opts ...Option) (*Stack, error) {
	o := options{console: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &registry.ConfigurationError{Problems: []string{err.Error()}, Err: err}
	}
	s := &Stack{cfg: cfg}

	s.logger = o.logger
	if s.logger == nil {
		lc := cfg.LoggerConfig()
		if o.logLevel != "" {
			lc.Level = o.logLevel
		}
		if o.logFile != "" {
			lc.File.Path = o.logFile
		}
		l, closer, err := logger.New(lc, o.console)
		if err != nil {
			return nil, &registry.ConfigurationError{Problems: []string{err.Error()}, Err: err}
		}
		s.logger = l
		s.closers = append(s.closers, closer)
	}

	childEnv, err := cfg.ChildEnv()
	if err != nil {
		_ = s.Close()
		return nil, &registry.ConfigurationError{Problems: []string{err.Error()}, Err: err}
	}

	var hist orchestrator.Recorder
	if len(cfg.History) > 0 {
		sinks, err := factory.NewSinks(cfg.History)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.recorder = &history.Recorder{Sinks: sinks, Logger: s.logger}
		hist = s.recorder
	}

	table := procmatch.SystemTable{}
	s.orch = orchestrator.New(orchestrator.Options{
		Source:       config.FileSource{Path: cfg.Path, LookupEnv: o.lookup},
		Prober:       o.prober,
		Table:        table,
		Launcher:     &process.Launcher{Env: childEnv, LogDir: cfg.LogDir, Table: table, Logger: s.logger},
		Stopper:      &terminator.Coordinator{Table: table, Logger: s.logger},
		ProbeTimeout: cfg.ProbeTimeout(),
		Parallelism:  cfg.Parallelism,
		StateDir:     cfg.StateDir,
		LockTimeout:  cfg.LockTimeout(),
		Sinks:        append([]eventlog.Sink{eventlog.SlogSink{Logger: s.logger}}, o.sinks...),
		History:      hist,
		Logger:       s.logger,
	})
	return s, nil
}

func (s *Stack) Config() *Config      { return s.cfg }
func (s *Stack) Logger() *slog.Logger { return s.logger }

func (s *Stack) StartAll(ctx context.Context) Result { return s.orch.StartAll(ctx) }
func (s *Stack) StopAll(ctx context.Context) Result  { return s.orch.StopAll(ctx) }
func (s *Stack) StartOne(ctx context.Context, name string) Result {
	return s.orch.StartOne(ctx, name)
}
func (s *Stack) StopOne(ctx context.Context, name string) Result {
	return s.orch.StopOne(ctx, name)
}
func (s *Stack) Status(ctx context.Context) (Snapshot, error) { return s.orch.Status(ctx) }

// Services validates the document and returns the descriptors it yields now.
func (s *Stack) Services() ([]Descriptor, error) {
	reg, err := s.orch.Registry()
	if err != nil {
		return nil, err
	}
	return reg.Descriptors(), nil
}

// AutoStart is the host's startup trigger: when autoStart is set it waits
// startDelayMs and runs StartAll once. ok is false when nothing ran.
func (s *Stack) AutoStart(ctx context.Context) (res Result, ok bool) {
	if !s.cfg.AutoStart {
		return Result{}, false
	}
	if d := s.cfg.StartDelay(); d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return Result{}, false
		case <-t.C:
		}
	}
	return s.StartAll(ctx), true
}

// AutoStop is the host's shutdown trigger: StopAll once when autoStop is set.
func (s *Stack) AutoStop(ctx context.Context) (res Result, ok bool) {
	if !s.cfg.AutoStop {
		return Result{}, false
	}
	return s.StopAll(ctx), true
}

// Session runs the two host triggers around the host's lifetime, which ends
// when ctx is done. The shutdown trigger runs detached from ctx. report, when
// set, receives each result that ran.
func (s *Stack) Session(ctx context.Context, report func(Result)) {
	if report == nil {
		report = func(Result) {}
	}
	if res, ok := s.AutoStart(ctx); ok {
		report(res)
	}
	<-ctx.Done()
	if res, ok := s.AutoStop(context.WithoutCancel(ctx)); ok {
		report(res)
	}
}

// Router exposes the stack over HTTP under basePath.
func (s *Stack) Router(basePath string) *server.Router {
	return server.NewRouter(s.orch, basePath)
}

// Close releases history sinks and the log file.
func (s *Stack) Close() error {
	var errs []error
	if s.recorder != nil {
		errs = append(errs, s.recorder.Close())
	}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// RegisterMetrics registers stackctl collectors on r. Until then metric
// updates are no-ops.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// MetricsHandler serves the default Prometheus registry.
func MetricsHandler() http.Handler { return metrics.Handler() }
