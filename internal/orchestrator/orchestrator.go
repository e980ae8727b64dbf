// Package orchestrator sequences service start-up and shut-down across stages.
//
// Every invocation is self-contained: it reloads the registry from its
// source, derives liveness from probes and the process table, and forgets
// everything once its Result is returned.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/stackctl/internal/detector"
	"github.com/loykin/stackctl/internal/eventlog"
	"github.com/loykin/stackctl/internal/metrics"
	"github.com/loykin/stackctl/internal/outcome"
	"github.com/loykin/stackctl/internal/probe"
	"github.com/loykin/stackctl/internal/process"
	"github.com/loykin/stackctl/internal/procmatch"
	"github.com/loykin/stackctl/internal/registry"
	"github.com/loykin/stackctl/internal/status"
	"github.com/loykin/stackctl/internal/terminator"
)

// Detail texts for unconfirmed starts.
const (
	DetailNotConfirmed = "not confirmed listening after grace period"
	DetailNotPresent   = "process not found after grace period"
	DetailCanceled     = "not confirmed: invocation canceled during grace period"
)

// ErrUnknownService is returned in Result.Err by the per-service operations.
var ErrUnknownService = errors.New("unknown service")

// Launcher creates a service process.
type Launcher interface {
	Launch(d registry.Descriptor) (process.Handle, error)
}

// Stopper terminates a service's processes.
type Stopper interface {
	Stop(ctx context.Context, d registry.Descriptor) outcome.Outcome
}

// Recorder receives every finished mutating invocation.
type Recorder interface {
	Record(ctx context.Context, res outcome.Result) error
}

type Options struct {
	Source registry.Source

	Prober   probe.Prober
	Table    procmatch.Table
	Launcher Launcher
	Stopper  Stopper

	// ProbeTimeout bounds each liveness probe.
	ProbeTimeout time.Duration
	// Parallelism caps concurrent start tasks within a stage; 0 is unbounded.
	Parallelism int

	// StateDir enables the cross-process invocation lock.
	StateDir    string
	LockTimeout time.Duration

	// Sinks receive every event as it is appended.
	Sinks   []eventlog.Sink
	History Recorder
	Logger  *slog.Logger
}

type Orchestrator struct {
	opts Options
}

func New(opts Options) *Orchestrator {
	if opts.Prober == nil {
		opts.Prober = probe.TCPProber{Logger: opts.Logger}
	}
	if opts.Table == nil {
		opts.Table = procmatch.SystemTable{}
	}
	if opts.Launcher == nil {
		opts.Launcher = &process.Launcher{Table: opts.Table, Logger: opts.Logger}
	}
	if opts.Stopper == nil {
		opts.Stopper = &terminator.Coordinator{Table: opts.Table, Logger: opts.Logger}
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = probe.DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Orchestrator{opts: opts}
}

// Registry loads and validates the registry without touching any process.
func (o *Orchestrator) Registry() (*registry.Registry, error) {
	return registry.Load(o.opts.Source)
}

// StartAll starts every service that is not already running, stage by stage.
func (o *Orchestrator) StartAll(ctx context.Context) outcome.Result {
	return o.invoke(ctx, outcome.OpStartAll, func(ctx context.Context, reg *registry.Registry, inv *invocation) error {
		stages := reg.Stages()
		inv.log.Info("", fmt.Sprintf("starting %d services in %d stages", reg.Len(), len(stages)))
		for _, st := range stages {
			if ctx.Err() != nil {
				return nil
			}
			o.startStage(ctx, outcome.OpStartAll, st, inv)
		}
		return nil
	})
}

// StartOne starts a single service, ignoring stages.
func (o *Orchestrator) StartOne(ctx context.Context, name string) outcome.Result {
	return o.invoke(ctx, outcome.OpStartOne, func(ctx context.Context, reg *registry.Registry, inv *invocation) error {
		d, ok := reg.Lookup(name)
		if !ok {
			return fmt.Errorf("%w %q", ErrUnknownService, name)
		}
		o.startStage(ctx, outcome.OpStartOne, registry.Stage{Number: d.Stage, Descriptors: []registry.Descriptor{d}}, inv)
		return nil
	})
}

// StopAll stops every service in reverse stage order, one at a time.
func (o *Orchestrator) StopAll(ctx context.Context) outcome.Result {
	return o.invoke(ctx, outcome.OpStopAll, func(ctx context.Context, reg *registry.Registry, inv *invocation) error {
		stages := reg.Stages()
		inv.log.Info("", fmt.Sprintf("stopping %d services", reg.Len()))
		for i := len(stages) - 1; i >= 0; i-- {
			if ctx.Err() != nil {
				return nil
			}
			o.stopStage(ctx, outcome.OpStopAll, stages[i], inv)
		}
		return nil
	})
}

// StopOne stops a single service.
func (o *Orchestrator) StopOne(ctx context.Context, name string) outcome.Result {
	return o.invoke(ctx, outcome.OpStopOne, func(ctx context.Context, reg *registry.Registry, inv *invocation) error {
		d, ok := reg.Lookup(name)
		if !ok {
			return fmt.Errorf("%w %q", ErrUnknownService, name)
		}
		o.stopStage(ctx, outcome.OpStopOne, registry.Stage{Number: d.Stage, Descriptors: []registry.Descriptor{d}}, inv)
		return nil
	})
}

// Status probes every service once. It never launches, stops or locks.
func (o *Orchestrator) Status(ctx context.Context) (status.Snapshot, error) {
	log := eventlog.New(uuid.NewString(), o.opts.Sinks...)
	reg, err := registry.Load(o.opts.Source)
	if err != nil {
		log.Error("", err.Error())
		return status.Snapshot{}, err
	}
	r := &status.Reporter{
		Prober:  o.opts.Prober,
		Table:   o.opts.Table,
		Timeout: o.opts.ProbeTimeout,
		Observe: func(st status.ServiceStatus) {
			metrics.IncProbe(st.Listening)
			metrics.SetListening(st.Name, st.Listening)
			if st.Listening {
				log.OK(st.Name, "listening", "method", st.Method)
			} else {
				log.Info(st.Name, "not listening", "method", st.Method)
			}
		},
	}
	return r.Snapshot(ctx, reg), nil
}

type invocation struct {
	res outcome.Result
	log *eventlog.Log
}

func (inv *invocation) add(ocs []*outcome.Outcome) {
	for _, oc := range ocs {
		if oc != nil {
			inv.res.Outcomes = append(inv.res.Outcomes, *oc)
		}
	}
}

func (o *Orchestrator) invoke(ctx context.Context, op outcome.Operation, body func(context.Context, *registry.Registry, *invocation) error) outcome.Result {
	runID := uuid.NewString()
	inv := &invocation{
		res: outcome.Result{RunID: runID, Operation: op},
		log: eventlog.New(runID, o.opts.Sinks...),
	}
	err := o.run(ctx, inv, body)
	inv.res.Err = err
	inv.res.Canceled = ctx.Err() != nil
	inv.res.Finalize()
	o.finish(ctx, inv)
	return inv.res
}

func (o *Orchestrator) run(ctx context.Context, inv *invocation, body func(context.Context, *registry.Registry, *invocation) error) error {
	release, err := o.acquire(ctx)
	if err != nil {
		inv.log.Error("", err.Error())
		return err
	}
	defer release()

	reg, err := registry.Load(o.opts.Source)
	if err != nil {
		inv.log.Error("", err.Error())
		return err
	}
	if err := body(ctx, reg, inv); err != nil {
		inv.log.Error("", err.Error())
		return err
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, inv *invocation) {
	res := &inv.res
	if res.Canceled {
		inv.log.Warn("", "invocation canceled", "recorded", len(res.Outcomes))
	}
	msg := fmt.Sprintf("%s %s", res.Operation, res.Status)
	switch res.Status {
	case outcome.StatusSuccess:
		inv.log.OK("", msg, "services", len(res.Outcomes))
	case outcome.StatusPartialFailure:
		inv.log.Warn("", msg, "failed", len(res.Failures()))
	default:
		// a fatal error was already reported once by run
		if res.Err == nil {
			inv.log.Error("", msg)
		}
	}
	res.Events = inv.log.Events()

	metrics.IncInvocation(string(res.Operation), string(res.Status))
	for _, oc := range res.Outcomes {
		metrics.IncOutcome(oc.Service, string(oc.State))
	}
	if o.opts.History != nil && len(res.Outcomes) > 0 {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		// sink failures are logged by the recorder and never change the result
		_ = o.opts.History.Record(hctx, *res)
	}
}

// startStage runs one start task per descriptor and returns when all of them
// have an outcome. A failing task never cancels its siblings.
func (o *Orchestrator) startStage(ctx context.Context, op outcome.Operation, st registry.Stage, inv *invocation) {
	began := time.Now()
	slots := make([]*outcome.Outcome, len(st.Descriptors))
	var g errgroup.Group
	if o.opts.Parallelism > 0 {
		g.SetLimit(o.opts.Parallelism)
	}
	for i, d := range st.Descriptors {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if oc, ok := o.startService(ctx, d, inv.log); ok {
				slots[i] = &oc
			}
			return nil
		})
	}
	_ = g.Wait()
	inv.add(slots)
	metrics.ObserveStage(string(op), time.Since(began).Seconds())
}

// startService probes, launches, waits the grace period and re-probes once.
// It reports false when cancellation prevented it from reaching an outcome.
func (o *Orchestrator) startService(ctx context.Context, d registry.Descriptor, log *eventlog.Log) (outcome.Outcome, bool) {
	out := outcome.Outcome{Service: d.Name, Stage: d.Stage, Port: d.HealthPort}
	if ctx.Err() != nil {
		return out, false
	}
	det := detector.ForDescriptor(d, o.opts.Prober, o.opts.Table, o.opts.ProbeTimeout)
	alive, detail := det.Alive(ctx)
	metrics.IncProbe(alive)
	if alive {
		out.State = outcome.AlreadyRunning
		log.Info(d.Name, "already running", "method", det.Describe())
		return out, true
	}
	if ctx.Err() != nil {
		return out, false
	}
	if detail != "" {
		o.opts.Logger.Debug("probe inconclusive", "service", d.Name, "detail", detail)
	}

	log.Info(d.Name, "starting", "command", d.Command, "stage", d.Stage)
	h, err := o.opts.Launcher.Launch(d)
	if err != nil {
		out.State = outcome.StartFailed
		out.Detail = err.Error()
		log.Error(d.Name, "launch failed", "error", err.Error())
		return out, true
	}
	out.State = outcome.Started
	out.PID = h.PID
	log.Info(d.Name, "launched", "pid", h.PID)

	if !wait(ctx, d.StartupGracePeriod) {
		out.Detail = DetailCanceled
		log.Warn(d.Name, DetailCanceled, "pid", h.PID)
		return out, true
	}
	alive, _ = det.Alive(ctx)
	metrics.IncProbe(alive)
	if alive {
		out.Confirmed = true
		log.OK(d.Name, "started", "pid", h.PID, "method", det.Describe())
		return out, true
	}
	out.Detail = DetailNotConfirmed
	if d.HealthPort == 0 {
		out.Detail = DetailNotPresent
	}
	log.Warn(d.Name, out.Detail, "pid", h.PID, "grace", d.StartupGracePeriod.String())
	return out, true
}

// stopStage stops descriptors strictly one after another.
func (o *Orchestrator) stopStage(ctx context.Context, op outcome.Operation, st registry.Stage, inv *invocation) {
	began := time.Now()
	for _, d := range st.Descriptors {
		if ctx.Err() != nil {
			break
		}
		oc := o.opts.Stopper.Stop(ctx, d)
		oc.Service, oc.Stage = d.Name, d.Stage
		switch oc.State {
		case outcome.Stopped:
			inv.log.OK(d.Name, "stopped", "pid", oc.PID)
		case outcome.NotRunning:
			inv.log.Info(d.Name, "not running")
		default:
			inv.log.Error(d.Name, "stop failed", "error", oc.Detail)
		}
		inv.res.Outcomes = append(inv.res.Outcomes, oc)
	}
	metrics.ObserveStage(string(op), time.Since(began).Seconds())
}

// wait sleeps for d and reports false when ctx ended first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
