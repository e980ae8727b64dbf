// Package terminator stops the processes that belong to managed services.
package terminator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/loykin/stackctl/internal/outcome"
	"github.com/loykin/stackctl/internal/process"
	"github.com/loykin/stackctl/internal/procmatch"
	"github.com/loykin/stackctl/internal/registry"
)

// TerminationError is a per-service failure to request termination.
// A process that is already gone is never a TerminationError.
type TerminationError struct {
	Service string
	PID     int
	Err     error
}

func (e *TerminationError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("terminate %s (pid %d): %v", e.Service, e.PID, e.Err)
	}
	return fmt.Sprintf("terminate %s: %v", e.Service, e.Err)
}

func (e *TerminationError) Unwrap() error { return e.Err }

// Coordinator locates a service's processes through typed identity matchers
// and requests graceful termination. It does not wait for the processes to exit.
type Coordinator struct {
	Table procmatch.Table
	// Signal requests termination of pid; defaults to process.Terminate.
	Signal func(pid int) error
	Logger *slog.Logger
}

// Stop terminates every process identified as d and reports the outcome.
func (c *Coordinator) Stop(ctx context.Context, d registry.Descriptor) outcome.Outcome {
	out := outcome.Outcome{Service: d.Name, Stage: d.Stage, Port: d.HealthPort}

	procs, via, err := c.Locate(ctx, d)
	if err != nil {
		out.State = outcome.StopFailed
		out.Detail = (&TerminationError{Service: d.Name, Err: fmt.Errorf("locate processes: %w", err)}).Error()
		return out
	}
	if len(procs) == 0 {
		c.removePIDFile(d)
		out.State = outcome.NotRunning
		return out
	}

	signal := c.Signal
	if signal == nil {
		signal = process.Terminate
	}
	var errs []error
	for _, p := range procs {
		pid := int(p.PID)
		err := signal(pid)
		switch {
		case err == nil:
			c.log().Debug("termination requested", "service", d.Name, "pid", pid, "via", via)
		case errors.Is(err, process.ErrNoProcess):
			// vanished between lookup and signal
			c.log().Debug("process already gone", "service", d.Name, "pid", pid)
		default:
			errs = append(errs, &TerminationError{Service: d.Name, PID: pid, Err: err})
		}
	}
	out.PID = int(procs[0].PID)
	if len(errs) > 0 {
		out.State = outcome.StopFailed
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		out.Detail = strings.Join(msgs, "; ")
		return out
	}
	c.removePIDFile(d)
	out.State = outcome.Stopped
	if len(procs) > 1 {
		out.Detail = fmt.Sprintf("%d processes matched %s", len(procs), via)
	}
	return out
}

// Locate returns the live processes of d. A PID file is only a hint: its PID
// is used when the live process still has the recorded start time and argv.
// Otherwise the process table is scanned for the argv recorded at launch and
// then for the argv the descriptor yields now, since a port override may
// differ between the two invocations.
func (c *Coordinator) Locate(ctx context.Context, d registry.Descriptor) ([]procmatch.Proc, string, error) {
	table := c.Table
	if table == nil {
		table = procmatch.SystemTable{}
	}
	current := procmatch.NewSignatureMatcher(d.Signature(), d.WorkingDirectory)
	sigs := []procmatch.SignatureMatcher{current}
	if d.PIDFile != "" {
		if pid, meta, err := process.ReadPIDFile(d.PIDFile); err == nil {
			m := procmatch.PIDMatcher{PID: int32(pid), Signature: current}
			if meta != nil {
				m.StartUnix = meta.StartUnix
				if len(meta.Signature) > 0 {
					recorded := procmatch.NewSignatureMatcher(meta.Signature, d.WorkingDirectory)
					m.Signature = recorded
					if !slices.Equal(meta.Signature, d.Signature()) {
						sigs = []procmatch.SignatureMatcher{recorded, current}
					}
				}
			}
			ps, err := procmatch.Find(ctx, table, m)
			if err == nil && len(ps) > 0 {
				return ps, m.Describe(), nil
			}
		}
	}
	for _, sig := range sigs {
		ps, err := procmatch.Find(ctx, table, sig)
		if err != nil || len(ps) > 0 {
			return ps, sig.Describe(), err
		}
	}
	return nil, current.Describe(), nil
}

func (c *Coordinator) removePIDFile(d registry.Descriptor) {
	if err := process.RemovePIDFile(d.PIDFile); err != nil {
		c.log().Warn("pid file not removed", "service", d.Name, "path", d.PIDFile, "error", err)
	}
}

func (c *Coordinator) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
