// Package history exports per-service outcomes of mutating invocations to
// external stores for later analysis. Export is best effort: a failing sink
// never changes an invocation's result.
package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/loykin/stackctl/internal/outcome"
)

// Record is one service outcome of one invocation.
type Record struct {
	RunID      string    `json:"run_id"`
	Operation  string    `json:"operation"`
	Service    string    `json:"service"`
	Stage      int       `json:"stage"`
	State      string    `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	PID        int       `json:"pid,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history records.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
}

// Records flattens a result into history records stamped with at.
func Records(res outcome.Result, at time.Time) []Record {
	out := make([]Record, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		out = append(out, Record{
			RunID:      res.RunID,
			Operation:  string(res.Operation),
			Service:    o.Service,
			Stage:      o.Stage,
			State:      string(o.State),
			Detail:     o.Detail,
			PID:        o.PID,
			OccurredAt: at.UTC(),
		})
	}
	return out
}

// Recorder fans records out to sinks, retrying transient failures with
// exponential backoff.
type Recorder struct {
	Sinks  []Sink
	Logger *slog.Logger
	// MaxRetries per record and sink; zero uses 3.
	MaxRetries uint64
	// MaxElapsed bounds the retries of one record; zero uses 10s.
	MaxElapsed time.Duration
}

// Record sends every outcome of res to every sink. Failures are logged at
// warn level and returned joined for callers that want them.
func (r *Recorder) Record(ctx context.Context, res outcome.Result) error {
	if r == nil || len(r.Sinks) == 0 || len(res.Outcomes) == 0 {
		return nil
	}
	var errs []error
	for _, rec := range Records(res, time.Now()) {
		for _, s := range r.Sinks {
			if err := r.send(ctx, s, rec); err != nil {
				r.log().Warn("history sink failed", "run_id", rec.RunID, "service", rec.Service, "error", err)
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) send(ctx context.Context, s Sink, rec Record) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = r.MaxElapsed
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 10 * time.Second
	}
	retries := r.MaxRetries
	if retries == 0 {
		retries = 3
	}
	return backoff.Retry(func() error {
		return s.Send(ctx, rec)
	}, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx))
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, s := range r.Sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
