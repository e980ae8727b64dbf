package outcome

import (
	"fmt"
	"strings"

	"github.com/loykin/stackctl/internal/eventlog"
)

// State is the per-service result of one invocation.
type State string

const (
	AlreadyRunning State = "AlreadyRunning"
	Started        State = "Started"
	StartFailed    State = "StartFailed"
	Stopped        State = "Stopped"
	NotRunning     State = "NotRunning"
	StopFailed     State = "StopFailed"
)

// Failed reports whether the state counts against the aggregate result.
func (s State) Failed() bool { return s == StartFailed || s == StopFailed }

// Outcome is the result value recorded for one descriptor in one invocation.
// Exactly one task writes it.
type Outcome struct {
	Service   string `json:"service" yaml:"service"`
	Stage     int    `json:"stage" yaml:"stage"`
	State     State  `json:"state" yaml:"state"`
	Detail    string `json:"detail,omitempty" yaml:"detail,omitempty"`
	PID       int    `json:"pid,omitempty" yaml:"pid,omitempty"`
	Port      int    `json:"port,omitempty" yaml:"port,omitempty"`
	Confirmed bool   `json:"confirmed,omitempty" yaml:"confirmed,omitempty"`
}

// Operation names the invocation that produced a Result.
type Operation string

const (
	OpStartAll Operation = "start-all"
	OpStopAll  Operation = "stop-all"
	OpStartOne Operation = "start-one"
	OpStopOne  Operation = "stop-one"
)

// Status is the machine-readable verdict of an invocation.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusPartialFailure Status = "partial-failure"
	StatusFailure        Status = "failure"
)

// Result aggregates every outcome of one invocation.
type Result struct {
	RunID     string           `json:"run_id" yaml:"run_id"`
	Operation Operation        `json:"operation" yaml:"operation"`
	Status    Status           `json:"status" yaml:"status"`
	Outcomes  []Outcome        `json:"outcomes" yaml:"outcomes"`
	Canceled  bool             `json:"canceled,omitempty" yaml:"canceled,omitempty"`
	Error     string           `json:"error,omitempty" yaml:"error,omitempty"`
	Events    []eventlog.Event `json:"events,omitempty" yaml:"events,omitempty"`

	Err error `json:"-" yaml:"-"`
}

// Finalize derives Status from Err and Outcomes. A fatal error, or an invocation
// where every recorded outcome failed, is a failure; any failure otherwise makes
// the result partial. A canceled invocation is never a success.
func (r *Result) Finalize() {
	if r.Err != nil {
		r.Error = r.Err.Error()
		r.Status = StatusFailure
		return
	}
	failed := len(r.Failures())
	switch {
	case failed == 0 && r.Canceled:
		r.Status = StatusPartialFailure
	case failed == 0:
		r.Status = StatusSuccess
	case failed == len(r.Outcomes):
		r.Status = StatusFailure
	default:
		r.Status = StatusPartialFailure
	}
}

// Failures returns the outcomes whose state is a failure, in recorded order.
func (r *Result) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.State.Failed() {
			out = append(out, o)
		}
	}
	return out
}

// Count returns how many outcomes are in state s.
func (r *Result) Count(s State) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.State == s {
			n++
		}
	}
	return n
}

// Lookup returns the outcome recorded for a service.
func (r *Result) Lookup(service string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Service == service {
			return o, true
		}
	}
	return Outcome{}, false
}

// Summary renders a human-readable multi-line report. Every failing service is
// listed on its own line with its detail.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", r.Operation, r.Status)
	if r.Canceled {
		b.WriteString(" (canceled)")
	}
	if r.Error != "" {
		fmt.Fprintf(&b, ": %s", r.Error)
	}
	for _, o := range r.Outcomes {
		fmt.Fprintf(&b, "\n  %-16s %-15s", o.Service, o.State)
		if o.PID > 0 {
			fmt.Fprintf(&b, " pid=%d", o.PID)
		}
		if o.Detail != "" {
			fmt.Fprintf(&b, " %s", o.Detail)
		}
	}
	return b.String()
}
