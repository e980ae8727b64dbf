package detector

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/stackctl/internal/probe"
	"github.com/loykin/stackctl/internal/procmatch"
	"github.com/loykin/stackctl/internal/registry"
)

// Detector is a strategy that determines if a service is running.
// It must be safe for concurrent use. Alive reports detail for observations
// that were inconclusive; an inconclusive check is never an error.
type Detector interface {
	Alive(ctx context.Context) (bool, string)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// PortDetector probes a TCP health port.
type PortDetector struct {
	Prober  probe.Prober
	Host    string
	Port    int
	Timeout time.Duration
}

func (d PortDetector) Alive(ctx context.Context) (bool, string) {
	r := d.Prober.Probe(ctx, d.Host, d.Port, d.Timeout)
	return r.Listening, r.Detail
}

func (d PortDetector) Describe() string { return fmt.Sprintf("tcp:%s:%d", d.Host, d.Port) }

// ProcessDetector is a presence check: the service is alive when at least one
// process-table entry matches.
type ProcessDetector struct {
	Table   procmatch.Table
	Matcher procmatch.Matcher
}

func (d ProcessDetector) Alive(ctx context.Context) (bool, string) {
	ps, err := procmatch.Find(ctx, d.Table, d.Matcher)
	if err != nil {
		return false, err.Error()
	}
	return len(ps) > 0, ""
}

func (d ProcessDetector) Describe() string { return "process:" + d.Matcher.Describe() }

// ForDescriptor picks the liveness strategy for d: a TCP probe when it has a
// health port, a process-table presence check otherwise.
func ForDescriptor(d registry.Descriptor, p probe.Prober, t procmatch.Table, timeout time.Duration) Detector {
	if d.HealthPort > 0 {
		return PortDetector{Prober: p, Host: d.ProbeHost(), Port: d.HealthPort, Timeout: timeout}
	}
	return ProcessDetector{Table: t, Matcher: procmatch.NewSignatureMatcher(d.Signature(), d.WorkingDirectory)}
}
