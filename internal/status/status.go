// Package status takes advisory point-in-time snapshots of service liveness.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/stackctl/internal/detector"
	"github.com/loykin/stackctl/internal/probe"
	"github.com/loykin/stackctl/internal/procmatch"
	"github.com/loykin/stackctl/internal/registry"
)

// ServiceStatus is one observation. Detail is set for inconclusive probes.
type ServiceStatus struct {
	Name      string `json:"name" yaml:"name"`
	Host      string `json:"host,omitempty" yaml:"host,omitempty"`
	Port      int    `json:"port,omitempty" yaml:"port,omitempty"`
	Stage     int    `json:"stage" yaml:"stage"`
	Listening bool   `json:"listening" yaml:"listening"`
	Method    string `json:"method" yaml:"method"`
	Detail    string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Snapshot is valid only at TakenAt; callers must not cache it as truth.
type Snapshot struct {
	TakenAt  time.Time       `json:"taken_at" yaml:"taken_at"`
	Services []ServiceStatus `json:"services" yaml:"services"`
}

// Listening reports the observation for name; false when unknown.
func (s Snapshot) Listening(name string) bool {
	for _, st := range s.Services {
		if st.Name == name {
			return st.Listening
		}
	}
	return false
}

// Up counts services observed alive.
func (s Snapshot) Up() int {
	n := 0
	for _, st := range s.Services {
		if st.Listening {
			n++
		}
	}
	return n
}

// Reporter probes every descriptor exactly once. It never launches, stops or
// writes anything.
type Reporter struct {
	Prober  probe.Prober
	Table   procmatch.Table
	Timeout time.Duration
	// Observe, when set, is called once per service observation.
	Observe func(ServiceStatus)
}

// Snapshot probes all descriptors of reg concurrently and returns them in
// declaration order.
func (r *Reporter) Snapshot(ctx context.Context, reg *registry.Registry) Snapshot {
	descs := reg.Descriptors()
	out := Snapshot{TakenAt: time.Now(), Services: make([]ServiceStatus, len(descs))}
	prober := r.Prober
	if prober == nil {
		prober = probe.TCPProber{}
	}
	table := r.Table
	if table == nil {
		table = procmatch.SystemTable{}
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = probe.DefaultTimeout
	}

	var wg sync.WaitGroup
	for i, d := range descs {
		wg.Add(1)
		go func(i int, d registry.Descriptor) {
			defer wg.Done()
			det := detector.ForDescriptor(d, prober, table, timeout)
			alive, detail := det.Alive(ctx)
			st := ServiceStatus{Name: d.Name, Stage: d.Stage, Listening: alive, Method: det.Describe(), Detail: detail}
			if d.HealthPort > 0 {
				st.Host, st.Port = d.ProbeHost(), d.HealthPort
			}
			out.Services[i] = st
		}(i, d)
	}
	wg.Wait()
	if r.Observe != nil {
		for _, st := range out.Services {
			r.Observe(st)
		}
	}
	return out
}
