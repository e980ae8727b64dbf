package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/loykin/stackctl/internal/probe"
	"github.com/loykin/stackctl/internal/procmatch"
	"github.com/loykin/stackctl/internal/registry"
)

type stubProber struct {
	listening map[int]bool
	host      string
}

func (s *stubProber) Probe(_ context.Context, host string, port int, _ time.Duration) probe.Result {
	s.host = host
	if s.listening[port] {
		return probe.Result{Listening: true}
	}
	return probe.Result{Detail: "refused"}
}

func TestForDescriptorPort(t *testing.T) {
	p := &stubProber{listening: map[int]bool{8001: true}}
	d := ForDescriptor(registry.Descriptor{Name: "embedding", Command: "python", HealthPort: 8001}, p, nil, time.Second)
	if _, ok := d.(PortDetector); !ok {
		t.Fatalf("expected PortDetector, got %T", d)
	}
	alive, _ := d.Alive(context.Background())
	if !alive {
		t.Fatalf("expected alive")
	}
	if p.host != registry.DefaultHost {
		t.Fatalf("expected default host, got %q", p.host)
	}
	if d.Describe() != "tcp:127.0.0.1:8001" {
		t.Fatalf("unexpected describe: %s", d.Describe())
	}

	d = ForDescriptor(registry.Descriptor{Name: "inference", Command: "x", HealthPort: 8080}, p, nil, time.Second)
	alive, detail := d.Alive(context.Background())
	if alive || detail != "refused" {
		t.Fatalf("expected not alive with detail, got %v %q", alive, detail)
	}
}

func TestForDescriptorPresence(t *testing.T) {
	tbl := &procmatch.FakeTable{Procs: []procmatch.Proc{{PID: 7, Cmdline: []string{"indexer", "--watch"}}}}
	desc := registry.Descriptor{Name: "indexer", Command: "indexer", Args: []string{"--watch"}, PresenceCheck: true}
	d := ForDescriptor(desc, nil, tbl, time.Second)
	if _, ok := d.(ProcessDetector); !ok {
		t.Fatalf("expected ProcessDetector, got %T", d)
	}
	if alive, _ := d.Alive(context.Background()); !alive {
		t.Fatalf("expected presence match")
	}

	tbl.Procs = nil
	if alive, _ := d.Alive(context.Background()); alive {
		t.Fatalf("expected no match on empty table")
	}

	tbl.Err = errors.New("permission denied")
	alive, detail := d.Alive(context.Background())
	if alive || detail == "" {
		t.Fatalf("table error must be inconclusive, got %v %q", alive, detail)
	}
}
