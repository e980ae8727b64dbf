package registry

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultHost is probed when a descriptor does not name a host.
const DefaultHost = "127.0.0.1"

// DefaultGracePeriod is applied by sources when startupGracePeriodMs is absent.
const DefaultGracePeriod = 3 * time.Second

// Descriptor is the immutable definition of one managed service.
type Descriptor struct {
	Name               string        `json:"name"`
	Command            string        `json:"command"`
	Args               []string      `json:"args,omitempty"`
	WorkingDirectory   string        `json:"working_directory,omitempty"`
	Env                []string      `json:"env,omitempty"`
	Host               string        `json:"host,omitempty"`
	HealthPort         int           `json:"health_port,omitempty"`
	Stage              int           `json:"stage"`
	StartupGracePeriod time.Duration `json:"startup_grace_period"`
	// PresenceCheck marks a service without a meaningful port; liveness is a
	// process-table match on Signature instead of a TCP probe.
	PresenceCheck bool     `json:"presence_check,omitempty"`
	RequiredFiles []string `json:"required_files,omitempty"`
	PIDFile       string   `json:"pid_file,omitempty"`
}

// Signature is the exact argv the launcher uses for this service.
func (d Descriptor) Signature() []string {
	out := make([]string, 0, len(d.Args)+1)
	out = append(out, d.Command)
	return append(out, d.Args...)
}

// ProbeHost returns Host or DefaultHost.
func (d Descriptor) ProbeHost() string {
	if d.Host == "" {
		return DefaultHost
	}
	return d.Host
}

// Address is host:port of the health endpoint, empty for presence-checked services.
func (d Descriptor) Address() string {
	if d.PresenceCheck && d.HealthPort == 0 {
		return ""
	}
	return net.JoinHostPort(d.ProbeHost(), strconv.Itoa(d.HealthPort))
}

func (d Descriptor) clone() Descriptor {
	d.Args = append([]string(nil), d.Args...)
	d.Env = append([]string(nil), d.Env...)
	d.RequiredFiles = append([]string(nil), d.RequiredFiles...)
	return d
}

// Source supplies raw descriptors, typically from a configuration document.
type Source interface {
	Descriptors() ([]Descriptor, error)
}

// Static is a Source over an in-memory list.
type Static []Descriptor

func (s Static) Descriptors() ([]Descriptor, error) { return append([]Descriptor(nil), s...), nil }

// ConfigurationError aborts an operation before any process is touched.
// It carries every problem found so that it is reported once.
type ConfigurationError struct {
	Problems []string
	Err      error
}

func (e *ConfigurationError) Error() string {
	if len(e.Problems) == 0 && e.Err != nil {
		return "configuration error: " + e.Err.Error()
	}
	return "configuration error: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is or wraps a *ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// Stage is one sequencing group, in declaration order.
type Stage struct {
	Number      int
	Descriptors []Descriptor
}

// Registry is an ordered, validated, read-only collection of descriptors.
type Registry struct {
	descs  []Descriptor
	byName map[string]int
	stages []Stage
}

// Load reads descriptors from src and validates all of them eagerly.
func Load(src Source) (*Registry, error) {
	if src == nil {
		return nil, &ConfigurationError{Problems: []string{"no configuration source"}}
	}
	descs, err := src.Descriptors()
	if err != nil {
		if IsConfigurationError(err) {
			return nil, err
		}
		return nil, &ConfigurationError{Problems: []string{err.Error()}, Err: err}
	}
	return New(descs)
}

// New validates descs and builds a Registry.
func New(descs []Descriptor) (*Registry, error) {
	if problems := validate(descs); len(problems) > 0 {
		return nil, &ConfigurationError{Problems: problems}
	}
	r := &Registry{
		descs:  make([]Descriptor, len(descs)),
		byName: make(map[string]int, len(descs)),
	}
	for i, d := range descs {
		r.descs[i] = d.clone()
		r.byName[d.Name] = i
	}
	r.stages = group(r.descs)
	return r, nil
}

func validate(descs []Descriptor) []string {
	var problems []string
	add := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }
	if len(descs) == 0 {
		add("no services configured")
	}
	names := make(map[string]int, len(descs))
	addrs := make(map[string]string, len(descs))
	for i, d := range descs {
		label := d.Name
		if strings.TrimSpace(d.Name) == "" {
			label = fmt.Sprintf("services[%d]", i)
			add("%s: name is required", label)
		} else if !validName(d.Name) {
			add("%s: name may only contain letters, digits, '.', '_' and '-'", label)
		} else if prev, dup := names[d.Name]; dup {
			add("%s: duplicate name (also services[%d])", label, prev)
		} else {
			names[d.Name] = i
		}
		if strings.TrimSpace(d.Command) == "" {
			add("%s: command is required", label)
		}
		switch {
		case d.HealthPort == 0 && !d.PresenceCheck:
			add("%s: healthPort is required (or set presenceCheck)", label)
		case d.HealthPort < 0 || d.HealthPort > 65535:
			add("%s: healthPort %d out of range", label, d.HealthPort)
		case d.HealthPort > 0:
			addr := d.Address()
			if other, taken := addrs[addr]; taken {
				add("%s: health endpoint %s already used by %s", label, addr, other)
			} else {
				addrs[addr] = label
			}
		}
		if d.Stage < 0 {
			add("%s: stage must not be negative", label)
		}
		if d.StartupGracePeriod < 0 {
			add("%s: startup grace period must not be negative", label)
		}
		for _, f := range d.RequiredFiles {
			if _, err := os.Stat(f); err != nil {
				add("%s: required file %s: %v", label, f, unwrapPathErr(err))
			}
		}
	}
	return problems
}

func unwrapPathErr(err error) error {
	var pe *os.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

// validName mirrors the server's name rules so names are safe in file paths.
func validName(s string) bool {
	if strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func group(descs []Descriptor) []Stage {
	byStage := make(map[int][]Descriptor)
	for _, d := range descs {
		byStage[d.Stage] = append(byStage[d.Stage], d)
	}
	nums := make([]int, 0, len(byStage))
	for n := range byStage {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	out := make([]Stage, 0, len(nums))
	for _, n := range nums {
		out = append(out, Stage{Number: n, Descriptors: byStage[n]})
	}
	return out
}

// Descriptors returns all descriptors in declaration order.
func (r *Registry) Descriptors() []Descriptor { return cloneAll(r.descs) }

// Stages returns descriptors grouped by ascending stage.
func (r *Registry) Stages() []Stage {
	out := make([]Stage, len(r.stages))
	for i, s := range r.stages {
		out[i] = Stage{Number: s.Number, Descriptors: cloneAll(s.Descriptors)}
	}
	return out
}

// Lookup finds a descriptor by name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.descs[i].clone(), true
}

func cloneAll(in []Descriptor) []Descriptor {
	out := make([]Descriptor, len(in))
	for i, d := range in {
		out[i] = d.clone()
	}
	return out
}

func (r *Registry) Len() int { return len(r.descs) }

// Names lists descriptor names in declaration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.descs))
	for i, d := range r.descs {
		out[i] = d.Name
	}
	return out
}
