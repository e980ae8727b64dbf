// Package procmatch identifies OS processes that belong to a managed service.
// Identity is a typed predicate over process-table entries: a recorded PID
// (guarded by start time and argv) or an exact argv signature. There is no
// substring matching.
package procmatch

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Proc is a process-table entry.
type Proc struct {
	PID     int32
	Cmdline []string
	// CreateUnix is the process start time in Unix seconds, 0 when unknown.
	CreateUnix int64
}

// Table lists running processes.
type Table interface {
	List(ctx context.Context) ([]Proc, error)
	Get(ctx context.Context, pid int32) (Proc, bool, error)
}

// SystemTable reads the live process table through gopsutil.
type SystemTable struct{}

func (SystemTable) List(ctx context.Context) ([]Proc, error) {
	ps, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		// processes can vanish between listing and inspection; skip them
		if pr, ok := inspect(ctx, p); ok {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (SystemTable) Get(ctx context.Context, pid int32) (Proc, bool, error) {
	if pid <= 0 {
		return Proc{}, false, nil
	}
	exists, err := gopsproc.PidExistsWithContext(ctx, pid)
	if err != nil {
		return Proc{}, false, err
	}
	if !exists {
		return Proc{}, false, nil
	}
	p, err := gopsproc.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Proc{}, false, nil
	}
	pr, ok := inspect(ctx, p)
	return pr, ok, nil
}

func inspect(ctx context.Context, p *gopsproc.Process) (Proc, bool) {
	if st, err := p.StatusWithContext(ctx); err == nil && slices.Contains(st, gopsproc.Zombie) {
		return Proc{}, false
	}
	argv, err := p.CmdlineSliceWithContext(ctx)
	if err != nil || len(argv) == 0 {
		return Proc{}, false
	}
	var created int64
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		created = ms / 1000
	}
	return Proc{PID: p.Pid, Cmdline: argv, CreateUnix: created}, true
}

// Matcher is a typed predicate identifying a service's processes.
type Matcher interface {
	Match(p Proc) bool
	Describe() string
}

// SignatureMatcher matches an exact argv. The executable may appear as written
// in the configuration or as its resolved path; arguments must be identical.
type SignatureMatcher struct {
	Executables []string
	Args        []string
}

// NewSignatureMatcher builds a matcher for argv, accepting the PATH-resolved
// executable as an alias of the configured one.
func NewSignatureMatcher(argv []string, workDir string) SignatureMatcher {
	if len(argv) == 0 {
		return SignatureMatcher{}
	}
	exe := argv[0]
	aliases := []string{exe}
	if resolved, err := exec.LookPath(exe); err == nil && resolved != exe {
		aliases = append(aliases, resolved)
	}
	if !filepath.IsAbs(exe) && strings.ContainsRune(exe, filepath.Separator) && workDir != "" {
		aliases = append(aliases, filepath.Join(workDir, exe))
	}
	return SignatureMatcher{Executables: aliases, Args: append([]string(nil), argv[1:]...)}
}

func (m SignatureMatcher) Match(p Proc) bool {
	if len(m.Executables) == 0 || len(p.Cmdline) != len(m.Args)+1 {
		return false
	}
	if !slices.Contains(m.Executables, p.Cmdline[0]) {
		return false
	}
	return slices.Equal(p.Cmdline[1:], m.Args)
}

func (m SignatureMatcher) Describe() string {
	if len(m.Executables) == 0 {
		return "argv:<empty>"
	}
	return "argv:" + strings.Join(append([]string{m.Executables[0]}, m.Args...), " ")
}

// PIDMatcher matches a recorded PID. When StartUnix is set the process start
// time must agree (PID reuse guard), and when Signature is set the argv must
// match too.
type PIDMatcher struct {
	PID       int32
	StartUnix int64
	Signature Matcher
}

func (m PIDMatcher) Match(p Proc) bool {
	if m.PID <= 0 || p.PID != m.PID {
		return false
	}
	if m.StartUnix > 0 && p.CreateUnix > 0 && absDiff(m.StartUnix, p.CreateUnix) > 1 {
		return false
	}
	if m.Signature != nil && !m.Signature.Match(p) {
		return false
	}
	return true
}

func (m PIDMatcher) Describe() string { return fmt.Sprintf("pid:%d", m.PID) }

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Find returns the processes in t accepted by m, ordered by PID.
func Find(ctx context.Context, t Table, m Matcher) ([]Proc, error) {
	if pm, ok := m.(PIDMatcher); ok {
		p, found, err := t.Get(ctx, pm.PID)
		if err != nil || !found || !pm.Match(p) {
			return nil, err
		}
		return []Proc{p}, nil
	}
	all, err := t.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Proc
	for _, p := range all {
		if m.Match(p) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Proc) int { return int(a.PID - b.PID) })
	return out, nil
}

// FakeTable is an in-memory Table for tests and dry runs.
type FakeTable struct {
	Procs []Proc
	Err   error
}

func (f *FakeTable) List(context.Context) ([]Proc, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]Proc(nil), f.Procs...), nil
}

func (f *FakeTable) Get(_ context.Context, pid int32) (Proc, bool, error) {
	if f.Err != nil {
		return Proc{}, false, f.Err
	}
	for _, p := range f.Procs {
		if p.PID == pid {
			return p, true, nil
		}
	}
	return Proc{}, false, nil
}
