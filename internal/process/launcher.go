// Package process launches detached service processes and signals them.
// A launched service is not supervised: stackctl reaps the child while it is
// running but never restarts it, and the child outlives stackctl.
package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/stackctl/internal/env"
	"github.com/loykin/stackctl/internal/logger"
	"github.com/loykin/stackctl/internal/procmatch"
	"github.com/loykin/stackctl/internal/registry"
)

// Kind classifies why a launch was refused.
type Kind string

const (
	ExecutableNotFound       Kind = "ExecutableNotFound"
	WorkingDirectoryNotFound Kind = "WorkingDirectoryNotFound"
	SpawnRejected            Kind = "SpawnRejected"
)

// LaunchError is returned when the OS refuses to create the process.
type LaunchError struct {
	Kind    Kind
	Service string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %s: %v", e.Service, e.Kind, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Handle identifies a launched process. It proves only that a process was
// created, not that it is healthy.
type Handle struct {
	Service    string    `json:"service"`
	PID        int       `json:"pid"`
	Path       string    `json:"path"`
	LaunchedAt time.Time `json:"launched_at"`
}

// Launcher creates detached processes from descriptors.
type Launcher struct {
	// Env composes the child environment; nil inherits the OS environment.
	Env *env.Env
	// LogDir receives <name>.stdout.log and <name>.stderr.log; empty discards output.
	LogDir string
	// Table is consulted for the child's start time when writing a PID file.
	Table  procmatch.Table
	Logger *slog.Logger
}

// Launch starts d detached from the caller and returns as soon as the OS has
// created the process. It never waits for readiness.
func (l *Launcher) Launch(d registry.Descriptor) (Handle, error) {
	cmd, err := l.Command(d)
	if err != nil {
		return Handle{}, err
	}
	stdout, stderr, err := logger.OutputFiles(l.LogDir, d.Name)
	if err != nil {
		return Handle{}, &LaunchError{Kind: SpawnRejected, Service: d.Name, Err: fmt.Errorf("open output files: %w", err)}
	}
	stdin, err := os.Open(os.DevNull)
	if err != nil {
		closeFiles(stdout, stderr)
		return Handle{}, &LaunchError{Kind: SpawnRejected, Service: d.Name, Err: err}
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = stdin, stdout, stderr

	startErr := cmd.Start()
	// the child holds its own descriptors once started
	closeFiles(stdin, stdout, stderr)
	if startErr != nil {
		kind := SpawnRejected
		if errors.Is(startErr, exec.ErrNotFound) || errors.Is(startErr, fs.ErrNotExist) {
			kind = ExecutableNotFound
		}
		return Handle{}, &LaunchError{Kind: kind, Service: d.Name, Err: startErr}
	}

	h := Handle{Service: d.Name, PID: cmd.Process.Pid, Path: cmd.Path, LaunchedAt: time.Now()}
	// reap so the child does not linger as a zombie while we are alive
	go func() { _ = cmd.Wait() }()

	if d.PIDFile != "" {
		if err := WritePIDFile(d.PIDFile, h.PID, l.meta(d, h)); err != nil {
			l.log().Warn("pid file not written", "service", d.Name, "path", d.PIDFile, "error", err)
		}
	}
	l.log().Debug("launched", "service", d.Name, "pid", h.PID, "path", h.Path)
	return h, nil
}

// Command resolves d into an unstarted *exec.Cmd. Resolution failures are
// returned as *LaunchError.
func (l *Launcher) Command(d registry.Descriptor) (*exec.Cmd, error) {
	if d.WorkingDirectory != "" {
		fi, err := os.Stat(d.WorkingDirectory)
		if err != nil {
			return nil, &LaunchError{Kind: WorkingDirectoryNotFound, Service: d.Name, Err: err}
		}
		if !fi.IsDir() {
			return nil, &LaunchError{Kind: WorkingDirectoryNotFound, Service: d.Name, Err: fmt.Errorf("%s is not a directory", d.WorkingDirectory)}
		}
	}
	path, err := resolveExecutable(d.Command, d.WorkingDirectory)
	if err != nil {
		return nil, &LaunchError{Kind: ExecutableNotFound, Service: d.Name, Err: err}
	}
	var merged []string
	if l.Env != nil {
		merged = l.Env.Merge(d.Env)
	} else {
		merged = env.New(true).Merge(d.Env)
	}
	// #nosec G204 -- argv comes from the operator's configuration
	cmd := &exec.Cmd{
		Path: path,
		Args: d.Signature(),
		Dir:  d.WorkingDirectory,
		Env:  merged,
	}
	configureSysProcAttr(cmd)
	return cmd, nil
}

func resolveExecutable(command, workDir string) (string, error) {
	if strings.ContainsRune(command, filepath.Separator) || strings.ContainsRune(command, '/') {
		p := command
		if !filepath.IsAbs(p) && workDir != "" {
			p = filepath.Join(workDir, p)
		}
		fi, err := os.Stat(p)
		if err != nil {
			return "", err
		}
		if fi.IsDir() {
			return "", fmt.Errorf("%s is a directory", p)
		}
		return p, nil
	}
	return exec.LookPath(command)
}

func (l *Launcher) meta(d registry.Descriptor, h Handle) PIDMeta {
	m := PIDMeta{Service: d.Name, Signature: d.Signature(), StartUnix: h.LaunchedAt.Unix()}
	if l.Table != nil {
		if p, ok, err := l.Table.Get(context.Background(), int32(h.PID)); err == nil && ok && p.CreateUnix > 0 {
			m.StartUnix = p.CreateUnix
		}
	}
	return m
}

func (l *Launcher) log() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func closeFiles(files ...*os.File) {
	seen := make(map[*os.File]bool, len(files))
	for _, f := range files {
		if f == nil || seen[f] {
			continue
		}
		seen[f] = true
		_ = f.Close()
	}
}
