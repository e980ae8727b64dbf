package process

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var (
	// ErrNoProcess means the target process does not exist (already exited).
	ErrNoProcess = errors.New("no such process")
	// ErrPermission means the OS refused to signal the target.
	ErrPermission = errors.New("permission denied")
)

// PIDMeta is written after the PID line so a later invocation can tell the
// recorded process from an unrelated one that reused the PID.
type PIDMeta struct {
	Service   string   `json:"service"`
	StartUnix int64    `json:"start_unix,omitempty"`
	Signature []string `json:"signature,omitempty"`
}

// WritePIDFile writes "<pid>\n<json meta>\n" atomically.
func WritePIDFile(path string, pid int, meta PIDMeta) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	data := strconv.Itoa(pid) + "\n" + string(b) + "\n"
	if err := os.WriteFile(tmp, []byte(data), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadPIDFile reads a PID file written by WritePIDFile. Files holding only a
// PID are accepted with nil meta, as is a file whose meta cannot be parsed.
func ReadPIDFile(path string) (int, *PIDMeta, error) {
	b, err := os.ReadFile(path) // #nosec G304 -- path from configuration
	if err != nil {
		return 0, nil, err
	}
	pidLine, rest, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		return 0, nil, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, nil, fmt.Errorf("parse pid file %s: invalid pid %d", path, pid)
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return pid, nil, nil
	}
	var meta PIDMeta
	if err := json.Unmarshal([]byte(rest), &meta); err != nil {
		return pid, nil, nil
	}
	return pid, &meta, nil
}

// RemovePIDFile deletes path; a missing file is not an error.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
