package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for the orchestrator's own log file.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// LevelOK sits between Info and Warn and marks a confirmed success.
const LevelOK = slog.Level(2)

// Config describes where orchestrator logs go.
// Console output always goes to the writer passed to New; File is optional.
type Config struct {
	Level  string     `json:"level" mapstructure:"level"`   // debug, info, ok, warn, error
	Format string     `json:"format" mapstructure:"format"` // text (default) or json
	Color  bool       `json:"color" mapstructure:"color"`
	File   FileConfig `json:"file" mapstructure:"file"`
}

// FileConfig is a rotated JSON log file. Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string `json:"path" mapstructure:"path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"maxSizeMB"`
	MaxBackups int    `json:"max_backups" mapstructure:"maxBackups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"maxAgeDays"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// ParseLevel accepts the usual slog names plus "ok".
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "ok":
		return LevelOK, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// LevelName renders a level, naming LevelOK "OK".
func LevelName(l slog.Level) string {
	if l == LevelOK {
		return "OK"
	}
	return l.String()
}

func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(LevelName(l))
		}
	}
	return a
}

// New builds a logger writing to console and, when configured, to a rotated file.
// The returned closer releases the file; it is never nil.
func New(cfg Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: replaceLevel}

	var handlers []slog.Handler
	if console != nil {
		switch strings.ToLower(cfg.Format) {
		case "json":
			handlers = append(handlers, slog.NewJSONHandler(console, opts))
		case "", "text":
			if cfg.Color {
				handlers = append(handlers, NewColorTextHandler(console, opts, false))
			} else {
				handlers = append(handlers, slog.NewTextHandler(console, opts))
			}
		default:
			return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
		}
	}

	var closer io.Closer = nopCloser{}
	if cfg.File.Path != "" {
		w := cfg.File.Writer()
		closer = w
		handlers = append(handlers, slog.NewJSONHandler(w, opts))
	}
	if len(handlers) == 0 {
		handlers = append(handlers, slog.NewTextHandler(io.Discard, opts))
	}
	if len(handlers) == 1 {
		return slog.New(handlers[0]), closer, nil
	}
	return slog.New(multiHandler(handlers)), closer, nil
}

// Writer returns the rotating writer for the file config.
func (c FileConfig) Writer() *lj.Logger {
	return &lj.Logger{
		Filename:   c.Path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// OutputFiles opens append-mode stdout/stderr files for a supervised service.
// The child process owns the descriptors after start, so these are plain files:
// an in-process rotating writer would die with the orchestrator.
// With an empty dir both files are the null device.
func OutputFiles(dir, name string) (*os.File, *os.File, error) {
	if dir == "" {
		null, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return nil, nil, err
		}
		return null, null, nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, nil, err
	}
	open := func(suffix string) (*os.File, error) {
		p := filepath.Join(dir, fmt.Sprintf("%s.%s.log", name, suffix))
		// #nosec G304 -- path built from configured log dir and validated service name
		return os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	}
	out, err := open("stdout")
	if err != nil {
		return nil, nil, err
	}
	errF, err := open("stderr")
	if err != nil {
		_ = out.Close()
		return nil, nil, err
	}
	return out, errF, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type multiHandler []slog.Handler

func (m multiHandler) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range m {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (m multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (m multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (m multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(m))
	for i, h := range m {
		out[i] = h.WithGroup(name)
	}
	return out
}
