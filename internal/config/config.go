package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/stackctl/internal/env"
	"github.com/loykin/stackctl/internal/logger"
	"github.com/loykin/stackctl/internal/registry"
)

// Defaults applied when a key is absent.
const (
	DefaultProbeTimeoutMs = 500
	DefaultGracePeriodMs  = int(registry.DefaultGracePeriod / time.Millisecond)
	DefaultLockTimeoutMs  = 30000
)

// Config is one managed group: the services plus how stackctl runs them.
type Config struct {
	// Path is the absolute path of the file the config was read from.
	Path string `mapstructure:"-"`

	Host           string   `mapstructure:"host"`
	ProbeTimeoutMs int      `mapstructure:"probeTimeoutMs"`
	Parallelism    int      `mapstructure:"parallelism"`
	StateDir       string   `mapstructure:"stateDir"`
	LogDir         string   `mapstructure:"logDir"`
	LockTimeoutMs  int      `mapstructure:"lockTimeoutMs"`
	AutoStart      bool     `mapstructure:"autoStart"`
	StartDelayMs   int      `mapstructure:"startDelayMs"`
	AutoStop       bool     `mapstructure:"autoStop"`
	Env            []string `mapstructure:"env"`
	EnvFiles       []string `mapstructure:"envFiles"`
	UseOSEnv       bool     `mapstructure:"useOSEnv"`
	History        []string `mapstructure:"history"`

	Log      LogConfig       `mapstructure:"log"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Services []ServiceConfig `mapstructure:"services"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Color      bool   `mapstructure:"color"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"maxSizeMB"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type ServiceConfig struct {
	Name             string   `mapstructure:"name"`
	Command          string   `mapstructure:"command"`
	Args             []string `mapstructure:"args"`
	WorkingDirectory string   `mapstructure:"workingDirectory"`
	HealthPort       int      `mapstructure:"healthPort"`
	// PortEnv names an environment variable that overrides HealthPort.
	PortEnv              string   `mapstructure:"portEnv"`
	Host                 string   `mapstructure:"host"`
	Stage                int      `mapstructure:"stage"`
	StartupGracePeriodMs *int     `mapstructure:"startupGracePeriodMs"`
	Env                  []string `mapstructure:"env"`
	RequiredFiles        []string `mapstructure:"requiredFiles"`
	PresenceCheck        bool     `mapstructure:"presenceCheck"`
	PIDFile              string   `mapstructure:"pidFile"`
}

// Load reads a TOML, YAML or JSON document (selected by extension) and
// resolves relative paths against its directory.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(abs)
	v.SetDefault("probeTimeoutMs", DefaultProbeTimeoutMs)
	v.SetDefault("lockTimeoutMs", DefaultLockTimeoutMs)
	v.SetDefault("autoStart", true)
	v.SetDefault("autoStop", true)
	v.SetDefault("useOSEnv", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	c.Path = abs
	c.resolvePaths(filepath.Dir(abs))
	return &c, nil
}

func (c *Config) resolvePaths(base string) {
	c.StateDir = resolve(base, c.StateDir)
	c.LogDir = resolve(base, c.LogDir)
	c.Log.File = resolve(base, c.Log.File)
	for i, f := range c.EnvFiles {
		c.EnvFiles[i] = resolve(base, f)
	}
	for i := range c.Services {
		s := &c.Services[i]
		s.WorkingDirectory = resolve(base, s.WorkingDirectory)
		s.PIDFile = resolve(base, s.PIDFile)
		for j, f := range s.RequiredFiles {
			s.RequiredFiles[j] = resolve(base, f)
		}
		if s.PIDFile == "" && c.StateDir != "" && s.Name != "" {
			s.PIDFile = filepath.Join(c.StateDir, s.Name+".pid")
		}
	}
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~"+string(filepath.Separator)) || p == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return filepath.Join(base, p)
}

// ChildEnv composes the environment handed to every service.
func (c *Config) ChildEnv() (*env.Env, error) {
	e := env.New(c.UseOSEnv)
	if err := e.LoadFiles(c.EnvFiles...); err != nil {
		return nil, err
	}
	if err := e.SetPairs(c.Env); err != nil {
		return nil, err
	}
	return e, nil
}

// LoggerConfig maps the [log] table onto the logger package.
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Color:  c.Log.Color,
		File: logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

func (c *Config) ProbeTimeout() time.Duration { return ms(c.ProbeTimeoutMs, DefaultProbeTimeoutMs) }
func (c *Config) LockTimeout() time.Duration  { return ms(c.LockTimeoutMs, DefaultLockTimeoutMs) }
func (c *Config) StartDelay() time.Duration   { return ms(c.StartDelayMs, 0) }

func ms(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

// LookupFunc resolves an environment variable, like os.LookupEnv.
type LookupFunc func(string) (string, bool)

// PortOverrideVar is the generic override variable for a service name:
// STACKCTL_<NAME>_PORT with the name upper-cased and other characters as '_'.
func PortOverrideVar(name string) string {
	var b strings.Builder
	b.WriteString("STACKCTL_")
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString("_PORT")
	return b.String()
}

// Descriptors converts the services into registry descriptors, applying port
// overrides from lookup. Override problems are returned, not fatal here; the
// registry reports them together with its own validation.
func (c *Config) Descriptors(lookup LookupFunc) ([]registry.Descriptor, []string) {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	var problems []string
	out := make([]registry.Descriptor, 0, len(c.Services))
	for _, s := range c.Services {
		port := s.HealthPort
		for _, key := range []string{PortOverrideVar(s.Name), s.PortEnv} {
			if key == "" {
				continue
			}
			raw, ok := lookup(key)
			if !ok || strings.TrimSpace(raw) == "" {
				continue
			}
			p, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil || p <= 0 || p > 65535 {
				problems = append(problems, fmt.Sprintf("%s: port override %s=%q is not a valid port", s.Name, key, raw))
				break
			}
			port = p
			break
		}
		grace := DefaultGracePeriodMs
		if s.StartupGracePeriodMs != nil {
			grace = *s.StartupGracePeriodMs
		}
		host := s.Host
		if host == "" {
			host = c.Host
		}
		vars := placeholders(s.Name, host, port)
		d := registry.Descriptor{
			Name:               s.Name,
			Command:            s.Command,
			Args:               expandAll(s.Args, vars),
			WorkingDirectory:   s.WorkingDirectory,
			Env:                expandAll(s.Env, vars),
			Host:               host,
			HealthPort:         port,
			Stage:              s.Stage,
			StartupGracePeriod: time.Duration(grace) * time.Millisecond,
			PresenceCheck:      s.PresenceCheck,
			RequiredFiles:      append([]string(nil), s.RequiredFiles...),
			PIDFile:            s.PIDFile,
		}
		out = append(out, d)
	}
	return out, problems
}

// placeholders are substituted in args and env so that a port override
// reaches the child as well as the probe.
func placeholders(name, host string, port int) *strings.Replacer {
	if host == "" {
		host = registry.DefaultHost
	}
	return strings.NewReplacer(
		"${PORT}", strconv.Itoa(port),
		"${HOST}", host,
		"${NAME}", name,
	)
}

func expandAll(in []string, r *strings.Replacer) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = r.Replace(s)
	}
	return out
}
