package env

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

type Var map[string]string

// Env composes the environment handed to supervised services.
// Precedence, lowest first: OS environment (when enabled), dotenv files in
// load order, global Set/SetPairs values, then per-service values passed to Merge.
type Env struct {
	useOS bool
	files Var
	vars  Var
}

func New(useOS bool) *Env {
	return &Env{useOS: useOS, files: make(Var), vars: make(Var)}
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.vars[k] = v
}

// SetPairs applies "K=V" entries; malformed entries are rejected.
func (e *Env) SetPairs(kvs []string) error {
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("invalid env entry %q: expected KEY=VALUE", kv)
		}
		e.vars[strings.TrimSpace(k)] = v
	}
	return nil
}

// Lookup finds k among global values and dotenv files, ignoring the OS
// environment.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.vars[k]; ok {
		return v, true
	}
	v, ok := e.files[k]
	return v, ok
}

// LoadFiles reads dotenv files in order; later files override earlier ones.
func (e *Env) LoadFiles(paths ...string) error {
	for _, p := range paths {
		m, err := godotenv.Read(p)
		if err != nil {
			return fmt.Errorf("read env file %s: %w", p, err)
		}
		for k, v := range m {
			e.files[k] = v
		}
	}
	return nil
}

// Merge returns the composed environment as sorted "K=V" entries.
// ${VAR} and $VAR references in values are expanded once against the composed
// map; unknown references expand to the empty string.
func (e *Env) Merge(perService []string) []string {
	m := e.Map(perService)
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Map is the composed environment of Merge as a map.
func (e *Env) Map(perService []string) Var {
	m := make(Var)
	if e.useOS {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
				m[k] = v
			}
		}
	}
	for k, v := range e.files {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for _, kv := range perService {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			m[k] = v
		}
	}
	out := make(Var, len(m))
	for k, v := range m {
		out[k] = os.Expand(v, func(name string) string { return m[name] })
	}
	return out
}

var braceRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandArgs replaces ${VAR} references in args with values from the composed
// environment. Unknown references and bare $VAR are left as written.
func (e *Env) ExpandArgs(args, perService []string) []string {
	if len(args) == 0 {
		return args
	}
	m := e.Map(perService)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = braceRef.ReplaceAllStringFunc(a, func(ref string) string {
			if v, ok := m[ref[2:len(ref)-1]]; ok {
				return v
			}
			return ref
		})
	}
	return out
}
