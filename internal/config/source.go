package config

import (
	"os"

	"github.com/loykin/stackctl/internal/registry"
)

// FileSource is a registry.Source that re-reads its document on every call,
// so each invocation sees the current file and environment.
type FileSource struct {
	Path string
	// LookupEnv defaults to os.LookupEnv. Values from the document's env and
	// envFiles are consulted after it.
	LookupEnv LookupFunc
}

func (s FileSource) Descriptors() ([]registry.Descriptor, error) {
	c, err := Load(s.Path)
	if err != nil {
		return nil, &registry.ConfigurationError{Problems: []string{err.Error()}, Err: err}
	}
	return c.Resolve(s.LookupEnv)
}

// Resolve builds descriptors with overrides looked up first in lookup, then in
// the document's own env values. Remaining ${VAR} references in args are
// expanded against the environment the service will be launched with.
func (c *Config) Resolve(lookup LookupFunc) ([]registry.Descriptor, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	childEnv, err := c.ChildEnv()
	if err != nil {
		return nil, &registry.ConfigurationError{Problems: []string{err.Error()}, Err: err}
	}
	chain := func(k string) (string, bool) {
		if v, ok := lookup(k); ok {
			return v, true
		}
		return childEnv.Lookup(k)
	}
	descs, problems := c.Descriptors(chain)
	if len(problems) > 0 {
		return nil, &registry.ConfigurationError{Problems: problems}
	}
	for i := range descs {
		descs[i].Args = childEnv.ExpandArgs(descs[i].Args, descs[i].Env)
	}
	return descs, nil
}
