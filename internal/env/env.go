// Package env composes the environment handed to launched services.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

type Env struct {
	Var Var // variables applied over the OS environment
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			base[k] = v
		}
	}
	e.env = base
}

// Set sets a variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet returns a copy of e with K=V set.
func (e *Env) WithSet(k, v string) *Env {
	out := &Env{Var: make(Var, len(e.Var)+1), env: e.env}
	for kk, vv := range e.Var {
		out.Var[kk] = vv
	}
	out.Var[k] = v
	return out
}

// Map composes the environment: OS base, then e.Var, then service, each
// layer overriding the previous one. Values of e.Var and service may
// reference ${VAR} from the layers below them.
func (e *Env) Map(service map[string]string) Var {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(service))
	for k, v := range e.env {
		m[k] = v
	}
	apply := func(layer Var) {
		keys := sortedKeys(layer)
		resolved := make(Var, len(layer))
		for _, k := range keys {
			resolved[k] = Expand(layer[k], m)
		}
		for _, k := range keys {
			if k != "" {
				m[k] = resolved[k]
			}
		}
	}
	apply(e.Var)
	apply(service)
	return m
}

// Merge is Map rendered as a sorted "K=V" list suitable for exec.Cmd.Env.
func (e *Env) Merge(service map[string]string) []string {
	m := e.Map(service)
	out := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, k+"="+m[k])
	}
	return out
}

// Expand replaces every ${NAME} in s with m[NAME]. Unknown names are left
// untouched; expansion is a single pass.
func Expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

// ExpandAll applies Expand to each element.
func ExpandAll(ss []string, m Var) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = Expand(s, m)
	}
	return out
}

func sortedKeys(m Var) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
