package env

import (
	"os"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the supervised backend: an OS (or
// empty) base, global overrides from configuration, then per-launch
// overrides such as the gateway-provided listen address.
type Env struct {
	Var  Var // global variables (K->V)
	base Var // cached base, usually the OS environment
}

func New() *Env {
	return &Env{Var: make(Var)}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	base := make(Var)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			if k == "" {
				continue
			}
			base[k] = kv[i+1:]
		}
	}
	e.base = base
}

// WithoutOS pins an empty base so the child starts from a clean environment.
func (e *Env) WithoutOS() *Env {
	e.base = make(Var)
	return e
}

// Set sets a global variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet is Set returning the receiver, for chained construction.
func (e *Env) WithSet(k, v string) *Env {
	e.Set(k, v)
	return e
}

// Unset removes a global variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment list. Order: base (OS unless
// WithoutOS), then global Var overrides, then perLaunch "K=V" overrides.
// ${VAR} references are expanded once against the composed map.
func (e *Env) Merge(perLaunch []string) []string {
	if e.base == nil {
		e.FromOS()
	}
	m := make(Var, len(e.base)+len(e.Var)+len(perLaunch))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for _, kv := range perLaunch {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k := kv[:i]
			if k == "" {
				continue
			}
			m[k] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		if k == "" {
			continue
		}
		out = append(out, k+"="+expand(v, m))
	}
	return out
}

// Expand substitutes ${VAR} references in s from a composed "K=V" list,
// typically the result of Merge. Unknown references are left as-is.
func Expand(s string, environ []string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	m := make(Var, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return expand(s, m)
}

// expand performs single-pass ${VAR} substitution from m.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
