package observer

import (
	"os"
	"strconv"
	"strings"
)

// Environment variables of the sandbox contract. They are set by the
// supervisor before exec and propagated to monitored children; the traced
// program may clear its environment at any time, so everything needed later
// is captured once at startup.
const (
	// EnvRootPid is the pid of the traced-tree root. The value "1" is the
	// root-process sentinel: the receiving process is itself the root.
	EnvRootPid = "__HERMIT_ROOT_PID"
	// EnvFamPath locates the file-access manifest.
	EnvFamPath = "__HERMIT_FAM_PATH"
	// EnvShimPath locates the interposition library preloaded into children.
	EnvShimPath = "__HERMIT_SHIM_PATH"
	// EnvForcedTraceNames is a semicolon-separated list of executable
	// basenames that always go to the secondary tracer.
	EnvForcedTraceNames = "__HERMIT_FORCED_TRACE_NAMES"
	// EnvTracedPid and EnvTracedPath are set by the external tracer in
	// ptrace-relay mode, replacing self-introspection.
	EnvTracedPid  = "__HERMIT_TRACED_PID"
	EnvTracedPath = "__HERMIT_TRACED_PATH"

	ldPreload = "LD_PRELOAD"
)

// Env is the captured environment contract.
type Env struct {
	RootPid        int
	FamPath        string
	ShimPath       string
	ForcedNames    []string
	ForcedNamesRaw string
	TracedPid      int
	TracedPath     string
}

// CaptureEnv reads the contract from the process environment.
func CaptureEnv() *Env {
	e := &Env{
		FamPath:        os.Getenv(EnvFamPath),
		ShimPath:       os.Getenv(EnvShimPath),
		ForcedNamesRaw: os.Getenv(EnvForcedTraceNames),
		TracedPath:     os.Getenv(EnvTracedPath),
	}
	e.ForcedNames = ParseForcedNames(e.ForcedNamesRaw)
	if v := os.Getenv(EnvRootPid); v != "" {
		e.RootPid, _ = strconv.Atoi(v)
	} else {
		e.RootPid = -1
	}
	if v := os.Getenv(EnvTracedPid); v != "" {
		e.TracedPid, _ = strconv.Atoi(v)
	}
	return e
}

// PTraceRelay reports whether the external tracer supplied our identity.
func (e *Env) PTraceRelay() bool {
	return e.TracedPid > 0
}

// ParseForcedNames splits the semicolon-separated forced-trace list. The
// delimited form exists only at this boundary; everything downstream works
// with the slice.
func ParseForcedNames(raw string) []string {
	if raw == "" {
		return nil
	}
	var names []string
	for _, part := range strings.Split(raw, ";") {
		if part != "" {
			names = append(names, part)
		}
	}
	return names
}

// ChildEnv rewrites a child process environment for the sandbox contract.
// When child monitoring is on, the shim stays in LD_PRELOAD and the manifest
// location, shim path and forced-trace list are pinned to this observer's
// values. When off, the shim and every contract variable are scrubbed so the
// child runs unobserved.
func (o *Observer) ChildEnv(env []string) []string {
	if !o.man.MonitorChildren {
		env = stripPreload(env, o.env.ShimPath)
		env = setEnvValue(env, EnvFamPath, "")
		env = setEnvValue(env, EnvShimPath, "")
		env = setEnvValue(env, EnvRootPid, "")
		env = setEnvValue(env, EnvForcedTraceNames, "")
		return env
	}

	env = ensurePreload(env, o.env.ShimPath)
	env = setEnvValue(env, EnvFamPath, o.env.FamPath)
	env = setEnvValue(env, EnvShimPath, o.env.ShimPath)
	env = setEnvValue(env, EnvRootPid, strconv.Itoa(o.rootPid))
	env = setEnvValue(env, EnvForcedTraceNames, o.env.ForcedNamesRaw)
	return env
}

// setEnvValue sets name=value in env, replacing an existing assignment.
func setEnvValue(env []string, name, value string) []string {
	prefix := name + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// ensurePreload guarantees lib appears in the LD_PRELOAD list.
func ensurePreload(env []string, lib string) []string {
	if lib == "" {
		return env
	}
	prefix := ldPreload + "="
	for i, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		list := strings.TrimPrefix(kv, prefix)
		for _, p := range strings.Split(list, ":") {
			if p == lib {
				return env
			}
		}
		if list == "" {
			env[i] = prefix + lib
		} else {
			env[i] = prefix + lib + ":" + list
		}
		return env
	}
	return append(env, prefix+lib)
}

// stripPreload removes lib from the LD_PRELOAD list.
func stripPreload(env []string, lib string) []string {
	if lib == "" {
		return env
	}
	prefix := ldPreload + "="
	for i, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		var kept []string
		for _, p := range strings.Split(strings.TrimPrefix(kv, prefix), ":") {
			if p != "" && p != lib {
				kept = append(kept, p)
			}
		}
		env[i] = prefix + strings.Join(kept, ":")
		return env
	}
	return env
}
