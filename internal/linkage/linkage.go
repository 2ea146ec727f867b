// Package linkage decides whether a child process image must be handed off
// to the secondary ptrace-based tracer. Statically linked binaries cannot be
// interposed in-process, so they are detected here (or forced by
// configuration) and signaled to the supervisor over the secondary pipe.
package linkage

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"
)

// Status is the terminal state of the per-image decision.
type Status int

const (
	// StatusNotTraced: the image runs under normal in-process interposition.
	StatusNotTraced Status = iota
	// StatusForceTraced: tracing permission was granted and the hand-off
	// signal was sent; the external tracer will attach.
	StatusForceTraced
)

// ErrGrant reports a failed ptrace-permission grant. The tracer's attach
// would fail afterwards, so the process cannot continue.
var ErrGrant = errors.New("linkage: cannot grant trace permission")

// ErrSignal reports a failed hand-off signal after permission was already
// granted. The tracer will never attach, so this is equally unrecoverable.
var ErrSignal = errors.New("linkage: cannot signal trace hand-off")

// verdictCacheSize bounds the per-process (mtime, path) verdict cache.
const verdictCacheSize = 256

// Inspect runs the external binary-inspection tool and returns its combined
// output. Injectable for tests.
type Inspect func(path string) (string, error)

// Mtime returns the last-modified time (seconds) of path without following a
// final symlink.
type Mtime func(path string) (int64, error)

// Config assembles a Checker. Zero hooks get real implementations.
type Config struct {
	// Enabled gates the whole secondary-tracing machinery.
	Enabled bool
	// ForceAll unconditionally force-traces every process image.
	ForceAll bool
	// ForcedNames lists executable basenames that are always force-traced.
	ForcedNames []string

	// Signal emits the statically-linked report on the secondary pipe.
	Signal func(path string) error

	Inspect Inspect
	Mtime   Mtime
	Grant   func() error
}

// Checker caches static-linkage verdicts and applies the forced-trace
// overrides.
type Checker struct {
	enabled     bool
	forceAll    bool
	forcedNames map[string]struct{}
	signal      func(path string) error
	inspect     Inspect
	mtime       Mtime
	grant       func() error
	verdicts    *lru.Cache[string, bool]
}

// NewChecker builds a checker from cfg.
func NewChecker(cfg Config) *Checker {
	verdicts, _ := lru.New[string, bool](verdictCacheSize)
	c := &Checker{
		enabled:     cfg.Enabled,
		forceAll:    cfg.ForceAll,
		forcedNames: make(map[string]struct{}, len(cfg.ForcedNames)),
		signal:      cfg.Signal,
		inspect:     cfg.Inspect,
		mtime:       cfg.Mtime,
		grant:       cfg.Grant,
		verdicts:    verdicts,
	}
	for _, name := range cfg.ForcedNames {
		if name != "" {
			c.forcedNames[name] = struct{}{}
		}
	}
	if c.signal == nil {
		c.signal = func(string) error { return nil }
	}
	if c.inspect == nil {
		c.inspect = objdump
	}
	if c.mtime == nil {
		c.mtime = lstatMtime
	}
	if c.grant == nil {
		c.grant = grantPtrace
	}
	return c
}

// Forced reports whether the executable's basename is on the forced list.
func (c *Checker) Forced(path string) bool {
	if len(c.forcedNames) == 0 {
		return false
	}
	_, ok := c.forcedNames[filepath.Base(path)]
	return ok
}

// Check runs the decision for one process image. On StatusForceTraced the
// permission grant has already happened and the hand-off signal has been
// sent; grant failure is returned as ErrGrant and must abort the process.
func (c *Checker) Check(path string) (Status, error) {
	if !c.enabled {
		return StatusNotTraced, nil
	}

	// Explicit override: skip binary inspection entirely.
	if c.forceAll || c.Forced(path) {
		return StatusForceTraced, c.handOff(path)
	}

	linked, err := c.StaticallyLinked(path)
	if err != nil {
		return StatusNotTraced, err
	}
	if !linked {
		return StatusNotTraced, nil
	}
	return StatusForceTraced, c.handOff(path)
}

// handOff grants tracing permission and then signals the supervisor. The
// order is load-bearing: the signal is what triggers the tracer's attach, and
// attaching before the grant would fail.
func (c *Checker) handOff(path string) error {
	if err := c.grant(); err != nil {
		return fmt.Errorf("%w: %v", ErrGrant, err)
	}
	if err := c.signal(path); err != nil {
		return fmt.Errorf("%w: %v", ErrSignal, err)
	}
	return nil
}

// StaticallyLinked resolves the verdict for path, reusing a cached one when
// the file is unchanged. The cache key includes the mtime, so touching the
// file invalidates the verdict by construction.
func (c *Checker) StaticallyLinked(path string) (bool, error) {
	mtime, err := c.mtime(path)
	if err != nil {
		return false, fmt.Errorf("linkage: stat %s: %w", path, err)
	}
	key := fmt.Sprintf("%d:%s", mtime, path)

	if linked, ok := c.verdicts.Get(key); ok {
		return linked, nil
	}

	out, err := c.inspect(path)
	if err != nil && out == "" {
		return false, fmt.Errorf("linkage: inspect %s: %w", path, err)
	}
	linked := Classify(out)
	c.verdicts.Add(key, linked)
	return linked, nil
}

// Inspection needles: the tool prints program headers for anything that is a
// loadable binary, and lists a NEEDED entry for the C runtime when the binary
// is dynamically linked against it.
const (
	needleProgramHeader = "Program Header:"
	needleLibcNeeded    = "NEEDED               libc.so."
)

// Classify derives the statically-linked verdict from the inspection output.
func Classify(out string) bool {
	return strings.Contains(out, needleProgramHeader) &&
		!strings.Contains(out, needleLibcNeeded)
}

// objdump is the default inspection tool invocation. The tool's stderr is
// folded in because a non-binary input reports through it. This call may
// block for the tool's full runtime; it holds no shared lock.
func objdump(path string) (string, error) {
	cmd := exec.Command("/usr/bin/objdump", "-p", path)
	cmd.Env = []string{}
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func lstatMtime(path string) (int64, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return 0, err
	}
	return st.Mtim.Sec, nil
}

// grantPtrace allows any process to attach to this one. Irreversible for the
// life of the process.
func grantPtrace() error {
	return unix.Prctl(unix.PR_SET_PTRACER, unix.PR_SET_PTRACER_ANY, 0, 0, 0)
}
