// Package observer is the in-process core of the sandbox: it receives
// intercepted filesystem operations, normalizes their paths, consults the
// policy engine, and reports every decision to the supervising build engine
// over the shared report pipe.
//
// One observer exists per traced process. Initialization order is fixed:
// environment capture, manifest load, root-process registration. Teardown
// sets a disposed flag consulted by every cache operation, because exit
// handlers may call in after the rest of the state is gone.
package observer

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/agentsh/hermit/internal/accesscache"
	"github.com/agentsh/hermit/internal/fdtable"
	"github.com/agentsh/hermit/internal/linkage"
	"github.com/agentsh/hermit/internal/manifest"
	"github.com/agentsh/hermit/internal/pathbuf"
	"github.com/agentsh/hermit/internal/policy"
	"github.com/agentsh/hermit/internal/report"
	"github.com/agentsh/hermit/internal/resolve"
)

// FatalFunc aborts the traced process. The default logs and exits; tests
// inject a recorder.
type FatalFunc func(format string, args ...any)

// Config assembles an Observer. Manifest and Env are required; nil hooks get
// real implementations.
type Config struct {
	Manifest *manifest.Manifest
	Env      *Env

	Engine  policy.Engine
	Tracker policy.Tracker
	Logger  *slog.Logger
	Fatal   FatalFunc

	// Syscall and tool hooks, injectable for tests.
	Readlink resolve.Readlink
	Mode     func(path string) uint32
	Cmdline  func(pid int) (string, error)
	Inspect  linkage.Inspect
	Mtime    linkage.Mtime
	Grant    func() error
}

// Observer is the process-wide sandbox state.
type Observer struct {
	man      *manifest.Manifest
	env      *Env
	engine   policy.Engine
	tracker  policy.Tracker
	sender   *report.Sender
	cache    *accesscache.Cache
	fds      *fdtable.Table
	resolver *resolve.Resolver
	linkage  *linkage.Checker
	logger   *slog.Logger
	fatal    FatalFunc
	mode     func(path string) uint32
	cmdline  func(pid int) (string, error)

	pid      int
	rootPid  int
	progPath string
}

// New builds an observer from cfg. The root process is registered with the
// tracker before New returns; failure to register is unrecoverable.
func New(cfg Config) (*Observer, error) {
	if cfg.Manifest == nil {
		return nil, fmt.Errorf("observer: manifest is required")
	}
	env := cfg.Env
	if env == nil {
		env = CaptureEnv()
	}

	o := &Observer{
		man:     cfg.Manifest,
		env:     env,
		engine:  cfg.Engine,
		tracker: cfg.Tracker,
		logger:  cfg.Logger,
		fatal:   cfg.Fatal,
		mode:    cfg.Mode,
		cmdline: cfg.Cmdline,
		pid:     os.Getpid(),
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.fatal == nil {
		o.fatal = func(format string, args ...any) {
			o.logger.Error(fmt.Sprintf(format, args...))
			os.Exit(1)
		}
	}
	if o.mode == nil {
		o.mode = lstatMode
	}
	if o.cmdline == nil {
		o.cmdline = procCmdline
	}

	// Identity: under ptrace relay the tracer supplies pid and path; the
	// root-pid sentinel 1 means this process is the root.
	o.rootPid = env.RootPid
	if env.PTraceRelay() {
		o.rootPid = env.TracedPid
		o.progPath = env.TracedPath
	} else {
		o.progPath = selfExe(cfg.Readlink)
	}
	if o.rootPid == 1 {
		o.rootPid = o.pid
	}

	if o.engine == nil {
		engine, err := policy.NewGlobEngine(cfg.Manifest.Rules)
		if err != nil {
			return nil, err
		}
		o.engine = engine
	}
	if o.tracker == nil {
		o.tracker = policy.NewRegistry()
	}
	if err := o.tracker.TrackRootProcess(cfg.Manifest.PipID, o.rootPid); err != nil {
		return nil, fmt.Errorf("observer: track root process %d: %w", o.rootPid, err)
	}

	o.cache = accesscache.New()
	if cfg.Readlink != nil {
		o.fds = fdtable.NewWithReadlink(fdtable.Readlink(cfg.Readlink))
	} else {
		o.fds = fdtable.New()
	}
	o.resolver = resolve.New(o.fds, resolve.Options{
		Readlink: cfg.Readlink,
		Report:   o.reportSymlink,
	})
	o.sender = report.NewSender(
		cfg.Manifest.ReportsPath,
		report.SecondaryPath(cfg.Manifest.ReportsPath),
		o.fds,
	)
	o.linkage = linkage.NewChecker(linkage.Config{
		Enabled:     cfg.Manifest.PTraceEnabled,
		ForceAll:    cfg.Manifest.PTraceForced,
		ForcedNames: env.ForcedNames,
		Signal:      o.signalStaticallyLinked,
		Inspect:     cfg.Inspect,
		Mtime:       cfg.Mtime,
		Grant:       cfg.Grant,
	})
	return o, nil
}

// NewFromEnvironment builds the observer for the current process from the
// inherited environment. Any failure here aborts: a traced process without a
// working observer must not be allowed to run unobserved.
func NewFromEnvironment() *Observer {
	env := CaptureEnv()
	if env.FamPath == "" {
		slog.Error("sandbox manifest path not set", "var", EnvFamPath)
		os.Exit(1)
	}
	man, err := manifest.Load(env.FamPath)
	if err != nil {
		slog.Error("cannot load sandbox manifest", "error", err)
		os.Exit(1)
	}
	o, err := New(Config{Manifest: man, Env: env})
	if err != nil {
		slog.Error("cannot initialize observer", "error", err)
		os.Exit(1)
	}
	return o
}

// Dispose marks the observer torn down. All cache operations become
// permanent no-ops; reporting entry points still work for the exit path.
func (o *Observer) Dispose() {
	o.cache.Dispose()
}

// Pid returns the observed process id.
func (o *Observer) Pid() int { return o.pid }

// RootPid returns the pid of the traced-tree root.
func (o *Observer) RootPid() int { return o.rootPid }

// ProgPath returns the executable path of the observed process.
func (o *Observer) ProgPath() string { return o.progPath }

// FdTable exposes the descriptor table for invalidation by interception
// points (close, dup2).
func (o *Observer) FdTable() *fdtable.Table { return o.fds }

// Resolver exposes the path resolver.
func (o *Observer) Resolver() *resolve.Resolver { return o.resolver }

func selfExe(rl resolve.Readlink) string {
	if rl == nil {
		rl = unix.Readlink
	}
	var buf [pathbuf.MaxPath]byte
	n, err := rl("/proc/self/exe", buf[:])
	if err != nil || n <= 0 {
		return ""
	}
	return string(buf[:n])
}

func lstatMode(path string) uint32 {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return 0
	}
	return st.Mode
}

func procCmdline(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", err
	}
	if len(data) > report.MaxRecord {
		data = data[:report.MaxRecord]
	}
	args := strings.Split(strings.TrimRight(string(data), "\x00"), "\x00")
	return strings.Join(args, " "), nil
}

// isNonFile reports whether mode describes something we never report on:
// pipes, sockets, devices. Directories, regular files and symlinks pass.
func isNonFile(mode uint32) bool {
	if mode == 0 {
		return false
	}
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR, unix.S_IFREG, unix.S_IFLNK:
		return false
	}
	return true
}

// isAnonymousFile reports whether path names a memory-backed anonymous file.
// stat reports those as "/memfd:<name> (deleted)".
func isAnonymousFile(path string) bool {
	return strings.HasPrefix(path, "/memfd:")
}

func isDirMode(mode uint32) bool {
	return mode&unix.S_IFMT == unix.S_IFDIR
}
