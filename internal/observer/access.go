package observer

import (
	"errors"
	"fmt"

	"github.com/agentsh/hermit/internal/events"
	"github.com/agentsh/hermit/internal/linkage"
	"github.com/agentsh/hermit/internal/policy"
	"github.com/agentsh/hermit/internal/report"
	"github.com/agentsh/hermit/internal/resolve"
)

// CreateAccess consults the cache and the policy engine for one event and
// builds the report group for it. A nil group means nothing further to do:
// cache hit, non-file, or anonymous file. The returned
// sentinel decision (policy.NotChecked) must be treated as "no-op", never as
// an error.
func (o *Observer) CreateAccess(ev *events.AccessEvent, checkCache bool) (policy.Decision, *report.Group) {
	if ev.Path == "" {
		o.LogDebug(ev.Pid, "cannot create access for %s with an empty path", ev.Kind)
		return policy.NotChecked, nil
	}
	return o.createAccess(ev, checkCache)
}

func (o *Observer) createAccess(ev *events.AccessEvent, checkCache bool) (policy.Decision, *report.Group) {
	if checkCache && o.cache.Hit(ev.Kind, ev.Path, ev.SecondPath) {
		return policy.NotChecked, nil
	}

	if ev.Mode == 0 {
		ev.Mode = o.mode(ev.Path)
	}
	// Pipes, sockets and devices are invisible to the policy.
	if isNonFile(ev.Mode) {
		return policy.NotChecked, nil
	}
	if isAnonymousFile(ev.Path) || (ev.SecondPath != "" && isAnonymousFile(ev.SecondPath)) {
		return policy.NotChecked, nil
	}

	if ev.Pid == 0 {
		ev.Pid = o.pid
	}
	if ev.ExecPath == "" {
		if ev.Kind == events.KindExec {
			ev.ExecPath = ev.Path
		} else {
			ev.ExecPath = o.progPath
		}
	}

	decision := o.engine.Evaluate(ev)
	blocked := decision.ShouldDeny() && o.man.FailUnexpected
	if !blocked {
		// The access goes through, so future siblings can skip the check.
		// Populating on a non-cacheable kind is harmless: Hit never consults
		// those buckets.
		o.cache.Probe(ev.Kind, ev.Path, true)
	}

	o.logger.Debug("access",
		"kind", ev.Kind.String(),
		"path", ev.Path,
		"allowed", !decision.ShouldDeny(),
		"blocked", blocked,
	)
	return decision, o.buildGroup(ev, decision)
}

func (o *Observer) buildGroup(ev *events.AccessEvent, d policy.Decision) *report.Group {
	explicit := events.ReportIgnore
	if d.Report {
		explicit = events.ReportAlways
	}
	g := &report.Group{
		First: report.Report{
			Operation:    ev.Kind,
			Pid:          ev.Pid,
			RootPid:      o.rootPid,
			Access:       policy.RequestedAccess(ev.Kind),
			Status:       d.Status(),
			Explicit:     explicit,
			Errno:        ev.Errno,
			PipID:        o.man.PipID,
			Path:         ev.Path,
			Mode:         ev.Mode,
			IsDirectory:  isDirMode(ev.Mode),
			ShouldReport: d.Report,
		},
	}
	if ev.SecondPath != "" {
		g.Second = g.First
		g.Second.Path = ev.SecondPath
		g.Second.Mode = 0
		g.Second.IsDirectory = false
	}
	return g
}

// ReportAccess normalizes pathname in the namespace of pid and reports the
// access. flags carries the open(2) flags (O_NOFOLLOW matters). A path that
// cannot be normalized is skipped entirely: reporting a wrong path is worse
// than reporting nothing.
func (o *Observer) ReportAccess(kind events.Kind, pathname string, flags, errno, pid int) {
	if pathname == "" {
		o.LogDebug(pid, "cannot report %s access with an empty path", kind)
		return
	}
	o.ReportAccessAt(kind, resolve.AtFdCwd, pathname, flags, errno, pid)
}

// ReportAccessAt is ReportAccess anchored at a directory descriptor.
func (o *Observer) ReportAccessAt(kind events.Kind, dirfd int, pathname string, flags, errno, pid int) {
	if dirfd != resolve.AtFdCwd && pathname != "" {
		dirPath := o.fds.Path(dirfd, pid)
		if dirPath == "" {
			o.fatal("cannot resolve directory descriptor %d for %s", dirfd, kind)
			return
		}
		// A dirfd pointing at a non-file poisons everything downstream.
		if isNonFile(o.mode(dirPath)) {
			return
		}
	}

	normalized, err := o.resolver.NormalizeAt(dirfd, pathname, flags, pid)
	if err != nil {
		o.fatal("cannot normalize %q for %s: %v", pathname, kind, err)
		return
	}
	if normalized == "" {
		o.LogDebug(pid, "could not normalize path %q", pathname)
		return
	}
	o.reportResolved(kind, normalized, "", 0, errno, pid)
}

// ReportAccessFd reports an access through an already-open descriptor. A
// descriptor that cannot be resolved, or that names a non-file, is silently
// skipped.
func (o *Observer) ReportAccessFd(kind events.Kind, fd, errno, pid int) {
	path := o.fds.Path(fd, pid)
	if path == "" {
		return
	}
	if isNonFile(o.mode(path)) {
		return
	}
	o.reportResolved(kind, path, "", 0, errno, pid)
}

// ReportAccessPair reports a two-path operation (rename, link). Both paths
// are normalized; the pair always bypasses the duplicate cache.
func (o *Observer) ReportAccessPair(kind events.Kind, oldpath, newpath string, errno, pid int) {
	src, err := o.resolver.Normalize(oldpath, 0, pid)
	if err != nil {
		o.fatal("cannot normalize %q for %s: %v", oldpath, kind, err)
		return
	}
	dst, err := o.resolver.Normalize(newpath, 0, pid)
	if err != nil {
		o.fatal("cannot normalize %q for %s: %v", newpath, kind, err)
		return
	}
	if src == "" || dst == "" {
		o.LogDebug(pid, "could not normalize pair %q, %q", oldpath, newpath)
		return
	}
	o.reportResolved(kind, src, dst, 0, errno, pid)
}

// reportResolved reports an access whose path is already canonical.
func (o *Observer) reportResolved(kind events.Kind, path, second string, mode uint32, errno, pid int) {
	ev := &events.AccessEvent{
		Kind:       kind,
		Path:       path,
		SecondPath: second,
		Pid:        pid,
		Mode:       mode,
		Errno:      errno,
	}
	_, g := o.createAccess(ev, true)
	if g == nil {
		return
	}
	g.SetErrno(errno)
	o.sendGroup(g)
}

// reportSymlink is the resolver's callback for each distinct intermediate
// symlink: the traversal implies a readlink of that prefix.
func (o *Observer) reportSymlink(path string, pid int) {
	o.reportResolved(events.KindReadlink, path, "", 0, 0, pid)
}

// ReportExec reports a process image change. The process name is reported
// as given, before anything else, so the supervisor always sees a name for
// the new image; the file is reported through normalization.
func (o *Observer) ReportExec(procName, file string, errno, pid int) {
	if !o.man.MonitorChildren {
		return
	}
	o.reportResolved(events.KindExec, procName, "", 0, errno, pid)
	o.ReportAccess(events.KindExec, file, 0, errno, pid)
	o.ReportExecArgs(pid)
}

// ReportExecArgs reports the reconstructed command line of pid, when the
// manifest asks for it.
func (o *Observer) ReportExecArgs(pid int) {
	if !o.man.ReportProcessArgs {
		return
	}
	if pid == 0 {
		pid = o.pid
	}
	cmdline, err := o.cmdline(pid)
	if err != nil {
		o.LogDebug(pid, "cannot read command line: %v", err)
		return
	}
	r := &report.Report{
		Operation:    events.KindProcessCommandLine,
		Pid:          pid,
		RootPid:      o.rootPid,
		Access:       events.AccessRead,
		Status:       events.StatusAllowed,
		Explicit:     events.ReportAlways,
		PipID:        o.man.PipID,
		Path:         cmdline,
		ShouldReport: true,
	}
	o.sendReport(r, false, false)
}

// SendExitReport reports that pid (0 means self) has exited. Called from the
// process teardown path, possibly after Dispose.
func (o *Observer) SendExitReport(pid int) {
	r := policy.ExitReport(pid, o.rootPid, o.man.PipID)
	o.sendReport(r, false, false)
}

// ReportFirstAllowWriteCheck reports the outcome of the first allowed-write
// probe on fullPath: denied when a file already exists there, allowed
// otherwise.
func (o *Observer) ReportFirstAllowWriteCheck(fullPath string) {
	mode := o.mode(fullPath)
	exists := mode != 0 && !isDirMode(mode)

	status := events.StatusAllowed
	if exists {
		status = events.StatusDenied
	}
	r := &report.Report{
		Operation:    events.KindFirstAllowWriteCheck,
		Pid:          o.pid,
		RootPid:      o.rootPid,
		Access:       events.AccessWrite,
		Status:       status,
		Explicit:     events.ReportAlways,
		PipID:        o.man.PipID,
		Path:         fullPath,
		Mode:         mode,
		IsDirectory:  isDirMode(mode),
		ShouldReport: true,
	}
	o.sendReport(r, false, false)
}

// LogDebug sends a diagnostic message as a debug report on the primary pipe,
// gated by the manifest's verbose flag. The message rides in the path field
// so the report format stays uniform; oversized messages are truncated, never
// fatal.
func (o *Observer) LogDebug(pid int, format string, args ...any) {
	o.logger.Debug("observer: " + sprintf(format, args...))
	if !o.man.DebugReports {
		return
	}
	if pid == 0 {
		pid = o.pid
	}
	r := &report.Report{
		Operation:    events.KindDebugMessage,
		Pid:          pid,
		RootPid:      o.rootPid,
		Access:       events.AccessRead,
		Status:       events.StatusAllowed,
		PipID:        o.man.PipID,
		Path:         sprintf(format, args...),
		ShouldReport: true,
	}
	o.sendReport(r, true, false)
}

// CheckChildProcess runs the forced-trace decision for a child process image
// and reports whether the child goes to the secondary tracer. A failed
// permission grant is unrecoverable: the tracer's attach would fail and take
// the process down anyway.
func (o *Observer) CheckChildProcess(path string) linkage.Status {
	st, err := o.linkage.Check(path)
	if err != nil {
		if errors.Is(err, linkage.ErrGrant) || errors.Is(err, linkage.ErrSignal) {
			o.fatal("forced-trace hand-off failed for %s: %v", path, err)
			return linkage.StatusNotTraced
		}
		o.LogDebug(0, "linkage check failed for %s: %v", path, err)
		return linkage.StatusNotTraced
	}
	return st
}

// CheckChildProcessFd is CheckChildProcess for an already-open image
// descriptor.
func (o *Observer) CheckChildProcessFd(fd int) linkage.Status {
	path := o.fds.Path(fd, 0)
	if path == "" {
		return linkage.StatusNotTraced
	}
	return o.CheckChildProcess(path)
}

// signalStaticallyLinked emits the hand-off report on the secondary pipe.
// The supervisor reacts by attaching the tracer, so this is sent only after
// ptrace permission has been granted.
func (o *Observer) signalStaticallyLinked(path string) error {
	r := &report.Report{
		Operation:    events.KindStaticallyLinked,
		Pid:          o.pid,
		RootPid:      o.rootPid,
		Access:       events.AccessRead,
		Status:       events.StatusAllowed,
		Explicit:     events.ReportAlways,
		PipID:        o.man.PipID,
		Path:         path,
		ShouldReport: true,
	}
	return o.sender.SendReport(r, false, true)
}

func (o *Observer) sendGroup(g *report.Group) {
	if err := o.sender.SendGroup(g); err != nil {
		o.fatal("report send failed: %v", err)
	}
}

func (o *Observer) sendReport(r *report.Report, debug, secondary bool) {
	if err := o.sender.SendReport(r, debug, secondary); err != nil {
		o.fatal("report send failed: %v", err)
	}
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
