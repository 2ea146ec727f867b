// Package policy defines the observer's boundary to the access-policy
// engine: the decision type, the engine and process-tracker interfaces, and a
// reference glob-rule engine compiled from the manifest.
//
// The production decision algorithm lives in the build engine; the observer
// only consumes decisions. The reference engine exists so the observer is
// usable and testable end to end.
package policy

import (
	"os"

	"github.com/agentsh/hermit/internal/events"
	"github.com/agentsh/hermit/internal/report"
)

// Decision is the outcome of consulting the policy engine for one event.
// The zero value is NotChecked: the sentinel "no-op, do nothing further"
// result used for malformed or uninteresting inputs. It is not an error.
type Decision struct {
	// Checked distinguishes a real policy outcome from the sentinel.
	Checked bool
	// Report controls whether the event is reported at all.
	Report bool
	// Allow is the policy verdict. Whether a denial is enforced as a hard
	// failure is the manifest's FailUnexpected flag, not part of the
	// decision itself.
	Allow bool
}

// NotChecked is the sentinel no-op decision.
var NotChecked = Decision{}

// ShouldDeny reports whether the decision denies the access.
func (d Decision) ShouldDeny() bool {
	return d.Checked && !d.Allow
}

// Status maps the decision onto the wire status code.
func (d Decision) Status() events.Status {
	if !d.Checked {
		return events.StatusNone
	}
	if d.Allow {
		return events.StatusAllowed
	}
	return events.StatusDenied
}

// Engine evaluates observed access events against the pip's policy.
type Engine interface {
	Evaluate(ev *events.AccessEvent) Decision
}

// Tracker is the process-tree registration boundary.
type Tracker interface {
	// TrackRootProcess registers the root of a traced process tree.
	TrackRootProcess(pipID uint64, pid int) error
	// FindTrackedProcess looks up a registered process.
	FindTrackedProcess(pid int) (*Process, bool)
}

// Process is a tracked process within a pip's tree.
type Process struct {
	Pid  int
	Path string
}

// ExitReport synthesizes the report for a process that has completed.
func ExitReport(pid, rootPid int, pipID uint64) *report.Report {
	if pid == 0 {
		pid = os.Getpid()
	}
	return &report.Report{
		Operation:    events.KindExit,
		Pid:          pid,
		RootPid:      rootPid,
		Access:       events.AccessNone,
		Status:       events.StatusAllowed,
		Explicit:     events.ReportAlways,
		PipID:        pipID,
		ShouldReport: true,
	}
}
