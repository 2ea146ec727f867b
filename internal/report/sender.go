package report

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/agentsh/hermit/internal/events"
	"github.com/agentsh/hermit/internal/fdtable"
)

// Sender writes framed reports to the report pipes. The primary pipe carries
// access reports; the secondary pipe is the low-overhead channel used for
// ptrace hand-off signaling.
type Sender struct {
	primary   string
	secondary string
	fds       *fdtable.Table
}

// NewSender returns a sender for the given pipe paths. fds may be nil; when
// present, the table entry aliasing the descriptor used for an internal send
// is invalidated, since opening it may have reused a number the traced
// program expects to own.
func NewSender(primary, secondary string, fds *fdtable.Table) *Sender {
	return &Sender{primary: primary, secondary: secondary, fds: fds}
}

// SecondaryPath derives the secondary pipe path from a primary one.
func SecondaryPath(primary string) string {
	return primary + "2"
}

// Send issues one atomic write of frame to the selected pipe. A frame larger
// than the atomic unit or a short write leaves the shared channel unusable
// and is returned as an unrecoverable error for the caller to abort on.
func (s *Sender) Send(frame []byte, secondary bool) error {
	if len(frame) > PipeBuf {
		return fmt.Errorf("%w: frame is %d bytes", ErrTooLarge, len(frame))
	}

	path := s.primary
	if secondary {
		path = s.secondary
	}

	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("report: open %s: %w", path, err)
	}

	n, err := unix.Write(fd, frame)

	// The descriptor was opened for our own purposes and may collide with a
	// number whose close we missed; drop any stale mapping for it.
	if s.fds != nil {
		s.fds.ResetEntry(fd)
	}
	unix.Close(fd)

	if err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	if n < len(frame) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(frame))
	}
	return nil
}

// SendReport frames and sends one report. Process-tree-completed reports are
// a no-op: there is an observer instance in every child, so no single
// instance can account for tree size the way a central supervisor would.
func (s *Sender) SendReport(r *Report, debug, secondary bool) error {
	if r.Operation == events.KindProcessTreeCompleted {
		return nil
	}
	frame, err := Frame(r, debug)
	if err != nil {
		return err
	}
	return s.Send(frame, secondary)
}

// SendGroup sends each constituent of a two-path report group that is marked
// reportable.
func (s *Sender) SendGroup(g *Group) error {
	if g.First.ShouldReport {
		if err := s.SendReport(&g.First, false, false); err != nil {
			return err
		}
	}
	if g.Second.ShouldReport {
		if err := s.SendReport(&g.Second, false, false); err != nil {
			return err
		}
	}
	return nil
}
