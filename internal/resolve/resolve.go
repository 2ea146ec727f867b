// Package resolve produces canonical absolute paths for observed accesses.
// The walk collapses "//", "/./" and "/../" in place over a fixed-capacity
// buffer and resolves every intermediate symlink (and optionally the final
// one), emitting one readlink-class report per distinct symlink traversed.
package resolve

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/agentsh/hermit/internal/fdtable"
	"github.com/agentsh/hermit/internal/pathbuf"
)

// AtFdCwd is the "current directory" sentinel for directory descriptors.
const AtFdCwd = unix.AT_FDCWD

// ErrDirUnresolved reports that a directory descriptor needed for
// relative-path resolution could not be mapped to a path. Callers treat this
// as fatal: without the base there is no meaningful path to report.
var ErrDirUnresolved = errors.New("resolve: directory descriptor has no path")

// Readlink is the syscall dependency of the resolver, injectable for tests.
type Readlink func(path string, buf []byte) (int, error)

// ReportFunc receives the path of each distinct intermediate symlink so the
// observer can report the implied readlink access.
type ReportFunc func(symlinkPath string, pid int)

// Options configures a Resolver. Zero fields get real-filesystem defaults.
type Options struct {
	Readlink Readlink
	Report   ReportFunc
}

// Resolver normalizes paths within the filesystem namespace of traced
// processes.
type Resolver struct {
	fds      *fdtable.Table
	readlink Readlink
	report   ReportFunc
}

// New returns a resolver backed by the given descriptor table.
func New(fds *fdtable.Table, opts Options) *Resolver {
	r := &Resolver{
		fds:      fds,
		readlink: opts.Readlink,
		report:   opts.Report,
	}
	if r.readlink == nil {
		r.readlink = unix.Readlink
	}
	return r
}

// Cwd returns the working directory of pid (0 means the calling process),
// read through the /proc cwd symlink.
func (r *Resolver) Cwd(pid int) (string, error) {
	procPath := "/proc/self/cwd"
	if pid != 0 {
		procPath = fmt.Sprintf("/proc/%d/cwd", pid)
	}
	var buf [pathbuf.MaxPath]byte
	n, err := r.readlink(procPath, buf[:])
	if err != nil || n <= 0 {
		return "", fmt.Errorf("resolve: read cwd of pid %d: %w", pid, err)
	}
	return string(buf[:n]), nil
}

// RelativeToAbsolute fills buf with pathname anchored at an absolute base:
// pathname itself if already absolute, otherwise the working directory of pid
// (when dirfd is AtFdCwd) or the path previously resolved for dirfd.
func (r *Resolver) RelativeToAbsolute(pathname string, dirfd, pid int, buf *pathbuf.Buf) error {
	if strings.HasPrefix(pathname, "/") {
		return buf.SetString(pathname)
	}

	var base string
	if dirfd == AtFdCwd {
		cwd, err := r.Cwd(pid)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDirUnresolved, err)
		}
		base = cwd
	} else {
		base = r.fds.Path(dirfd, pid)
	}
	if base == "" {
		return fmt.Errorf("%w: fd %d", ErrDirUnresolved, dirfd)
	}

	if err := buf.SetString(base); err != nil {
		return err
	}
	if err := buf.AppendByte('/'); err != nil {
		return err
	}
	return buf.Append(pathname)
}

// ResolvePath canonicalizes the absolute path held in buf, in place. A buffer
// that is empty or not absolute is cleared, signaling "could not normalize"
// to the caller, who must skip reporting rather than report a wrong path.
// Revisiting an already-resolved symlink prefix terminates the walk; this is
// the cycle cutoff, not an error. A symlink target that would exceed the
// buffer capacity returns pathbuf.ErrOverflow.
func (r *Resolver) ResolvePath(buf *pathbuf.Buf, followFinal bool, pid int) error {
	if buf.Len() == 0 || buf.At(0) != '/' {
		buf.Reset()
		return nil
	}

	visited := make(map[string]struct{})
	var linkBuf [pathbuf.MaxPath]byte

	i := 1
	for {
		// Collapse "//", "/./" and "/../" at each separator.
		if i < buf.Len() && buf.At(i) == '/' {
			prev := buf.PrevSlash(i)
			segLen := i - prev - 1
			if segLen == 0 {
				buf.ShiftLeft(i+1, 1)
				continue
			}
			if segLen == 1 && buf.At(i-1) == '.' {
				buf.ShiftLeft(i+1, 2)
				i--
				continue
			}
			if segLen == 2 && buf.At(i-1) == '.' && buf.At(i-2) == '.' {
				// ".." at the root is a no-op.
				if prev > 0 {
					prev = buf.PrevSlash(prev)
				}
				buf.ShiftLeft(i+1, i-prev)
				i = prev + 1
				continue
			}
		}

		// Ask the filesystem about the component ending here.
		atEnd := i == buf.Len()
		n := -1
		if (!atEnd && buf.At(i) == '/') || (atEnd && followFinal) {
			var err error
			n, err = r.readlink(buf.Prefix(i), linkBuf[:])
			if err != nil {
				n = -1
			}
		}

		if n < 0 {
			if atEnd {
				return nil
			}
			i++
			continue
		}

		// Component is a symlink.
		prefix := buf.Prefix(i)
		if _, seen := visited[prefix]; seen {
			return nil
		}
		visited[prefix] = struct{}{}
		if r.report != nil {
			r.report(prefix, pid)
		}

		target := string(linkBuf[:n])
		rest := buf.String()[i:]
		if strings.HasSuffix(target, "/") && strings.HasPrefix(rest, "/") {
			rest = rest[1:]
		}

		if strings.HasPrefix(target, "/") {
			// Absolute target replaces the whole buffer; restart the scan.
			if err := buf.SetString(target + rest); err != nil {
				return err
			}
			i = 1
			continue
		}

		// Relative target replaces the final segment of the resolved prefix.
		j := buf.PrevSlash(i)
		if err := buf.SpliceFrom(j+1, target+rest); err != nil {
			return err
		}
		i = j + 1
	}
}

// Normalize resolves pathname against the current working directory of pid
// and canonicalizes it. oflags carries the open(2) flags; O_NOFOLLOW turns
// off resolution of the final component.
func (r *Resolver) Normalize(pathname string, oflags, pid int) (string, error) {
	return r.NormalizeAt(AtFdCwd, pathname, oflags, pid)
}

// NormalizeAt is Normalize anchored at a directory descriptor. An empty
// pathname resolves to the path of dirfd itself.
func (r *Resolver) NormalizeAt(dirfd int, pathname string, oflags, pid int) (string, error) {
	if pathname == "" {
		return r.fds.Path(dirfd, pid), nil
	}

	buf := pathbuf.New(pathbuf.MaxPath)
	if err := r.RelativeToAbsolute(pathname, dirfd, pid, buf); err != nil {
		return "", err
	}

	followFinal := oflags&unix.O_NOFOLLOW == 0
	if err := r.ResolvePath(buf, followFinal, pid); err != nil {
		return "", err
	}
	return buf.String(), nil
}
