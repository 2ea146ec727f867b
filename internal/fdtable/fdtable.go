// Package fdtable maps file descriptors to the last known filesystem path,
// resolving through the /proc descriptor-table symlinks and caching results
// for descriptors inside a fixed index range.
package fdtable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/agentsh/hermit/internal/pathbuf"
)

// MaxFd bounds the cached descriptor range. Descriptors at or above this are
// resolved fresh on every call.
const MaxFd = 1024

// Readlink is the syscall dependency of the table, injectable for tests.
type Readlink func(path string, buf []byte) (int, error)

// Table caches descriptor-to-path resolutions. An entry is valid only until
// the descriptor is closed or reassigned; callers own invalidation.
type Table struct {
	mu       sync.Mutex
	entries  [MaxFd]string
	disabled atomic.Bool
	readlink Readlink
}

// New returns an enabled table resolving through the real filesystem.
func New() *Table {
	return NewWithReadlink(unix.Readlink)
}

// NewWithReadlink returns a table using the given readlink implementation.
func NewWithReadlink(rl Readlink) *Table {
	return &Table{readlink: rl}
}

// Disable turns caching off globally. All subsequent lookups resolve through
// the filesystem. Used when the caller cannot guarantee that every close and
// reassignment is observed.
func (t *Table) Disable() {
	t.disabled.Store(true)
}

// ResetEntry drops the cached path for one descriptor. Out-of-range
// descriptors are ignored.
func (t *Table) ResetEntry(fd int) {
	if fd < 0 || fd >= MaxFd {
		return
	}
	t.mu.Lock()
	t.entries[fd] = ""
	t.mu.Unlock()
}

// Reset drops every cached entry.
func (t *Table) Reset() {
	t.mu.Lock()
	for i := range t.entries {
		t.entries[i] = ""
	}
	t.mu.Unlock()
}

// Path resolves fd to a filesystem path in the namespace of pid (0 means the
// calling process). A failed resolution yields the empty string and is never
// cached. The cache lock is only tried, never waited on: contention means a
// fresh filesystem resolution.
func (t *Table) Path(fd, pid int) string {
	if fd < 0 || fd >= MaxFd {
		return t.resolve(fd, pid)
	}

	useCache := !t.disabled.Load()
	if useCache && t.mu.TryLock() {
		p := t.entries[fd]
		t.mu.Unlock()
		if p != "" {
			return p
		}
	}

	path := t.resolve(fd, pid)
	if useCache && path != "" && t.mu.TryLock() {
		t.entries[fd] = path
		t.mu.Unlock()
	}
	return path
}

func (t *Table) resolve(fd, pid int) string {
	var procPath string
	if pid == 0 {
		procPath = fmt.Sprintf("/proc/self/fd/%d", fd)
	} else {
		procPath = fmt.Sprintf("/proc/%d/fd/%d", pid, fd)
	}

	var buf [pathbuf.MaxPath]byte
	n, err := t.readlink(procPath, buf[:])
	if err != nil || n <= 0 {
		return ""
	}
	return string(buf[:n])
}
