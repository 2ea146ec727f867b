package policy

import (
	"fmt"
	"sync"
)

// Registry is the reference Tracker: an in-process table of tracked pids.
// The build engine's supervisor keeps the authoritative tree; this registry
// serves the observer's own lookups and the tests.
type Registry struct {
	mu    sync.Mutex
	pipID uint64
	procs map[int]*Process
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[int]*Process)}
}

// TrackRootProcess implements Tracker.
func (r *Registry) TrackRootProcess(pipID uint64, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("policy: invalid root pid %d", pid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipID = pipID
	r.procs[pid] = &Process{Pid: pid}
	return nil
}

// Track registers a descendant process.
func (r *Registry) Track(pid int, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[pid] = &Process{Pid: pid, Path: path}
}

// FindTrackedProcess implements Tracker.
func (r *Registry) FindTrackedProcess(pid int) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[pid]
	return p, ok
}
