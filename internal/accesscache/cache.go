// Package accesscache suppresses redundant access reports within one traced
// process. Raw event kinds are coalesced into buckets (events.Coalesce) and a
// set of already-reported paths is kept per bucket.
//
// The cache can be probed from interrupt-like contexts, so it must never block
// the caller: the lock is acquired with a short bounded wait and a timeout is
// treated as a miss. An occasional duplicate report is preferable to a stall.
package accesscache

import (
	"sync/atomic"
	"time"

	"github.com/agentsh/hermit/internal/events"
)

// DefaultLockTimeout is the bounded wait for the cache lock.
const DefaultLockTimeout = time.Millisecond

// Cache tracks (bucket, path) pairs already reported as allowed.
type Cache struct {
	sem      chan struct{}
	timeout  time.Duration
	disposed atomic.Bool
	seen     map[events.Kind]map[string]struct{}
}

// New returns an empty cache with the default lock timeout.
func New() *Cache {
	return NewWithTimeout(DefaultLockTimeout)
}

// NewWithTimeout returns an empty cache with an explicit lock timeout.
func NewWithTimeout(timeout time.Duration) *Cache {
	c := &Cache{
		sem:     make(chan struct{}, 1),
		timeout: timeout,
		seen:    make(map[events.Kind]map[string]struct{}),
	}
	c.sem <- struct{}{}
	return c
}

// Dispose marks the cache permanently inert. Further probes report a miss and
// never mutate state; the owning observer may be torn down while late exit
// handlers are still calling in.
func (c *Cache) Dispose() {
	c.disposed.Store(true)
}

// Disposed reports whether Dispose has been called.
func (c *Cache) Disposed() bool {
	return c.disposed.Load()
}

// Hit reports whether (kind, path) has already been reported. Disposed caches,
// process lifecycle events and two-path operations are never hits.
func (c *Cache) Hit(kind events.Kind, path, secondPath string) bool {
	if c.disposed.Load() || !events.Cacheable(kind, secondPath) {
		return false
	}
	return c.Probe(kind, path, false)
}

// Probe checks whether (Coalesce(kind), path) is in the cache and returns true
// on a hit. If insert is set and the pair is absent, it is added. Failure to
// acquire the lock within the bounded wait behaves as a miss without inserting.
func (c *Cache) Probe(kind events.Kind, path string, insert bool) bool {
	if c.disposed.Load() {
		return false
	}
	key := events.Coalesce(kind)

	if !c.acquire() {
		return false
	}
	defer c.release()

	set, ok := c.seen[key]
	if !ok {
		if insert {
			c.seen[key] = map[string]struct{}{path: {}}
		}
		return false
	}
	if _, hit := set[path]; hit {
		return true
	}
	if insert {
		set[path] = struct{}{}
	}
	return false
}

func (c *Cache) acquire() bool {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-c.sem:
		return true
	case <-timer.C:
		return false
	}
}

func (c *Cache) release() {
	c.sem <- struct{}{}
}
