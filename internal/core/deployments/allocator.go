package deployments

import (
	"fmt"
	"math/rand"
	"sync"
)

// Allocator hands out host ports from a fixed range and unique container
// names. It is pure in-process bookkeeping: no external calls happen under
// its lock, so it stays cheap even though it is globally serialized.
type Allocator struct {
	mu    sync.Mutex
	min   int
	max   int
	ports map[int]struct{}
	names map[string]struct{}
}

// NewAllocator builds an allocator over the inclusive port range [min, max].
func NewAllocator(min, max int) *Allocator {
	return &Allocator{
		min:   min,
		max:   max,
		ports: make(map[int]struct{}),
		names: make(map[string]struct{}),
	}
}

// AllocatePort returns an unused port from the range. Random probing keeps
// assignments unpredictable across restarts that share no state; a linear
// scan guarantees we find a free port whenever one exists.
func (a *Allocator) AllocatePort() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	span := a.max - a.min + 1
	if len(a.ports) >= span {
		return 0, ErrResourceExhausted
	}

	for i := 0; i < 32; i++ {
		p := a.min + rand.Intn(span)
		if _, taken := a.ports[p]; !taken {
			a.ports[p] = struct{}{}
			return p, nil
		}
	}
	for p := a.min; p <= a.max; p++ {
		if _, taken := a.ports[p]; !taken {
			a.ports[p] = struct{}{}
			return p, nil
		}
	}
	return 0, ErrResourceExhausted
}

// AdoptPort marks a specific port as assigned, used when re-adopting
// deployments that survived a process restart.
func (a *Allocator) AdoptPort(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.ports[port]; taken {
		return fmt.Errorf("port %d: %w", port, ErrResourceExhausted)
	}
	a.ports[port] = struct{}{}
	return nil
}

// ReleasePort returns a port to the pool. Releasing an unassigned port is a
// no-op.
func (a *Allocator) ReleasePort(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.ports, port)
}

// ReserveName reserves the candidate name verbatim. Candidates embed the
// deployment id, so a conflict means the same name was reserved twice.
func (a *Allocator) ReserveName(candidate string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.names[candidate]; taken {
		return "", fmt.Errorf("%q: %w", candidate, ErrNameConflict)
	}
	a.names[candidate] = struct{}{}
	return candidate, nil
}

// ReleaseName reclaims a reserved name. Idempotent.
func (a *Allocator) ReleaseName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.names, name)
}

// Assigned returns the number of ports currently held.
func (a *Allocator) Assigned() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.ports)
}
