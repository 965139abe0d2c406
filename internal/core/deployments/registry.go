package deployments

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// tracked pairs a deployment record with its locks. mu guards the record
// itself and is only ever held briefly, so status reads stay cheap. op
// serializes whole operation sequences (startup, teardown, monitor check):
// holding op across an entire sequence guarantees no two transitions for the
// same deployment ever interleave, without blocking readers on external
// calls. cancel lets a teardown request preempt a startup in progress.
type tracked struct {
	op     sync.Mutex
	mu     sync.Mutex
	cancel atomic.Bool
	d      Deployment
}

func (t *tracked) snapshot() Deployment {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.d
}

func (t *tracked) update(fn func(d *Deployment)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.d)
	t.d.UpdatedAt = time.Now().UTC()
}

// Registry is the authoritative in-process table of deployments. Readers
// always get copies; mutation goes through update, atomic with respect to
// every other reader and writer.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*tracked
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*tracked)}
}

// Add registers a new deployment record.
func (r *Registry) Add(d Deployment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[d.ID] = &tracked{d: d}
}

// Get returns a snapshot of the deployment, or ErrNotFound.
func (r *Registry) Get(id string) (Deployment, error) {
	t, err := r.lookup(id)
	if err != nil {
		return Deployment{}, err
	}
	return t.snapshot(), nil
}

// List returns snapshots of all deployments, newest first.
func (r *Registry) List() []Deployment {
	r.mu.RLock()
	all := make([]*tracked, 0, len(r.entries))
	for _, t := range r.entries {
		all = append(all, t)
	}
	r.mu.RUnlock()

	out := make([]Deployment, 0, len(all))
	for _, t := range all {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Remove drops the record entirely. Used by explicit cleanup only.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

func (r *Registry) lookup(id string) (*tracked, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.entries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

// beginOp acquires the deployment's operation lock, blocking until any
// sequence in flight finishes.
func (r *Registry) beginOp(id string) (*tracked, error) {
	t, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	t.op.Lock()
	return t, nil
}

// tryBeginOp is the non-blocking variant used by the monitor loop: if a
// controller-driven sequence holds the lock the check is skipped rather than
// queued behind it.
func (r *Registry) tryBeginOp(id string) (*tracked, bool, error) {
	t, err := r.lookup(id)
	if err != nil {
		return nil, false, err
	}
	if !t.op.TryLock() {
		return nil, false, nil
	}
	return t, true, nil
}

// requestCancel flags the deployment so a startup sequence in flight aborts
// at its next step boundary.
func (r *Registry) requestCancel(id string) error {
	t, err := r.lookup(id)
	if err != nil {
		return err
	}
	t.cancel.Store(true)
	return nil
}
