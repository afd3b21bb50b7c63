package run

import (
	"errors"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrRunInFlight rejects a submission while another run is active.
	// Queuing or overlapping runs would race on the report artifact, so
	// the registry admits one run at a time and the user resubmits.
	ErrRunInFlight = errors.New("a validation run is already in flight")

	// ErrNotFound means no retained run has the requested ID.
	ErrNotFound = errors.New("run not found")
)

// Registry tracks runs by ID. It enforces single-flight admission and
// retains a bounded number of finished runs, evicting the oldest.
type Registry struct {
	runs *xsync.MapOf[string, *Run]

	mu       sync.Mutex
	reserved bool
	active   *Run
	order    []string // publication order, for eviction
	retain   int
}

// NewRegistry creates a registry retaining up to retain finished runs.
func NewRegistry(retain int) *Registry {
	if retain < 1 {
		retain = 1
	}
	return &Registry{
		runs:   xsync.NewMapOf[string, *Run](),
		retain: retain,
	}
}

// Acquire reserves the single run slot ahead of spawning the child.
// The caller must follow up with Publish or Release. Reserving the
// slot before the spawn keeps two simultaneous submissions from both
// launching a process.
func (g *Registry) Acquire() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reserved || g.active != nil {
		return ErrRunInFlight
	}
	g.reserved = true
	return nil
}

// Release frees a reserved slot after a failed launch.
func (g *Registry) Release() {
	g.mu.Lock()
	g.reserved = false
	g.mu.Unlock()
}

// Publish registers a started run in the reserved slot and frees the
// slot again once the run finishes.
func (g *Registry) Publish(r *Run) {
	g.mu.Lock()
	g.reserved = false
	g.active = r
	g.order = append(g.order, r.ID)
	g.mu.Unlock()

	g.runs.Store(r.ID, r)
	g.evict()

	go func() {
		<-r.Done()
		g.mu.Lock()
		if g.active == r {
			g.active = nil
		}
		g.mu.Unlock()
	}()
}

// Get returns a retained run by ID.
func (g *Registry) Get(id string) (*Run, error) {
	r, ok := g.runs.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// Active returns the in-flight run, or nil.
func (g *Registry) Active() *Run {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// evict drops the oldest finished runs beyond the retention cap. The
// active run is never evicted.
func (g *Registry) evict() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for len(g.order) > g.retain {
		evicted := false
		for i, id := range g.order {
			r, ok := g.runs.Load(id)
			if ok && !r.Finished() {
				continue
			}
			g.order = append(g.order[:i], g.order[i+1:]...)
			g.runs.Delete(id)
			evicted = true
			break
		}
		if !evicted {
			return // everything over the cap is still running
		}
	}
}
