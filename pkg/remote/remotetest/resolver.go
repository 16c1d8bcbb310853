// Package remotetest provides an in-memory remote.Resolver for tests.
package remotetest

import (
	"context"
	"sync"

	"github.com/3leaps/gomobility/pkg/remote"
)

// Resolver resolves folders from calculations registered with Add.
type Resolver struct {
	mu    sync.Mutex
	calcs map[remote.Folder][]*remote.Calculation
	calls int
}

// NewResolver returns a resolver pre-populated with calcs.
func NewResolver(calcs ...*remote.Calculation) *Resolver {
	r := &Resolver{calcs: make(map[remote.Folder][]*remote.Calculation)}
	for _, c := range calcs {
		r.Add(c)
	}
	return r
}

// Add registers c as a producer of c.Folder.
func (r *Resolver) Add(c *remote.Calculation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calcs[c.Folder] = append(r.calcs[c.Folder], c)
}

// Producer implements remote.Resolver.
func (r *Resolver) Producer(ctx context.Context, f remote.Folder) (*remote.Calculation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	found := r.calcs[f]
	if err := remote.LookupFailed(f, len(found)); err != nil {
		return nil, err
	}
	return found[0], nil
}

// Calls returns the number of Producer calls.
func (r *Resolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
