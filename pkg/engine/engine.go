// Package engine defines the contract between the workflows and whatever
// runs external programs.
//
// Submit is the only suspension point of a workflow: it blocks until the
// calculation has finished (successfully or not) and returns its parsed
// result. A non-nil error means the calculation could not be run or
// recorded at all; a program failure is a Result with a non-zero exit
// status.
package engine

import (
	"context"

	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/remote"
)

// Engine runs calculation requests.
type Engine interface {
	Submit(ctx context.Context, req *calc.Request) (*calc.Result, error)
}

// Cleaner is implemented by engines that can remove the scratch folder of a
// finished calculation.
type Cleaner interface {
	Clean(ctx context.Context, f remote.Folder) error
}

// Func adapts a function to the Engine interface.
type Func func(ctx context.Context, req *calc.Request) (*calc.Result, error)

// Submit implements Engine.
func (f Func) Submit(ctx context.Context, req *calc.Request) (*calc.Result, error) {
	return f(ctx, req)
}

// CleanAll removes the given folders when e implements Cleaner. It returns
// the number of folders removed and the first error.
func CleanAll(ctx context.Context, e Engine, folders []remote.Folder) (int, error) {
	c, ok := e.(Cleaner)
	if !ok {
		return 0, nil
	}
	removed := 0
	var firstErr error
	for _, f := range folders {
		if f.IsZero() {
			continue
		}
		if err := c.Clean(ctx, f); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
