// Package enginetest provides a scripted engine.Engine for workflow tests.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/engine"
	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/remote/remotetest"
)

// ErrNoResponse is returned when a program is submitted more often than it
// was scripted.
var ErrNoResponse = errors.New("no scripted response")

// Response is one scripted submission outcome.
type Response struct {
	Result *calc.Result
	Err    error
}

// Engine replays scripted results per program and records every request.
//
// When a Resolver is set, every successful submission registers the
// produced folder so that later builders can resolve it.
type Engine struct {
	mu        sync.Mutex
	resolver  *remotetest.Resolver
	scripts   map[calc.Program][]Response
	requests  []*calc.Request
	cleaned   []remote.Folder
	computer  string
	submitted int
}

var (
	_ engine.Engine  = (*Engine)(nil)
	_ engine.Cleaner = (*Engine)(nil)
)

// New returns an engine registering produced folders with resolver (which
// may be nil).
func New(resolver *remotetest.Resolver) *Engine {
	return &Engine{
		resolver: resolver,
		scripts:  make(map[calc.Program][]Response),
		computer: calc.DefaultComputer,
	}
}

// Push queues results for program p.
func (e *Engine) Push(p calc.Program, results ...*calc.Result) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range results {
		e.scripts[p] = append(e.scripts[p], Response{Result: r})
	}
	return e
}

// PushError queues a submission error for program p.
func (e *Engine) PushError(p calc.Program, err error) *Engine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scripts[p] = append(e.scripts[p], Response{Err: err})
	return e
}

// Submit implements engine.Engine.
func (e *Engine) Submit(ctx context.Context, req *calc.Request) (*calc.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.requests = append(e.requests, req)
	queue := e.scripts[req.Program]
	if len(queue) == 0 {
		return nil, fmt.Errorf("%w for %s (submission %d)", ErrNoResponse, req.Program, len(e.requests))
	}
	next := queue[0]
	e.scripts[req.Program] = queue[1:]
	if next.Err != nil {
		return nil, next.Err
	}

	e.submitted++
	res := *next.Result
	if res.Program == "" {
		res.Program = req.Program
	}
	if res.CalculationID == "" {
		res.CalculationID = fmt.Sprintf("calc-%d", e.submitted)
	}
	if res.RemoteFolder.IsZero() {
		res.RemoteFolder = remote.Folder{Computer: e.computer, Path: fmt.Sprintf("/scratch/%s", res.CalculationID)}
	}

	if e.resolver != nil {
		e.resolver.Add(&remote.Calculation{
			ID:          res.CalculationID,
			Program:     string(res.Program),
			Computer:    res.RemoteFolder.Computer,
			Folder:      res.RemoteFolder,
			ExitStatus:  res.ExitStatus,
			ExitMessage: res.ExitMessage,
			Inputs:      req.Inputs,
			Outputs:     res.Outputs.Map(),
			CreatedAt:   time.Now().UTC(),
		})
	}
	return &res, nil
}

// Clean implements engine.Cleaner by recording the folder.
func (e *Engine) Clean(_ context.Context, f remote.Folder) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cleaned = append(e.cleaned, f)
	return nil
}

// Requests returns the submitted requests in order.
func (e *Engine) Requests() []*calc.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*calc.Request(nil), e.requests...)
}

// Programs returns the program of every submitted request in order.
func (e *Engine) Programs() []calc.Program {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]calc.Program, len(e.requests))
	for i, r := range e.requests {
		out[i] = r.Program
	}
	return out
}

// Cleaned returns the folders passed to Clean.
func (e *Engine) Cleaned() []remote.Folder {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]remote.Folder(nil), e.cleaned...)
}

// Pending returns the number of scripted responses not yet consumed.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, q := range e.scripts {
		n += len(q)
	}
	return n
}

// OK returns a successful result with the given outputs.
func OK(outputs calc.Outputs) *calc.Result {
	return &calc.Result{Outputs: outputs}
}

// Failed returns a result with a non-zero exit status.
func Failed(status int) *calc.Result {
	return &calc.Result{ExitStatus: status, ExitMessage: calc.LookupExitCode(status).Message}
}
