// Package workflow holds what the workflow state machines share: terminal
// exit errors, step events and the submission helper that reports them.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/engine"
	"github.com/3leaps/gomobility/pkg/remote"
)

// ExitError is the terminal failure status of a workflow.
type ExitError struct {
	Code    int
	Name    string
	Message string

	// Stage names the step whose failure ended the workflow, if any.
	Stage string

	// SubStatus and SubMessage carry the failed calculation's exit status.
	SubStatus  int
	SubMessage string
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s (%d): %s", e.Name, e.Code, e.Message)
	if e.Stage != "" {
		msg += fmt.Sprintf(" [stage %s", e.Stage)
		if e.SubStatus != 0 {
			msg += fmt.Sprintf(", exit status %d", e.SubStatus)
		}
		msg += "]"
	}
	return msg
}

// Is matches another *ExitError with the same code and name.
func (e *ExitError) Is(target error) bool {
	t, ok := target.(*ExitError)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Name == e.Name
}

// Code names an exit status of a workflow.
type Code struct {
	Status  int
	Name    string
	Message string
}

// Err returns an ExitError for the code.
func (c Code) Err() *ExitError {
	return &ExitError{Code: c.Status, Name: c.Name, Message: c.Message}
}

// Errf returns an ExitError for the code with a specific message.
func (c Code) Errf(format string, args ...any) *ExitError {
	return &ExitError{Code: c.Status, Name: c.Name, Message: fmt.Sprintf(format, args...)}
}

// StageErr returns an ExitError naming the failed stage and its result.
func (c Code) StageErr(stage string, res *calc.Result) *ExitError {
	e := c.Err()
	e.Stage = stage
	if res != nil {
		e.SubStatus = res.ExitStatus
		e.SubMessage = res.ExitMessage
	}
	return e
}

// AsExit returns the ExitError in err's chain.
func AsExit(err error) (*ExitError, bool) {
	var e *ExitError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ExitStatus returns the exit code of err: 0 for nil, the ExitError code
// when present and -1 otherwise.
func ExitStatus(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := AsExit(err); ok {
		return e.Code
	}
	return -1
}

// EventKind classifies workflow events.
type EventKind string

const (
	EventSubmitted EventKind = "submitted"
	EventFinished  EventKind = "finished"
	EventAction    EventKind = "action"
	EventSkipped   EventKind = "skipped"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one observable step of a workflow.
type Event struct {
	Kind      EventKind `json:"kind"`
	Workflow  string    `json:"workflow"`
	Stage     string    `json:"stage,omitempty"`
	Iteration int       `json:"iteration,omitempty"`

	Program       calc.Program   `json:"program,omitempty"`
	CalculationID string         `json:"calculation_id,omitempty"`
	Folder        *remote.Folder `json:"folder,omitempty"`
	ExitStatus    int            `json:"exit_status,omitempty"`
	Message       string         `json:"message,omitempty"`

	Time time.Time `json:"time"`
}

// Observer receives workflow events. Implementations must be safe for
// concurrent use.
type Observer interface {
	Observe(ctx context.Context, e Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, e Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, e Event) {
	f(ctx, e)
}

// Nop returns an observer that drops every event.
func Nop() Observer {
	return ObserverFunc(func(context.Context, Event) {})
}

// Recorder is an observer keeping every event, for tests and summaries.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Observe implements Observer.
func (r *Recorder) Observe(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns the recorded events in order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Actions returns the messages of the recorded action events.
func (r *Recorder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == EventAction {
			out = append(out, e.Message)
		}
	}
	return out
}

// Session carries what every step of one workflow run needs: the engine,
// the observer, the logger and the folders produced so far.
type Session struct {
	Workflow string
	Engine   engine.Engine
	Observer Observer
	Logger   *zap.Logger

	mu      sync.Mutex
	folders []remote.Folder
}

// NewSession returns a session. Nil observer and logger are replaced by
// no-op implementations.
func NewSession(name string, eng engine.Engine, obs Observer, logger *zap.Logger) *Session {
	if obs == nil {
		obs = Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{Workflow: name, Engine: eng, Observer: obs, Logger: logger.With(zap.String("workflow", name))}
}

// Submit runs req through the engine and reports it. A non-nil error means
// the engine could not run the request; a failed calculation is a result
// with a non-zero exit status.
func (s *Session) Submit(ctx context.Context, stage string, iteration int, req *calc.Request) (*calc.Result, error) {
	s.emit(ctx, Event{Kind: EventSubmitted, Stage: stage, Iteration: iteration, Program: req.Program})
	s.Logger.Info("submitting", zap.String("stage", stage), zap.String("program", string(req.Program)), zap.Int("iteration", iteration))

	res, err := s.Engine.Submit(ctx, req)
	if err != nil {
		s.Logger.Error("submission failed", zap.String("stage", stage), zap.Error(err))
		return nil, fmt.Errorf("%s: submit %s: %w", s.Workflow, stage, err)
	}

	s.mu.Lock()
	s.folders = append(s.folders, res.RemoteFolder)
	s.mu.Unlock()

	folder := res.RemoteFolder
	s.emit(ctx, Event{
		Kind:          EventFinished,
		Stage:         stage,
		Iteration:     iteration,
		Program:       res.Program,
		CalculationID: res.CalculationID,
		Folder:        &folder,
		ExitStatus:    res.ExitStatus,
		Message:       res.ExitMessage,
	})
	if !res.FinishedOK() {
		s.Logger.Warn("calculation failed",
			zap.String("stage", stage),
			zap.String("calc_id", res.CalculationID),
			zap.Int("exit_status", res.ExitStatus),
			zap.String("exit_message", res.ExitMessage),
		)
	}
	return res, nil
}

// Action reports a decision taken by a state machine.
func (s *Session) Action(ctx context.Context, stage string, iteration int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.Logger.Info(msg, zap.String("stage", stage), zap.Int("iteration", iteration))
	s.emit(ctx, Event{Kind: EventAction, Stage: stage, Iteration: iteration, Message: msg})
}

// Skipped reports a stage that was not run.
func (s *Session) Skipped(ctx context.Context, stage, reason string) {
	s.Logger.Info("stage skipped", zap.String("stage", stage), zap.String("reason", reason))
	s.emit(ctx, Event{Kind: EventSkipped, Stage: stage, Message: reason})
}

// Done reports the terminal state of the workflow and returns err.
func (s *Session) Done(ctx context.Context, err error) error {
	if err == nil {
		s.emit(ctx, Event{Kind: EventCompleted})
		return nil
	}
	e := Event{Kind: EventFailed, Message: err.Error()}
	if exit, ok := AsExit(err); ok {
		e.ExitStatus = exit.Code
		e.Stage = exit.Stage
	}
	s.emit(ctx, e)
	return err
}

// Folders returns the folders of every calculation submitted so far.
func (s *Session) Folders() []remote.Folder {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]remote.Folder(nil), s.folders...)
}

// CleanWorkdirs removes the produced folders when the engine supports it.
// Failures are logged; cleaning never changes the workflow outcome.
func (s *Session) CleanWorkdirs(ctx context.Context) {
	n, err := engine.CleanAll(ctx, s.Engine, s.Folders())
	if err != nil {
		s.Logger.Warn("cleaning work directories failed", zap.Error(err))
	}
	if n > 0 {
		s.Logger.Info("cleaned remote folders", zap.Int("count", n))
	}
}

func (s *Session) emit(ctx context.Context, e Event) {
	e.Workflow = s.Workflow
	e.Time = time.Now().UTC()
	s.Observer.Observe(ctx, e)
}
