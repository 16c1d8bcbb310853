package phonon

import (
	"context"

	"go.uber.org/zap"

	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/structure"
	"github.com/3leaps/gomobility/pkg/workflow"
)

// StagePh names ph.x submissions in events.
const StagePh = "ph"

// RunnerInput configures one restartable ph.x run.
type RunnerInput struct {
	// Parent is the scf folder, or a ph.x folder to recover from.
	Parent remote.Folder

	// ParentIsSCF enables the q-point and frequency checks for a non-empty
	// Parent. They always run when the runner starts from scratch.
	ParentIsSCF bool

	QMesh structure.Mesh

	// Parameters are the INPUTPH entries. start_q and last_q select the
	// first and last q-point; alpha_mix(1) and epsil are adjusted between
	// runs.
	Parameters namelist.Params

	Settings  calc.Settings
	Resources calc.Resources

	// MaxIterations caps the number of ph.x submissions (default 5).
	MaxIterations int

	// CheckImaginary defaults to true.
	CheckImaginary *bool

	// FrequencyThreshold is the lowest acceptable first frequency of a
	// q-point in cm-1 (default -15).
	FrequencyThreshold *float64

	// Separated runs one q-point per submission.
	Separated bool

	OnlyInitialization bool
	Label              string
}

// RunnerResult is a finished ph.x run.
type RunnerResult struct {
	// Result is the last successful ph.x calculation.
	Result  *calc.Result
	Context IterationContext
}

// Runner submits ph.x until every q-point is done, restarting on walltime,
// convergence and q-point progress.
type Runner struct {
	builder *calc.Builder
	session *workflow.Session
}

// NewRunner returns a runner building requests with b and submitting them
// through s.
func NewRunner(b *calc.Builder, s *workflow.Session) *Runner {
	return &Runner{builder: b, session: s}
}

type outcomeKind int

const (
	unhandled outcomeKind = iota
	restart
	finished
	fatal
)

// outcome is what a handler decided about one finished calculation.
type outcome struct {
	kind outcomeKind
	err  *workflow.ExitError
}

// runState is the mutable state of one Run.
type runState struct {
	IterationContext

	params    namelist.Params
	settings  calc.Settings
	parent    remote.Folder
	initial   remote.Folder
	checkSCF  bool
	check     bool
	threshold float64

	maxSeconds int
	recover    bool
	noRecover  bool
	// budgetSized is set once MaxIterations accounts for every q-point.
	budgetSized bool

	// restartFrom is the calculation the next submission continues.
	restartFrom *calc.Result
	last        *calc.Result
	finished    bool
}

// Run executes the ph.x restart loop.
func (r *Runner) Run(ctx context.Context, in RunnerInput) (*RunnerResult, error) {
	if in.Resources.NumMachines <= 0 || in.Resources.MaxWallclockSeconds <= 0 {
		return nil, CodeResourcesUnderspecified.Err()
	}
	st := newRunState(in)
	log := r.session.Logger.With(zap.String("stage", StagePh))

	for !st.finished && st.Iteration < st.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st.prepare()

		req, err := r.builder.Ph(ctx, calc.PhInput{
			Parent:     st.parent,
			QMesh:      in.QMesh,
			Parameters: st.params.Clone(),
			MaxSeconds: st.maxSeconds,
			Settings:   st.settings.Clone(),
			Resources:  in.Resources,
			Label:      in.Label,
		})
		if err != nil {
			return nil, err
		}
		st.Iteration++
		res, err := r.session.Submit(ctx, StagePh, st.Iteration, req)
		if err != nil {
			return nil, err
		}

		out := r.inspect(ctx, st, res)
		switch out.kind {
		case fatal:
			return nil, out.err
		case finished:
			st.finished = true
		case unhandled:
			if res.FinishedOK() {
				st.finished = true
				st.last = res
				continue
			}
			if st.UnhandledFailure {
				return nil, CodeSecondUnhandledFailure.StageErr(StagePh, res)
			}
			st.UnhandledFailure = true
			r.session.Action(ctx, StagePh, st.Iteration, "calculation %s failed with unhandled status %d, restarting once", res.CalculationID, res.ExitStatus)
			continue
		}
		st.UnhandledFailure = false
		if res.FinishedOK() {
			st.last = res
		}
	}

	if !st.finished {
		return nil, CodeMaxIterationsExceeded.Errf("ph.x did not finish within %d iterations", st.MaxIterations)
	}
	log.Info("ph.x finished", zap.Int("qpoints", st.MaxQpoint), zap.Int("iterations", st.Iteration))
	return &RunnerResult{Result: st.last, Context: st.IterationContext}, nil
}

func newRunState(in RunnerInput) *runState {
	params := in.Parameters.Clone()
	current := intParam(params, "start_q", 1)
	maxQ := intParam(params, "last_q", in.QMesh.Max())
	params.Set("start_q", current)
	params.Set("last_q", current)

	settings := in.Settings.Clone()
	if settings == nil {
		settings = calc.Settings{}
	}
	if in.OnlyInitialization {
		settings[calc.SettingOnlyInitialization] = true
	}

	st := &runState{
		IterationContext: IterationContext{
			CurrentQpoint: current,
			MaxQpoint:     maxQ,
			MaxIterations: in.MaxIterations,
			Separated:     in.Separated,
		},
		params:     params,
		settings:   settings,
		parent:     in.Parent,
		initial:    in.Parent,
		checkSCF:   in.ParentIsSCF,
		check:      true,
		threshold:  DefaultFrequencyThreshold,
		maxSeconds: int(float64(in.Resources.MaxWallclockSeconds) * MaxSecondsFactor),
		recover:    !in.Parent.IsZero(),
	}
	if st.MaxIterations <= 0 {
		st.MaxIterations = DefaultMaxIterations
	}
	if in.CheckImaginary != nil {
		st.check = *in.CheckImaginary
	}
	if in.FrequencyThreshold != nil {
		st.threshold = *in.FrequencyThreshold
	}
	return st
}

// prepare sets the parent folder and the recover flag of the next run.
func (st *runState) prepare() {
	if st.restartFrom != nil {
		st.parent = st.restartFrom.RemoteFolder
		st.recover = !st.noRecover
	}
	st.params.Set("recover", st.recover)
}

// inspect runs the handlers in priority order and returns the first
// decision.
func (r *Runner) inspect(ctx context.Context, st *runState, res *calc.Result) outcome {
	handlers := []func(context.Context, *runState, *calc.Result) (outcome, bool){
		r.handleUnrecoverable,
		r.handleQpoints,
		r.handleWalltime,
		r.handleConvergence,
	}
	for _, h := range handlers {
		if out, ok := h(ctx, st, res); ok {
			return out
		}
	}
	return outcome{kind: unhandled}
}

func (r *Runner) handleUnrecoverable(ctx context.Context, st *runState, res *calc.Result) (outcome, bool) {
	if res.Kind() != calc.KindFatal {
		return outcome{}, false
	}
	r.session.Action(ctx, StagePh, st.Iteration, "calculation %s failed with unrecoverable status %d", res.CalculationID, res.ExitStatus)
	return outcome{kind: fatal, err: CodeUnrecoverableFailure.StageErr(StagePh, res)}, true
}

func (r *Runner) handleQpoints(ctx context.Context, st *runState, res *calc.Result) (outcome, bool) {
	if !res.FinishedOK() {
		return outcome{}, false
	}
	if !st.initial.IsZero() && !st.checkSCF {
		return outcome{}, false
	}

	if nq := res.Outputs.NumberOfQpoints; nq > 0 && nq != st.MaxQpoint {
		st.MaxQpoint = nq
		st.budgetSized = true
		if st.Separated {
			st.MaxIterations += maxIterationsPerNewQpoint * nq
		} else {
			st.MaxIterations += maxIterationsJointIncrement
		}
		r.session.Action(ctx, StagePh, st.Iteration, "ph.x reported %d irreducible q-points, max iterations now %d", nq, st.MaxIterations)
	}
	if !st.check {
		return r.startNext(ctx, st, res), true
	}

	freqs, ok := res.Outputs.Frequencies(st.CurrentQpoint)
	if !ok {
		r.session.Action(ctx, StagePh, st.Iteration, "no dynamical matrix for q-point %d, restarting", st.CurrentQpoint)
		return outcome{kind: restart}, true
	}
	if freqs[0] > st.threshold {
		return r.startNext(ctx, st, res), true
	}
	r.session.Action(ctx, StagePh, st.Iteration, "first frequency %.2f cm-1 at q-point %d is below %.2f", freqs[0], st.CurrentQpoint, st.threshold)
	e := CodeImaginaryFrequencies.Errf("imaginary frequency %.2f cm-1 at q-point %d", freqs[0], st.CurrentQpoint)
	e.Stage = StagePh
	return outcome{kind: fatal, err: e}, true
}

// startNext moves to the next q-point or finishes when none is left.
func (r *Runner) startNext(ctx context.Context, st *runState, res *calc.Result) outcome {
	if st.CurrentQpoint >= st.MaxQpoint || (!st.Separated && st.CurrentQpoint > 1) {
		return outcome{kind: finished}
	}

	st.restartFrom = res
	if st.Separated && !st.budgetSized {
		st.budgetSized = true
		// one run per remaining q-point plus a restart each
		if need := st.Iteration + maxIterationsPerNewQpoint*(st.MaxQpoint-st.CurrentQpoint); need > st.MaxIterations {
			st.MaxIterations = need
			r.session.Action(ctx, StagePh, st.Iteration, "%d q-points left, max iterations now %d", st.MaxQpoint-st.CurrentQpoint, need)
		}
	}
	if boolParam(st.params, "epsil") {
		st.params.Set("epsil", false)
		st.noRecover = true
	}
	st.CurrentQpoint++
	st.params.Set("start_q", st.CurrentQpoint)
	if st.Separated {
		st.settings[calc.SettingParentFolderSymlink] = true
		st.params.Set("last_q", st.CurrentQpoint)
		r.session.Action(ctx, StagePh, st.Iteration, "q-point %d passed, continuing with q-point %d", st.CurrentQpoint-1, st.CurrentQpoint)
	} else {
		st.params.Set("last_q", st.MaxQpoint)
		r.session.Action(ctx, StagePh, st.Iteration, "first q-point passed, continuing with q-points %d to %d", st.CurrentQpoint, st.MaxQpoint)
	}
	return outcome{kind: restart}
}

func (r *Runner) handleWalltime(ctx context.Context, st *runState, res *calc.Result) (outcome, bool) {
	if res.ExitStatus != calc.ExitOutOfWalltime {
		return outcome{}, false
	}
	st.restartFrom = res
	r.session.Action(ctx, StagePh, st.Iteration, "calculation %s ran out of walltime, restarting", res.CalculationID)
	return outcome{kind: restart}, true
}

func (r *Runner) handleConvergence(ctx context.Context, st *runState, res *calc.Result) (outcome, bool) {
	if res.ExitStatus != calc.ExitConvergenceNotReached {
		return outcome{}, false
	}
	alpha := floatParam(st.params, "alpha_mix(1)", DefaultAlphaMix) * AlphaMixDamping
	st.params.Set("alpha_mix(1)", alpha)

	// from scratch: the failed run's folder is not reused
	st.restartFrom = nil
	st.parent = st.initial
	st.recover = false
	r.session.Action(ctx, StagePh, st.Iteration, "convergence not reached, restarting from scratch with alpha_mix(1) = %.4f", alpha)
	return outcome{kind: restart}, true
}
