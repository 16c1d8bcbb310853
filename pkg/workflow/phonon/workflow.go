package phonon

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/engine"
	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/structure"
	"github.com/3leaps/gomobility/pkg/workflow"
)

// Name identifies the phonon band workflow in events.
const Name = "phonon_bands"

// Stage names.
const (
	StageRelax    = "relax"
	StageSeekpath = "seekpath"
	StageSCF      = "scf"
	StageQ2r      = "q2r"
	StageMatdyn   = "matdyn"
)

// Policy decides what an imaginary-frequency failure of ph.x does.
type Policy string

const (
	// PolicyRestart tightens the thresholds and reruns the chain.
	PolicyRestart Policy = "restart"
	// PolicyAbort ends the workflow with the imaginary-frequency status.
	PolicyAbort Policy = "abort"
)

// PwStep configures a relax or scf pw.x step.
type PwStep struct {
	// Parameters are the pw.x namelists. CONTROL.calculation defaults to
	// "relax" for the relax step and is forced to "scf" for the scf step.
	Parameters map[string]namelist.Params

	// KMesh overrides KpointsDistance when set.
	KMesh           *structure.Mesh
	KpointsDistance float64

	Pseudos   map[string]string
	Settings  calc.Settings
	Resources calc.Resources
}

// PhStep configures the ph.x runner.
type PhStep struct {
	Parameters         namelist.Params
	Settings           calc.Settings
	Resources          calc.Resources
	MaxIterations      int
	CheckImaginary     *bool
	FrequencyThreshold *float64
	Separated          bool
}

// Step configures a q2r.x or matdyn.x step.
type Step struct {
	Parameters namelist.Params
	Settings   calc.Settings
	Resources  calc.Resources
}

// Input configures one phonon band workflow run.
type Input struct {
	Structure *structure.Structure

	// Relax is optional.
	Relax  *PwStep
	SCF    PwStep
	Ph     PhStep
	Q2r    Step
	Matdyn Step

	// Qpoints overrides QpointsDistance when set.
	Qpoints         *structure.Mesh
	QpointsDistance float64

	// MatdynDistance is the q-path sampling distance (default 0.01).
	MatdynDistance float64

	MaxRestarts int
	Policy      Policy
	System2D    bool

	// Skip-ahead folders. A q2r folder skips scf, ph and q2r; a ph folder
	// skips scf and ph; an scf folder skips scf.
	SCFFolder *remote.Folder
	PhFolder  *remote.Folder
	Q2rFolder *remote.Folder

	// CleanWorkdir removes every produced folder when the workflow ends.
	CleanWorkdir bool
}

// Result is a finished phonon band workflow.
type Result struct {
	Structure *structure.Structure `json:"structure"`
	Qpoints   structure.Mesh       `json:"qpoints"`
	Path      [][3]float64         `json:"path"`
	Labels    []PathLabel          `json:"labels,omitempty"`

	Relax  *calc.Result `json:"relax,omitempty"`
	SCF    *calc.Result `json:"scf,omitempty"`
	Ph     *calc.Result `json:"ph,omitempty"`
	Q2r    *calc.Result `json:"q2r,omitempty"`
	Matdyn *calc.Result `json:"matdyn"`

	Context IterationContext `json:"context"`
}

// Config wires a Workflow.
type Config struct {
	Builder  *calc.Builder
	Engine   engine.Engine
	Analyzer StructureAnalyzer
	Observer workflow.Observer
	Logger   *zap.Logger
}

// Workflow runs relax, seekpath, scf, ph, q2r and matdyn until the phonon
// spectrum has no imaginary frequencies.
type Workflow struct {
	cfg Config
}

// New returns a workflow. A nil Analyzer keeps the structure and samples
// Γ only.
func New(cfg Config) (*Workflow, error) {
	if cfg.Builder == nil {
		return nil, errors.New("phonon: builder is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("phonon: engine is required")
	}
	if cfg.Analyzer == nil {
		cfg.Analyzer = PathAnalyzer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Workflow{cfg: cfg}, nil
}

// run is the mutable state of one Run.
type run struct {
	in        Input
	session   *workflow.Session
	ctx       IterationContext
	structure *structure.Structure
	folder    remote.Folder
	qmesh     *structure.Mesh
	result    *Result
}

// Run executes the workflow.
func (w *Workflow) Run(ctx context.Context, in Input) (*Result, error) {
	session := workflow.NewSession(Name, w.cfg.Engine, w.cfg.Observer, w.cfg.Logger)
	res, err := w.run(ctx, session, in)
	if in.CleanWorkdir {
		session.CleanWorkdirs(context.WithoutCancel(ctx))
	}
	return res, session.Done(ctx, err)
}

func (w *Workflow) run(ctx context.Context, session *workflow.Session, in Input) (*Result, error) {
	if err := w.validate(ctx, in); err != nil {
		return nil, err
	}
	if in.MaxRestarts <= 0 {
		in.MaxRestarts = DefaultMaxRestarts
	}
	if in.MatdynDistance <= 0 {
		in.MatdynDistance = DefaultMatdynDistance
	}
	if in.Policy == "" {
		in.Policy = PolicyRestart
	}

	first := in.SCF
	if in.Relax != nil {
		first = *in.Relax
	}
	r := &run{
		in:        in,
		session:   session,
		structure: in.Structure,
		result:    &Result{},
		ctx: IterationContext{
			Thresholds: initialThresholds(upperNamelists(first.Parameters), first.KpointsDistance, in.Ph.Parameters),
			Separated:  in.Ph.Separated,
		},
	}

	for !r.ctx.NoImaginary && r.ctx.Restarts < in.MaxRestarts {
		done, err := w.iterate(ctx, r)
		if err != nil {
			return nil, err
		}
		if done {
			r.result.Context = r.ctx
			return r.result, nil
		}
	}
	return nil, CodeImaginaryNotResolved.Errf("imaginary frequencies remain after %d restarts", r.ctx.Restarts)
}

func (w *Workflow) validate(ctx context.Context, in Input) error {
	if in.Structure == nil && in.Q2rFolder == nil && in.PhFolder == nil {
		return fmt.Errorf("%s: structure is required", Name)
	}
	if in.Qpoints == nil && in.QpointsDistance <= 0 && in.Q2rFolder == nil && in.PhFolder == nil {
		return CodeMissingQpoints.Err()
	}
	if in.Policy != "" && in.Policy != PolicyRestart && in.Policy != PolicyAbort {
		return fmt.Errorf("%s: unknown imaginary-frequency policy %q", Name, in.Policy)
	}
	checks := []struct {
		folder *remote.Folder
		code   workflow.Code
		want   []calc.Program
	}{
		{in.SCFFolder, CodeInvalidSCFFolder, []calc.Program{calc.ProgramPw}},
		{in.PhFolder, CodeInvalidPhFolder, []calc.Program{calc.ProgramPh, calc.ProgramPhRecover}},
		{in.Q2rFolder, CodeInvalidQ2rFolder, []calc.Program{calc.ProgramQ2r}},
	}
	for _, c := range checks {
		if c.folder == nil {
			continue
		}
		if err := w.checkProducer(ctx, *c.folder, c.code, c.want...); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflow) checkProducer(ctx context.Context, f remote.Folder, code workflow.Code, want ...calc.Program) error {
	resolver := w.cfg.Builder.Resolver()
	if resolver == nil {
		return code.Errf("cannot resolve %s: no resolver", f)
	}
	c, err := resolver.Producer(ctx, f)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return code.Errf("%s: %v", f, err)
	}
	for _, p := range want {
		if calc.Program(c.Program) == p {
			return nil
		}
	}
	return code.Errf("%s was produced by %s", f, c.Program)
}

// iterate runs one pass of the chain. It reports done when matdyn finished;
// false with a nil error means ph.x found imaginary frequencies and the
// thresholds were tightened.
func (w *Workflow) iterate(ctx context.Context, r *run) (bool, error) {
	in := r.in
	if in.Relax != nil && in.SCFFolder == nil && in.PhFolder == nil && in.Q2rFolder == nil {
		if err := w.relax(ctx, r); err != nil {
			return false, err
		}
	}

	if r.structure != nil {
		analysis, err := w.cfg.Analyzer.Analyze(ctx, r.structure, in.MatdynDistance)
		if err != nil {
			return false, fmt.Errorf("%s: %s: %w", Name, StageSeekpath, err)
		}
		r.structure = analysis.Primitive
		r.result.Structure = analysis.Primitive
		r.result.Path = analysis.Path
		r.result.Labels = analysis.Labels
		r.session.Action(ctx, StageSeekpath, r.ctx.Restarts, "q-point path with %d points", len(analysis.Path))
	}

	switch {
	case in.Q2rFolder != nil || in.PhFolder != nil:
		r.session.Skipped(ctx, StageSCF, "ph or q2r folder given")
	case in.SCFFolder != nil:
		r.folder = *in.SCFFolder
		r.session.Skipped(ctx, StageSCF, "scf folder given")
	default:
		if err := w.scf(ctx, r); err != nil {
			return false, err
		}
	}

	switch {
	case in.Q2rFolder != nil:
		r.session.Skipped(ctx, StagePh, "q2r folder given")
		r.ctx.NoImaginary = true
	case in.PhFolder != nil:
		r.folder = *in.PhFolder
		r.session.Skipped(ctx, StagePh, "ph folder given")
		r.ctx.NoImaginary = true
	default:
		passed, err := w.ph(ctx, r)
		if err != nil || !passed {
			return false, err
		}
	}

	if in.Q2rFolder != nil {
		r.folder = *in.Q2rFolder
		r.session.Skipped(ctx, StageQ2r, "q2r folder given")
	} else if err := w.q2r(ctx, r); err != nil {
		return false, err
	}
	return true, w.matdyn(ctx, r)
}

func (w *Workflow) relax(ctx context.Context, r *run) error {
	step := *r.in.Relax
	params := cloneNamelists(step.Parameters)
	setDefault(params, "CONTROL", "calculation", "relax")
	r.applyPwThresholds(params)

	kmesh, err := r.kmesh(step, r.structure)
	if err != nil {
		return err
	}
	req, err := w.cfg.Builder.Pw(ctx, calc.PwInput{
		Structure:  r.structure,
		KMesh:      kmesh,
		Parameters: params,
		Pseudos:    step.Pseudos,
		Settings:   step.Settings,
		Resources:  step.Resources,
		Label:      StageRelax,
	})
	if err != nil {
		return err
	}
	res, err := r.session.Submit(ctx, StageRelax, r.ctx.Restarts, req)
	if err != nil {
		return err
	}
	if !res.FinishedOK() {
		return CodeRelaxFailed.StageErr(StageRelax, res)
	}
	r.result.Relax = res
	if v, ok := res.Outputs.Parameters["output_structure"]; ok {
		s, err := calc.DecodeStructure(v)
		if err != nil {
			return fmt.Errorf("%s: %s: %w", Name, StageRelax, err)
		}
		r.structure = s
	}
	return nil
}

func (w *Workflow) scf(ctx context.Context, r *run) error {
	step := r.in.SCF
	params := cloneNamelists(step.Parameters)
	set(params, "CONTROL", "calculation", "scf")
	r.applyPwThresholds(params)

	kmesh, err := r.kmesh(step, r.structure)
	if err != nil {
		return err
	}
	req, err := w.cfg.Builder.Pw(ctx, calc.PwInput{
		Structure:  r.structure,
		KMesh:      kmesh,
		Parameters: params,
		Pseudos:    step.Pseudos,
		Settings:   step.Settings,
		Resources:  step.Resources,
		Label:      StageSCF,
	})
	if err != nil {
		return err
	}
	res, err := r.session.Submit(ctx, StageSCF, r.ctx.Restarts, req)
	if err != nil {
		return err
	}
	if !res.FinishedOK() {
		return CodeSCFFailed.StageErr(StageSCF, res)
	}
	r.result.SCF = res
	r.folder = res.RemoteFolder
	return nil
}

// ph runs the ph.x runner. It reports false with a nil error when the
// thresholds were tightened for another pass.
func (w *Workflow) ph(ctx context.Context, r *run) (bool, error) {
	if r.qmesh == nil {
		m, err := r.qpoints()
		if err != nil {
			return false, err
		}
		r.qmesh = &m
	}
	r.result.Qpoints = *r.qmesh

	params := r.in.Ph.Parameters.Clone()
	params.Set("tr2_ph", r.ctx.Thresholds.Tr2Ph)

	runner := NewRunner(w.cfg.Builder, r.session)
	out, err := runner.Run(ctx, RunnerInput{
		Parent:             r.folder,
		ParentIsSCF:        true,
		QMesh:              *r.qmesh,
		Parameters:         params,
		Settings:           r.in.Ph.Settings,
		Resources:          r.in.Ph.Resources,
		MaxIterations:      r.in.Ph.MaxIterations,
		CheckImaginary:     r.in.Ph.CheckImaginary,
		FrequencyThreshold: r.in.Ph.FrequencyThreshold,
		Separated:          r.in.Ph.Separated,
		Label:              StagePh,
	})
	if err == nil {
		r.ctx.NoImaginary = true
		r.ctx.CurrentQpoint = out.Context.CurrentQpoint
		r.ctx.MaxQpoint = out.Context.MaxQpoint
		r.ctx.Iteration = out.Context.Iteration
		r.result.Ph = out.Result
		r.folder = out.Result.RemoteFolder
		return true, nil
	}

	exit, ok := workflow.AsExit(err)
	if !ok {
		return false, err
	}
	if exit.Code != CodeImaginaryFrequencies.Status {
		e := CodePhFailed.Errf("ph.x runner ended with %s", exit.Name)
		e.Stage = StagePh
		e.SubStatus = exit.Code
		e.SubMessage = exit.Message
		return false, e
	}
	if r.in.Policy == PolicyAbort {
		e := CodeImaginaryNotResolved.Errf("%s", exit.Message)
		e.Stage = StagePh
		e.SubStatus = exit.Code
		e.SubMessage = exit.Message
		return false, e
	}

	r.ctx.Restarts++
	r.ctx.Thresholds = r.ctx.Thresholds.Tighten()
	t := r.ctx.Thresholds
	r.session.Action(ctx, StagePh, r.ctx.Restarts,
		"imaginary frequencies, restarting with kpoints_distance %.4g, conv_thr %.2e, ecutwfc %.1f, tr2_ph %.2e",
		t.KpointsDistance, t.ConvThr, t.Cutoff, t.Tr2Ph)
	return false, nil
}

func (w *Workflow) q2r(ctx context.Context, r *run) error {
	req, err := w.cfg.Builder.Q2r(ctx, calc.Q2rInput{
		Parent:     r.folder,
		Parameters: r.in.Q2r.Parameters,
		Settings:   r.in.Q2r.Settings,
		Resources:  r.in.Q2r.Resources,
		Label:      StageQ2r,
	})
	if err != nil {
		return err
	}
	res, err := r.session.Submit(ctx, StageQ2r, r.ctx.Restarts, req)
	if err != nil {
		return err
	}
	if !res.FinishedOK() {
		return CodeQ2rFailed.StageErr(StageQ2r, res)
	}
	r.result.Q2r = res
	r.folder = res.RemoteFolder
	return nil
}

func (w *Workflow) matdyn(ctx context.Context, r *run) error {
	points := r.result.Path
	if len(points) == 0 {
		points = [][3]float64{{0, 0, 0}}
	}
	req, err := w.cfg.Builder.Matdyn(ctx, calc.MatdynInput{
		Parent:     r.folder,
		Points:     points,
		Parameters: r.in.Matdyn.Parameters,
		Settings:   r.in.Matdyn.Settings,
		Resources:  r.in.Matdyn.Resources,
		Label:      StageMatdyn,
	})
	if err != nil {
		return err
	}
	res, err := r.session.Submit(ctx, StageMatdyn, r.ctx.Restarts, req)
	if err != nil {
		return err
	}
	if !res.FinishedOK() {
		return CodeMatdynFailed.StageErr(StageMatdyn, res)
	}
	r.result.Matdyn = res
	return nil
}

// applyPwThresholds writes the current thresholds into pw.x namelists.
// The first pass keeps the given values.
func (r *run) applyPwThresholds(params map[string]namelist.Params) {
	if r.ctx.Restarts == 0 {
		return
	}
	t := r.ctx.Thresholds
	set(params, "CONTROL", "etot_conv_thr", t.EtotConvThr)
	set(params, "CONTROL", "forc_conv_thr", t.ForcConvThr)
	set(params, "ELECTRONS", "conv_thr", t.ConvThr)
	set(params, "SYSTEM", "ecutwfc", t.Cutoff)
}

func (r *run) kmesh(step PwStep, s *structure.Structure) (structure.Mesh, error) {
	if step.KMesh != nil {
		return *step.KMesh, nil
	}
	distance := step.KpointsDistance
	if r.ctx.Restarts > 0 && r.ctx.Thresholds.KpointsDistance > 0 {
		distance = r.ctx.Thresholds.KpointsDistance
	}
	m, err := structure.MeshFromDistance(s, distance, r.in.System2D)
	if err != nil {
		return structure.Mesh{}, fmt.Errorf("%s: kpoints: %w", Name, err)
	}
	return m, nil
}

func (r *run) qpoints() (structure.Mesh, error) {
	if r.in.Qpoints != nil {
		return *r.in.Qpoints, nil
	}
	if r.structure == nil {
		return structure.Mesh{}, CodeMissingQpoints.Errf("qpoints_distance needs a structure")
	}
	m, err := structure.MeshFromDistance(r.structure, r.in.QpointsDistance, r.in.System2D)
	if err != nil {
		return structure.Mesh{}, fmt.Errorf("%s: qpoints: %w", Name, err)
	}
	return m, nil
}

func cloneNamelists(in map[string]namelist.Params) map[string]namelist.Params {
	out := make(map[string]namelist.Params, len(in)+3)
	for name, p := range upperNamelists(in) {
		out[name] = p.Clone()
	}
	return out
}

func upperNamelists(in map[string]namelist.Params) map[string]namelist.Params {
	out := make(map[string]namelist.Params, len(in))
	for name, p := range in {
		out[strings.ToUpper(name)] = p
	}
	return out
}

func set(lists map[string]namelist.Params, block, key string, value any) {
	p := lists[block]
	p.Set(key, value)
	lists[block] = p
}

func setDefault(lists map[string]namelist.Params, block, key string, value any) {
	p := lists[block]
	p.SetDefault(key, value)
	lists[block] = p
}
