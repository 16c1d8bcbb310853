// Package transport runs the mobility pipeline: phonon recovery, qe2pert
// and the perturbo setup, imsigma and trans stages for electrons and, in
// semiconductors, holes.
package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/gomobility/pkg/bands"
	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/engine"
	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/structure"
	"github.com/3leaps/gomobility/pkg/workflow"
)

// Name identifies the transport workflow in events.
const Name = "transport"

// Stage names.
const (
	StagePhRecover = "ph_recover"
	StageQE2Pert   = "qe2pert"
	StageSetup     = "setup"
	StageImsigma   = "imsigma"
	StageTrans     = "trans"
)

// Defaults of the perturbo knobs.
const (
	DefaultPhfreqCutoff = 1.0
	DefaultDeltaSmear   = 10.0
	DefaultNSamples     = 100000
	DefaultCauchyScale  = 1.0
	SamplingCauchy      = "cauchy"
	setupMeshFactor     = 10
)

// CodeSubProcessFailed ends the pipeline when any stage fails.
var CodeSubProcessFailed = workflow.Code{Status: 400, Name: "ERROR_SUB_PROCESS_FAILED", Message: "The sub process failed."}

// Carrier selects the electron or hole branch.
type Carrier string

const (
	Electron Carrier = "electron"
	Hole     Carrier = "hole"
)

// QE2PertStep tunes the qe2pert.x run.
type QE2PertStep struct {
	KMesh      *structure.Mesh
	DFTBandMin *int
	DFTBandMax *int
	NumWann    *int
	LWannier   *bool
	System2D   bool
	Settings   calc.Settings
}

// Input configures one transport run.
type Input struct {
	// PhFolder is produced by ph.x (recovered first) or by a recovery run.
	PhFolder      remote.Folder
	NscfFolder    remote.Folder
	WannierFolder remote.Folder

	QE2Pert QE2PertStep

	// SetupKMesh overrides the scf k-mesh × 10 of the setup stage.
	SetupKMesh *structure.Mesh

	// BandsEnergyThreshold defaults to bands.DefaultThreshold.
	BandsEnergyThreshold float64

	// Temperatures defaults to 300 K alone.
	Temperatures *TemperatureRange

	CarrierConcentration *float64

	PhfreqCutoff *float64
	DeltaSmear   *float64
	Sampling     string
	NSamples     int
	CauchyScale  *float64
	BoltzNstep   int

	// Settings holds max_OmegaTOT_average and settings shared by the
	// perturbo stages.
	Settings calc.Settings

	Resources    calc.Resources
	CleanWorkdir bool
}

// CarrierStages are the output folders of one carrier branch.
type CarrierStages struct {
	Setup   remote.Folder `json:"setup"`
	Imsigma remote.Folder `json:"imsigma"`
	Trans   remote.Folder `json:"trans"`
}

// PipelineContext is the state of one transport run.
type PipelineContext struct {
	PhFolder      remote.Folder  `json:"ph_folder"`
	QE2PertFolder remote.Folder  `json:"qe2pert_folder"`
	Electron      CarrierStages  `json:"electron"`
	Hole          *CarrierStages `json:"hole,omitempty"`

	NeedsRecovery bool                 `json:"needs_recovery"`
	Holes         bool                 `json:"holes"`
	Bands         bands.Classification `json:"bands"`
	SCFKMesh      structure.Mesh       `json:"setup_kpoints"`

	Temperatures   []float64 `json:"temperatures"`
	Concentrations []float64 `json:"concentrations,omitempty"`
	FermiLevels    []float64 `json:"fermi_levels,omitempty"`
}

// CarrierResults are the finished calculations of one carrier branch.
type CarrierResults struct {
	Setup   *calc.Result `json:"setup"`
	Imsigma *calc.Result `json:"imsigma"`
	Trans   *calc.Result `json:"trans"`
}

// Result is a finished transport run.
type Result struct {
	Context   PipelineContext `json:"context"`
	PhRecover *calc.Result    `json:"ph_recover,omitempty"`
	QE2Pert   *calc.Result    `json:"qe2pert"`
	Electron  CarrierResults  `json:"electron"`
	Hole      *CarrierResults `json:"hole,omitempty"`
}

// Config wires a Workflow.
type Config struct {
	Builder  *calc.Builder
	Engine   engine.Engine
	Observer workflow.Observer
	Logger   *zap.Logger
}

// Workflow is the transport pipeline. It does not retry failed stages.
type Workflow struct {
	cfg Config
}

// New returns a workflow.
func New(cfg Config) (*Workflow, error) {
	if cfg.Builder == nil || cfg.Builder.Resolver() == nil {
		return nil, errors.New("transport: builder with a resolver is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("transport: engine is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Workflow{cfg: cfg}, nil
}

// Run executes the pipeline.
func (w *Workflow) Run(ctx context.Context, in Input) (*Result, error) {
	session := workflow.NewSession(Name, w.cfg.Engine, w.cfg.Observer, w.cfg.Logger)
	res, err := w.run(ctx, session, in)
	if in.CleanWorkdir {
		session.CleanWorkdirs(context.WithoutCancel(ctx))
	}
	return res, session.Done(ctx, err)
}

func (w *Workflow) run(ctx context.Context, s *workflow.Session, in Input) (*Result, error) {
	if in.Resources.NumMachines == 0 {
		in.Resources = calc.DefaultResources()
	}
	res := &Result{}
	pc := &res.Context
	if err := w.setup(ctx, in, pc); err != nil {
		return nil, err
	}
	s.Logger.Info("transport setup",
		zap.String("kind", string(pc.Bands.Kind)),
		zap.Bool("holes", pc.Holes),
		zap.Int("temperatures", len(pc.Temperatures)),
	)

	if pc.NeedsRecovery {
		r, err := w.phRecover(ctx, s, in, pc)
		if err != nil {
			return nil, err
		}
		res.PhRecover = r
	} else {
		s.Skipped(ctx, StagePhRecover, "ph folder already recovered")
	}

	q, err := w.qe2pert(ctx, s, in, pc)
	if err != nil {
		return nil, err
	}
	res.QE2Pert = q

	electron, err := w.carrier(ctx, s, in, pc, Electron)
	if err != nil {
		return nil, err
	}
	res.Electron = *electron

	if pc.Holes {
		hole, err := w.carrier(ctx, s, in, pc, Hole)
		if err != nil {
			return nil, err
		}
		res.Hole = hole
	}
	return res, nil
}

func (w *Workflow) phRecover(ctx context.Context, s *workflow.Session, in Input, pc *PipelineContext) (*calc.Result, error) {
	req, err := w.cfg.Builder.PhRecover(ctx, calc.PhRecoverInput{
		Parent:    pc.PhFolder,
		Resources: in.Resources,
		Label:     StagePhRecover,
	})
	if err != nil {
		return nil, err
	}
	r, err := submit(ctx, s, StagePhRecover, req)
	if err != nil {
		return nil, err
	}
	pc.PhFolder = r.RemoteFolder
	return r, nil
}

func (w *Workflow) qe2pert(ctx context.Context, s *workflow.Session, in Input, pc *PipelineContext) (*calc.Result, error) {
	q := in.QE2Pert
	req, err := w.cfg.Builder.QE2Pert(ctx, calc.QE2PertInput{
		PhFolder:      pc.PhFolder,
		NscfFolder:    in.NscfFolder,
		WannierFolder: in.WannierFolder,
		KMesh:         q.KMesh,
		DFTBandMin:    q.DFTBandMin,
		DFTBandMax:    q.DFTBandMax,
		NumWann:       q.NumWann,
		LWannier:      q.LWannier,
		System2D:      q.System2D,
		Settings:      q.Settings,
		Resources:     in.Resources,
		Label:         StageQE2Pert,
	})
	if err != nil {
		return nil, err
	}
	r, err := submit(ctx, s, StageQE2Pert, req)
	if err != nil {
		return nil, err
	}
	pc.QE2PertFolder = r.RemoteFolder
	return r, nil
}

// carrier runs setup, imsigma and trans for one carrier type, each stage
// consuming the folder of the previous one.
func (w *Workflow) carrier(ctx context.Context, s *workflow.Session, in Input, pc *PipelineContext, c Carrier) (*CarrierResults, error) {
	window := pc.Bands.Electron
	if c == Hole {
		window = *pc.Bands.Hole
	}
	common := windowParams(window, c == Hole)
	out := &CarrierResults{}
	stages := &CarrierStages{}

	mesh := pc.SCFKMesh
	temper := &namelist.TemperSeries{
		Temperatures:   pc.Temperatures,
		Concentrations: pc.Concentrations,
		FermiLevels:    pc.FermiLevels,
	}
	setup, err := w.perturbo(ctx, s, in, c, calc.PerturboInput{
		Mode:       calc.ModeSetup,
		Parameters: common.Clone(),
		Temper:     temper,
		KMesh:      &mesh,
		Parent:     &pc.QE2PertFolder,
	})
	if err != nil {
		return nil, err
	}
	out.Setup, stages.Setup = setup, setup.RemoteFolder

	imsigma, err := w.perturbo(ctx, s, in, c, calc.PerturboInput{
		Mode:       calc.ModeImsigma,
		Parameters: imsigmaParams(common, in),
		Parent:     &stages.Setup,
	})
	if err != nil {
		return nil, err
	}
	out.Imsigma, stages.Imsigma = imsigma, imsigma.RemoteFolder

	trans, err := w.perturbo(ctx, s, in, c, calc.PerturboInput{
		Mode:       calc.ModeTrans,
		Parameters: transParams(common, in),
		Parent:     &stages.Imsigma,
	})
	if err != nil {
		return nil, err
	}
	out.Trans, stages.Trans = trans, trans.RemoteFolder

	if c == Hole {
		pc.Hole = stages
	} else {
		pc.Electron = *stages
	}
	return out, nil
}

func (w *Workflow) perturbo(ctx context.Context, s *workflow.Session, in Input, c Carrier, pi calc.PerturboInput) (*calc.Result, error) {
	stage := fmt.Sprintf("%s_%s", pi.Mode, c)
	pi.Parameters.Set("calc_mode", pi.Mode)
	pi.Settings = in.Settings.Clone()
	delete(pi.Settings, settingMaxOmegaAverage)
	if len(pi.Settings) == 0 {
		pi.Settings = nil
	}
	pi.Resources = in.Resources
	pi.Label = stage

	req, err := w.cfg.Builder.Perturbo(ctx, pi)
	if err != nil {
		return nil, err
	}
	return submit(ctx, s, stage, req)
}

// submit runs req and turns a failed calculation into the pipeline exit
// status.
func submit(ctx context.Context, s *workflow.Session, stage string, req *calc.Request) (*calc.Result, error) {
	r, err := s.Submit(ctx, stage, 0, req)
	if err != nil {
		return nil, err
	}
	if !r.FinishedOK() {
		e := CodeSubProcessFailed.StageErr(stage, r)
		e.Message = fmt.Sprintf("%s failed with exit status %d", stage, r.ExitStatus)
		return nil, e
	}
	return r, nil
}

// windowParams are the band window entries shared by every stage of a
// carrier branch.
func windowParams(w bands.Window, hole bool) namelist.Params {
	var p namelist.Params
	if hole {
		p.Set("hole", true)
	}
	p.Set("band_min", w.MinBand)
	p.Set("band_max", w.MaxBand)
	p.Set("boltz_emin", w.EMin)
	p.Set("boltz_emax", w.EMax)
	return p
}

func imsigmaParams(common namelist.Params, in Input) namelist.Params {
	p := common.Clone()
	p.Set("phfreq_cutoff", floatOr(in.PhfreqCutoff, DefaultPhfreqCutoff))
	p.Set("delta_smear", floatOr(in.DeltaSmear, DefaultDeltaSmear))
	if in.Sampling != "" {
		p.Set("sampling", in.Sampling)
		n := in.NSamples
		if n <= 0 {
			n = DefaultNSamples
		}
		p.Set("nsamples", n)
		if in.Sampling == SamplingCauchy {
			p.Set("cauchy_scale", floatOr(in.CauchyScale, DefaultCauchyScale))
		}
	}
	return p
}

// transParams select the relaxation-time approximation when boltz_nstep
// is zero and the iterative solver otherwise.
func transParams(common namelist.Params, in Input) namelist.Params {
	p := common.Clone()
	p.Set("boltz_nstep", in.BoltzNstep)
	if in.BoltzNstep != 0 {
		p.Set("phfreq_cutoff", floatOr(in.PhfreqCutoff, DefaultPhfreqCutoff))
		p.Set("delta_smear", floatOr(in.DeltaSmear, DefaultDeltaSmear))
	}
	return p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
