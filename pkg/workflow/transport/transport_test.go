package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomobility/pkg/bands"
	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/engine/enginetest"
	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/remote/remotetest"
	"github.com/3leaps/gomobility/pkg/structure"
	"github.com/3leaps/gomobility/pkg/workflow"
)

var (
	semiconductorBands = [][]float64{{-2, -1, 1, 2}, {-2.1, -0.9, 1.1, 2.2}}
	metalBands         = [][]float64{{-1, 0.1, 2}, {-1.1, -0.1, 2.1}}
)

func folder(p string) remote.Folder {
	return remote.Folder{Computer: calc.DefaultComputer, Path: p}
}

type fixture struct {
	phProgram calc.Program
	bands     any
	omega     float64
}

func (f fixture) resolver() *remotetest.Resolver {
	if f.phProgram == "" {
		f.phProgram = calc.ProgramPh
	}
	if f.omega == 0 {
		f.omega = 2
	}
	ph := &remote.Calculation{
		ID: "ph", Program: string(f.phProgram), Computer: calc.DefaultComputer, Folder: folder("/scratch/ph"),
		Inputs: map[string]any{
			calc.InputParameters: map[string]any{"INPUTPH": map[string]any{"tr2_ph": 1e-16}},
			calc.InputQpoints:    structure.Mesh{Dims: [3]int{2, 2, 2}},
		},
		Outputs: map[string]any{"number_of_qpoints": 3},
	}
	nscf := &remote.Calculation{
		ID: "nscf", Program: string(calc.ProgramPw), Computer: calc.DefaultComputer, Folder: folder("/scratch/nscf"),
		Outputs: map[string]any{"number_of_bands": 16},
	}
	w90 := &remote.Calculation{
		ID: "w90", Program: string(calc.ProgramWannier90), Computer: calc.DefaultComputer, Folder: folder("/scratch/w90"),
		Inputs: map[string]any{
			calc.InputSCFKpoints: map[string]any{"mesh": []any{6, 6, 6}},
			calc.InputParameters: map[string]any{"fermi_energy": 0.0},
		},
		Outputs: map[string]any{
			"number_wfs":         8,
			"Omega_D":            f.omega,
			"Omega_I":            f.omega,
			"Omega_OD":           f.omega,
			"interpolated_bands": f.bands,
		},
	}
	return remotetest.NewResolver(ph, nscf, w90)
}

type harness struct {
	engine *enginetest.Engine
	events *workflow.Recorder
	wf     *Workflow
}

func newHarness(t *testing.T, f fixture) *harness {
	t.Helper()
	resolver := f.resolver()
	eng := enginetest.New(resolver)
	events := &workflow.Recorder{}
	wf, err := New(Config{Builder: calc.NewBuilder(resolver, nil), Engine: eng, Observer: events})
	require.NoError(t, err)
	return &harness{engine: eng, events: events, wf: wf}
}

func (h *harness) pushStages(recover bool, perturbo int) {
	if recover {
		h.engine.Push(calc.ProgramPhRecover, enginetest.OK(calc.Outputs{NumberOfQpoints: 3}))
	}
	h.engine.Push(calc.ProgramQE2Pert, enginetest.OK(calc.Outputs{}))
	for range perturbo {
		h.engine.Push(calc.ProgramPerturbo, enginetest.OK(calc.Outputs{}))
	}
}

func baseInput() Input {
	return Input{
		PhFolder:      folder("/scratch/ph"),
		NscfFolder:    folder("/scratch/nscf"),
		WannierFolder: folder("/scratch/w90"),
	}
}

func paramsOf(t *testing.T, req *calc.Request) map[string]any {
	t.Helper()
	p, ok := req.Inputs[calc.InputParameters].(map[string]any)
	require.True(t, ok)
	return p
}

func ptr[T any](v T) *T { return &v }

func TestRun_Semiconductor(t *testing.T) {
	h := newHarness(t, fixture{bands: semiconductorBands})
	h.pushStages(true, 6)

	in := baseInput()
	in.CarrierConcentration = ptr(1e18)
	in.Temperatures = &TemperatureRange{Min: 100, Max: 400, Step: 100}

	res, err := h.wf.Run(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []calc.Program{
		calc.ProgramPhRecover, calc.ProgramQE2Pert,
		calc.ProgramPerturbo, calc.ProgramPerturbo, calc.ProgramPerturbo,
		calc.ProgramPerturbo, calc.ProgramPerturbo, calc.ProgramPerturbo,
	}, h.engine.Programs())

	reqs := h.engine.Requests()
	assert.Equal(t, "/scratch/calc-1", reqs[1].Parent.Path, "qe2pert reads the recovered ph folder")

	setup := paramsOf(t, reqs[2])
	assert.Equal(t, "setup", setup["calc_mode"])
	assert.Equal(t, 3, setup["band_min"])
	assert.Equal(t, 3, setup["band_max"])
	assert.Equal(t, 1.0, setup["boltz_emin"])
	assert.Equal(t, 1.1, setup["boltz_emax"])
	assert.Equal(t, 60, setup["boltz_kdim(1)"])
	assert.NotContains(t, setup, "hole")
	temper, ok := reqs[2].File(namelist.TemperFile)
	require.True(t, ok)
	assert.Contains(t, string(temper), "3\tT\n")

	assert.Equal(t, "/scratch/calc-3", reqs[3].Parent.Path)
	assert.Equal(t, "/scratch/calc-4", reqs[4].Parent.Path)

	holeSetup := paramsOf(t, reqs[5])
	assert.Equal(t, true, holeSetup["hole"])
	assert.Equal(t, 2, holeSetup["band_min"])
	assert.Equal(t, -1.0, holeSetup["boltz_emin"])
	assert.Equal(t, -0.9, holeSetup["boltz_emax"])
	assert.Equal(t, "/scratch/calc-2", reqs[5].Parent.Path)
	assert.Equal(t, true, paramsOf(t, reqs[7])["hole"])

	pc := res.Context
	assert.True(t, pc.Holes)
	assert.Equal(t, []float64{100, 200, 300}, pc.Temperatures)
	assert.Equal(t, []float64{1e18, 1e18, 1e18}, pc.Concentrations)
	assert.Empty(t, pc.FermiLevels)
	require.NotNil(t, pc.Hole)
	assert.Equal(t, "/scratch/calc-8", pc.Hole.Trans.Path)
	assert.Equal(t, "/scratch/calc-5", pc.Electron.Trans.Path)
	assert.NotNil(t, res.PhRecover)
	require.NotNil(t, res.Hole)
}

func TestRun_MetalUsesFermiLevels(t *testing.T) {
	h := newHarness(t, fixture{phProgram: calc.ProgramPhRecover, bands: metalBands})
	h.pushStages(false, 3)

	res, err := h.wf.Run(context.Background(), baseInput())
	require.NoError(t, err)

	assert.Equal(t, []calc.Program{calc.ProgramQE2Pert, calc.ProgramPerturbo, calc.ProgramPerturbo, calc.ProgramPerturbo}, h.engine.Programs())
	assert.Equal(t, "/scratch/ph", h.engine.Requests()[0].Parent.Path)

	pc := res.Context
	assert.Equal(t, bands.Metal, pc.Bands.Kind)
	assert.False(t, pc.Holes)
	assert.Nil(t, pc.Hole)
	assert.Nil(t, res.Hole)
	assert.Equal(t, []float64{DefaultTemperature}, pc.Temperatures)
	assert.Equal(t, []float64{0}, pc.FermiLevels)
	assert.Empty(t, pc.Concentrations)

	setup := paramsOf(t, h.engine.Requests()[1])
	assert.Equal(t, 2, setup["band_min"])
	assert.Equal(t, -0.3, setup["boltz_emin"])

	var skipped bool
	for _, e := range h.events.Events() {
		if e.Kind == workflow.EventSkipped && e.Stage == StagePhRecover {
			skipped = true
		}
	}
	assert.True(t, skipped)
}

func TestRun_JSONBands(t *testing.T) {
	rows := make([]any, len(metalBands))
	for i, r := range metalBands {
		row := make([]any, len(r))
		for j, v := range r {
			row[j] = v
		}
		rows[i] = row
	}
	h := newHarness(t, fixture{phProgram: calc.ProgramPhRecover, bands: rows})
	h.pushStages(false, 3)

	res, err := h.wf.Run(context.Background(), baseInput())
	require.NoError(t, err)
	assert.Equal(t, bands.Metal, res.Context.Bands.Kind)
}

func TestRun_SetupErrors(t *testing.T) {
	tests := []struct {
		name    string
		fixture fixture
		mutate  func(*Input)
		is      error
	}{
		{"semiconductor without concentration", fixture{bands: semiconductorBands}, nil, ErrInvalidCarrierOccupation},
		{"ph folder produced by pw", fixture{phProgram: calc.ProgramPw, bands: metalBands}, nil, calc.ErrInvalidInput},
		{"wannier folder produced by pw", fixture{bands: metalBands}, func(in *Input) { in.WannierFolder = in.NscfFolder }, calc.ErrInvalidInput},
		{"unknown ph folder", fixture{bands: metalBands}, func(in *Input) { in.PhFolder = folder("/scratch/none") }, remote.ErrNoProducer},
		{"spread too large", fixture{bands: metalBands, omega: 40}, nil, calc.ErrInvalidInput},
		{"no bands in range", fixture{bands: [][]float64{{-5, 0.1, 5}, {-5, -0.1, 5}}}, func(in *Input) { in.BandsEnergyThreshold = 0.05 }, bands.ErrNoBandsInRange},
		{"bad bands", fixture{bands: "nope"}, nil, bands.ErrInvalidBands},
		{"empty temperature range", fixture{bands: metalBands}, func(in *Input) { in.Temperatures = &TemperatureRange{Min: 400, Max: 100, Step: 50} }, calc.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.fixture)
			in := baseInput()
			if tt.mutate != nil {
				tt.mutate(&in)
			}

			_, err := h.wf.Run(context.Background(), in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.is), err.Error())
			assert.Empty(t, h.engine.Requests())
		})
	}
}

func TestRun_SpreadLimitFromSettings(t *testing.T) {
	h := newHarness(t, fixture{phProgram: calc.ProgramPhRecover, bands: metalBands, omega: 40})
	h.pushStages(false, 3)
	in := baseInput()
	in.Settings = calc.Settings{"max_OmegaTOT_average": 20.0}

	_, err := h.wf.Run(context.Background(), in)
	require.NoError(t, err)
	for _, req := range h.engine.Requests()[1:] {
		assert.NotContains(t, req.Inputs, calc.InputSettings)
	}
}

func TestRun_StageFailure(t *testing.T) {
	h := newHarness(t, fixture{phProgram: calc.ProgramPhRecover, bands: metalBands})
	h.engine.Push(calc.ProgramQE2Pert, enginetest.OK(calc.Outputs{}))
	h.engine.Push(calc.ProgramPerturbo, enginetest.OK(calc.Outputs{}), enginetest.Failed(calc.ExitOutputStdoutIncomplete))

	_, err := h.wf.Run(context.Background(), baseInput())
	exit, ok := workflow.AsExit(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, CodeSubProcessFailed.Status, exit.Code)
	assert.Equal(t, "imsigma_electron", exit.Stage)
	assert.Equal(t, calc.ExitOutputStdoutIncomplete, exit.SubStatus)
	assert.Contains(t, exit.Message, "imsigma_electron")
	assert.Len(t, h.engine.Requests(), 3)
}

func TestRun_CleanWorkdir(t *testing.T) {
	h := newHarness(t, fixture{phProgram: calc.ProgramPhRecover, bands: metalBands})
	h.pushStages(false, 3)
	in := baseInput()
	in.CleanWorkdir = true

	_, err := h.wf.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, h.engine.Cleaned(), 4)
}

func TestImsigmaParams(t *testing.T) {
	common := windowParams(bands.Window{MinBand: 1, MaxBand: 2, EMin: -0.3, EMax: 0.3}, false)

	tests := []struct {
		name string
		in   Input
		want map[string]any
	}{
		{
			name: "defaults",
			want: map[string]any{"band_min": 1, "band_max": 2, "boltz_emin": -0.3, "boltz_emax": 0.3, "phfreq_cutoff": 1.0, "delta_smear": 10.0},
		},
		{
			name: "uniform sampling",
			in:   Input{Sampling: "uniform", NSamples: 500},
			want: map[string]any{"band_min": 1, "band_max": 2, "boltz_emin": -0.3, "boltz_emax": 0.3, "phfreq_cutoff": 1.0, "delta_smear": 10.0,
				"sampling": "uniform", "nsamples": 500},
		},
		{
			name: "cauchy sampling",
			in:   Input{Sampling: SamplingCauchy, PhfreqCutoff: ptr(2.0), CauchyScale: ptr(0.05)},
			want: map[string]any{"band_min": 1, "band_max": 2, "boltz_emin": -0.3, "boltz_emax": 0.3, "phfreq_cutoff": 2.0, "delta_smear": 10.0,
				"sampling": "cauchy", "nsamples": DefaultNSamples, "cauchy_scale": 0.05},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, imsigmaParams(common, tt.in).Map())
		})
	}
	assert.Len(t, common, 4, "common parameters are not modified")
}

func TestTransParams(t *testing.T) {
	common := windowParams(bands.Window{MinBand: 3, MaxBand: 4, EMin: 1, EMax: 1.2}, true)

	rta := transParams(common, Input{}).Map()
	assert.Equal(t, 0, rta["boltz_nstep"])
	assert.Equal(t, true, rta["hole"])
	assert.NotContains(t, rta, "phfreq_cutoff")

	iterative := transParams(common, Input{BoltzNstep: 50, DeltaSmear: ptr(5.0)}).Map()
	assert.Equal(t, 50, iterative["boltz_nstep"])
	assert.Equal(t, 1.0, iterative["phfreq_cutoff"])
	assert.Equal(t, 5.0, iterative["delta_smear"])
}

func TestTemperatureRange_Values(t *testing.T) {
	tests := []struct {
		name    string
		r       *TemperatureRange
		want    []float64
		wantErr bool
	}{
		{name: "nil", r: nil, want: []float64{300}},
		{name: "arange", r: &TemperatureRange{Min: 100, Max: 400, Step: 100}, want: []float64{100, 200, 300}},
		{name: "partial step", r: &TemperatureRange{Min: 100, Max: 350, Step: 100}, want: []float64{100, 200, 300}},
		{name: "zero step", r: &TemperatureRange{Min: 100, Max: 400}, wantErr: true},
		{name: "max below min", r: &TemperatureRange{Min: 400, Max: 100, Step: 10}, wantErr: true},
		{name: "max equals min", r: &TemperatureRange{Min: 300, Max: 300, Step: 10}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.r.Values()
			if tt.wantErr {
				var ce *calc.ConfigError
				require.ErrorAs(t, err, &ce)
				assert.ErrorIs(t, err, calc.ErrInvalidInput)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Builder: calc.NewBuilder(remotetest.NewResolver(), nil)})
	assert.Error(t, err)
}
