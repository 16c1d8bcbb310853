package phonon

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/engine/enginetest"
	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/structure"
	"github.com/3leaps/gomobility/pkg/workflow"
)

func silicon() *structure.Structure {
	a := 5.43
	return &structure.Structure{
		Cell: [3][3]float64{{0, a / 2, a / 2}, {a / 2, 0, a / 2}, {a / 2, a / 2, 0}},
		Sites: []structure.Site{
			{Symbol: "Si", Position: [3]float64{0, 0, 0}},
			{Symbol: "Si", Position: [3]float64{a / 4, a / 4, a / 4}},
		},
	}
}

func bandsInput() Input {
	return Input{
		Structure: silicon(),
		SCF: PwStep{
			Parameters: map[string]namelist.Params{
				"CONTROL":   {{Key: "calculation", Value: "relax"}},
				"SYSTEM":    {{Key: "ecutwfc", Value: 40.0}},
				"ELECTRONS": {{Key: "conv_thr", Value: 1e-8}},
			},
			KpointsDistance: 0.3,
			Pseudos:         map[string]string{"Si": "/pseudo/Si.upf"},
			Resources:       calc.DefaultResources(),
		},
		Ph: PhStep{
			Parameters: namelist.Params{{Key: "tr2_ph", Value: 1e-14}},
			Resources:  phResources(),
		},
		Qpoints: &structure.Mesh{Dims: [3]int{1, 1, 1}},
	}
}

func (h *harness) workflow(t *testing.T) *Workflow {
	t.Helper()
	w, err := New(Config{Builder: h.builder, Engine: h.engine, Observer: h.events})
	require.NoError(t, err)
	return w
}

func namelistOf(t *testing.T, req *calc.Request, block string) map[string]any {
	t.Helper()
	params, ok := req.Inputs[calc.InputParameters].(map[string]any)
	require.True(t, ok)
	m, ok := params[block].(map[string]any)
	require.True(t, ok, "namelist %s", block)
	return m
}

func pushChain(h *harness, phFreq float64) {
	h.engine.Push(calc.ProgramPw, enginetest.OK(calc.Outputs{}))
	h.engine.Push(calc.ProgramPh, phOK(1, map[int][]float64{1: {phFreq}}))
}

func TestWorkflow_Chain(t *testing.T) {
	h := newHarness(t)
	pushChain(h, 10)
	h.engine.Push(calc.ProgramQ2r, enginetest.OK(calc.Outputs{}))
	h.engine.Push(calc.ProgramMatdyn, enginetest.OK(calc.Outputs{}))

	res, err := h.workflow(t).Run(context.Background(), bandsInput())
	require.NoError(t, err)

	assert.Equal(t, []calc.Program{calc.ProgramPw, calc.ProgramPh, calc.ProgramQ2r, calc.ProgramMatdyn}, h.engine.Programs())
	reqs := h.engine.Requests()
	assert.Equal(t, "scf", namelistOf(t, reqs[0], "CONTROL")["calculation"])
	assert.Equal(t, 1e-14, inputph(t, reqs[1])["tr2_ph"])
	assert.Equal(t, "/scratch/calc-1", reqs[1].Parent.Path)
	assert.Equal(t, "/scratch/calc-2", reqs[2].Parent.Path)
	assert.Equal(t, "/scratch/calc-3", reqs[3].Parent.Path)

	require.NotNil(t, res.Matdyn)
	assert.Equal(t, "calc-4", res.Matdyn.CalculationID)
	assert.True(t, res.Context.NoImaginary)
	assert.Equal(t, 0, res.Context.Restarts)
	assert.Equal(t, [][3]float64{{0, 0, 0}}, res.Path)

	events := h.events.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, workflow.EventCompleted, events[len(events)-1].Kind)
}

func TestWorkflow_ImaginaryRestartTightens(t *testing.T) {
	h := newHarness(t)
	pushChain(h, -100)
	pushChain(h, 10)
	h.engine.Push(calc.ProgramQ2r, enginetest.OK(calc.Outputs{}))
	h.engine.Push(calc.ProgramMatdyn, enginetest.OK(calc.Outputs{}))

	in := bandsInput()
	in.Qpoints = nil
	in.QpointsDistance = 0.5

	res, err := h.workflow(t).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Context.Restarts)

	reqs := h.engine.Requests()
	require.Len(t, reqs, 6)
	secondSCF := reqs[2]
	require.Equal(t, calc.ProgramPw, secondSCF.Program)
	assert.InDelta(t, 1e-10, namelistOf(t, secondSCF, "ELECTRONS")["conv_thr"], 1e-20)
	assert.InDelta(t, 60.0, namelistOf(t, secondSCF, "SYSTEM")["ecutwfc"], 1e-9)
	assert.InDelta(t, 1e-6, namelistOf(t, secondSCF, "CONTROL")["etot_conv_thr"], 1e-18)
	assert.InDelta(t, 1e-5, namelistOf(t, secondSCF, "CONTROL")["forc_conv_thr"], 1e-17)
	assert.InDelta(t, 1e-16, inputph(t, reqs[3])["tr2_ph"], 1e-28)

	// the q-mesh is fixed on the first pass
	assert.Equal(t, reqs[1].Inputs[calc.InputQpoints], reqs[3].Inputs[calc.InputQpoints])

	t0 := res.Context.Thresholds
	assert.InDelta(t, 0.225, t0.KpointsDistance, 1e-12)
	assert.NotEmpty(t, h.events.Actions())
}

func TestWorkflow_PolicyAbort(t *testing.T) {
	h := newHarness(t)
	pushChain(h, -100)

	in := bandsInput()
	in.Policy = PolicyAbort
	_, err := h.workflow(t).Run(context.Background(), in)

	exit, ok := workflow.AsExit(err)
	require.True(t, ok)
	assert.Equal(t, CodeImaginaryNotResolved.Status, exit.Code)
	assert.Equal(t, CodeImaginaryFrequencies.Status, exit.SubStatus)
	assert.Len(t, h.engine.Requests(), 2)
}

func TestWorkflow_RestartsExhausted(t *testing.T) {
	h := newHarness(t)
	pushChain(h, -100)
	pushChain(h, -100)

	in := bandsInput()
	in.MaxRestarts = 2
	_, err := h.workflow(t).Run(context.Background(), in)
	assert.Equal(t, CodeImaginaryNotResolved.Status, workflow.ExitStatus(err))
	assert.Len(t, h.engine.Requests(), 4)

	events := h.events.Events()
	last := events[len(events)-1]
	assert.Equal(t, workflow.EventFailed, last.Kind)
	assert.Equal(t, CodeImaginaryNotResolved.Status, last.ExitStatus)
}

func TestWorkflow_StageFailures(t *testing.T) {
	tests := []struct {
		name   string
		push   func(*harness)
		relax  bool
		status int
		stage  string
	}{
		{
			name:   "relax",
			relax:  true,
			push:   func(h *harness) { h.engine.Push(calc.ProgramPw, enginetest.Failed(calc.ExitIonicConvergenceFailed)) },
			status: CodeRelaxFailed.Status,
			stage:  StageRelax,
		},
		{
			name:   "scf",
			push:   func(h *harness) { h.engine.Push(calc.ProgramPw, enginetest.Failed(calc.ExitOutputStdoutIncomplete)) },
			status: CodeSCFFailed.Status,
			stage:  StageSCF,
		},
		{
			name: "ph",
			push: func(h *harness) {
				h.engine.Push(calc.ProgramPw, enginetest.OK(calc.Outputs{}))
				h.engine.Push(calc.ProgramPh, enginetest.Failed(calc.ExitOutputStdoutIncomplete))
			},
			status: CodePhFailed.Status,
			stage:  StagePh,
		},
		{
			name: "q2r",
			push: func(h *harness) {
				pushChain(h, 10)
				h.engine.Push(calc.ProgramQ2r, enginetest.Failed(calc.ExitOutputFiles))
			},
			status: CodeQ2rFailed.Status,
			stage:  StageQ2r,
		},
		{
			name: "matdyn",
			push: func(h *harness) {
				pushChain(h, 10)
				h.engine.Push(calc.ProgramQ2r, enginetest.OK(calc.Outputs{}))
				h.engine.Push(calc.ProgramMatdyn, enginetest.Failed(calc.ExitOutputFiles))
			},
			status: CodeMatdynFailed.Status,
			stage:  StageMatdyn,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.push(h)
			in := bandsInput()
			if tt.relax {
				relax := in.SCF
				in.Relax = &relax
			}

			_, err := h.workflow(t).Run(context.Background(), in)
			exit, ok := workflow.AsExit(err)
			require.True(t, ok, "%v", err)
			assert.Equal(t, tt.status, exit.Code)
			assert.Equal(t, tt.stage, exit.Stage)
			assert.NotZero(t, exit.SubStatus)
		})
	}
}

func TestWorkflow_RelaxedStructureFeedsSCF(t *testing.T) {
	h := newHarness(t)
	relaxed := silicon()
	relaxed.Cell[0][1] = 2.7
	h.engine.Push(calc.ProgramPw, enginetest.OK(calc.Outputs{Parameters: map[string]any{"output_structure": relaxed}}))
	pushChain(h, 10)
	h.engine.Push(calc.ProgramQ2r, enginetest.OK(calc.Outputs{}))
	h.engine.Push(calc.ProgramMatdyn, enginetest.OK(calc.Outputs{}))

	in := bandsInput()
	relax := in.SCF
	relax.Parameters = map[string]namelist.Params{"system": {{Key: "ecutwfc", Value: 40.0}}}
	in.Relax = &relax

	res, err := h.workflow(t).Run(context.Background(), in)
	require.NoError(t, err)

	reqs := h.engine.Requests()
	assert.Equal(t, "relax", namelistOf(t, reqs[0], "CONTROL")["calculation"])
	assert.Equal(t, relaxed, reqs[1].Inputs[calc.InputStructure])
	assert.Equal(t, relaxed, res.Structure)
	assert.Equal(t, DefaultConvThr, res.Context.Thresholds.ConvThr)
}

func TestWorkflow_SkipAhead(t *testing.T) {
	q2rFolder := remote.Folder{Computer: calc.DefaultComputer, Path: "/scratch/q2r"}
	phFolder := remote.Folder{Computer: calc.DefaultComputer, Path: "/scratch/ph"}

	t.Run("q2r folder", func(t *testing.T) {
		h := newHarness(t, &remote.Calculation{ID: "q2r", Program: string(calc.ProgramQ2r), Folder: q2rFolder})
		h.engine.Push(calc.ProgramMatdyn, enginetest.OK(calc.Outputs{}))
		in := bandsInput()
		in.Q2rFolder = &q2rFolder

		res, err := h.workflow(t).Run(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, []calc.Program{calc.ProgramMatdyn}, h.engine.Programs())
		assert.Equal(t, q2rFolder, *h.engine.Requests()[0].Parent)
		assert.True(t, res.Context.NoImaginary)
	})

	t.Run("ph folder", func(t *testing.T) {
		h := newHarness(t, &remote.Calculation{ID: "ph", Program: string(calc.ProgramPh), Folder: phFolder})
		h.engine.Push(calc.ProgramQ2r, enginetest.OK(calc.Outputs{}))
		h.engine.Push(calc.ProgramMatdyn, enginetest.OK(calc.Outputs{}))
		in := bandsInput()
		in.PhFolder = &phFolder

		_, err := h.workflow(t).Run(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, []calc.Program{calc.ProgramQ2r, calc.ProgramMatdyn}, h.engine.Programs())
		assert.Equal(t, phFolder, *h.engine.Requests()[0].Parent)
	})

	t.Run("scf folder", func(t *testing.T) {
		h := newHarness(t)
		h.engine.Push(calc.ProgramPh, phOK(1, map[int][]float64{1: {10}}))
		h.engine.Push(calc.ProgramQ2r, enginetest.OK(calc.Outputs{}))
		h.engine.Push(calc.ProgramMatdyn, enginetest.OK(calc.Outputs{}))
		in := bandsInput()
		in.SCFFolder = &scfFolder

		_, err := h.workflow(t).Run(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, []calc.Program{calc.ProgramPh, calc.ProgramQ2r, calc.ProgramMatdyn}, h.engine.Programs())
		assert.Equal(t, scfFolder, *h.engine.Requests()[0].Parent)
	})
}

func TestWorkflow_InvalidInputs(t *testing.T) {
	phFolder := remote.Folder{Computer: calc.DefaultComputer, Path: "/scratch/ph"}
	missing := remote.Folder{Computer: calc.DefaultComputer, Path: "/scratch/none"}

	tests := []struct {
		name   string
		mutate func(*Input)
		status int
	}{
		{"scf folder produced by ph", func(in *Input) { in.SCFFolder = &phFolder }, CodeInvalidSCFFolder.Status},
		{"ph folder produced by pw", func(in *Input) { in.PhFolder = &scfFolder }, CodeInvalidPhFolder.Status},
		{"q2r folder unknown", func(in *Input) { in.Q2rFolder = &missing }, CodeInvalidQ2rFolder.Status},
		{"no qpoints", func(in *Input) { in.Qpoints = nil }, CodeMissingQpoints.Status},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &remote.Calculation{ID: "ph", Program: string(calc.ProgramPh), Folder: phFolder})
			in := bandsInput()
			tt.mutate(&in)

			_, err := h.workflow(t).Run(context.Background(), in)
			assert.Equal(t, tt.status, workflow.ExitStatus(err), "%v", err)
			assert.Empty(t, h.engine.Requests())
		})
	}

	t.Run("unknown policy", func(t *testing.T) {
		h := newHarness(t)
		in := bandsInput()
		in.Policy = "retry"
		_, err := h.workflow(t).Run(context.Background(), in)
		require.Error(t, err)
		assert.Equal(t, -1, workflow.ExitStatus(err))
	})
}

func TestWorkflow_CleanWorkdir(t *testing.T) {
	h := newHarness(t)
	pushChain(h, 10)
	h.engine.Push(calc.ProgramQ2r, enginetest.OK(calc.Outputs{}))
	h.engine.Push(calc.ProgramMatdyn, enginetest.OK(calc.Outputs{}))

	in := bandsInput()
	in.CleanWorkdir = true
	_, err := h.workflow(t).Run(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, h.engine.Cleaned(), 4)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	h := newHarness(t)
	_, err = New(Config{Builder: h.builder})
	assert.Error(t, err)
}

func TestThresholds_Tighten(t *testing.T) {
	got := Thresholds{KpointsDistance: 0.2, ConvThr: 1e-6, EtotConvThr: 1e-4, ForcConvThr: 1e-3, Cutoff: 80, Tr2Ph: 1e-15}.Tighten()
	assert.InDelta(t, 0.15, got.KpointsDistance, 1e-12)
	assert.InDelta(t, 1e-8, got.ConvThr, 1e-20)
	assert.InDelta(t, 1e-6, got.EtotConvThr, 1e-18)
	assert.InDelta(t, 1e-5, got.ForcConvThr, 1e-17)
	assert.Equal(t, 100.0, got.Cutoff)
	assert.InDelta(t, 1e-17, got.Tr2Ph, 1e-29)
}

func TestInitialThresholds_Defaults(t *testing.T) {
	got := initialThresholds(nil, 0.3, nil)
	assert.Equal(t, Thresholds{
		KpointsDistance: 0.3,
		ConvThr:         DefaultConvThr,
		EtotConvThr:     DefaultEtotConvThr,
		ForcConvThr:     DefaultForcConvThr,
		Cutoff:          DefaultCutoff,
		Tr2Ph:           DefaultTr2Ph,
	}, got)
}

func TestPathAnalyzer(t *testing.T) {
	cubic := &structure.Structure{
		Cell:  [3][3]float64{{2 * math.Pi, 0, 0}, {0, 2 * math.Pi, 0}, {0, 0, 2 * math.Pi}},
		Sites: []structure.Site{{Symbol: "Si"}},
	}

	t.Run("gamma only", func(t *testing.T) {
		a, err := PathAnalyzer{}.Analyze(context.Background(), cubic, 0.1)
		require.NoError(t, err)
		assert.Equal(t, [][3]float64{{0, 0, 0}}, a.Path)
		assert.Same(t, cubic, a.Primitive)
	})

	t.Run("segments", func(t *testing.T) {
		a, err := PathAnalyzer{Vertices: []Vertex{
			{Name: "G", Point: [3]float64{0, 0, 0}},
			{Name: "X", Point: [3]float64{0.5, 0, 0}},
			{Name: "M", Point: [3]float64{0.5, 0.5, 0}},
		}}.Analyze(context.Background(), cubic, 0.1)
		require.NoError(t, err)
		require.Len(t, a.Path, 11)
		assert.InDelta(t, 0.1, a.Path[1][0], 1e-12)
		assert.Equal(t, []PathLabel{{0, "G"}, {5, "X"}, {10, "M"}}, a.Labels)
	})

	t.Run("bad distance", func(t *testing.T) {
		_, err := PathAnalyzer{}.Analyze(context.Background(), cubic, 0)
		assert.ErrorIs(t, err, structure.ErrInvalidDistance)
	})
}
