package calc

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/remote/remotetest"
	"github.com/3leaps/gomobility/pkg/structure"
)

func folder(p string) remote.Folder {
	return remote.Folder{Computer: DefaultComputer, Path: p}
}

func calcAt(program Program, p string) *remote.Calculation {
	return &remote.Calculation{
		ID:       strings.TrimPrefix(p, "/scratch/"),
		Program:  string(program),
		Computer: DefaultComputer,
		Folder:   folder(p),
		Inputs:   map[string]any{},
		Outputs:  map[string]any{},
	}
}

func link(src, dest string) StageInstruction {
	return StageInstruction{Computer: DefaultComputer, Source: src, Dest: dest, Mode: StageSymlink}
}

func cp(src, dest string) StageInstruction {
	return StageInstruction{Computer: DefaultComputer, Source: src, Dest: dest, Mode: StageCopy}
}

func deckOf(t *testing.T, req *Request) string {
	t.Helper()
	content, ok := req.File(InputFile)
	require.True(t, ok, "request has no %s", InputFile)
	return string(content)
}

func TestPerturbo_Setup(t *testing.T) {
	ctx := context.Background()
	parent := folder("/scratch/q2p")
	b := NewBuilder(remotetest.NewResolver(calcAt(ProgramQE2Pert, parent.Path)), nil)

	req, err := b.Perturbo(ctx, PerturboInput{
		Mode:       "SETUP",
		Parameters: namelist.Params{{Key: "band_min", Value: 5}, {Key: "band_max", Value: 8}},
		Temper:     &namelist.TemperSeries{Temperatures: []float64{300}, Concentrations: []float64{1e18}},
		KMesh:      &structure.Mesh{Dims: [3]int{60, 60, 60}},
		Parent:     &parent,
		Resources:  Resources{NumMachines: 1, NumMPIProcsPerMachine: 4},
	})
	require.NoError(t, err)

	assert.Equal(t, ProgramPerturbo, req.Program)
	assert.Equal(t, []StageInstruction{link("/scratch/q2p/aiida_epwan.h5", "aiida_epwan.h5")}, req.Stage)
	assert.Equal(t, []string{"aiida.in", "aiida.out", "aiida.doping", "aiida.dos"}, req.Retrieve)
	assert.Equal(t, []string{"-npools", "4", "-in", "aiida.in"}, req.Cmdline)

	deck := deckOf(t, req)
	assert.Equal(t, "&perturbo\n"+
		"\tband_min=5,\n"+
		"\tband_max=8,\n"+
		"\tboltz_kdim(1)=60,\n"+
		"\tboltz_kdim(2)=60,\n"+
		"\tboltz_kdim(3)=60,\n"+
		"\tprefix=\"aiida\",\n"+
		"\tftemper=\"aiida.temper\",\n"+
		"/\n", deck)

	temper, ok := req.File(namelist.TemperFile)
	require.True(t, ok)
	assert.Equal(t, "1\tT\n300\t0.00\t1e+18\n", string(temper))
	assert.Equal(t, ModeSetup, req.Inputs[InputCalcMode])
}

func TestPerturbo_Staging(t *testing.T) {
	ctx := context.Background()
	parent := folder("/scratch/setup")
	b := NewBuilder(remotetest.NewResolver(calcAt(ProgramPerturbo, parent.Path)), nil)

	tests := []struct {
		name     string
		mode     string
		settings Settings
		stage    []StageInstruction
		retrieve []string
	}{
		{
			name: "imsigma symlink",
			mode: ModeImsigma,
			stage: []StageInstruction{
				link("/scratch/setup/aiida_epwan.h5", "aiida_epwan.h5"),
				link("/scratch/setup/aiida.temper", "aiida.temper"),
				link("/scratch/setup/aiida_tet.h5", "aiida_tet.h5"),
				link("/scratch/setup/aiida_tet.kpt", "aiida_tet.kpt"),
			},
			retrieve: []string{"aiida.in", "aiida.out", "aiida.imsigma", "aiida.imsigma_mode"},
		},
		{
			name:     "trans copy when key absent from caller settings",
			mode:     ModeTrans,
			settings: Settings{},
			stage: []StageInstruction{
				cp("/scratch/setup/aiida_epwan.h5", "."),
				cp("/scratch/setup/aiida.temper", "."),
				cp("/scratch/setup/aiida_tet.h5", "."),
				cp("/scratch/setup/aiida.imsigma", "."),
			},
			retrieve: []string{"aiida.in", "aiida.out", "aiida.tdf", "aiida.cond"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := PerturboInput{Mode: tt.mode, Parent: &parent, Settings: tt.settings}
			req, err := b.Perturbo(ctx, in)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.stage, req.Stage); diff != "" {
				t.Errorf("staging mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.retrieve, req.Retrieve)

			again, err := b.Perturbo(ctx, in)
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(req.Stage, again.Stage))
		})
	}
}

func TestPerturbo_ParentValidation(t *testing.T) {
	ctx := context.Background()
	pert := folder("/scratch/pert")
	b := NewBuilder(remotetest.NewResolver(calcAt(ProgramPerturbo, pert.Path)), nil)

	_, err := b.Perturbo(ctx, PerturboInput{Mode: ModeBands})
	require.NoError(t, err, "bands may run without a parent")

	_, err = b.Perturbo(ctx, PerturboInput{Mode: ModeImsigma})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	_, err = b.Perturbo(ctx, PerturboInput{
		Mode:   ModeSetup,
		Parent: &pert,
		Temper: &namelist.TemperSeries{Temperatures: []float64{300}, FermiLevels: []float64{6.5}},
	})
	require.Error(t, err, "setup needs a qe2pert parent")
	assert.Contains(t, err.Error(), string(ProgramQE2Pert))

	missing := folder("/scratch/missing")
	_, err = b.Perturbo(ctx, PerturboInput{Mode: ModeTrans, Parent: &missing})
	require.Error(t, err)
	assert.True(t, remote.IsNoProducer(err))

	_, err = b.Perturbo(ctx, PerturboInput{
		Mode:       ModeTrans,
		Parent:     &pert,
		Parameters: namelist.Params{{Key: "prefix", Value: "x"}},
	})
	require.Error(t, err)
	var denied *namelist.DeniedKeyError
	assert.ErrorAs(t, err, &denied)
}

func qe2pertResolver(nq int) *remotetest.Resolver {
	nscf := calcAt(ProgramPw, "/scratch/nscf")
	nscf.Outputs["number_of_bands"] = 16

	w90 := calcAt(ProgramWannier90, "/scratch/w90")
	w90.Outputs["number_wfs"] = 8
	w90.Inputs[InputSCFKpoints] = map[string]any{"mesh": []any{6, 6, 6}}

	ph := calcAt(ProgramPhRecover, "/scratch/ph")
	ph.Outputs["number_of_qpoints"] = nq

	return remotetest.NewResolver(nscf, w90, ph)
}

func qe2pertInput() QE2PertInput {
	return QE2PertInput{
		PhFolder:      folder("/scratch/ph"),
		NscfFolder:    folder("/scratch/nscf"),
		WannierFolder: folder("/scratch/w90"),
	}
}

func TestQE2Pert_SymlinkStaging(t *testing.T) {
	b := NewBuilder(qe2pertResolver(3), nil)

	req, err := b.QE2Pert(context.Background(), qe2pertInput())
	require.NoError(t, err)

	want := []StageInstruction{
		link("/scratch/ph/DYN_MAT/*", "./save/"),
		link("/scratch/ph/out/_ph0/aiida.dvscf1", "save/aiida.dvscf_q1"),
		link("/scratch/ph/out/_ph0/aiida.q_2/aiida.dvscf1", "save/aiida.dvscf_q2"),
		link("/scratch/ph/out/_ph0/aiida.q_3/aiida.dvscf1", "save/aiida.dvscf_q3"),
		link("/scratch/ph/out/_ph0/aiida.phsave", "save/aiida.phsave"),
		link("/scratch/nscf/out/*", "./out/"),
		link("/scratch/w90/aiida_centres.xyz", "aiida_centres.xyz"),
		link("/scratch/w90/aiida_u*", "."),
	}
	if diff := cmp.Diff(want, req.Stage); diff != "" {
		t.Errorf("staging mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"./save/", "./out/"}, req.Mkdirs)
	assert.Equal(t, []string{"aiida.in", "aiida.out"}, req.Retrieve)
	assert.Equal(t, []string{"aiida_epwan.h5"}, req.RetrieveTemporary)
	assert.Equal(t, []string{"-npools", "1", "-in", "aiida.in"}, req.Cmdline)

	deck := deckOf(t, req)
	for _, line := range []string{
		"\tprefix=\"aiida\",\n",
		"\tphdir=\"./save/\",\n",
		"\tnk1=6,\n",
		"\tdft_band_min=1,\n",
		"\tdft_band_max=16,\n",
		"\tnum_wann=8,\n",
		"\tlwannier=.true.,\n",
		"\tload_ephmat=.false.,\n",
	} {
		assert.Contains(t, deck, line)
	}
}

func TestQE2Pert_CopyStaging(t *testing.T) {
	b := NewBuilder(qe2pertResolver(1), nil)
	in := qe2pertInput()
	in.Settings = Settings{SettingParentFolderSymlink: false}
	in.KMesh = &structure.Mesh{Dims: [3]int{4, 4, 4}}

	req, err := b.QE2Pert(context.Background(), in)
	require.NoError(t, err)

	want := []StageInstruction{
		cp("/scratch/ph/DYN_MAT/*", "./save/"),
		cp("/scratch/ph/out/_ph0/aiida.dvscf1", "save/aiida.dvscf_q1"),
		cp("/scratch/ph/out/_ph0/aiida.phsave", "./save/"),
		cp("/scratch/nscf/out", "."),
		cp("/scratch/w90/aiida_centres.xyz", "."),
		cp("/scratch/w90/aiida_u*", "."),
	}
	if diff := cmp.Diff(want, req.Stage); diff != "" {
		t.Errorf("staging mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"./save/"}, req.Mkdirs)
	assert.Contains(t, deckOf(t, req), "\tnk1=4,\n")
}

func TestQE2Pert_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("missing number_of_qpoints", func(t *testing.T) {
		r := qe2pertResolver(0)
		b := NewBuilder(r, nil)
		_, err := b.QE2Pert(ctx, qe2pertInput())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "number_of_qpoints")
	})

	t.Run("ambiguous ph folder", func(t *testing.T) {
		r := qe2pertResolver(2)
		r.Add(calcAt(ProgramPh, "/scratch/ph"))
		b := NewBuilder(r, nil)
		_, err := b.QE2Pert(ctx, qe2pertInput())
		require.Error(t, err)
		assert.True(t, remote.IsMultipleProducers(err))
		assert.True(t, IsConfigError(err))
	})

	t.Run("wrong nscf producer", func(t *testing.T) {
		r := qe2pertResolver(2)
		b := NewBuilder(r, nil)
		in := qe2pertInput()
		in.NscfFolder = folder("/scratch/w90")
		_, err := b.QE2Pert(ctx, in)
		require.Error(t, err)
		var ce *ConfigError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "nscf_folder", ce.Field)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		b := NewBuilder(qe2pertResolver(2), nil)
		_, err := b.QE2Pert(cctx, qe2pertInput())
		require.ErrorIs(t, err, context.Canceled)
	})
}

func phParent() *remote.Calculation {
	ph := calcAt(ProgramPh, "/scratch/ph")
	ph.Inputs[InputParameters] = map[string]any{
		"INPUTPH": map[string]any{"tr2_ph": 1e-16, "start_q": 2, "last_q": 2, "epsil": false},
	}
	ph.Inputs[InputQpoints] = structure.Mesh{Dims: [3]int{2, 2, 2}}
	return ph
}

func deckKeys(deck string) []string {
	var keys []string
	for _, line := range strings.Split(deck, "\n") {
		if strings.HasPrefix(line, "  ") {
			keys = append(keys, strings.TrimSpace(strings.SplitN(line, "=", 2)[0]))
		}
	}
	return keys
}

func TestPhRecover_Defaults(t *testing.T) {
	b := NewBuilder(remotetest.NewResolver(phParent()), nil)

	req, err := b.PhRecover(context.Background(), PhRecoverInput{Parent: folder("/scratch/ph")})
	require.NoError(t, err)

	assert.Equal(t, ProgramPhRecover, req.Program)
	assert.Equal(t, ProgramPh, req.Code)
	assert.Equal(t, []string{"-in", "aiida.in"}, req.Cmdline)
	assert.Equal(t, []string{"./out/"}, req.Mkdirs)
	assert.Equal(t, []string{"aiida.out", "DYN_MAT", "out/_ph0/aiida.phsave/tensors.xml"}, req.Retrieve)

	want := []StageInstruction{
		link("/scratch/ph/out/*", "./out/"),
		link("/scratch/ph/pseudo", "./pseudo/"),
		link("/scratch/ph/DYN_MAT", "DYN_MAT"),
	}
	if diff := cmp.Diff(want, req.Stage); diff != "" {
		t.Errorf("staging mismatch (-want +got):\n%s", diff)
	}

	deck := deckOf(t, req)
	assert.True(t, strings.HasPrefix(deck, "ph recover\n&INPUTPH\n"), deck)
	keys := deckKeys(deck)
	assert.True(t, sort.StringsAreSorted(keys), "keys not sorted: %v", keys)
	assert.NotContains(t, keys, "start_q")
	assert.NotContains(t, keys, "last_q")
	for _, line := range []string{
		"  recover = .true.\n",
		"  fildvscf = 'dvscf'\n",
		"  verbosity = 'high'\n",
		"  fildyn = 'DYN_MAT/aiida.dyn.xml'\n",
		"  outdir = './out/'\n",
		"  prefix = 'aiida'\n",
		"  ldisp = .true.\n",
		"  nq1 = 2\n",
		"  epsil = .false.\n",
	} {
		assert.Contains(t, deck, line)
	}
	_, hasExit := req.File("aiida.EXIT")
	assert.False(t, hasExit)
}

func TestPhRecover_CopyAndOptions(t *testing.T) {
	parent := phParent()
	parent.Inputs[InputSettings] = map[string]any{SettingCmdline: []any{"-nk", "2"}}
	b := NewBuilder(remotetest.NewResolver(parent), nil)

	req, err := b.PhRecover(context.Background(), PhRecoverInput{
		Parent: folder("/scratch/ph"),
		Settings: Settings{
			SettingParentFolderSymlink:    false,
			SettingOnlyInitialization:     true,
			SettingAdditionalRetrieveList: []string{"out/_ph0/aiida.phsave/patterns.1.xml"},
			SettingParentCalcOutSubfolder: "tmp",
		},
	})
	require.NoError(t, err)

	want := []StageInstruction{
		cp("/scratch/ph/tmp", "./out/"),
		cp("/scratch/ph/pseudo", "./pseudo/"),
		cp("/scratch/ph/DYN_MAT", "."),
	}
	if diff := cmp.Diff(want, req.Stage); diff != "" {
		t.Errorf("staging mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, req.Mkdirs)
	assert.Equal(t, []string{"-nk", "2", "-in", "aiida.in"}, req.Cmdline, "parent settings are merged under the caller's")
	assert.Contains(t, req.Retrieve, "out/_ph0/aiida.phsave/patterns.1.xml")

	exit, ok := req.File("aiida.EXIT")
	require.True(t, ok)
	assert.Equal(t, "\n", string(exit))
}

func TestPhRecover_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		mutate   func(*remote.Calculation)
		settings Settings
		parent   remote.Folder
		contains string
	}{
		{
			name:     "unknown setting",
			settings: Settings{"FOO": 1},
			contains: "FOO",
		},
		{
			name:     "namelists not a list",
			settings: Settings{SettingNamelists: "INPUTPH"},
			contains: SettingNamelists,
		},
		{
			name: "offset mesh",
			mutate: func(c *remote.Calculation) {
				c.Inputs[InputQpoints] = structure.Mesh{Dims: [3]int{2, 2, 2}, Offset: [3]float64{0.5, 0, 0}}
			},
			contains: "non zero offset",
		},
		{
			name: "unprinted namelist",
			mutate: func(c *remote.Calculation) {
				params := c.Inputs[InputParameters].(map[string]any)
				params["EXTRA"] = map[string]any{"a": 1}
			},
			contains: "EXTRA",
		},
		{
			name:     "missing INPUTPH",
			mutate:   func(c *remote.Calculation) { c.Inputs[InputParameters] = map[string]any{} },
			contains: "INPUTPH",
		},
		{
			name:     "other computer",
			parent:   remote.Folder{Computer: "cluster", Path: "/scratch/ph"},
			contains: "computer",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := phParent()
			if tt.mutate != nil {
				tt.mutate(parent)
			}
			f := folder("/scratch/ph")
			if !tt.parent.IsZero() {
				f = tt.parent
				parent.Folder = f
			}
			b := NewBuilder(remotetest.NewResolver(parent), nil)
			_, err := b.PhRecover(ctx, PhRecoverInput{Parent: f, Settings: tt.settings})
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
			assert.Contains(t, err.Error(), tt.contains)
		})
	}

	t.Run("parent not ph", func(t *testing.T) {
		b := NewBuilder(remotetest.NewResolver(calcAt(ProgramPw, "/scratch/scf")), nil)
		_, err := b.PhRecover(ctx, PhRecoverInput{Parent: folder("/scratch/scf")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), string(ProgramPh))
	})
}

func silicon() *structure.Structure {
	return &structure.Structure{
		Cell: [3][3]float64{{0, 2.715, 2.715}, {2.715, 0, 2.715}, {2.715, 2.715, 0}},
		Sites: []structure.Site{
			{Symbol: "Si", Position: [3]float64{0, 0, 0}},
			{Symbol: "Si", Position: [3]float64{1.3575, 1.3575, 1.3575}},
		},
	}
}

func TestPw(t *testing.T) {
	b := NewBuilder(remotetest.NewResolver(), nil)

	req, err := b.Pw(context.Background(), PwInput{
		Structure: silicon(),
		KMesh:     structure.Mesh{Dims: [3]int{4, 4, 4}},
		Parameters: map[string]namelist.Params{
			"control": {{Key: "calculation", Value: "scf"}},
			"SYSTEM":  {{Key: "ecutwfc", Value: 30.0}},
		},
		Pseudos: map[string]string{"Si": "/pseudos/Si.pbe.UPF"},
	})
	require.NoError(t, err)

	deck := deckOf(t, req)
	for _, s := range []string{
		"&CONTROL\n  calculation = 'scf'\n  outdir = './out/'\n  prefix = 'aiida'\n  pseudo_dir = './pseudo/'\n/\n",
		"  ibrav = 0\n  nat = 2\n  ntyp = 1\n",
		"&ELECTRONS\n/\n",
		"ATOMIC_SPECIES\nSi 1.0 Si.pbe.UPF\n",
		"K_POINTS automatic\n4 4 4 0 0 0\n",
		"CELL_PARAMETERS angstrom\n",
	} {
		assert.Contains(t, deck, s)
	}
	assert.Less(t, strings.Index(deck, "&CONTROL"), strings.Index(deck, "&SYSTEM"))
	assert.Less(t, strings.Index(deck, "&SYSTEM"), strings.Index(deck, "&ELECTRONS"))

	assert.Equal(t, []StageInstruction{cp("/pseudos/Si.pbe.UPF", "pseudo/Si.pbe.UPF")}, req.Stage)
	assert.Equal(t, []string{"./out/", "./pseudo/"}, req.Mkdirs)

	_, err = b.Pw(context.Background(), PwInput{Structure: silicon(), KMesh: structure.Mesh{Dims: [3]int{4, 4, 4}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Si")
}

func TestPh_Restart(t *testing.T) {
	scf := calcAt(ProgramPw, "/scratch/scf")
	prev := calcAt(ProgramPh, "/scratch/ph1")
	b := NewBuilder(remotetest.NewResolver(scf, prev), nil)

	in := PhInput{
		Parent:     folder("/scratch/scf"),
		QMesh:      structure.Mesh{Dims: [3]int{4, 4, 4}},
		Parameters: namelist.Params{{Key: "tr2_ph", Value: 1e-15}},
		StartQ:     1,
		LastQ:      1,
		MaxSeconds: 3420,
	}
	req, err := b.Ph(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []StageInstruction{
		link("/scratch/scf/out/*", "./out/"),
		link("/scratch/scf/pseudo", "./pseudo/"),
	}, req.Stage)
	assert.Equal(t, []string{"./out/", "DYN_MAT"}, req.Mkdirs)

	deck := deckOf(t, req)
	for _, s := range []string{
		"  fildyn = 'DYN_MAT/dynamical-matrix-'\n",
		"  max_seconds = 3420\n",
		"  start_q = 1\n",
		"  last_q = 1\n",
		"  nq3 = 4\n",
		"  tr2_ph =   1.0000000000d-15\n",
	} {
		assert.Contains(t, deck, s)
	}

	in.Parent = folder("/scratch/ph1")
	in.Settings = Settings{SettingParentFolderSymlink: false}
	req, err = b.Ph(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, []StageInstruction{
		cp("/scratch/ph1/out", "."),
		cp("/scratch/ph1/pseudo", "./pseudo/"),
		cp("/scratch/ph1/DYN_MAT", "."),
	}, req.Stage)

	in.QMesh.Offset = [3]float64{0.5, 0.5, 0.5}
	_, err = b.Ph(context.Background(), in)
	require.Error(t, err)
}

func TestQ2rAndMatdyn(t *testing.T) {
	ph := calcAt(ProgramPh, "/scratch/ph")
	q2r := calcAt(ProgramQ2r, "/scratch/q2r")
	b := NewBuilder(remotetest.NewResolver(ph, q2r), nil)
	ctx := context.Background()

	req, err := b.Q2r(ctx, Q2rInput{Parent: folder("/scratch/ph")})
	require.NoError(t, err)
	assert.Equal(t, "&INPUT\n"+
		"  fildyn = 'DYN_MAT/dynamical-matrix-'\n"+
		"  flfrc = 'real_space_force_constants.dat'\n"+
		"  zasr = 'crystal'\n"+
		"/\n", deckOf(t, req))
	assert.Equal(t, []StageInstruction{link("/scratch/ph/DYN_MAT", "DYN_MAT")}, req.Stage)

	req, err = b.Matdyn(ctx, MatdynInput{
		Parent: folder("/scratch/q2r"),
		Points: [][3]float64{{0, 0, 0}, {0.5, 0, 0}},
	})
	require.NoError(t, err)
	deck := deckOf(t, req)
	assert.Contains(t, deck, "  flfrq = 'aiida.freq'\n")
	assert.Contains(t, deck, "  q_in_cryst_coord = .true.\n")
	assert.True(t, strings.HasSuffix(deck, "/\n2\n"+
		"      0.0000000000       0.0000000000       0.0000000000\n"+
		"      0.5000000000       0.0000000000       0.0000000000\n"), deck)
	assert.Equal(t, []string{"aiida.out", "aiida.freq", "matdyn.modes"}, req.Retrieve)

	_, err = b.Matdyn(ctx, MatdynInput{Parent: folder("/scratch/q2r")})
	require.Error(t, err)

	_, err = b.Matdyn(ctx, MatdynInput{Parent: folder("/scratch/ph"), Points: [][3]float64{{0, 0, 0}}})
	require.Error(t, err, "matdyn needs q2r force constants")
}
