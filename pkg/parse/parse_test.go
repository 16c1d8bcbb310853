package parse

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/structure"
)

const errorBox = ` %%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%
     Error in routine qe2pert (1):
     cannot open file aiida.save
 %%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%
`

func stdoutFS(stdout string) fstest.MapFS {
	return fstest.MapFS{calc.OutputFile: {Data: []byte(stdout)}}
}

func TestQE2Pert(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		r := QE2Pert(stdoutFS("     progress:    50.00%\n     progress:   100.00%\n\n" +
			"     qe2pert      :   1m36.41s CPU   1h 2m WALL\n"))
		require.True(t, r.FinishedOK(), r.ExitMessage)
		assert.InDelta(t, 96.41, r.Outputs.CPUTime, 1e-9)
		assert.InDelta(t, 3720, r.Outputs.WallTime, 1e-9)
	})

	t.Run("crashed", func(t *testing.T) {
		r := QE2Pert(stdoutFS("     progress:    50.00%\n" + errorBox))
		assert.Equal(t, calc.ExitOutputStdoutIncomplete, r.ExitStatus)
		assert.Equal(t, "Error in routine qe2pert (1):\ncannot open file aiida.save", r.ExitMessage)
	})

	t.Run("stdout missing", func(t *testing.T) {
		r := QE2Pert(fstest.MapFS{})
		assert.Equal(t, calc.ExitOutputStdoutMissing, r.ExitStatus)
	})

	t.Run("no retrieved folder", func(t *testing.T) {
		r := QE2Pert(nil)
		assert.Equal(t, calc.ExitNoRetrievedFolder, r.ExitStatus)
	})
}

func TestPerturbo(t *testing.T) {
	r := Perturbo(stdoutFS("     PERTURBO     :     12.34s CPU     13.56s WALL\n"))
	require.True(t, r.FinishedOK())
	assert.InDelta(t, 12.34, r.Outputs.CPUTime, 1e-9)
	assert.InDelta(t, 13.56, r.Outputs.WallTime, 1e-9)

	r = Perturbo(stdoutFS("     calc_mode: trans\n"))
	assert.Equal(t, calc.ExitOutputStdoutIncomplete, r.ExitStatus)

	r = Perturbo(stdoutFS(errorBox))
	assert.Equal(t, calc.ExitOutputStdoutIncomplete, r.ExitStatus)
	assert.Contains(t, r.ExitMessage, "cannot open file")
}

const phStdout = `
     Dynamical matrices for ( 4, 4, 4)  uniform grid of q-points
     (   8 q-points):
       N         xq(1)         xq(2)         xq(3)
       1   0.000000000   0.000000000   0.000000000

     PHONON       :     14.18s CPU     15.02s WALL

   JOB DONE.
`

const dynGamma = `Dynamical matrix file
     Diagonalizing the dynamical matrix

     q = (    0.000000000   0.000000000   0.000000000 )

 **************************************************************************
     freq (    1) =      -0.032457 [THz] =      -1.082648 [cm-1]
     freq (    2) =       4.500000 [THz] =     150.100000 [cm-1]
 **************************************************************************
`

const dynStar = `
     Diagonalizing the dynamical matrix

     q = (    0.250000000   0.250000000   0.250000000 )
     freq (    1) =       2.000000 [THz] =      66.700000 [cm-1]

     Diagonalizing the dynamical matrix

     q = (   -0.250000000   0.250000000   0.250000000 )
     freq (    1) =       9.000000 [THz] =     999.000000 [cm-1]
`

func TestPh(t *testing.T) {
	fsys := fstest.MapFS{
		calc.OutputFile:                 {Data: []byte(phStdout)},
		"DYN_MAT/dynamical-matrix-0":    {Data: []byte("4 4 4\n8\n")},
		"DYN_MAT/dynamical-matrix-1":    {Data: []byte(dynGamma)},
		"DYN_MAT/dynamical-matrix-2":    {Data: []byte(dynStar)},
		"DYN_MAT/dynamical-matrix-keep": {Data: []byte(dynStar)},
	}

	r := Ph(fsys)
	require.True(t, r.FinishedOK(), r.ExitMessage)
	assert.Equal(t, 8, r.Outputs.NumberOfQpoints)
	assert.Equal(t, map[int][]float64{
		1: {-1.082648, 150.1},
		2: {66.7},
	}, r.Outputs.DynamicalMatrices)
	assert.InDelta(t, 15.02, r.Outputs.WallTime, 1e-9)

	freqs, ok := r.Outputs.Frequencies(1)
	require.True(t, ok)
	assert.Equal(t, -1.082648, freqs[0])
}

func TestPh_Failures(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		status int
	}{
		{"walltime", "     Maximum CPU time exceeded\n", calc.ExitOutOfWalltime},
		{"convergence", "     No convergence has been achieved\n", calc.ExitConvergenceNotReached},
		{"interrupted", "     Representation #  1 mode #   1\n", calc.ExitOutputStdoutIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Ph(stdoutFS(tt.stdout))
			assert.Equal(t, tt.status, r.ExitStatus)
			assert.NotEmpty(t, r.ExitMessage)
		})
	}
}

func TestFrequencies_NoHeader(t *testing.T) {
	got := Frequencies("     freq (    1) =       1.0 [THz] =      33.35641 [cm-1]\n")
	assert.Equal(t, []float64{33.35641}, got)
	assert.Empty(t, Frequencies("nothing here"))
}

const pwStdout = `
     lattice parameter (alat)  =      10.2600  a.u.
     number of electrons       =         8.00
     number of Kohn-Sham states=            8

     crystal axes: (cart. coord. in units of alat)
               a(1) = (  -0.500000   0.000000   0.500000 )
               a(2) = (   0.000000   0.500000   0.500000 )
               a(3) = (  -0.500000   0.500000   0.000000 )

     convergence has been achieved in   6 iterations

     highest occupied, lowest unoccupied level (ev):     6.2345    6.8901

Begin final coordinates

ATOMIC_POSITIONS (crystal)
Si            0.0000000000        0.0000000000        0.0000000000
Si            0.2500000000        0.2500000000        0.2500000000
End final coordinates

     PWSCF        :      1.23s CPU      1.50s WALL

   JOB DONE.
`

func TestPw(t *testing.T) {
	r := Pw(stdoutFS(pwStdout))
	require.True(t, r.FinishedOK(), r.ExitMessage)

	require.NotNil(t, r.Outputs.Converged)
	assert.True(t, *r.Outputs.Converged)
	assert.Equal(t, 8, r.Outputs.Parameters["number_of_bands"])
	assert.Equal(t, 8.0, r.Outputs.Parameters["number_of_electrons"])
	assert.Equal(t, 6.2345, r.Outputs.Parameters["highest_occupied_level"])
	assert.Equal(t, 6.8901, r.Outputs.Parameters["lowest_unoccupied_level"])
	assert.InDelta(t, 1.23, r.Outputs.CPUTime, 1e-9)

	s, ok := r.Outputs.Parameters["output_structure"].(*structure.Structure)
	require.True(t, ok)
	require.Len(t, s.Sites, 2)
	a := 10.26 * bohrToAngstrom
	assert.InDelta(t, -0.5*a, s.Cell[0][0], 1e-9)
	assert.InDelta(t, 0.5*a, s.Cell[2][1], 1e-9)
	assert.InDelta(t, -0.25*a, s.Sites[1].Position[0], 1e-9)
	assert.InDelta(t, 0.25*a, s.Sites[1].Position[1], 1e-9)
	assert.InDelta(t, 0.25*a, s.Sites[1].Position[2], 1e-9)
	assert.Equal(t, "Si", s.Sites[0].Symbol)
}

func TestPw_Failures(t *testing.T) {
	r := Pw(stdoutFS("     convergence NOT achieved after 100 iterations: stopping\n"))
	assert.Equal(t, calc.ExitConvergenceNotReached, r.ExitStatus)
	require.NotNil(t, r.Outputs.Converged)
	assert.False(t, *r.Outputs.Converged)

	r = Pw(stdoutFS("     The maximum number of steps has been reached.\n"))
	assert.Equal(t, calc.ExitIonicConvergenceFailed, r.ExitStatus)

	r = Pw(stdoutFS("     Maximum CPU time exceeded\n"))
	assert.Equal(t, calc.ExitOutOfWalltime, r.ExitStatus)
	assert.Equal(t, calc.KindRecoverable, (&calc.Result{ExitStatus: r.ExitStatus}).Kind())
}

func TestMatdyn(t *testing.T) {
	freq := ` &plot nbnd=   3, nks=   2 /
           0.000000  0.000000  0.000000
    0.0000    0.0000    0.0000
           0.500000  0.000000  0.000000
  100.0000  120.0000  300.0000
`
	r := Matdyn(fstest.MapFS{
		calc.OutputFile:    {Data: []byte("   JOB DONE.\n")},
		calc.FrequencyFile: {Data: []byte(freq)},
	})
	require.True(t, r.FinishedOK(), r.ExitMessage)
	assert.Equal(t, map[int][]float64{1: {0, 0, 0}, 2: {100, 120, 300}}, r.Outputs.DynamicalMatrices)

	_, err := MatdynFrequencies(" &plot nbnd=   3, nks=   2 /\n 0 0 0 1 2 3\n")
	require.Error(t, err)
	_, err = MatdynFrequencies("garbage")
	require.Error(t, err)

	r = Matdyn(stdoutFS("   JOB DONE.\n"))
	assert.Equal(t, calc.ExitOutputFiles, r.ExitStatus)
}

func TestQ2r(t *testing.T) {
	r := Q2r(fstest.MapFS{
		calc.OutputFile:         {Data: []byte("   JOB DONE.\n")},
		calc.ForceConstantsFile: {Data: []byte("3 2 1\n")},
	})
	assert.True(t, r.FinishedOK())

	r = Q2r(stdoutFS("   JOB DONE.\n"))
	assert.Equal(t, calc.ExitOutputFiles, r.ExitStatus)
}

func TestFor(t *testing.T) {
	r := For(calc.ProgramWannier90)(fstest.MapFS{})
	assert.Equal(t, calc.ExitOutputStdoutMissing, r.ExitStatus)

	r = For(calc.ProgramPhRecover)(stdoutFS(phStdout))
	assert.True(t, r.FinishedOK())
	assert.Equal(t, 8, r.Outputs.NumberOfQpoints)
}
