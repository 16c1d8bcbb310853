package namelist

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   string
	}{
		{
			name:   "empty block",
			params: nil,
			want:   "&perturbo\n/\n",
		},
		{
			name: "mixed values",
			params: Params{
				{Key: "hole", Value: true},
				{Key: "load_ephmat", Value: false},
				{Key: "prefix", Value: "aiida"},
				{Key: "band_min", Value: 5},
				{Key: "boltz_emin", Value: 6.1},
				{Key: "delta_smear", Value: 10.0},
			},
			want: "&perturbo\n" +
				"\thole=.true.,\n" +
				"\tload_ephmat=.false.,\n" +
				"\tprefix=\"aiida\",\n" +
				"\tband_min=5,\n" +
				"\tboltz_emin=6.1,\n" +
				"\tdelta_smear=10.0,\n" +
				"/\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render("perturbo", tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRender_UnsupportedValue(t *testing.T) {
	_, err := Render("perturbo", Params{{Key: "temperatures", Value: []float64{300}}})
	require.Error(t, err)

	var valueErr *ValueError
	require.ErrorAs(t, err, &valueErr)
	assert.Equal(t, "temperatures", valueErr.Key)
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestFormatReal(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.0"},
		{0.3, "0.3"},
		{10, "10.0"},
		{-15, "-15.0"},
		{0.0001, "0.0001"},
		{1e-15, "1e-15"},
		{1e18, "1e+18"},
		{123.456, "123.456"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatReal(tt.in))
		})
	}
}

func TestWriteFile_Overwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aiida.in")
	require.NoError(t, os.WriteFile(path, []byte("stale content that is longer than the deck\n"), 0644))

	require.NoError(t, WriteFile(path, "qe2pert", Params{{Key: "prefix", Value: "aiida"}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "&qe2pert\n\tprefix=\"aiida\",\n/\n", string(data))
}

func TestPerturbo_DeniedKeys(t *testing.T) {
	for _, key := range perturboDenied {
		t.Run(key, func(t *testing.T) {
			_, err := Perturbo("setup", Params{{Key: "band_min", Value: 1}, {Key: key, Value: 1}}, nil)
			require.Error(t, err)

			var denied *DeniedKeyError
			require.ErrorAs(t, err, &denied)
			assert.Equal(t, key, denied.Key)
			assert.Contains(t, err.Error(), key)
		})
	}
}

func TestPerturbo_Modes(t *testing.T) {
	base := Params{{Key: "band_min", Value: 5}, {Key: "band_max", Value: 6}}
	kdim := &[3]int{80, 80, 80}

	tests := []struct {
		name   string
		mode   string
		params Params
		kdim   *[3]int
		want   []string
	}{
		{
			name:   "setup with mesh",
			mode:   "SETUP",
			params: base,
			kdim:   kdim,
			want:   []string{"band_min", "band_max", "boltz_kdim(1)", "boltz_kdim(2)", "boltz_kdim(3)", "prefix", "ftemper"},
		},
		{
			name:   "imsigma without sampling",
			mode:   "imsigma",
			params: base,
			kdim:   kdim,
			want:   []string{"band_min", "band_max", "fklist", "fqlist", "prefix", "ftemper"},
		},
		{
			name:   "imsigma with sampling",
			mode:   "imsigma",
			params: append(base.Clone(), Param{Key: "sampling", Value: "cauchy"}),
			want:   []string{"band_min", "band_max", "sampling", "fklist", "prefix", "ftemper"},
		},
		{
			name:   "meanfp",
			mode:   "meanfp",
			params: base,
			want:   []string{"band_min", "band_max", "fklist", "fqlist", "prefix", "ftemper"},
		},
		{
			name:   "trans ignores mesh",
			mode:   "trans",
			params: base,
			kdim:   kdim,
			want:   []string{"band_min", "band_max", "prefix", "ftemper"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Perturbo(tt.mode, tt.params, tt.kdim)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Keys())

			prefix, _ := got.Get("prefix")
			assert.Equal(t, "aiida", prefix)
			ftemper, _ := got.Get("ftemper")
			assert.Equal(t, "aiida.temper", ftemper)
		})
	}

	t.Run("does not mutate input", func(t *testing.T) {
		in := base.Clone()
		_, err := Perturbo("setup", in, kdim)
		require.NoError(t, err)
		assert.Equal(t, base, in)
	})
}

func TestPerturbo_RoundTrip(t *testing.T) {
	in := Params{
		{Key: "hole", Value: true},
		{Key: "band_min", Value: 9},
		{Key: "boltz_emax", Value: 7.25},
		{Key: "sampling", Value: "uniform"},
		{Key: "debug", Value: false},
	}
	params, err := Perturbo("imsigma", in, nil)
	require.NoError(t, err)

	text, err := Render("perturbo", params)
	require.NoError(t, err)

	parsed := parseRendered(t, text)
	assert.Equal(t, params.Keys(), keysOf(parsed))
	assert.Equal(t, ".true.", lookup(parsed, "hole"))
	assert.Equal(t, ".false.", lookup(parsed, "debug"))
	assert.Equal(t, `"uniform"`, lookup(parsed, "sampling"))
}

func TestQE2Pert(t *testing.T) {
	full := func() Params {
		return Params{
			{Key: "system_2d", Value: false},
			{Key: "prefix", Value: "aiida"},
			{Key: "outdir", Value: "./out"},
			{Key: "phdir", Value: "./save/"},
			{Key: "nk1", Value: 8},
			{Key: "nk2", Value: 8},
			{Key: "nk3", Value: 8},
			{Key: "dft_band_min", Value: 1},
			{Key: "dft_band_max", Value: 16},
			{Key: "num_wann", Value: 8},
			{Key: "lwannier", Value: true},
		}
	}

	t.Run("orders keys and defaults load_ephmat", func(t *testing.T) {
		got, err := QE2Pert(full())
		require.NoError(t, err)
		assert.Equal(t, QE2PertKeys, got.Keys())
		v, _ := got.Get("load_ephmat")
		assert.Equal(t, false, v)
	})

	t.Run("unknown key", func(t *testing.T) {
		p := full()
		p.Set("ecutwfc", 80)
		_, err := QE2Pert(p)

		var unknown *UnknownKeyError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "ecutwfc", unknown.Key)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := QE2Pert(full().Delete("num_wann"))

		var missing *MissingKeyError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "num_wann", missing.Key)
		assert.True(t, errors.Is(err, ErrInvalidParameters))
	})
}

func TestRenderQE(t *testing.T) {
	got, err := RenderQE([]Namelist{
		{Name: "INPUTPH", Params: Params{
			{Key: "tr2_ph", Value: 1e-15},
			{Key: "recover", Value: true},
			{Key: "prefix", Value: "aiida"},
			{Key: "nq1", Value: 4},
		}},
	}, QEOptions{Title: "AiiDA calculation"})
	require.NoError(t, err)

	want := "AiiDA calculation\n" +
		"&INPUTPH\n" +
		"  nq1 = 4\n" +
		"  prefix = 'aiida'\n" +
		"  recover = .true.\n" +
		"  tr2_ph =   1.0000000000d-15\n" +
		"/\n"
	assert.Equal(t, want, got)
}

func TestRenderTemper(t *testing.T) {
	t.Run("concentration mode", func(t *testing.T) {
		got, err := RenderTemper(TemperSeries{
			Temperatures:   []float64{300, 350},
			Concentrations: []float64{1e18, 1e18},
		})
		require.NoError(t, err)
		assert.Equal(t, "2\tT\n300\t0.00\t1e+18\n350\t0.00\t1e+18\n", got)
	})

	t.Run("fermi mode", func(t *testing.T) {
		got, err := RenderTemper(TemperSeries{
			Temperatures: []float64{300},
			FermiLevels:  []float64{6.5},
		})
		require.NoError(t, err)
		assert.Equal(t, "1\t F\n300\t6.5\t1.0E10\n", got)
	})

	t.Run("errors", func(t *testing.T) {
		_, err := RenderTemper(TemperSeries{FermiLevels: []float64{1}})
		assert.ErrorIs(t, err, ErrNoTemperatures)

		_, err = RenderTemper(TemperSeries{Temperatures: []float64{300}})
		assert.ErrorIs(t, err, ErrNoOccupation)

		_, err = RenderTemper(TemperSeries{Temperatures: []float64{300, 400}, Concentrations: []float64{1}})
		assert.ErrorIs(t, err, ErrInvalidParameters)
	})
}

func TestParams_UnmarshalYAML(t *testing.T) {
	var p Params
	err := yaml.Unmarshal([]byte("zeta: 1\nalpha: true\nname: foo\nsmear: 2.5\n"), &p)
	require.NoError(t, err)

	assert.Equal(t, []string{"zeta", "alpha", "name", "smear"}, p.Keys())
	v, _ := p.Get("smear")
	assert.Equal(t, 2.5, v)

	err = yaml.Unmarshal([]byte("temperatures: [300, 400]\n"), &p)
	assert.Error(t, err)
}

func TestParams_Set(t *testing.T) {
	p := Params{{Key: "a", Value: 1}, {Key: "b", Value: 2}}
	p.Set("a", 3)
	p.Set("c", 4)
	p.SetDefault("b", 9)

	assert.Equal(t, Params{{Key: "a", Value: 3}, {Key: "b", Value: 2}, {Key: "c", Value: 4}}, p)
	assert.Equal(t, map[string]any{"a": 3, "b": 2, "c": 4}, p.Map())
	assert.Equal(t, []string{"a", "b", "c"}, FromMap(p.Map()).Keys())
}

type entry struct{ key, value string }

func parseRendered(t *testing.T, text string) []entry {
	t.Helper()
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	require.Equal(t, "/", lines[len(lines)-1])

	var out []entry
	for _, line := range lines[1 : len(lines)-1] {
		require.True(t, strings.HasPrefix(line, "\t"), line)
		require.True(t, strings.HasSuffix(line, ","), line)
		kv := strings.SplitN(strings.TrimSuffix(strings.TrimPrefix(line, "\t"), ","), "=", 2)
		require.Len(t, kv, 2)
		out = append(out, entry{key: kv[0], value: kv[1]})
	}
	return out
}

func keysOf(entries []entry) []string {
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys
}

func lookup(entries []entry, key string) string {
	for _, e := range entries {
		if e.key == key {
			return e.value
		}
	}
	return ""
}
