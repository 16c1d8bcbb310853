// Package phonon runs ph.x with q-point restarts and the phonon band
// workflow around it: relax, scf, ph, q2r and matdyn, tightening the
// convergence thresholds while imaginary frequencies remain.
package phonon

import (
	"github.com/3leaps/gomobility/pkg/namelist"
)

// Defaults of the runner and workflow.
const (
	DefaultMaxIterations        = 5
	DefaultMaxRestarts          = 5
	DefaultFrequencyThreshold   = -15.0
	DefaultAlphaMix             = 0.70
	AlphaMixDamping             = 0.90
	MaxSecondsFactor            = 0.95
	DefaultMatdynDistance       = 0.01
	DefaultEtotConvThr          = 1e-4
	DefaultForcConvThr          = 1e-3
	DefaultConvThr              = 1e-6
	DefaultCutoff               = 80.0
	DefaultTr2Ph                = 1e-15
	tightenFactor               = 0.01
	tightenKpointsFactor        = 0.75
	tightenCutoffStep           = 20.0
	maxIterationsPerNewQpoint   = 2
	maxIterationsJointIncrement = 2
)

// Thresholds are the convergence settings the workflow tightens after an
// imaginary-frequency failure.
type Thresholds struct {
	KpointsDistance float64 `json:"kpoints_distance"`
	ConvThr         float64 `json:"conv_thr"`
	EtotConvThr     float64 `json:"etot_conv_thr"`
	ForcConvThr     float64 `json:"forc_conv_thr"`
	Cutoff          float64 `json:"ecutwfc"`
	Tr2Ph           float64 `json:"tr2_ph"`
}

// Tighten returns the thresholds of the next restart: denser k-points,
// energy and force thresholds two orders stricter and a higher cutoff.
func (t Thresholds) Tighten() Thresholds {
	return Thresholds{
		KpointsDistance: t.KpointsDistance * tightenKpointsFactor,
		ConvThr:         t.ConvThr * tightenFactor,
		EtotConvThr:     t.EtotConvThr * tightenFactor,
		ForcConvThr:     t.ForcConvThr * tightenFactor,
		Cutoff:          t.Cutoff + tightenCutoffStep,
		Tr2Ph:           t.Tr2Ph * tightenFactor,
	}
}

// initialThresholds reads the starting thresholds from pw.x namelists and
// the ph.x INPUTPH entries, falling back to the defaults.
func initialThresholds(pw map[string]namelist.Params, kpointsDistance float64, inputph namelist.Params) Thresholds {
	return Thresholds{
		KpointsDistance: kpointsDistance,
		ConvThr:         floatParam(pw["ELECTRONS"], "conv_thr", DefaultConvThr),
		EtotConvThr:     floatParam(pw["CONTROL"], "etot_conv_thr", DefaultEtotConvThr),
		ForcConvThr:     floatParam(pw["CONTROL"], "forc_conv_thr", DefaultForcConvThr),
		Cutoff:          floatParam(pw["SYSTEM"], "ecutwfc", DefaultCutoff),
		Tr2Ph:           floatParam(inputph, "tr2_ph", DefaultTr2Ph),
	}
}

// IterationContext is the state of one phonon run. The runner owns the
// q-point fields; the workflow owns the thresholds and restart count.
type IterationContext struct {
	CurrentQpoint int `json:"current_qpoint"`
	MaxQpoint     int `json:"max_qpoint"`

	// Iteration counts ph.x submissions against MaxIterations.
	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`

	// Restarts counts imaginary-frequency restarts of the whole chain.
	Restarts   int        `json:"restarts"`
	Thresholds Thresholds `json:"thresholds"`

	UnhandledFailure bool `json:"unhandled_failure"`
	NoImaginary      bool `json:"no_imaginary"`
	Separated        bool `json:"separated"`
}

func floatParam(p namelist.Params, key string, def float64) float64 {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return def
}

func intParam(p namelist.Params, key string, def int) int {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if n == float64(int(n)) {
			return int(n)
		}
	}
	return def
}

func boolParam(p namelist.Params, key string) bool {
	v, ok := p.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}
