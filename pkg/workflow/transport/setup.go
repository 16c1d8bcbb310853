package transport

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/3leaps/gomobility/pkg/bands"
	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/structure"
)

// ErrInvalidCarrierOccupation is returned when a semiconductor run has no
// explicit carrier concentration.
var ErrInvalidCarrierOccupation = errors.New("a carrier concentration is required unless the material is a metal")

// Output keys read from the wannier90 calculation.
const (
	outputInterpolatedBands = "interpolated_bands"
	outputNumberWfs         = "number_wfs"
	settingMaxOmegaAverage  = "max_OmegaTOT_average"
)

// DefaultMaxOmegaAverage bounds the average wannier spread per function.
const DefaultMaxOmegaAverage = 10.0

// DefaultTemperature is used when no temperature range is given.
const DefaultTemperature = 300.0

// TemperatureRange is the half-open series [Min, Max) in steps of Step.
type TemperatureRange struct {
	Min  float64 `json:"min" yaml:"min"`
	Max  float64 `json:"max" yaml:"max"`
	Step float64 `json:"step" yaml:"step"`
}

// Values expands the range. A nil range yields the default temperature
// alone; a range that expands to nothing is a configuration error.
func (r *TemperatureRange) Values() ([]float64, error) {
	if r == nil {
		return []float64{DefaultTemperature}, nil
	}
	if r.Step <= 0 {
		return nil, &calc.ConfigError{Field: "temperatures.step", Message: fmt.Sprintf("must be positive, got %g", r.Step)}
	}
	if r.Max <= r.Min {
		return nil, &calc.ConfigError{Field: "temperatures", Message: fmt.Sprintf("empty range: max %g is not above min %g", r.Max, r.Min)}
	}
	n := int(math.Ceil((r.Max - r.Min) / r.Step))
	out := make([]float64, 0, n)
	for i := range n {
		out = append(out, r.Min+float64(i)*r.Step)
	}
	return out, nil
}

// setup validates the upstream folders, classifies the bands and resolves
// the carrier occupation. Nothing is submitted.
func (w *Workflow) setup(ctx context.Context, in Input, pc *PipelineContext) error {
	resolver := w.cfg.Builder.Resolver()

	ph, err := resolver.Producer(ctx, in.PhFolder)
	if err != nil {
		return lookupError(ctx, "ph_folder", err)
	}
	switch calc.Program(ph.Program) {
	case calc.ProgramPh:
		pc.NeedsRecovery = true
	case calc.ProgramPhRecover:
		pc.NeedsRecovery = false
	default:
		return &calc.ConfigError{Field: "ph_folder", Message: fmt.Sprintf("produced by %s, expected a ph calculation", ph.Program)}
	}
	pc.PhFolder = in.PhFolder

	wannier, err := resolver.Producer(ctx, in.WannierFolder)
	if err != nil {
		return lookupError(ctx, "wannier_folder", err)
	}
	if calc.Program(wannier.Program) != calc.ProgramWannier90 {
		return &calc.ConfigError{Field: "wannier_folder", Message: fmt.Sprintf("produced by %s, expected a wannier90 calculation", wannier.Program)}
	}
	if err := checkSpread(wannier, in.Settings); err != nil {
		return err
	}

	pc.SCFKMesh, err = scfMesh(wannier, in.SetupKMesh)
	if err != nil {
		return err
	}

	classification, err := classify(wannier, in.BandsEnergyThreshold)
	if err != nil {
		return err
	}
	pc.Bands = classification
	pc.Holes = classification.HasHoles()

	temps, err := in.Temperatures.Values()
	if err != nil {
		return err
	}
	pc.Temperatures = temps
	switch {
	case in.CarrierConcentration != nil:
		pc.Concentrations = broadcast(*in.CarrierConcentration, len(pc.Temperatures))
	case classification.Kind == bands.Metal:
		pc.FermiLevels = broadcast(classification.FermiEnergy, len(pc.Temperatures))
	default:
		return &calc.ConfigError{Field: "carrier_concentration", Message: "semiconductor without carrier concentration", Err: ErrInvalidCarrierOccupation}
	}
	return nil
}

func lookupError(ctx context.Context, field string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &calc.ConfigError{Field: field, Message: "cannot resolve producing calculation", Err: err}
}

// checkSpread rejects wannier functions whose average total spread
// (Omega_D + Omega_I + Omega_OD) / number_wfs exceeds the settings bound.
func checkSpread(wannier *remote.Calculation, settings calc.Settings) error {
	n, ok := wannier.OutputInt(outputNumberWfs)
	if !ok || n <= 0 {
		return &calc.ConfigError{Field: "wannier_folder", Message: "wannier90 calculation has no number_wfs"}
	}
	var total float64
	for _, key := range []string{"Omega_D", "Omega_I", "Omega_OD"} {
		v, _ := wannier.OutputFloat(key)
		total += v
	}
	limit := DefaultMaxOmegaAverage
	if v, ok := settings[settingMaxOmegaAverage]; ok {
		f, ok := toFloat(v)
		if !ok {
			return &calc.ConfigError{Field: "settings." + settingMaxOmegaAverage, Message: fmt.Sprintf("must be a number, got %T", v)}
		}
		limit = f
	}
	if avg := total / float64(n); avg > limit {
		return &calc.ConfigError{
			Field:   "wannier_folder",
			Message: fmt.Sprintf("average wannier spread %.4g over %d functions exceeds %s %.4g", avg, n, settingMaxOmegaAverage, limit),
		}
	}
	return nil
}

func scfMesh(wannier *remote.Calculation, override *structure.Mesh) (structure.Mesh, error) {
	if override != nil {
		if err := override.Validate(); err != nil {
			return structure.Mesh{}, &calc.ConfigError{Field: "kpoints", Message: "invalid mesh", Err: err}
		}
		return *override, nil
	}
	raw, ok := wannier.Input(calc.InputSCFKpoints)
	if !ok {
		return structure.Mesh{}, &calc.ConfigError{Field: "kpoints", Message: "not given and the wannier calculation has no scf k-mesh"}
	}
	m, err := calc.DecodeMesh(raw)
	if err != nil {
		return structure.Mesh{}, &calc.ConfigError{Field: "kpoints", Message: "invalid scf k-mesh of the wannier calculation", Err: err}
	}
	return m.Scale(setupMeshFactor), nil
}

// classify reads the interpolated bands and the fermi energy of the wannier
// calculation.
func classify(wannier *remote.Calculation, threshold float64) (bands.Classification, error) {
	if threshold <= 0 {
		threshold = bands.DefaultThreshold
	}
	raw, ok := wannier.Output(outputInterpolatedBands)
	if !ok {
		return bands.Classification{}, &calc.ConfigError{Field: "wannier_folder", Message: "wannier90 calculation has no interpolated bands"}
	}
	data, err := decodeBands(raw)
	if err != nil {
		return bands.Classification{}, &calc.ConfigError{Field: "wannier_folder", Message: "invalid interpolated bands", Err: err}
	}
	fermi, ok := wannierFermiEnergy(wannier)
	if !ok {
		return bands.Classification{}, &calc.ConfigError{Field: "wannier_folder", Message: "wannier90 parameters have no fermi_energy"}
	}
	c, err := bands.Classify(data, fermi, threshold)
	if err != nil {
		return bands.Classification{}, fmt.Errorf("classify bands: %w", err)
	}
	return c, nil
}

func wannierFermiEnergy(wannier *remote.Calculation) (float64, bool) {
	raw, ok := wannier.Input(calc.InputParameters)
	if !ok {
		return 0, false
	}
	switch p := raw.(type) {
	case map[string]any:
		return toFloat(p["fermi_energy"])
	case namelist.Params:
		v, ok := p.Get("fermi_energy")
		if !ok {
			return 0, false
		}
		return toFloat(v)
	}
	return 0, false
}

func decodeBands(v any) ([][]float64, error) {
	switch b := v.(type) {
	case [][]float64:
		return b, nil
	case []any:
		out := make([][]float64, len(b))
		for i, row := range b {
			cells, ok := row.([]any)
			if !ok {
				if fr, ok := row.([]float64); ok {
					out[i] = fr
					continue
				}
				return nil, fmt.Errorf("%w: row %d is %T", bands.ErrInvalidBands, i, row)
			}
			out[i] = make([]float64, len(cells))
			for j, c := range cells {
				f, ok := toFloat(c)
				if !ok {
					return nil, fmt.Errorf("%w: value [%d][%d] is %T", bands.ErrInvalidBands, i, j, c)
				}
				out[i][j] = f
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: got %T", bands.ErrInvalidBands, v)
}

func broadcast(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
