package calc

import (
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/structure"
)

// Keys of recorded calculation inputs.
const (
	InputParameters = "parameters"
	InputSettings   = "settings"
	InputQpoints    = "qpoints"
	InputKpoints    = "kpoints"
	InputSCFKpoints = "scf_kpoints"
	InputCalcMode   = "calc_mode"
	InputStructure  = "structure"
)

// decodeValue decodes a recorded input (a typed value, or the generic form
// read back from the provenance store) into out.
func decodeValue(in any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// DecodeMesh reads a mesh from a recorded input value.
func DecodeMesh(v any) (structure.Mesh, error) {
	switch m := v.(type) {
	case structure.Mesh:
		return m, nil
	case *structure.Mesh:
		if m == nil {
			return structure.Mesh{}, fmt.Errorf("%w: nil mesh", structure.ErrInvalidMesh)
		}
		return *m, nil
	}
	var m structure.Mesh
	if err := decodeValue(v, &m); err != nil {
		return structure.Mesh{}, fmt.Errorf("%w: %v", structure.ErrInvalidMesh, err)
	}
	if err := m.Validate(); err != nil {
		return structure.Mesh{}, err
	}
	return m, nil
}

// DecodeStructure reads a structure from a recorded input value.
func DecodeStructure(v any) (*structure.Structure, error) {
	switch s := v.(type) {
	case *structure.Structure:
		return s, nil
	case structure.Structure:
		return &s, nil
	}
	var s structure.Structure
	if err := decodeValue(v, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", structure.ErrInvalidCell, err)
	}
	return &s, nil
}

// DecodeNamelists reads a namelist-name → parameters map. Entries of each
// namelist come back in sorted key order.
func DecodeNamelists(v any) (map[string]namelist.Params, error) {
	switch m := v.(type) {
	case map[string]namelist.Params:
		out := make(map[string]namelist.Params, len(m))
		for k, p := range m {
			out[k] = p.Clone()
		}
		return out, nil
	case map[string]any:
		out := make(map[string]namelist.Params, len(m))
		for name, raw := range m {
			switch block := raw.(type) {
			case namelist.Params:
				out[name] = block.Clone()
			case map[string]any:
				out[name] = namelist.FromMap(block)
			default:
				return nil, fmt.Errorf("namelist %s must be a mapping, got %T", name, raw)
			}
		}
		return out, nil
	case nil:
		return map[string]namelist.Params{}, nil
	default:
		return nil, fmt.Errorf("parameters must be a mapping of namelists, got %T", v)
	}
}

// DecodeSettings reads recorded settings.
func DecodeSettings(v any) (Settings, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case Settings:
		return s.Clone(), nil
	case map[string]any:
		return Settings(s).Clone(), nil
	default:
		return nil, fmt.Errorf("settings must be a mapping, got %T", v)
	}
}

func namelistsValue(lists map[string]namelist.Params) map[string]any {
	out := make(map[string]any, len(lists))
	for name, p := range lists {
		out[name] = p.Map()
	}
	return out
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
