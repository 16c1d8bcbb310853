package namelist

import "strings"

// File names shared by the perturbo and qe2pert decks.
const (
	Prefix     = "aiida"
	TemperFile = Prefix + ".temper"
	TetKptFile = Prefix + "_tet.kpt"
)

// perturboDenied lists keys the perturbo deck computes itself.
var perturboDenied = []string{
	"prefix",
	"boltz_kdim(1)",
	"boltz_kdim(2)",
	"boltz_kdim(3)",
	"ftemper",
	"fklist",
	"fqlist",
}

// Perturbo validates caller parameters for a perturbo.x run in the given
// calculation mode and returns the complete parameter list.
//
// Caller keys keep their order. In setup mode a non-nil kdim appends
// boltz_kdim(1..3). The imsigma and meanfp modes append fklist, and fqlist
// mirrors fklist unless a sampling method was requested. prefix and ftemper
// always come last.
func Perturbo(mode string, params Params, kdim *[3]int) (Params, error) {
	for _, key := range perturboDenied {
		if params.Has(key) {
			return nil, &DeniedKeyError{Key: key}
		}
	}

	out := params.Clone()
	mode = strings.ToLower(mode)

	if kdim != nil && mode == "setup" {
		out.Set("boltz_kdim(1)", kdim[0])
		out.Set("boltz_kdim(2)", kdim[1])
		out.Set("boltz_kdim(3)", kdim[2])
	}

	if mode == "imsigma" || mode == "meanfp" {
		out.Set("fklist", TetKptFile)
		if !out.Has("sampling") {
			out.Set("fqlist", TetKptFile)
		}
	}

	out.Set("prefix", Prefix)
	out.Set("ftemper", TemperFile)
	return out, nil
}
