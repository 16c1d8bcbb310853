package namelist

// QE2PertKeys is the complete, ordered key set of a qe2pert.x deck.
var QE2PertKeys = []string{
	"prefix",
	"outdir",
	"phdir",
	"nk1",
	"nk2",
	"nk3",
	"dft_band_min",
	"dft_band_max",
	"num_wann",
	"lwannier",
	"load_ephmat",
	"system_2d",
}

// QE2Pert validates params against the qe2pert allow-list and returns them
// in canonical order. Every key must be known and every key except
// load_ephmat (default false) must be present.
func QE2Pert(params Params) (Params, error) {
	allowed := make(map[string]struct{}, len(QE2PertKeys))
	for _, k := range QE2PertKeys {
		allowed[k] = struct{}{}
	}
	for _, e := range params {
		if _, ok := allowed[e.Key]; !ok {
			return nil, &UnknownKeyError{Key: e.Key}
		}
	}

	in := params.Clone()
	in.SetDefault("load_ephmat", false)

	out := make(Params, 0, len(QE2PertKeys))
	for _, k := range QE2PertKeys {
		v, ok := in.Get(k)
		if !ok {
			return nil, &MissingKeyError{Key: k}
		}
		out = append(out, Param{Key: k, Value: v})
	}
	return out, nil
}
