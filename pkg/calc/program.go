package calc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Program identifies an external program plugin.
type Program string

const (
	ProgramPw        Program = "quantumespresso.pw"
	ProgramPh        Program = "quantumespresso.ph"
	ProgramQ2r       Program = "quantumespresso.q2r"
	ProgramMatdyn    Program = "quantumespresso.matdyn"
	ProgramPhRecover Program = "mobility.ph_recover"
	ProgramQE2Pert   Program = "mobility.qe2pert"
	ProgramPerturbo  Program = "mobility.perturbo"
	ProgramWannier90 Program = "wannier90.wannier90"
)

// ErrUnknownProgram indicates a program id with no registered capabilities.
var ErrUnknownProgram = errors.New("unknown program")

// Capabilities are the folder conventions a program declares so that a
// downstream step can stage its outputs without knowing the program.
type Capabilities struct {
	// OutputSubfolder is the scratch subfolder holding the program's outdir.
	OutputSubfolder string

	// PseudoFolder is the folder holding pseudopotentials, if any.
	PseudoFolder string

	// DynamicalMatrixFolder is the folder holding dynamical matrices, if any.
	DynamicalMatrixFolder string

	// Prefix is the file prefix the program writes with.
	Prefix string

	// CompulsoryNamelists are printed when the caller does not choose.
	CompulsoryNamelists []string
}

// Registry maps program ids to capabilities. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	caps map[Program]Capabilities
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{caps: make(map[Program]Capabilities)}
}

// DefaultRegistry returns a registry with the capabilities of every program
// this module knows.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	qe := Capabilities{OutputSubfolder: "./out/", PseudoFolder: "./pseudo/", Prefix: "aiida"}

	r.Register(ProgramPw, withNamelists(qe, "CONTROL", "SYSTEM", "ELECTRONS"))

	ph := withNamelists(qe, "INPUTPH")
	ph.DynamicalMatrixFolder = "DYN_MAT"
	r.Register(ProgramPh, ph)
	r.Register(ProgramPhRecover, ph)

	r.Register(ProgramQ2r, Capabilities{DynamicalMatrixFolder: "DYN_MAT", Prefix: "aiida", CompulsoryNamelists: []string{"INPUT"}})
	r.Register(ProgramMatdyn, Capabilities{Prefix: "aiida", CompulsoryNamelists: []string{"INPUT"}})
	r.Register(ProgramQE2Pert, Capabilities{OutputSubfolder: "./out/", Prefix: "aiida", CompulsoryNamelists: []string{"qe2pert"}})
	r.Register(ProgramPerturbo, Capabilities{Prefix: "aiida", CompulsoryNamelists: []string{"perturbo"}})
	r.Register(ProgramWannier90, Capabilities{Prefix: "aiida"})
	return r
}

func withNamelists(c Capabilities, names ...string) Capabilities {
	c.CompulsoryNamelists = names
	return c
}

// Register stores (or replaces) the capabilities of p.
func (r *Registry) Register(p Program, c Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.CompulsoryNamelists = append([]string(nil), c.CompulsoryNamelists...)
	r.caps[p] = c
}

// Lookup returns the capabilities of p.
func (r *Registry) Lookup(p Program) (Capabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[p]
	if !ok {
		return Capabilities{}, fmt.Errorf("%w: %s", ErrUnknownProgram, p)
	}
	c.CompulsoryNamelists = append([]string(nil), c.CompulsoryNamelists...)
	return c, nil
}

// Programs returns registered program ids in sorted order.
func (r *Registry) Programs() []Program {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Program, 0, len(r.caps))
	for p := range r.caps {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
