// Package calc builds the calculation requests of the external programs.
//
// A Builder turns typed step inputs into an immutable Request: the rendered
// input files, the staging instructions that bring upstream outputs into the
// new scratch folder, the files to retrieve afterwards and the command line.
// Upstream folders are resolved to their producing calculation through a
// remote.Resolver; a missing or ambiguous producer is a *ConfigError and no
// request is returned.
package calc

import (
	"strconv"

	"github.com/3leaps/gomobility/pkg/remote"
)

// Default file names shared by every step.
const (
	InputFile  = "aiida.in"
	OutputFile = "aiida.out"
)

// StageMode selects how a staged file reaches the scratch folder.
type StageMode string

const (
	StageCopy    StageMode = "copy"
	StageSymlink StageMode = "symlink"
)

// StageInstruction brings Source (an absolute path on Computer, possibly a
// glob) to Dest, relative to the new scratch folder.
//
// Dest follows cp/ln semantics: when Dest is an existing directory the
// sources are placed inside it, otherwise Dest names the copy or link.
type StageInstruction struct {
	Computer string    `json:"computer"`
	Source   string    `json:"source"`
	Dest     string    `json:"dest"`
	Mode     StageMode `json:"mode"`
}

// File is an input file written into the scratch folder before launch.
type File struct {
	Name    string `json:"name"`
	Content []byte `json:"content"`
}

// Resources is the scheduler request of a calculation.
type Resources struct {
	NumMachines           int  `json:"num_machines" yaml:"num_machines" mapstructure:"num_machines"`
	NumMPIProcsPerMachine int  `json:"num_mpiprocs_per_machine" yaml:"num_mpiprocs_per_machine" mapstructure:"num_mpiprocs_per_machine"`
	MaxWallclockSeconds   int  `json:"max_wallclock_seconds,omitempty" yaml:"max_wallclock_seconds,omitempty" mapstructure:"max_wallclock_seconds"`
	WithMPI               bool `json:"withmpi" yaml:"withmpi" mapstructure:"withmpi"`
}

// DefaultResources is a single serial process.
func DefaultResources() Resources {
	return Resources{NumMachines: 1, NumMPIProcsPerMachine: 1}
}

func (r Resources) procsPerMachine() int {
	if r.NumMPIProcsPerMachine > 0 {
		return r.NumMPIProcsPerMachine
	}
	return 1
}

// Request is one external-program invocation. Builders return a fresh
// Request for every submission; callers must not modify it.
type Request struct {
	// Program is the plugin id recorded for the calculation.
	Program Program `json:"program"`

	// Code is the program whose executable runs. It differs from Program
	// when a plugin drives another program's binary (ph recovery runs ph.x).
	Code Program `json:"code"`

	Label      string `json:"label,omitempty"`
	InputFile  string `json:"input_file"`
	OutputFile string `json:"output_file"`

	// Files are written into the scratch folder, in order.
	Files []File `json:"files,omitempty"`

	// Mkdirs are created in the scratch folder before staging.
	Mkdirs []string `json:"mkdirs,omitempty"`

	Stage             []StageInstruction `json:"stage,omitempty"`
	Retrieve          []string           `json:"retrieve,omitempty"`
	RetrieveTemporary []string           `json:"retrieve_temporary,omitempty"`
	Cmdline           []string           `json:"cmdline,omitempty"`
	Resources         Resources          `json:"resources"`

	// Parent is the upstream folder the request reads from, if any.
	Parent *remote.Folder `json:"parent,omitempty"`

	// Inputs are recorded with the calculation so downstream steps can read
	// them back (parameters, settings, meshes).
	Inputs map[string]any `json:"inputs,omitempty"`
}

// File returns the content of the named input file.
func (r *Request) File(name string) ([]byte, bool) {
	for _, f := range r.Files {
		if f.Name == name {
			return f.Content, true
		}
	}
	return nil, false
}

// Kind classifies a finished calculation.
type Kind string

const (
	KindOK          Kind = "ok"
	KindRecoverable Kind = "recoverable"
	KindFatal       Kind = "fatal"
)

// Outputs are the parsed results the workflows branch on.
type Outputs struct {
	// NumberOfQpoints is the number of irreducible q-points ph.x reported.
	NumberOfQpoints int `json:"number_of_qpoints,omitempty"`

	// DynamicalMatrices maps a 1-based q-point index to its frequencies in cm-1.
	DynamicalMatrices map[int][]float64 `json:"dynamical_matrices,omitempty"`

	// Converged is nil when the output carries no convergence marker.
	Converged *bool `json:"converged,omitempty"`

	CPUTime  float64 `json:"cpu_time,omitempty"`
	WallTime float64 `json:"wall_time,omitempty"`

	// Parameters holds every other parsed value (number_of_bands,
	// fermi_energy, conv_thr, ...).
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Result is a finished calculation as seen by the workflows.
type Result struct {
	CalculationID string        `json:"calculation_id"`
	Program       Program       `json:"program"`
	ExitStatus    int           `json:"exit_status"`
	ExitMessage   string        `json:"exit_message,omitempty"`
	RemoteFolder  remote.Folder `json:"remote_folder"`
	Outputs       Outputs       `json:"outputs"`
}

// FinishedOK reports whether the calculation exited with status zero.
func (r *Result) FinishedOK() bool {
	return r.ExitStatus == 0
}

// Kind classifies the exit status. Statuses at or above
// ExitRecoverableThreshold can be handled by a restart; other non-zero
// statuses are fatal.
func (r *Result) Kind() Kind {
	switch {
	case r.ExitStatus == 0:
		return KindOK
	case r.ExitStatus >= ExitRecoverableThreshold:
		return KindRecoverable
	default:
		return KindFatal
	}
}

// Frequencies returns the frequencies of the 1-based q-point q. ok is false
// when ph.x wrote no dynamical matrix for it.
func (o Outputs) Frequencies(q int) (freqs []float64, ok bool) {
	freqs = o.DynamicalMatrices[q]
	return freqs, len(freqs) > 0
}

// Map flattens the outputs into the string-keyed form recorded with the
// calculation.
func (o Outputs) Map() map[string]any {
	m := make(map[string]any, len(o.Parameters)+5)
	for k, v := range o.Parameters {
		m[k] = v
	}
	if o.NumberOfQpoints > 0 {
		m["number_of_qpoints"] = o.NumberOfQpoints
	}
	if o.Converged != nil {
		m["converged"] = *o.Converged
	}
	if o.CPUTime > 0 {
		m["cpu_time"] = o.CPUTime
	}
	if o.WallTime > 0 {
		m["wall_time"] = o.WallTime
	}
	if len(o.DynamicalMatrices) > 0 {
		dm := make(map[string]any, len(o.DynamicalMatrices))
		for q, freqs := range o.DynamicalMatrices {
			dm[strconv.Itoa(q)] = freqs
		}
		m["dynamical_matrices"] = dm
	}
	return m
}
