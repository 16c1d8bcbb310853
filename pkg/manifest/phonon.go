package manifest

import (
	"fmt"

	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/protocol"
	"github.com/3leaps/gomobility/pkg/structure"
	"github.com/3leaps/gomobility/pkg/workflow/phonon"
)

// PhononManifest configures a phonon band workflow run.
type PhononManifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Protocol fills in the ph, q2r and matdyn parameters left unset.
	// Default: the default profile of protocol.DefaultName.
	Protocol ProtocolConfig `json:"protocol,omitempty" yaml:"protocol,omitempty"`

	// Structure is required unless a ph or q2r folder is given.
	Structure *structure.Structure `json:"structure,omitempty" yaml:"structure,omitempty"`

	Relax  *PwStepConfig `json:"relax,omitempty" yaml:"relax,omitempty"`
	SCF    PwStepConfig  `json:"scf,omitempty" yaml:"scf,omitempty"`
	Ph     PhStepConfig  `json:"ph,omitempty" yaml:"ph,omitempty"`
	Q2r    StepConfig    `json:"q2r,omitempty" yaml:"q2r,omitempty"`
	Matdyn StepConfig    `json:"matdyn,omitempty" yaml:"matdyn,omitempty"`

	Qpoints         *MeshConfig `json:"qpoints,omitempty" yaml:"qpoints,omitempty"`
	QpointsDistance float64     `json:"qpoints_distance,omitempty" yaml:"qpoints_distance,omitempty"`
	MatdynDistance  float64     `json:"matdyn_distance,omitempty" yaml:"matdyn_distance,omitempty"`

	// Path lists the vertices of the q-point path in crystal coordinates.
	// Without it only Γ is computed.
	Path []phonon.Vertex `json:"path,omitempty" yaml:"path,omitempty"`

	MaxRestarts int    `json:"max_restarts,omitempty" yaml:"max_restarts,omitempty"`
	Policy      string `json:"policy,omitempty" yaml:"policy,omitempty"`
	System2D    bool   `json:"system_2d,omitempty" yaml:"system_2d,omitempty"`

	SCFFolder *FolderConfig `json:"scf_folder,omitempty" yaml:"scf_folder,omitempty"`
	PhFolder  *FolderConfig `json:"ph_folder,omitempty" yaml:"ph_folder,omitempty"`
	Q2rFolder *FolderConfig `json:"q2r_folder,omitempty" yaml:"q2r_folder,omitempty"`

	CleanWorkdir bool `json:"clean_workdir,omitempty" yaml:"clean_workdir,omitempty"`

	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// ProtocolConfig selects a protocol profile.
type ProtocolConfig struct {
	Name    string `json:"name,omitempty" yaml:"name,omitempty"`
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// PwStepConfig configures a relax or scf step.
type PwStepConfig struct {
	// Parameters maps namelist names to their entries.
	Parameters      map[string]map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Kpoints         *MeshConfig               `json:"kpoints,omitempty" yaml:"kpoints,omitempty"`
	KpointsDistance float64                   `json:"kpoints_distance,omitempty" yaml:"kpoints_distance,omitempty"`
	Pseudos         map[string]string         `json:"pseudos,omitempty" yaml:"pseudos,omitempty"`
	Settings        map[string]any            `json:"settings,omitempty" yaml:"settings,omitempty"`
	Resources       *calc.Resources           `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// PhStepConfig configures the ph.x runner.
type PhStepConfig struct {
	// Parameters are the INPUTPH entries.
	Parameters         map[string]any  `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Settings           map[string]any  `json:"settings,omitempty" yaml:"settings,omitempty"`
	Resources          *calc.Resources `json:"resources,omitempty" yaml:"resources,omitempty"`
	MaxIterations      int             `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	CheckImaginary     *bool           `json:"check_imaginary_frequencies,omitempty" yaml:"check_imaginary_frequencies,omitempty"`
	FrequencyThreshold *float64        `json:"frequency_threshold,omitempty" yaml:"frequency_threshold,omitempty"`
	Separated          bool            `json:"separated_qpoints,omitempty" yaml:"separated_qpoints,omitempty"`
}

// StepConfig configures a q2r or matdyn step.
type StepConfig struct {
	Parameters map[string]any  `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Settings   map[string]any  `json:"settings,omitempty" yaml:"settings,omitempty"`
	Resources  *calc.Resources `json:"resources,omitempty" yaml:"resources,omitempty"`
}

// ApplyDefaults fills in default values for optional fields.
func (m *PhononManifest) ApplyDefaults() {
	if m.Protocol.Name == "" {
		m.Protocol.Name = protocol.DefaultName
	}
	if m.Policy == "" {
		m.Policy = string(phonon.PolicyRestart)
	}
	applyOutputDefaults(&m.Output)
}

// Input converts the manifest to the workflow input, with the protocol
// profile applied.
func (m *PhononManifest) Input() (phonon.Input, error) {
	prof, err := protocol.Lookup(m.Protocol.Name, m.Protocol.Profile)
	if err != nil {
		return phonon.Input{}, fmt.Errorf("manifest protocol: %w", err)
	}

	in := phonon.Input{
		Structure: m.Structure,
		SCF:       m.SCF.step(),
		Ph: phonon.PhStep{
			Parameters:         namelist.FromMap(m.Ph.Parameters),
			Settings:           settings(m.Ph.Settings),
			Resources:          resources(m.Ph.Resources),
			MaxIterations:      m.Ph.MaxIterations,
			CheckImaginary:     m.Ph.CheckImaginary,
			FrequencyThreshold: m.Ph.FrequencyThreshold,
			Separated:          m.Ph.Separated,
		},
		Q2r:             m.Q2r.step(),
		Matdyn:          m.Matdyn.step(),
		Qpoints:         m.Qpoints.mesh(),
		QpointsDistance: m.QpointsDistance,
		MatdynDistance:  m.MatdynDistance,
		MaxRestarts:     m.MaxRestarts,
		Policy:          phonon.Policy(m.Policy),
		System2D:        m.System2D,
		SCFFolder:       folderPtr(m.SCFFolder),
		PhFolder:        folderPtr(m.PhFolder),
		Q2rFolder:       folderPtr(m.Q2rFolder),
		CleanWorkdir:    m.CleanWorkdir,
	}
	if m.Relax != nil {
		relax := m.Relax.step()
		in.Relax = &relax
	}
	prof.Apply(&in)
	return in, nil
}

// Analyzer returns the q-path analyzer for the manifest path.
func (m *PhononManifest) Analyzer() phonon.StructureAnalyzer {
	return phonon.PathAnalyzer{Vertices: m.Path}
}

func (s PwStepConfig) step() phonon.PwStep {
	var lists map[string]namelist.Params
	if len(s.Parameters) > 0 {
		lists = make(map[string]namelist.Params, len(s.Parameters))
		for name, entries := range s.Parameters {
			lists[name] = namelist.FromMap(entries)
		}
	}
	return phonon.PwStep{
		Parameters:      lists,
		KMesh:           s.Kpoints.mesh(),
		KpointsDistance: s.KpointsDistance,
		Pseudos:         s.Pseudos,
		Settings:        settings(s.Settings),
		Resources:       resources(s.Resources),
	}
}

func (s StepConfig) step() phonon.Step {
	return phonon.Step{
		Parameters: namelist.FromMap(s.Parameters),
		Settings:   settings(s.Settings),
		Resources:  resources(s.Resources),
	}
}
