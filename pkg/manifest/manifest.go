// Package manifest provides loading and validation of gomobility workflow
// manifests.
//
// A manifest is a YAML or JSON file that configures one workflow run: the
// phonon band workflow or the transport pipeline. Manifests are validated
// against an embedded JSON Schema before they are decoded, so unknown
// fields are rejected.
//
// Example phonon manifest (YAML):
//
//	version: "1.0"
//	protocol:
//	  profile: default_crystal
//	structure:
//	  cell: [[0, 2.7, 2.7], [2.7, 0, 2.7], [2.7, 2.7, 0]]
//	  sites:
//	    - {symbol: Si, position: [0, 0, 0]}
//	    - {symbol: Si, position: [1.35, 1.35, 1.35]}
//	scf:
//	  parameters:
//	    SYSTEM: {ecutwfc: 40}
//	  kpoints_distance: 0.3
//	  pseudos: {Si: Si.pbe-n-rrkjus_psl.1.0.0.UPF}
//	qpoints:
//	  mesh: [4, 4, 4]
//	path:
//	  - {name: G, point: [0, 0, 0]}
//	  - {name: X, point: [0.5, 0, 0.5]}
package manifest

import (
	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/structure"
)

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultDestination is the default output destination.
	DefaultDestination = "stdout"
)

// OutputConfig configures where workflow event records go.
type OutputConfig struct {
	// Destination is "stdout" or "file:/path/to/events.jsonl".
	// Default: "stdout".
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
}

// FolderConfig names an existing calculation folder.
type FolderConfig struct {
	// Computer defaults to the local engine computer.
	Computer string `json:"computer,omitempty" yaml:"computer,omitempty"`
	Path     string `json:"path" yaml:"path"`
}

// Folder returns the remote folder handle.
func (f FolderConfig) Folder() remote.Folder {
	computer := f.Computer
	if computer == "" {
		computer = calc.DefaultComputer
	}
	return remote.Folder{Computer: computer, Path: f.Path}
}

func folderPtr(f *FolderConfig) *remote.Folder {
	if f == nil {
		return nil
	}
	out := f.Folder()
	return &out
}

// MeshConfig is a k- or q-point mesh.
type MeshConfig struct {
	Mesh   [3]int      `json:"mesh" yaml:"mesh"`
	Offset *[3]float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
}

func (m *MeshConfig) mesh() *structure.Mesh {
	if m == nil {
		return nil
	}
	out := &structure.Mesh{Dims: m.Mesh}
	if m.Offset != nil {
		out.Offset = *m.Offset
	}
	return out
}

func resources(r *calc.Resources) calc.Resources {
	if r == nil {
		return calc.DefaultResources()
	}
	out := *r
	if out.NumMachines == 0 {
		out.NumMachines = 1
	}
	if out.NumMPIProcsPerMachine == 0 {
		out.NumMPIProcsPerMachine = 1
	}
	return out
}

func settings(s map[string]any) calc.Settings {
	if s == nil {
		return nil
	}
	return calc.Settings(s)
}

func applyOutputDefaults(o *OutputConfig) {
	if o.Destination == "" {
		o.Destination = DefaultDestination
	}
}
