package manifest

import (
	"github.com/3leaps/gomobility/pkg/calc"
	"github.com/3leaps/gomobility/pkg/workflow/transport"
)

// TransportManifest configures a transport pipeline run.
//
// The ph, nscf and wannier folders must already exist and be known to
// the provenance store.
type TransportManifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	PhFolder      FolderConfig `json:"ph_folder" yaml:"ph_folder"`
	NscfFolder    FolderConfig `json:"nscf_folder" yaml:"nscf_folder"`
	WannierFolder FolderConfig `json:"wannier_folder" yaml:"wannier_folder"`

	QE2Pert QE2PertConfig `json:"qe2pert,omitempty" yaml:"qe2pert,omitempty"`

	// SetupKpoints overrides the scf k-mesh × 10 of the setup stage.
	SetupKpoints *MeshConfig `json:"setup_kpoints,omitempty" yaml:"setup_kpoints,omitempty"`

	BandsEnergyThreshold float64                     `json:"bands_energy_threshold,omitempty" yaml:"bands_energy_threshold,omitempty"`
	Temperatures         *transport.TemperatureRange `json:"temperatures,omitempty" yaml:"temperatures,omitempty"`
	CarrierConcentration *float64                    `json:"carrier_concentration,omitempty" yaml:"carrier_concentration,omitempty"`

	PhfreqCutoff *float64 `json:"phfreq_cutoff,omitempty" yaml:"phfreq_cutoff,omitempty"`
	DeltaSmear   *float64 `json:"delta_smear,omitempty" yaml:"delta_smear,omitempty"`
	Sampling     string   `json:"sampling,omitempty" yaml:"sampling,omitempty"`
	NSamples     int      `json:"nsamples,omitempty" yaml:"nsamples,omitempty"`
	CauchyScale  *float64 `json:"cauchy_scale,omitempty" yaml:"cauchy_scale,omitempty"`
	BoltzNstep   int      `json:"boltz_nstep,omitempty" yaml:"boltz_nstep,omitempty"`

	Settings  map[string]any  `json:"settings,omitempty" yaml:"settings,omitempty"`
	Resources *calc.Resources `json:"resources,omitempty" yaml:"resources,omitempty"`

	CleanWorkdir bool `json:"clean_workdir,omitempty" yaml:"clean_workdir,omitempty"`

	Output OutputConfig `json:"output,omitempty" yaml:"output,omitempty"`
}

// QE2PertConfig tunes the qe2pert.x stage.
type QE2PertConfig struct {
	Kpoints    *MeshConfig    `json:"kpoints,omitempty" yaml:"kpoints,omitempty"`
	DFTBandMin *int           `json:"dft_band_min,omitempty" yaml:"dft_band_min,omitempty"`
	DFTBandMax *int           `json:"dft_band_max,omitempty" yaml:"dft_band_max,omitempty"`
	NumWann    *int           `json:"num_wann,omitempty" yaml:"num_wann,omitempty"`
	LWannier   *bool          `json:"lwannier,omitempty" yaml:"lwannier,omitempty"`
	System2D   bool           `json:"system_2d,omitempty" yaml:"system_2d,omitempty"`
	Settings   map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// ApplyDefaults fills in default values for optional fields.
func (m *TransportManifest) ApplyDefaults() {
	applyOutputDefaults(&m.Output)
}

// Input converts the manifest to the pipeline input.
func (m *TransportManifest) Input() transport.Input {
	return transport.Input{
		PhFolder:      m.PhFolder.Folder(),
		NscfFolder:    m.NscfFolder.Folder(),
		WannierFolder: m.WannierFolder.Folder(),
		QE2Pert: transport.QE2PertStep{
			KMesh:      m.QE2Pert.Kpoints.mesh(),
			DFTBandMin: m.QE2Pert.DFTBandMin,
			DFTBandMax: m.QE2Pert.DFTBandMax,
			NumWann:    m.QE2Pert.NumWann,
			LWannier:   m.QE2Pert.LWannier,
			System2D:   m.QE2Pert.System2D,
			Settings:   settings(m.QE2Pert.Settings),
		},
		SetupKMesh:           m.SetupKpoints.mesh(),
		BandsEnergyThreshold: m.BandsEnergyThreshold,
		Temperatures:         m.Temperatures,
		CarrierConcentration: m.CarrierConcentration,
		PhfreqCutoff:         m.PhfreqCutoff,
		DeltaSmear:           m.DeltaSmear,
		Sampling:             m.Sampling,
		NSamples:             m.NSamples,
		CauchyScale:          m.CauchyScale,
		BoltzNstep:           m.BoltzNstep,
		Settings:             settings(m.Settings),
		Resources:            resources(m.Resources),
		CleanWorkdir:         m.CleanWorkdir,
	}
}
