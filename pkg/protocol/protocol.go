// Package protocol holds the named parameter profiles used to fill in the
// phonon workflow inputs a caller leaves unset.
//
// The tables are embedded at compile time. A protocol groups several
// profiles and names one of them as its default:
//
//	p, err := protocol.Lookup("ms-1.0", "")          // default_crystal
//	p, err := protocol.Lookup("ms-1.0", "accurate_crystal")
//	p.Apply(&in)
package protocol

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/gomobility/pkg/workflow/phonon"
)

// DefaultName is the protocol used when none is named.
const DefaultName = "ms-1.0"

//go:embed protocols.yaml
var tablesYAML []byte

var (
	// ErrUnknownProtocol indicates no protocol has the requested name.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrUnknownProfile indicates the protocol has no profile of that name.
	ErrUnknownProfile = errors.New("unknown protocol profile")
)

// Profile is one set of phonon parameters.
type Profile struct {
	Tr2Ph                     float64 `json:"tr2_ph" yaml:"tr2_ph"`
	QpointsDistance           float64 `json:"qpoints_distance" yaml:"qpoints_distance"`
	MaxWallclockSeconds       int     `json:"max_wallclock_seconds" yaml:"max_wallclock_seconds"`
	CheckImaginaryFrequencies bool    `json:"check_imaginary_frequencies" yaml:"check_imaginary_frequencies"`
	Epsil                     bool    `json:"epsil" yaml:"epsil"`
	SeparatedQpoints          bool    `json:"separated_qpoints" yaml:"separated_qpoints"`
	FrequencyThreshold        float64 `json:"frequency_threshold" yaml:"frequency_threshold"`
	Zasr                      string  `json:"zasr" yaml:"zasr"`
	Asr                       string  `json:"asr" yaml:"asr"`
	MatdynDistance            float64 `json:"matdyn_distance" yaml:"matdyn_distance"`
}

// Protocol is a named family of profiles.
type Protocol struct {
	Name     string             `json:"name" yaml:"-"`
	Default  string             `json:"default" yaml:"default"`
	Profiles map[string]Profile `json:"profiles" yaml:"profiles"`
}

// ProfileNames returns the profile names in sorted order.
func (p *Protocol) ProfileNames() []string {
	names := make([]string, 0, len(p.Profiles))
	for name := range p.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns the named profile, or the default one for an empty name.
func (p *Protocol) Profile(name string) (Profile, error) {
	if name == "" {
		name = p.Default
	}
	prof, ok := p.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q in %s (have %v)", ErrUnknownProfile, name, p.Name, p.ProfileNames())
	}
	return prof, nil
}

var (
	loadOnce sync.Once
	tables   map[string]*Protocol
	loadErr  error
)

func load() (map[string]*Protocol, error) {
	loadOnce.Do(func() {
		tables, loadErr = parse(tablesYAML)
	})
	return tables, loadErr
}

func parse(data []byte) (map[string]*Protocol, error) {
	var raw map[string]*Protocol
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse protocol tables: %w", err)
	}
	for name, p := range raw {
		if p == nil {
			return nil, fmt.Errorf("protocol %s: empty definition", name)
		}
		p.Name = name
		if _, ok := p.Profiles[p.Default]; !ok {
			return nil, fmt.Errorf("protocol %s: default profile %q is not defined", name, p.Default)
		}
	}
	return raw, nil
}

// Names lists the embedded protocols in sorted order.
func Names() []string {
	t, err := load()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Get returns the named protocol. An empty name selects DefaultName.
func Get(name string) (*Protocol, error) {
	t, err := load()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = DefaultName
	}
	p, ok := t[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
	return p, nil
}

// Lookup returns a profile of a protocol. Empty names select the defaults.
func Lookup(protocol, profile string) (Profile, error) {
	p, err := Get(protocol)
	if err != nil {
		return Profile{}, err
	}
	return p.Profile(profile)
}

// Apply fills the phonon workflow inputs the caller left unset. Values that
// are already present are kept.
func (p Profile) Apply(in *phonon.Input) {
	in.Ph.Parameters.SetDefault("tr2_ph", p.Tr2Ph)
	in.Ph.Parameters.SetDefault("epsil", p.Epsil)
	if in.Qpoints == nil && in.QpointsDistance == 0 {
		in.QpointsDistance = p.QpointsDistance
	}
	if in.Ph.Resources.MaxWallclockSeconds == 0 {
		in.Ph.Resources.MaxWallclockSeconds = p.MaxWallclockSeconds
	}
	if in.Ph.CheckImaginary == nil {
		check := p.CheckImaginaryFrequencies
		in.Ph.CheckImaginary = &check
	}
	if in.Ph.FrequencyThreshold == nil {
		threshold := p.FrequencyThreshold
		in.Ph.FrequencyThreshold = &threshold
	}
	in.Ph.Separated = in.Ph.Separated || p.SeparatedQpoints
	if p.Zasr != "" {
		in.Q2r.Parameters.SetDefault("zasr", p.Zasr)
	}
	if p.Asr != "" {
		in.Matdyn.Parameters.SetDefault("asr", p.Asr)
	}
	if in.MatdynDistance == 0 {
		in.MatdynDistance = p.MatdynDistance
	}
}
