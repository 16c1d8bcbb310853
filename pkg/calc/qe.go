package calc

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/structure"
)

// File names written by the phonon chain.
const (
	DynamicalMatrixPrefix = "dynamical-matrix-"
	ForceConstantsFile    = "real_space_force_constants.dat"
	FrequencyFile         = "aiida.freq"
	ModesFile             = "matdyn.modes"
)

// PwInput describes one pw.x run (scf, nscf, relax, vc-relax).
type PwInput struct {
	Structure *structure.Structure
	KMesh     structure.Mesh

	// Parameters maps namelist names (CONTROL, SYSTEM, ELECTRONS, IONS,
	// CELL) to their entries. prefix, outdir, pseudo_dir, ibrav, nat and
	// ntyp are set by the builder.
	Parameters map[string]namelist.Params

	// Pseudos maps an element symbol to a local pseudopotential file.
	Pseudos map[string]string

	// Parent restarts from a previous pw.x folder when set.
	Parent *remote.Folder

	Settings  Settings
	Resources Resources
	Label     string
}

var pwNamelistOrder = []string{"CONTROL", "SYSTEM", "ELECTRONS", "IONS", "CELL"}

// Pw builds a pw.x request.
func (b *Builder) Pw(ctx context.Context, in PwInput) (*Request, error) {
	if in.Structure == nil {
		return nil, configError("structure", "is required")
	}
	if err := in.Structure.Validate(); err != nil {
		return nil, wrapConfigError("structure", err, "invalid structure")
	}
	if err := in.KMesh.Validate(); err != nil {
		return nil, wrapConfigError("kpoints", err, "invalid mesh")
	}
	caps, err := b.registry.Lookup(ProgramPw)
	if err != nil {
		return nil, err
	}
	if in.Parent != nil {
		if _, err := b.producer(ctx, "parent_folder", *in.Parent, ProgramPw); err != nil {
			return nil, err
		}
	}

	species := speciesOrder(in.Structure)
	pseudoFiles := make(map[string]string, len(species))
	for _, sym := range species {
		p, ok := in.Pseudos[sym]
		if !ok || strings.TrimSpace(p) == "" {
			return nil, configError("pseudos", "no pseudopotential for %s", sym)
		}
		pseudoFiles[sym] = p
	}

	lists := make(map[string]namelist.Params, len(in.Parameters))
	for name, p := range in.Parameters {
		lists[strings.ToUpper(name)] = p.Clone()
	}
	control := lists["CONTROL"]
	control.Set("prefix", caps.Prefix)
	control.Set("outdir", caps.OutputSubfolder)
	control.Set("pseudo_dir", caps.PseudoFolder)
	if in.Parent != nil && !control.Has("restart_mode") {
		control.Set("restart_mode", "restart")
	}
	lists["CONTROL"] = control
	system := lists["SYSTEM"]
	system.Set("ibrav", 0)
	system.Set("nat", len(in.Structure.Sites))
	system.Set("ntyp", len(species))
	lists["SYSTEM"] = system
	if _, ok := lists["ELECTRONS"]; !ok {
		lists["ELECTRONS"] = namelist.Params{}
	}

	blocks := make([]namelist.Namelist, 0, len(pwNamelistOrder))
	for _, name := range pwNamelistOrder {
		p, ok := lists[name]
		if !ok {
			continue
		}
		blocks = append(blocks, namelist.Namelist{Name: name, Params: p})
		delete(lists, name)
	}
	if len(lists) > 0 {
		return nil, configError("parameters", "unknown pw.x namelists: %s", strings.Join(sortedKeys(lists), ","))
	}

	deck, err := namelist.RenderQE(blocks, namelist.QEOptions{Trailer: pwCards(in.Structure, in.KMesh, species, pseudoFiles)})
	if err != nil {
		return nil, wrapConfigError("parameters", err, "cannot render pw.x deck")
	}

	settings := in.Settings.view()
	symlink, err := settings.Bool(SettingParentFolderSymlink, false)
	if err != nil {
		return nil, err
	}
	cmd, err := settings.commonCmdline(in.Resources)
	if err != nil {
		return nil, err
	}
	extra, _, err := settings.Strings(SettingAdditionalRetrieveList)
	if err != nil {
		return nil, err
	}

	mkdirs := []string{caps.OutputSubfolder, caps.PseudoFolder}
	staging := make([]StageInstruction, 0, len(species)+1)
	for _, sym := range species {
		src := pseudoFiles[sym]
		staging = append(staging, StageInstruction{
			Computer: b.computer,
			Source:   src,
			Dest:     path.Join(caps.PseudoFolder, filepath.Base(src)),
			Mode:     StageCopy,
		})
	}
	if in.Parent != nil {
		staging = append(staging, outTreeStaging(*in.Parent, symlink, caps.OutputSubfolder))
	}

	req := &Request{
		Program:    ProgramPw,
		Code:       ProgramPw,
		Label:      in.Label,
		InputFile:  InputFile,
		OutputFile: OutputFile,
		Files:      []File{{Name: InputFile, Content: []byte(deck)}},
		Mkdirs:     mkdirs,
		Stage:      staging,
		Retrieve:   append([]string{OutputFile, path.Join(caps.OutputSubfolder, caps.Prefix+".xml")}, extra...),
		Cmdline:    append(cmd, "-in", InputFile),
		Resources:  in.Resources,
		Inputs: map[string]any{
			InputParameters: namelistsValue(paramsByName(blocks)),
			InputSettings:   map[string]any(in.Settings.Clone()),
			InputKpoints:    in.KMesh,
			InputStructure:  in.Structure,
		},
	}
	if in.Parent != nil {
		req.Parent = cloneFolder(*in.Parent)
	}
	b.logger.Debug("built pw request", zap.Int("nat", len(in.Structure.Sites)), zap.Int("ntyp", len(species)))
	return req, nil
}

// PhInput describes one ph.x run.
type PhInput struct {
	// Parent is an scf folder, or a previous ph.x folder to restart from.
	Parent remote.Folder
	QMesh  structure.Mesh

	// Parameters are the INPUTPH entries. outdir, prefix, fildyn, ldisp and
	// nq1..3 are set by the builder.
	Parameters namelist.Params

	// StartQ, LastQ and MaxSeconds are written when positive.
	StartQ     int
	LastQ      int
	MaxSeconds int

	Settings  Settings
	Resources Resources
	Label     string
}

// Ph builds a ph.x request.
func (b *Builder) Ph(ctx context.Context, in PhInput) (*Request, error) {
	parent, err := b.producer(ctx, "parent_folder", in.Parent, ProgramPw, ProgramPh)
	if err != nil {
		return nil, err
	}
	if err := in.QMesh.Validate(); err != nil {
		return nil, wrapConfigError("qpoints", err, "invalid mesh")
	}
	if in.QMesh.HasOffset() {
		return nil, configError("qpoints", "phonons on a mesh with non zero offset are not supported by ph.x")
	}
	caps, err := b.registry.Lookup(ProgramPh)
	if err != nil {
		return nil, err
	}
	fromPh := Program(parent.Program) == ProgramPh

	inputph := in.Parameters.Clone()
	inputph.Set("outdir", caps.OutputSubfolder)
	inputph.Set("prefix", caps.Prefix)
	inputph.Set("fildyn", path.Join(caps.DynamicalMatrixFolder, DynamicalMatrixPrefix))
	inputph.Set("ldisp", true)
	inputph.Set("nq1", in.QMesh.Dims[0])
	inputph.Set("nq2", in.QMesh.Dims[1])
	inputph.Set("nq3", in.QMesh.Dims[2])
	if in.MaxSeconds > 0 {
		inputph.Set("max_seconds", in.MaxSeconds)
	}
	if in.StartQ > 0 {
		inputph.Set("start_q", in.StartQ)
	}
	if in.LastQ > 0 {
		inputph.Set("last_q", in.LastQ)
	}

	deck, err := namelist.RenderQE([]namelist.Namelist{{Name: "INPUTPH", Params: inputph}}, namelist.QEOptions{Title: "phonons"})
	if err != nil {
		return nil, wrapConfigError("parameters", err, "cannot render ph.x deck")
	}
	files := []File{{Name: InputFile, Content: []byte(deck)}}

	settings := in.Settings.view()
	symlink, err := settings.Bool(SettingParentFolderSymlink, false)
	if err != nil {
		return nil, err
	}
	onlyInit, err := settings.Bool(SettingOnlyInitialization, false)
	if err != nil {
		return nil, err
	}
	if onlyInit {
		files = append(files, File{Name: caps.Prefix + ".EXIT", Content: []byte("\n")})
	}
	cmd, err := settings.commonCmdline(in.Resources)
	if err != nil {
		return nil, err
	}
	extra, _, err := settings.Strings(SettingAdditionalRetrieveList)
	if err != nil {
		return nil, err
	}

	staging := []StageInstruction{
		outTreeStaging(in.Parent, symlink, caps.OutputSubfolder),
		stage(in.Parent, symlink, caps.PseudoFolder, caps.PseudoFolder),
	}
	if fromPh {
		staging = append(staging, stage(in.Parent, false, ".", caps.DynamicalMatrixFolder))
	}

	b.logger.Debug("built ph request",
		zap.Int("start_q", in.StartQ),
		zap.Int("last_q", in.LastQ),
		zap.Bool("restart", fromPh),
	)
	return &Request{
		Program:    ProgramPh,
		Code:       ProgramPh,
		Label:      in.Label,
		InputFile:  InputFile,
		OutputFile: OutputFile,
		Files:      files,
		Mkdirs:     []string{caps.OutputSubfolder, caps.DynamicalMatrixFolder},
		Stage:      staging,
		Retrieve:   append([]string{OutputFile, caps.DynamicalMatrixFolder}, extra...),
		Cmdline:    append(cmd, "-in", InputFile),
		Resources:  in.Resources,
		Parent:     cloneFolder(in.Parent),
		Inputs: map[string]any{
			InputParameters: map[string]any{"INPUTPH": inputph.Map()},
			InputSettings:   map[string]any(in.Settings.Clone()),
			InputQpoints:    in.QMesh,
		},
	}, nil
}

// Q2rInput describes one q2r.x run over a finished ph.x folder.
type Q2rInput struct {
	Parent remote.Folder

	// Parameters are extra INPUT entries; zasr defaults to "crystal".
	Parameters namelist.Params

	Settings  Settings
	Resources Resources
	Label     string
}

// Q2r builds a q2r.x request.
func (b *Builder) Q2r(ctx context.Context, in Q2rInput) (*Request, error) {
	if _, err := b.producer(ctx, "parent_folder", in.Parent, ProgramPh, ProgramPhRecover); err != nil {
		return nil, err
	}
	caps, err := b.registry.Lookup(ProgramQ2r)
	if err != nil {
		return nil, err
	}

	input := in.Parameters.Clone()
	input.Set("fildyn", path.Join(caps.DynamicalMatrixFolder, DynamicalMatrixPrefix))
	input.Set("flfrc", ForceConstantsFile)
	input.SetDefault("zasr", "crystal")
	deck, err := namelist.RenderQE([]namelist.Namelist{{Name: "INPUT", Params: input}}, namelist.QEOptions{})
	if err != nil {
		return nil, wrapConfigError("parameters", err, "cannot render q2r.x deck")
	}

	settings := in.Settings.view()
	symlink, err := settings.Bool(SettingParentFolderSymlink, false)
	if err != nil {
		return nil, err
	}
	cmd, _, err := settings.Strings(SettingCmdline)
	if err != nil {
		return nil, err
	}

	return &Request{
		Program:    ProgramQ2r,
		Code:       ProgramQ2r,
		Label:      in.Label,
		InputFile:  InputFile,
		OutputFile: OutputFile,
		Files:      []File{{Name: InputFile, Content: []byte(deck)}},
		Stage:      []StageInstruction{linkOrCopy(in.Parent, symlink, caps.DynamicalMatrixFolder)},
		Retrieve:   []string{OutputFile, ForceConstantsFile},
		Cmdline:    append(cmd, "-in", InputFile),
		Resources:  in.Resources,
		Parent:     cloneFolder(in.Parent),
		Inputs: map[string]any{
			InputParameters: map[string]any{"INPUT": input.Map()},
		},
	}, nil
}

// MatdynInput describes one matdyn.x run over q2r.x force constants.
type MatdynInput struct {
	Parent remote.Folder

	// Points are q-points in crystal coordinates.
	Points [][3]float64

	// Parameters are extra INPUT entries; asr defaults to "crystal".
	Parameters namelist.Params

	Settings  Settings
	Resources Resources
	Label     string
}

// Matdyn builds a matdyn.x request.
func (b *Builder) Matdyn(ctx context.Context, in MatdynInput) (*Request, error) {
	if _, err := b.producer(ctx, "parent_folder", in.Parent, ProgramQ2r); err != nil {
		return nil, err
	}
	if len(in.Points) == 0 {
		return nil, configError("kpoints", "at least one q-point is required")
	}

	input := in.Parameters.Clone()
	input.SetDefault("asr", "crystal")
	input.Set("flfrc", ForceConstantsFile)
	input.Set("flfrq", FrequencyFile)
	input.Set("flvec", ModesFile)
	input.Set("q_in_cryst_coord", true)

	var trailer strings.Builder
	fmt.Fprintf(&trailer, "%d\n", len(in.Points))
	for _, q := range in.Points {
		fmt.Fprintf(&trailer, "%18.10f %18.10f %18.10f\n", q[0], q[1], q[2])
	}
	deck, err := namelist.RenderQE([]namelist.Namelist{{Name: "INPUT", Params: input}}, namelist.QEOptions{Trailer: trailer.String()})
	if err != nil {
		return nil, wrapConfigError("parameters", err, "cannot render matdyn.x deck")
	}

	settings := in.Settings.view()
	symlink, err := settings.Bool(SettingParentFolderSymlink, false)
	if err != nil {
		return nil, err
	}
	cmd, _, err := settings.Strings(SettingCmdline)
	if err != nil {
		return nil, err
	}

	return &Request{
		Program:    ProgramMatdyn,
		Code:       ProgramMatdyn,
		Label:      in.Label,
		InputFile:  InputFile,
		OutputFile: OutputFile,
		Files:      []File{{Name: InputFile, Content: []byte(deck)}},
		Stage:      []StageInstruction{linkOrCopy(in.Parent, symlink, ForceConstantsFile)},
		Retrieve:   []string{OutputFile, FrequencyFile, ModesFile},
		Cmdline:    append(cmd, "-in", InputFile),
		Resources:  in.Resources,
		Parent:     cloneFolder(in.Parent),
		Inputs: map[string]any{
			InputParameters: map[string]any{"INPUT": input.Map()},
			InputKpoints:    in.Points,
		},
	}, nil
}

// outTreeStaging brings the parent outdir into sub: the entries are linked
// one by one, or the whole folder is copied next to sub.
func outTreeStaging(parent remote.Folder, symlink bool, sub string) StageInstruction {
	if symlink {
		return stage(parent, true, sub, sub, "*")
	}
	return stage(parent, false, ".", sub)
}

// speciesOrder returns element symbols in order of first appearance.
func speciesOrder(s *structure.Structure) []string {
	seen := make(map[string]bool)
	var out []string
	for _, site := range s.Sites {
		if !seen[site.Symbol] {
			seen[site.Symbol] = true
			out = append(out, site.Symbol)
		}
	}
	return out
}

func pwCards(s *structure.Structure, mesh structure.Mesh, species []string, pseudos map[string]string) string {
	var b strings.Builder
	b.WriteString("ATOMIC_SPECIES\n")
	for _, sym := range species {
		fmt.Fprintf(&b, "%s 1.0 %s\n", sym, filepath.Base(pseudos[sym]))
	}
	b.WriteString("ATOMIC_POSITIONS angstrom\n")
	for _, site := range s.Sites {
		fmt.Fprintf(&b, "%s %18.10f %18.10f %18.10f\n", site.Symbol, site.Position[0], site.Position[1], site.Position[2])
	}
	b.WriteString("K_POINTS automatic\n")
	shift := [3]int{}
	for i, o := range mesh.Offset {
		if o != 0 {
			shift[i] = 1
		}
	}
	fmt.Fprintf(&b, "%d %d %d %d %d %d\n", mesh.Dims[0], mesh.Dims[1], mesh.Dims[2], shift[0], shift[1], shift[2])
	b.WriteString("CELL_PARAMETERS angstrom\n")
	for _, v := range s.Cell {
		fmt.Fprintf(&b, "%18.10f %18.10f %18.10f\n", v[0], v[1], v[2])
	}
	return b.String()
}

func paramsByName(blocks []namelist.Namelist) map[string]namelist.Params {
	out := make(map[string]namelist.Params, len(blocks))
	for _, nl := range blocks {
		out[nl.Name] = nl.Params
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
