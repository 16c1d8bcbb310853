package calc

import (
	"context"
	"path"
	"strings"

	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/remote"
)

// PhRecoverInput describes a ph.x recovery run that rebuilds the dvscf and
// dynamical-matrix files of a finished phonon calculation.
type PhRecoverInput struct {
	// Parent is the folder of a quantumespresso.ph calculation.
	Parent remote.Folder

	// Settings are merged over the parent's settings. Nil uses
	// DefaultSettings.
	Settings Settings

	Resources Resources
	Label     string
}

// PhRecover builds a phonon-recovery request.
func (b *Builder) PhRecover(ctx context.Context, in PhRecoverInput) (*Request, error) {
	parent, err := b.producer(ctx, "parent_folder", in.Parent, ProgramPh)
	if err != nil {
		return nil, err
	}
	if in.Parent.Computer != b.computer {
		return nil, configError("parent_folder", "calculation has to run on the computer of the parent: %s", in.Parent.Computer)
	}
	caps, err := b.registry.Lookup(Program(parent.Program))
	if err != nil {
		return nil, wrapConfigError("parent_folder", err, "parent program has no capabilities")
	}

	rawParams, _ := parent.Input(InputParameters)
	lists, err := DecodeNamelists(rawParams)
	if err != nil {
		return nil, wrapConfigError("parent_folder", err, "cannot read parent parameters")
	}
	inputph, ok := lists["INPUTPH"]
	if !ok || len(inputph) == 0 {
		return nil, configError("parent_folder", "cannot get INPUTPH from the parameters of the parent ph calculation")
	}
	inputph = inputph.Delete("start_q").Delete("last_q")
	inputph.Set("recover", true)
	inputph.Set("fildvscf", qe2pertDvscfPrefix)
	inputph.Set("verbosity", "high")
	inputph.Set("fildyn", path.Join(caps.DynamicalMatrixFolder, caps.Prefix+".dyn.xml"))
	inputph.Set("outdir", caps.OutputSubfolder)
	inputph.Set("prefix", caps.Prefix)

	rawQ, ok := parent.Input(InputQpoints)
	if !ok {
		return nil, configError("parent_folder", "parent calculation has no q-point mesh")
	}
	qmesh, err := DecodeMesh(rawQ)
	if err != nil {
		return nil, wrapConfigError("parent_folder", err, "parent q-points are not a mesh")
	}
	if qmesh.HasOffset() {
		return nil, configError("parent_folder", "phonons on a mesh with non zero offset are not supported by ph.x")
	}
	inputph.Set("ldisp", true)
	inputph.Set("nq1", qmesh.Dims[0])
	inputph.Set("nq2", qmesh.Dims[1])
	inputph.Set("nq3", qmesh.Dims[2])
	lists["INPUTPH"] = inputph

	callerSettings := in.Settings
	if callerSettings == nil {
		callerSettings = DefaultSettings()
	}
	rawSettings, _ := parent.Input(InputSettings)
	parentSettings, err := DecodeSettings(rawSettings)
	if err != nil {
		return nil, wrapConfigError("parent_folder", err, "cannot read parent settings")
	}
	merged := callerSettings.Merge(parentSettings)
	settings := merged.view()

	outSubfolder, err := settings.String(SettingParentCalcOutSubfolder, caps.OutputSubfolder)
	if err != nil {
		return nil, err
	}

	toPrint, present, err := settings.Strings(SettingNamelists)
	if err != nil {
		return nil, err
	}
	if !present {
		toPrint = caps.CompulsoryNamelists
	}
	blocks := make([]namelist.Namelist, 0, len(toPrint))
	for _, name := range toPrint {
		blocks = append(blocks, namelist.Namelist{Name: name, Params: lists[name]})
		delete(lists, name)
	}
	if len(lists) > 0 {
		return nil, configError("parameters", "namelists are not valid for the current type of calculation: %s", strings.Join(sortedKeys(lists), ","))
	}
	deck, err := namelist.RenderQE(blocks, namelist.QEOptions{Title: "ph recover"})
	if err != nil {
		return nil, wrapConfigError("parameters", err, "cannot render ph.x deck")
	}
	files := []File{{Name: InputFile, Content: []byte(deck)}}

	symlink, err := settings.Bool(SettingParentFolderSymlink, false)
	if err != nil {
		return nil, err
	}
	var (
		mkdirs  []string
		staging []StageInstruction
	)
	if symlink {
		mkdirs = append(mkdirs, caps.OutputSubfolder)
		staging = append(staging,
			stage(in.Parent, true, caps.OutputSubfolder, outSubfolder, "*"),
			stage(in.Parent, true, caps.PseudoFolder, caps.PseudoFolder),
			stage(in.Parent, true, caps.DynamicalMatrixFolder, caps.DynamicalMatrixFolder),
		)
	} else {
		staging = append(staging,
			stage(in.Parent, false, caps.OutputSubfolder, outSubfolder),
			stage(in.Parent, false, caps.PseudoFolder, caps.PseudoFolder),
			stage(in.Parent, false, ".", caps.DynamicalMatrixFolder),
		)
	}

	onlyInit, err := settings.Bool(SettingOnlyInitialization, false)
	if err != nil {
		return nil, err
	}
	if onlyInit {
		files = append(files, File{Name: caps.Prefix + ".EXIT", Content: []byte("\n")})
	}

	cmd, _, err := settings.Strings(SettingCmdline)
	if err != nil {
		return nil, err
	}

	retrieve := []string{
		OutputFile,
		caps.DynamicalMatrixFolder,
		path.Join(caps.OutputSubfolder, "_ph0", caps.Prefix+".phsave", "tensors.xml"),
	}
	extra, _, err := settings.Strings(SettingAdditionalRetrieveList)
	if err != nil {
		return nil, err
	}
	retrieve = append(retrieve, extra...)

	if err := settings.rejectUnused(); err != nil {
		return nil, err
	}

	resources := in.Resources
	if resources.NumMachines == 0 {
		resources = DefaultResources()
	}

	return &Request{
		Program:    ProgramPhRecover,
		Code:       Program(parent.Program),
		Label:      in.Label,
		InputFile:  InputFile,
		OutputFile: OutputFile,
		Files:      files,
		Mkdirs:     mkdirs,
		Stage:      staging,
		Retrieve:   retrieve,
		Cmdline:    append(cmd, "-in", InputFile),
		Resources:  resources,
		Parent:     cloneFolder(in.Parent),
		Inputs: map[string]any{
			InputParameters: map[string]any{"INPUTPH": inputph.Map()},
			InputQpoints:    qmesh,
		},
	}, nil
}
