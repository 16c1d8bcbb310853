package calc

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/structure"
)

// Perturbo calculation modes used by the transport pipeline.
const (
	ModeSetup   = "setup"
	ModeImsigma = "imsigma"
	ModeTrans   = "trans"
	ModeMeanfp  = "meanfp"
	ModeBands   = "bands"
	ModePhdisp  = "phdisp"
	ModeEphmat  = "ephmat"
)

// modes that can run on the epwan file alone
var parentlessModes = map[string]bool{ModeBands: true, ModePhdisp: true, ModeEphmat: true}

// PerturboInput describes one perturbo.x run.
type PerturboInput struct {
	// Mode is the calc_mode (setup, imsigma, trans, ...); compared lower-cased.
	Mode string

	// Parameters are the caller deck entries, without the computed keys.
	Parameters namelist.Params

	// Temper is the temperature series; required in setup mode.
	Temper *namelist.TemperSeries

	// KMesh sets boltz_kdim in setup mode.
	KMesh *structure.Mesh

	// Parent is a qe2pert folder (setup) or a previous perturbo folder.
	Parent *remote.Folder

	// Settings default to DefaultSettings when nil.
	Settings Settings

	Resources Resources
	Label     string
}

// Perturbo builds a perturbo.x request.
func (b *Builder) Perturbo(ctx context.Context, in PerturboInput) (*Request, error) {
	mode := strings.ToLower(in.Mode)
	if mode == "" {
		return nil, configError("calc_mode", "is required")
	}

	if err := b.validatePerturboParent(ctx, mode, in.Parent); err != nil {
		return nil, err
	}

	var kdim *[3]int
	if in.KMesh != nil {
		if err := in.KMesh.Validate(); err != nil {
			return nil, wrapConfigError("kpoints", err, "invalid mesh")
		}
		kdim = &in.KMesh.Dims
	}
	params, err := namelist.Perturbo(mode, in.Parameters, kdim)
	if err != nil {
		return nil, wrapConfigError("parameters", err, "invalid perturbo parameters")
	}
	deck, err := namelist.Render("perturbo", params)
	if err != nil {
		return nil, wrapConfigError("parameters", err, "cannot render perturbo deck")
	}

	files := []File{{Name: InputFile, Content: []byte(deck)}}
	if mode == ModeSetup {
		if in.Temper == nil {
			return nil, configError("parameters.temperatures", "setup mode needs a temperature series")
		}
		temper, err := namelist.RenderTemper(*in.Temper)
		if err != nil {
			return nil, wrapConfigError("parameters.temperatures", err, "invalid temperature series")
		}
		files = append(files, File{Name: namelist.TemperFile, Content: []byte(temper)})
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

	var staging []StageInstruction
	if in.Parent != nil {
		p := *in.Parent
		staging = append(staging, linkOrCopy(p, symlink, prefixed("_epwan.h5")))
		switch mode {
		case ModeImsigma:
			staging = append(staging,
				linkOrCopy(p, symlink, namelist.TemperFile),
				linkOrCopy(p, symlink, prefixed("_tet.h5")),
				linkOrCopy(p, symlink, namelist.TetKptFile),
			)
		case ModeTrans:
			staging = append(staging,
				linkOrCopy(p, symlink, namelist.TemperFile),
				linkOrCopy(p, symlink, prefixed("_tet.h5")),
				linkOrCopy(p, symlink, prefixed(".imsigma")),
			)
		}
	}

	retrieve := []string{InputFile, OutputFile}
	switch mode {
	case ModeSetup:
		retrieve = append(retrieve, prefixed(".doping"), prefixed(".dos"))
	case ModeImsigma:
		retrieve = append(retrieve, prefixed(".imsigma"), prefixed(".imsigma_mode"))
	case ModeTrans:
		retrieve = append(retrieve, prefixed(".tdf"), prefixed(".cond"))
	}

	inputs := map[string]any{
		InputCalcMode:   mode,
		InputParameters: params.Map(),
	}
	if in.KMesh != nil {
		inputs[InputKpoints] = *in.KMesh
	}

	req := &Request{
		Program:    ProgramPerturbo,
		Code:       ProgramPerturbo,
		Label:      in.Label,
		InputFile:  InputFile,
		OutputFile: OutputFile,
		Files:      files,
		Stage:      staging,
		Retrieve:   retrieve,
		Cmdline:    append(cmd, "-in", InputFile),
		Resources:  in.Resources,
		Inputs:     inputs,
	}
	if in.Parent != nil {
		req.Parent = cloneFolder(*in.Parent)
	}

	b.logger.Debug("built perturbo request",
		zap.String("mode", mode),
		zap.Int("staged", len(staging)),
		zap.Bool("symlink", symlink),
	)
	return req, nil
}

func (b *Builder) validatePerturboParent(ctx context.Context, mode string, parent *remote.Folder) error {
	if parent == nil {
		if parentlessModes[mode] {
			return nil
		}
		return configError("parent_folder", "is required in %s mode", mode)
	}
	want := ProgramPerturbo
	if mode == ModeSetup {
		want = ProgramQE2Pert
	}
	_, err := b.producer(ctx, "parent_folder", *parent, want)
	return err
}

func prefixed(suffix string) string {
	return namelist.Prefix + suffix
}
