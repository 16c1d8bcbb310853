package calc

import (
	"context"
	"fmt"
	"path"

	"github.com/3leaps/gomobility/pkg/namelist"
	"github.com/3leaps/gomobility/pkg/remote"
	"github.com/3leaps/gomobility/pkg/structure"
)

// qe2pert scratch layout
const (
	qe2pertPhSubfolder   = "./save/"
	qe2pertNscfSubfolder = "./out/"
	qe2pertDvscfPrefix   = "dvscf"
)

// QE2PertInput describes one qe2pert.x run.
type QE2PertInput struct {
	PhFolder      remote.Folder
	NscfFolder    remote.Folder
	WannierFolder remote.Folder

	// KMesh overrides the scf k-mesh recorded with the wannier calculation.
	KMesh *structure.Mesh

	// DFTBandMin defaults to 1, DFTBandMax to the nscf number_of_bands and
	// NumWann to the wannier number_wfs.
	DFTBandMin *int
	DFTBandMax *int
	NumWann    *int

	// LWannier defaults to true.
	LWannier *bool
	System2D bool

	Settings  Settings
	Resources Resources
	Label     string
}

// QE2Pert builds a qe2pert.x request.
func (b *Builder) QE2Pert(ctx context.Context, in QE2PertInput) (*Request, error) {
	nscf, err := b.producer(ctx, "nscf_folder", in.NscfFolder, ProgramPw)
	if err != nil {
		return nil, err
	}
	nbands, ok := nscf.OutputInt("number_of_bands")
	if !ok {
		return nil, configError("nscf_folder", "nscf calculation has no number_of_bands")
	}

	wannier, err := b.producer(ctx, "wannier_folder", in.WannierFolder, ProgramWannier90)
	if err != nil {
		return nil, err
	}
	numberWfs, ok := wannier.OutputInt("number_wfs")
	if !ok {
		return nil, configError("wannier_folder", "wannier90 calculation has no number_wfs")
	}

	var mesh structure.Mesh
	if in.KMesh != nil {
		mesh = *in.KMesh
	} else {
		raw, ok := wannier.Input(InputSCFKpoints)
		if !ok {
			return nil, configError("kpoints", "not given and the wannier calculation has no scf k-mesh")
		}
		if mesh, err = DecodeMesh(raw); err != nil {
			return nil, wrapConfigError("kpoints", err, "invalid scf k-mesh of the wannier calculation")
		}
	}
	if err := mesh.Validate(); err != nil {
		return nil, wrapConfigError("kpoints", err, "invalid mesh")
	}

	ph, err := b.producer(ctx, "ph_folder", in.PhFolder)
	if err != nil {
		return nil, err
	}
	nq, ok := ph.OutputInt("number_of_qpoints")
	if !ok || nq < 1 {
		return nil, configError("ph_folder", "producing calculation has no number_of_qpoints")
	}

	params := namelist.Params{
		{Key: "prefix", Value: namelist.Prefix},
		{Key: "outdir", Value: "./out"},
		{Key: "phdir", Value: qe2pertPhSubfolder},
		{Key: "nk1", Value: mesh.Dims[0]},
		{Key: "nk2", Value: mesh.Dims[1]},
		{Key: "nk3", Value: mesh.Dims[2]},
		{Key: "dft_band_min", Value: intOr(in.DFTBandMin, 1)},
		{Key: "dft_band_max", Value: intOr(in.DFTBandMax, nbands)},
		{Key: "num_wann", Value: intOr(in.NumWann, numberWfs)},
		{Key: "lwannier", Value: boolOr(in.LWannier, true)},
		{Key: "system_2d", Value: in.System2D},
	}
	params, err = namelist.QE2Pert(params)
	if err != nil {
		return nil, wrapConfigError("parameters", err, "invalid qe2pert parameters")
	}
	deck, err := namelist.Render("qe2pert", params)
	if err != nil {
		return nil, wrapConfigError("parameters", err, "cannot render qe2pert deck")
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

	mkdirs := []string{qe2pertPhSubfolder}
	staging := qe2pertPhStaging(in.PhFolder, symlink, nq)
	if symlink {
		mkdirs = append(mkdirs, qe2pertNscfSubfolder)
		staging = append(staging, stage(in.NscfFolder, true, qe2pertNscfSubfolder, "out", "*"))
	} else {
		staging = append(staging, stage(in.NscfFolder, false, ".", "out"))
	}
	wf := in.WannierFolder
	if symlink {
		staging = append(staging, stage(wf, true, prefixed("_centres.xyz"), prefixed("_centres.xyz")))
	} else {
		staging = append(staging, stage(wf, false, ".", prefixed("_centres.xyz")))
	}
	staging = append(staging, stage(wf, symlink, ".", prefixed("_u*")))

	return &Request{
		Program:           ProgramQE2Pert,
		Code:              ProgramQE2Pert,
		Label:             in.Label,
		InputFile:         InputFile,
		OutputFile:        OutputFile,
		Files:             []File{{Name: InputFile, Content: []byte(deck)}},
		Mkdirs:            mkdirs,
		Stage:             staging,
		Retrieve:          []string{InputFile, OutputFile},
		RetrieveTemporary: []string{prefixed("_epwan.h5")},
		Cmdline:           append(cmd, "-in", InputFile),
		Resources:         in.Resources,
		Parent:            cloneFolder(in.PhFolder),
		Inputs: map[string]any{
			InputParameters: params.Map(),
			InputKpoints:    mesh,
		},
	}, nil
}

// qe2pertPhStaging brings the dynamical matrices, the dvscf file of every
// q-point and the phsave folder into ./save/.
func qe2pertPhStaging(ph remote.Folder, symlink bool, nq int) []StageInstruction {
	dvscf := prefixed("." + qe2pertDvscfPrefix)
	out := []StageInstruction{
		stage(ph, symlink, qe2pertPhSubfolder, "DYN_MAT", "*"),
		stage(ph, symlink, path.Join(qe2pertPhSubfolder, dvscf+"_q1"), "out", "_ph0", dvscf+"1"),
	}
	for q := 2; q <= nq; q++ {
		out = append(out, stage(ph, symlink,
			path.Join(qe2pertPhSubfolder, fmt.Sprintf("%s_q%d", dvscf, q)),
			"out", "_ph0", fmt.Sprintf("%s.q_%d", namelist.Prefix, q), dvscf+"1",
		))
	}
	phsave := prefixed(".phsave")
	if symlink {
		out = append(out, stage(ph, true, path.Join(qe2pertPhSubfolder, phsave), "out", "_ph0", phsave))
	} else {
		out = append(out, stage(ph, false, qe2pertPhSubfolder, "out", "_ph0", phsave))
	}
	return out
}

func intOr(p *int, def int) int {
	if p != nil {
		return *p
	}
	return def
}

func boolOr(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}
