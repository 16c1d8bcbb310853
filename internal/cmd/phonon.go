package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gomobility/internal/observability"
	"github.com/3leaps/gomobility/pkg/manifest"
	"github.com/3leaps/gomobility/pkg/workflow"
	"github.com/3leaps/gomobility/pkg/workflow/phonon"
)

var phononCmd = &cobra.Command{
	Use:   "phonon",
	Short: "Phonon band structure workflow",
}

var phononRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the phonon band workflow from a manifest",
	Long: `Run relax (optional), scf, ph, q2r and matdyn as configured in a YAML
or JSON manifest. Imaginary frequencies trigger a restart with tighter
thresholds or abort the run, depending on the manifest policy.

Examples:
  gomobility phonon run --manifest si.yaml
  gomobility phonon run --manifest si.yaml --output file:si-events.jsonl
  gomobility phonon run --manifest si.yaml --detach`,
	RunE: runPhonon,
}

var (
	phononManifestPath string
	phononOutput       string
	phononDetach       bool
	phononName         string
	phononJobID        string
)

func init() {
	rootCmd.AddCommand(phononCmd)
	phononCmd.AddCommand(phononRunCmd)

	phononRunCmd.Flags().StringVarP(&phononManifestPath, "manifest", "m", "", "Path to phonon manifest (required)")
	phononRunCmd.Flags().StringVarP(&phononOutput, "output", "o", "", "Override output destination (stdout or file:<path>)")
	phononRunCmd.Flags().BoolVar(&phononDetach, "detach", false, "Run in the background and print the job record")
	phononRunCmd.Flags().StringVar(&phononName, "name", "", "Job name for --detach")
	addManagedJobFlag(phononRunCmd, &phononJobID)
	_ = phononRunCmd.MarkFlagRequired("manifest")
}

func runPhonon(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	m, err := manifest.LoadPhonon(phononManifestPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest", zap.String("path", phononManifestPath), zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid phonon manifest", err)
	}
	in, err := m.Input()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid phonon manifest", err)
	}

	if phononDetach {
		return detach(ctx, phononCmd.Name(), phononManifestPath, phononName)
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return managedRun(cfg.Jobs.Root, phononJobID, func() error {
		wb, err := openWorkbench(ctx)
		if err != nil {
			return err
		}
		defer wb.Close()

		dest := valueOrDefault(phononOutput, m.Output.Destination)
		observability.CLILogger.Debug("Loaded phonon manifest",
			zap.String("path", phononManifestPath),
			zap.String("protocol", m.Protocol.Name),
			zap.String("profile", m.Protocol.Profile),
			zap.String("output", dest))

		return runReported(ctx, phononJobID, phonon.Name, dest, func(obs workflow.Observer) (any, error) {
			wf, err := phonon.New(phonon.Config{
				Builder:  wb.builder,
				Engine:   wb.engine,
				Analyzer: m.Analyzer(),
				Observer: obs,
				Logger:   wb.logger.Named(phonon.Name),
			})
			if err != nil {
				return nil, err
			}
			return wf.Run(ctx, in)
		})
	})
}
