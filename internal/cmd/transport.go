package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gomobility/internal/observability"
	"github.com/3leaps/gomobility/pkg/manifest"
	"github.com/3leaps/gomobility/pkg/workflow"
	"github.com/3leaps/gomobility/pkg/workflow/transport"
)

var transportCmd = &cobra.Command{
	Use:   "transport",
	Short: "Carrier transport workflow",
}

var transportRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the transport pipeline from one or more manifests",
	Long: `Run qe2pert, the setup stage, and the imsigma/trans stages for
electrons and holes as configured in each manifest.

Several --manifest flags run independent pipelines concurrently. Each
pipeline writes its own JSONL records; a failing pipeline does not
cancel the others.

Examples:
  gomobility transport run --manifest si.yaml
  gomobility transport run -m si.yaml -m gaas.yaml --parallel 2
  gomobility transport run --manifest si.yaml --detach`,
	RunE: runTransport,
}

var (
	transportManifestPaths []string
	transportOutput        string
	transportDetach        bool
	transportName          string
	transportParallel      int
	transportJobID         string
)

func init() {
	rootCmd.AddCommand(transportCmd)
	transportCmd.AddCommand(transportRunCmd)

	transportRunCmd.Flags().StringSliceVarP(&transportManifestPaths, "manifest", "m", nil, "Path to transport manifest (repeatable, required)")
	transportRunCmd.Flags().StringVarP(&transportOutput, "output", "o", "", "Override output destination (stdout or file:<path>)")
	transportRunCmd.Flags().BoolVar(&transportDetach, "detach", false, "Run in the background and print the job record")
	transportRunCmd.Flags().StringVar(&transportName, "name", "", "Job name for --detach")
	transportRunCmd.Flags().IntVar(&transportParallel, "parallel", 4, "Maximum concurrent pipelines")
	addManagedJobFlag(transportRunCmd, &transportJobID)
	_ = transportRunCmd.MarkFlagRequired("manifest")
}

type loadedTransport struct {
	path     string
	manifest *manifest.TransportManifest
}

func runTransport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if transportParallel < 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --parallel value", fmt.Errorf("must be >= 1, got %d", transportParallel))
	}
	if transportJobID != "" && len(transportManifestPaths) != 1 {
		return exitError(foundry.ExitInvalidArgument, "Managed runs take exactly one manifest", nil)
	}

	runs := make([]loadedTransport, 0, len(transportManifestPaths))
	for _, path := range transportManifestPaths {
		m, err := manifest.LoadTransport(path)
		if err != nil {
			observability.CLILogger.Error("Failed to load manifest", zap.String("path", path), zap.Error(err))
			return exitError(foundry.ExitInvalidArgument, "Invalid transport manifest", err)
		}
		runs = append(runs, loadedTransport{path: path, manifest: m})
	}

	if transportDetach {
		for _, r := range runs {
			if err := detach(ctx, transportCmd.Name(), r.path, transportName); err != nil {
				return err
			}
		}
		return nil
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	return managedRun(cfg.Jobs.Root, transportJobID, func() error {
		wb, err := openWorkbench(ctx)
		if err != nil {
			return err
		}
		defer wb.Close()

		var g errgroup.Group
		g.SetLimit(transportParallel)
		for _, r := range runs {
			g.Go(func() error {
				dest := valueOrDefault(transportOutput, r.manifest.Output.Destination)
				observability.CLILogger.Debug("Starting transport pipeline",
					zap.String("path", r.path),
					zap.String("output", dest))
				return runReported(ctx, transportJobID, transport.Name, dest, func(obs workflow.Observer) (any, error) {
					wf, err := transport.New(transport.Config{
						Builder:  wb.builder,
						Engine:   wb.engine,
						Observer: obs,
						Logger:   wb.logger.Named(transport.Name).With(zap.String("manifest", r.path)),
					})
					if err != nil {
						return nil, err
					}
					return wf.Run(ctx, r.manifest.Input())
				})
			})
		}
		return g.Wait()
	})
}
