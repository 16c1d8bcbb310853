package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gomobility/pkg/bands"
)

var bandsCmd = &cobra.Command{
	Use:   "bands",
	Short: "Band structure utilities",
}

var bandsClassifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify a band structure as metal or semiconductor",
	Long: `Read a band structure file (fermi_energy plus a k-point by band
matrix, YAML or JSON) and print the classification and the electron
and hole energy windows used by the transport setup stage.`,
	Example: `  gomobility bands classify --file si-bands.yaml
  gomobility bands classify --file si-bands.yaml --threshold 0.5`,
	RunE: runBandsClassify,
}

var (
	bandsFile      string
	bandsThreshold float64
)

func init() {
	rootCmd.AddCommand(bandsCmd)
	bandsCmd.AddCommand(bandsClassifyCmd)

	bandsClassifyCmd.Flags().StringVarP(&bandsFile, "file", "f", "", "Band structure file (required)")
	bandsClassifyCmd.Flags().Float64Var(&bandsThreshold, "threshold", bands.DefaultThreshold, "Energy threshold around the band edges (eV)")
	_ = bandsClassifyCmd.MarkFlagRequired("file")
}

func runBandsClassify(_ *cobra.Command, _ []string) error {
	s, err := bands.Load(bandsFile)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load band structure", err)
	}
	c, err := bands.Classify(s.Bands, s.FermiEnergy, bandsThreshold)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to classify band structure", err)
	}
	return printJSON(c)
}
