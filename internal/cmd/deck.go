package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/gomobility/pkg/namelist"
)

var deckCmd = &cobra.Command{
	Use:   "deck",
	Short: "Render input decks without running a calculation",
	Long: `Render perturbo.x and qe2pert.x namelist decks from a YAML or JSON
parameter file. The same validation the workflows apply is run first,
so denied or unknown keys are reported before anything is written.`,
}

var deckPerturboCmd = &cobra.Command{
	Use:   "perturbo",
	Short: "Render a perturbo.x deck",
	Example: `  gomobility deck perturbo --params imsigma.yaml --mode imsigma
  gomobility deck perturbo --params setup.yaml --mode setup --kdim 80,80,80 --out pert.in`,
	RunE: runDeckPerturbo,
}

var deckQE2PertCmd = &cobra.Command{
	Use:   "qe2pert",
	Short: "Render a qe2pert.x deck",
	RunE:  runDeckQE2Pert,
}

var (
	deckParamsPath string
	deckOut        string
	deckMode       string
	deckKdim       []int
)

func init() {
	rootCmd.AddCommand(deckCmd)
	deckCmd.AddCommand(deckPerturboCmd, deckQE2PertCmd)

	deckCmd.PersistentFlags().StringVarP(&deckParamsPath, "params", "p", "", "Parameter file (YAML or JSON mapping, required)")
	deckCmd.PersistentFlags().StringVarP(&deckOut, "out", "o", "", "Output path (default: stdout)")
	_ = deckCmd.MarkPersistentFlagRequired("params")

	deckPerturboCmd.Flags().StringVar(&deckMode, "mode", "", "Calculation mode (setup, imsigma, trans, meanfp, ...)")
	deckPerturboCmd.Flags().IntSliceVar(&deckKdim, "kdim", nil, "boltz_kdim for setup mode, as three integers")
	_ = deckPerturboCmd.MarkFlagRequired("mode")
}

func runDeckPerturbo(_ *cobra.Command, _ []string) error {
	params, err := readParams(deckParamsPath)
	if err != nil {
		return err
	}
	var kdim *[3]int
	if len(deckKdim) > 0 {
		if len(deckKdim) != 3 {
			return exitError(foundry.ExitInvalidArgument, "Invalid --kdim value", fmt.Errorf("expected 3 integers, got %d", len(deckKdim)))
		}
		kdim = &[3]int{deckKdim[0], deckKdim[1], deckKdim[2]}
	}
	full, err := namelist.Perturbo(deckMode, params, kdim)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid perturbo parameters", err)
	}
	return writeDeck("perturbo", full)
}

func runDeckQE2Pert(_ *cobra.Command, _ []string) error {
	params, err := readParams(deckParamsPath)
	if err != nil {
		return err
	}
	full, err := namelist.QE2Pert(params)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid qe2pert parameters", err)
	}
	return writeDeck("qe2pert", full)
}

func readParams(path string) (namelist.Params, error) {
	// #nosec G304 -- path is provided by the user
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(foundry.ExitFileNotFound, "Parameter file not found", err)
		}
		return nil, exitError(foundry.ExitFileReadError, "Failed to read parameter file", err)
	}
	var params namelist.Params
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid parameter file", err)
	}
	return params, nil
}

func writeDeck(block string, params namelist.Params) error {
	if deckOut == "" {
		return renderDeck(os.Stdout, block, params)
	}
	if err := namelist.WriteFile(deckOut, block, params); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write deck", err)
	}
	return nil
}

func renderDeck(w io.Writer, block string, params namelist.Params) error {
	if err := namelist.Write(w, block, params); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to render deck", err)
	}
	return nil
}
