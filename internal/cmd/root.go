// Package cmd implements the gomobility command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gomobility/internal/config"
	"github.com/3leaps/gomobility/internal/observability"
	"github.com/3leaps/gomobility/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile string
	verbose bool

	appIdentity *config.Identity
	appConfig   *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "gomobility",
	Short: "Phonon and carrier mobility workflows for Quantum ESPRESSO and Perturbo",
	Long: `gomobility drives first-principles transport calculations.

It runs the phonon band workflow (pw.x, ph.x, q2r.x, matdyn.x) with
automatic restarts on imaginary frequencies, and the carrier transport
pipeline (qe2pert.x, perturbo.x) for electrons and holes. Workflow
events are written to stdout as JSONL records.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		observability.InitCLILogger("gomobility", verbose)
		id := config.DefaultIdentity
		appIdentity = &id
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: $GOMOBILITY_CONFIG or user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// SetVersionInfo records build metadata for the version command and the
// status server.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity, or nil before a command ran.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// loadConfig loads the runtime configuration once per process.
func loadConfig(ctx context.Context, overrides ...map[string]any) (*config.Config, error) {
	if appConfig != nil && len(overrides) == 0 {
		return appConfig, nil
	}
	cfg, err := config.LoadFile(ctx, cfgFile, overrides...)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ce *cliError
	if errors.As(err, &ce) {
		observability.CLILogger.Error(ce.Message, zap.Error(ce.Err))
		return ce.Code
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return 1
}

// cliError carries a process exit code.
type cliError struct {
	Code    int
	Message string
	Err     error
}

func (e *cliError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *cliError) Unwrap() error {
	return e.Err
}

func exitError(code int, message string, err error) error {
	return &cliError{Code: code, Message: message, Err: err}
}

func valueOrDefault(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}
