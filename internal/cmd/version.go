package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		deps := crucible.GetVersion()
		if versionJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"version":    versionInfo.Version,
				"commit":     versionInfo.Commit,
				"build_date": versionInfo.BuildDate,
				"go_version": runtime.Version(),
				"gofulmen":   deps.Gofulmen,
				"crucible":   deps.Crucible,
			})
		}
		_, _ = fmt.Fprintf(os.Stdout, "gomobility %s (commit %s, built %s)\n", versionInfo.Version, versionInfo.Commit, versionInfo.BuildDate)
		_, _ = fmt.Fprintf(os.Stdout, "  go %s, gofulmen %s, crucible %s\n", runtime.Version(), deps.Gofulmen, deps.Crucible)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}
