package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/gomobility/pkg/protocol"
)

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "Inspect the built-in phonon protocols",
}

var protocolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List protocols and their profiles",
	RunE:  runProtocolsList,
}

var protocolsShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show the profiles of a protocol",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProtocolsShow,
}

var protocolsJSON bool

func init() {
	rootCmd.AddCommand(protocolsCmd)
	protocolsCmd.AddCommand(protocolsListCmd, protocolsShowCmd)
	protocolsCmd.PersistentFlags().BoolVar(&protocolsJSON, "json", false, "Output as JSON")
}

func runProtocolsList(_ *cobra.Command, _ []string) error {
	var all []*protocol.Protocol
	for _, name := range protocol.Names() {
		p, err := protocol.Get(name)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to load protocol", err)
		}
		all = append(all, p)
	}
	if protocolsJSON {
		return printJSON(all)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PROTOCOL\tDEFAULT\tPROFILES")
	for _, p := range all {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%v\n", p.Name, p.Default, p.ProfileNames())
	}
	return w.Flush()
}

func runProtocolsShow(_ *cobra.Command, args []string) error {
	name := protocol.DefaultName
	if len(args) == 1 {
		name = args[0]
	}
	p, err := protocol.Get(name)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Unknown protocol", err)
	}
	if protocolsJSON {
		return printJSON(p)
	}
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer func() { _ = enc.Close() }()
	return enc.Encode(map[string]any{
		"name":     p.Name,
		"default":  p.Default,
		"profiles": p.Profiles,
	})
}
