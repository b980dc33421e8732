package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/picklr-io/converge/internal/blueprint"
	"github.com/spf13/cobra"
)

var blueprintsCmd = &cobra.Command{
	Use:   "blueprints",
	Short: "List the built-in blueprints",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tDESCRIPTION")
		for _, b := range blueprint.All() {
			fmt.Fprintf(w, "%s\t%s\n", b.Name, b.Description)
		}
		w.Flush()
	},
}
