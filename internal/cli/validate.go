package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateProperties map[string]string

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a unit file",
	Long: `Loads the unit file and builds every unit's pipeline without contacting
any control plane. Blueprint parameters are checked here.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().StringToStringVarP(&validateProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Validating configuration...")

	ws, err := loadWorkspace(cmd.Context(), args, validateProperties, nil)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	for _, p := range ws.pipelines {
		fmt.Fprintf(out, "  %s: %d step(s)\n", p.Name, len(p.Steps))
	}
	fmt.Fprintln(out, "\nConfiguration is valid!")
	return nil
}
