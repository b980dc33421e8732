package cli

import (
	"encoding/json"
	"fmt"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/spf13/cobra"
)

var (
	showJSON       bool
	showProperties map[string]string
	showUnits      []string
)

var showCmd = &cobra.Command{
	Use:   "show [file]",
	Short: "Show the live resources of each unit",
	Long: `Looks up every resource the units create and prints the handles the
control plane reports. Nothing is persisted between runs, so show always
reflects the current remote state.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runShow,
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Output in JSON format")
	showCmd.Flags().StringToStringVarP(&showProperties, "prop", "D", nil, "Set external properties (format: key=value)")
	showCmd.Flags().StringSliceVar(&showUnits, "unit", nil, "Only show the named unit (repeatable)")
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	ws, err := loadWorkspace(ctx, args, showProperties, showUnits)
	if err != nil {
		return err
	}
	eng := engine.New(newRegistry(ws, false), engine.WithLogger(newLogger(cmd)))

	handles := make(map[string][]*ir.Handle, len(ws.pipelines))
	for _, p := range ws.pipelines {
		lookups := engine.Inspect(p)
		res := eng.Run(ctx, lookups)
		if err := res.Err(); err != nil {
			return fmt.Errorf("lookup for unit %s failed: %w", p.Name, err)
		}
		handles[p.Name] = res.Handles.Handles()

		if !showJSON {
			fmt.Fprintf(out, "# %s (%d of %d resource(s) live)\n", p.Name, res.Handles.Len(), len(lookups.Steps))
			printHandles(out, res.Handles)
			fmt.Fprintln(out)
		}
	}

	if showJSON {
		data, err := json.MarshalIndent(handles, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal handles: %w", err)
		}
		fmt.Fprintln(out, string(data))
	}
	return nil
}
