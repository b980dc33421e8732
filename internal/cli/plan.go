package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/spf13/cobra"
)

var (
	planOutFile    string
	planProperties map[string]string
	planUnits      []string
)

var planCmd = &cobra.Command{
	Use:   "plan [file]",
	Short: "Show what apply would do",
	Long: `Describes every resource the units would touch and predicts, step by
step, whether apply would create it, reuse it or update it. Plan never
changes anything.

When a unit uses AWS kinds, plan first resolves the caller identity so that
missing credentials fail here instead of halfway through an apply.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringVarP(&planOutFile, "out", "o", "", "Write the plan to a file as JSON")
	planCmd.Flags().StringToStringVarP(&planProperties, "prop", "D", nil, "Set external properties (format: key=value)")
	planCmd.Flags().StringSliceVar(&planUnits, "unit", nil, "Only plan the named unit (repeatable)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	fmt.Fprint(out, "Loading configuration... ")
	ws, err := loadWorkspace(ctx, args, planProperties, planUnits)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return err
	}
	fmt.Fprintln(out, "OK")

	reg := newRegistry(ws, false)
	if ws.usesProvider("aws") {
		p, err := reg.AWS(ctx)
		if err != nil {
			return fmt.Errorf("failed to load provider aws: %w", err)
		}
		id, err := p.Identity(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "AWS account %s as %s (%s)\n", id.Account, id.ARN, p.Region())
	}

	eng := engine.New(reg, engine.WithLogger(newLogger(cmd)))
	var plans []*ir.Plan
	for _, p := range ws.pipelines {
		plan, err := eng.Preview(ctx, p)
		if err != nil {
			return fmt.Errorf("plan for unit %s failed: %w", p.Name, err)
		}
		plans = append(plans, plan)
		renderPlan(out, plan)
	}
	renderPlanSummary(out, plans)

	if planOutFile != "" {
		data, err := json.MarshalIndent(plans, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal plan: %w", err)
		}
		if err := os.WriteFile(planOutFile, data, 0o644); err != nil {
			return fmt.Errorf("failed to write plan: %w", err)
		}
		fmt.Fprintf(out, "\nPlan written to %s\n", planOutFile)
	}
	return nil
}

func changeSymbol(action string) (string, string) {
	switch action {
	case "create":
		return "+", colorize(colorGreen)
	case "update":
		return "~", colorize(colorYellow)
	case "delete":
		return "-", colorize(colorRed)
	case "reuse":
		return "=", ""
	default:
		return " ", colorize(colorCyan)
	}
}

// renderPlan prints the predicted change list of one unit.
func renderPlan(out io.Writer, plan *ir.Plan) {
	fmt.Fprintf(out, "\nUnit %s:\n", plan.Unit)
	for _, c := range plan.Changes {
		symbol, color := changeSymbol(c.Action)
		line := fmt.Sprintf("%s  %s %-7s %s", color, symbol, c.Action, c.Key)
		if c.Status != "" {
			line += fmt.Sprintf(" [%s]", c.Status)
		}
		if c.Detail != "" {
			line += " " + c.Detail
		}
		fmt.Fprintln(out, line+colorize(colorReset))
	}
}

// renderPlanSummary prints the summary counts over all units.
func renderPlanSummary(out io.Writer, plans []*ir.Plan) {
	var total ir.Summary
	for _, p := range plans {
		total.Create += p.Summary.Create
		total.Reuse += p.Summary.Reuse
		total.Update += p.Summary.Update
		total.Delete += p.Summary.Delete
		total.Other += p.Summary.Other
	}
	fmt.Fprintln(out, "\nPlan Summary:")
	fmt.Fprintf(out, "  Create:  %d\n", total.Create)
	fmt.Fprintf(out, "  Update:  %d\n", total.Update)
	fmt.Fprintf(out, "  Reuse:   %d\n", total.Reuse)
	fmt.Fprintf(out, "  Delete:  %d\n", total.Delete)
	fmt.Fprintf(out, "  Other:   %d\n", total.Other)
}
