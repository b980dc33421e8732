package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/spf13/cobra"
)

var (
	destroyAutoApprove bool
	destroyProperties  map[string]string
	destroyUnits       []string
	destroyTimeout     time.Duration
	destroyDryRun      bool
	destroyLockTable   string
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [file]",
	Short: "Tear down the resources of a unit file",
	Long: `Destroys the resources the units create. Units are torn down one at a
time in reverse file order; within a unit resources are deleted in reverse
creation order and each deletion is waited on. Resources that are already
gone are skipped, so destroy can be run again after a failure.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
	destroyCmd.Flags().StringToStringVarP(&destroyProperties, "prop", "D", nil, "Set external properties (format: key=value)")
	destroyCmd.Flags().StringSliceVar(&destroyUnits, "unit", nil, "Only destroy the named unit (repeatable)")
	destroyCmd.Flags().DurationVar(&destroyTimeout, "timeout", 0, "Abort the whole run after this duration (0 = no limit)")
	destroyCmd.Flags().BoolVar(&destroyDryRun, "dry-run", false, "Rehearse against an in-memory control plane")
	destroyCmd.Flags().StringVar(&destroyLockTable, "lock-table", "", "DynamoDB table used to lock the run (default: a lock file next to the unit file)")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := engine.WithTimeout(ctx, destroyTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	ws, err := loadWorkspace(ctx, args, destroyProperties, destroyUnits)
	if err != nil {
		return err
	}

	teardown := make([]*engine.Pipeline, 0, len(ws.pipelines))
	for i := len(ws.pipelines) - 1; i >= 0; i-- {
		teardown = append(teardown, engine.Destroy(ws.pipelines[i]))
	}

	fmt.Fprintln(out, "The following units will be destroyed:")
	for _, p := range teardown {
		deletes := 0
		for _, s := range p.Steps {
			if s.Action == engine.ActionDelete {
				deletes++
			}
		}
		fmt.Fprintf(out, "  %s- %s%s (%d resource(s))\n", colorize(colorRed), p.Name, colorize(colorReset), deletes)
	}

	if !destroyAutoApprove && !destroyDryRun {
		if !confirm(cmd, "\nDo you really want to destroy these resources?") {
			fmt.Fprintln(out, "Destroy cancelled.")
			return nil
		}
	}

	prog := &progress{out: out}
	reg := newRegistry(ws, destroyDryRun)
	eng := engine.New(reg,
		engine.WithLogger(newLogger(cmd)),
		engine.WithCallback(prog.event),
	)

	err = withLock(ctx, ws, reg, destroyLockTable, destroyDryRun, func() error {
		for _, p := range teardown {
			res := eng.Run(ctx, p)
			if err := res.Err(); err != nil {
				return fmt.Errorf("destroy of unit %s failed: %w", p.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nDestroy complete! %d unit(s) torn down.\n", len(teardown))
	return nil
}
