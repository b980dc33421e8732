package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/metrics"
	"github.com/spf13/cobra"
)

var (
	applyProperties  map[string]string
	applyUnits       []string
	applyParallelism int
	applyRetry       int
	applyTimeout     time.Duration
	applyMetricsFile string
	applyDryRun      bool
	applyLockTable   string
	applyExport      string
)

var applyCmd = &cobra.Command{
	Use:   "apply [file]",
	Short: "Converge the units of a unit file",
	Long: `Runs the pipeline of every unit in the file. Units run concurrently up to
--parallelism; the steps of a unit run in order and a unit stops at its first
failing step. Running apply again picks up where a failed run left off.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringToStringVarP(&applyProperties, "prop", "D", nil, "Set external properties (format: key=value)")
	applyCmd.Flags().StringSliceVar(&applyUnits, "unit", nil, "Only run the named unit (repeatable)")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", 4, "Maximum number of units running at once")
	applyCmd.Flags().IntVar(&applyRetry, "retry", 0, "Retry transient adapter errors up to N times")
	applyCmd.Flags().DurationVar(&applyTimeout, "timeout", 0, "Abort the whole run after this duration (0 = no limit)")
	applyCmd.Flags().StringVar(&applyMetricsFile, "metrics-file", "", "Write Prometheus metrics to this file after the run")
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Rehearse against an in-memory control plane")
	applyCmd.Flags().StringVar(&applyLockTable, "lock-table", "", "DynamoDB table used to lock the run (default: a lock file next to the unit file)")
	applyCmd.Flags().StringVar(&applyExport, "export", "", "Write the handles of the run as JSON to a file or s3://bucket/key")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := engine.WithTimeout(ctx, applyTimeout)
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprint(out, "Loading configuration... ")
	ws, err := loadWorkspace(ctx, args, applyProperties, applyUnits)
	if err != nil {
		fmt.Fprintln(out, "FAILED")
		return err
	}
	fmt.Fprintln(out, "OK")
	if applyDryRun {
		fmt.Fprintln(out, "Dry run: no real resources are touched.")
	}

	rec := metrics.New()
	prog := &progress{out: out}
	opts := []engine.Option{
		engine.WithLogger(newLogger(cmd)),
		engine.WithRecorder(rec),
		engine.WithCallback(prog.event),
	}
	if applyRetry > 0 {
		policy := engine.DefaultRetryPolicy()
		policy.MaxRetries = applyRetry
		opts = append(opts, engine.WithRetryPolicy(policy))
	}
	reg := newRegistry(ws, applyDryRun)
	eng := engine.New(reg, opts...)

	var results []*engine.Result
	err = withLock(ctx, ws, reg, applyLockTable, applyDryRun, func() error {
		fmt.Fprintf(out, "\nApplying %d unit(s)...\n", len(ws.pipelines))
		results = eng.RunAll(ctx, ws.pipelines, applyParallelism)
		return nil
	})
	if err != nil {
		return err
	}

	failed := 0
	for _, res := range results {
		fmt.Fprintln(out)
		if err := res.Err(); err != nil {
			failed++
			fmt.Fprintf(out, "%sUnit %s failed%s after %d/%d step(s): %v\n",
				colorize(colorRed), res.Pipeline, colorize(colorReset), res.Completed, stepsOf(ws, res.Pipeline), err)
		} else {
			fmt.Fprintf(out, "%sUnit %s converged%s in %s\n",
				colorize(colorGreen), res.Pipeline, colorize(colorReset), res.Duration.Round(time.Millisecond))
		}
		for _, ar := range res.Attachments {
			for _, f := range ar.Failed {
				fmt.Fprintf(out, "  %swarning:%s %s: %v\n", colorize(colorYellow), colorize(colorReset), f.Rule, f.Err)
			}
		}
		printHandles(out, res.Handles)
	}

	if applyExport != "" {
		if err := exportResults(ctx, reg, applyExport, results); err != nil {
			return err
		}
	}
	if applyMetricsFile != "" {
		if err := rec.WriteTextfile(applyMetricsFile); err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d unit(s) failed", failed, len(results))
	}
	fmt.Fprintf(out, "\nApply complete! %d unit(s) converged.\n", len(results))
	return nil
}

func stepsOf(ws *workspace, unit string) int {
	for _, p := range ws.pipelines {
		if p.Name == unit {
			return len(p.Steps)
		}
	}
	return 0
}
