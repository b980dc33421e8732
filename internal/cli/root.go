package cli

import (
	"github.com/spf13/cobra"
)

var (
	logLevel    string
	logFormat   string
	region      string
	profile     string
	endpoint    string
	kubeconfig  string
	kubeContext string
	dockerHost  string
	noColor     bool
)

var rootCmd = &cobra.Command{
	Use:   "converge",
	Short: "Idempotent infrastructure reconciliation",
	Long: `Converge provisions infrastructure by running unit pipelines against
eventually consistent control planes.

Every step is safe to run again:
  • Resources are looked up before they are created
  • Waits poll at a fixed interval with a bounded number of attempts
  • Attachments that already exist count as success`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	pf.StringVar(&region, "region", "", "AWS region (defaults to the unit file, then the SDK chain)")
	pf.StringVar(&profile, "profile", "", "AWS shared config profile")
	pf.StringVar(&endpoint, "endpoint", "", "AWS endpoint override, e.g. a local emulator")
	pf.StringVar(&kubeconfig, "kubeconfig", "", "Path to the kubeconfig file")
	pf.StringVar(&kubeContext, "kube-context", "", "Kubeconfig context to use")
	pf.StringVar(&dockerHost, "docker-host", "", "Docker daemon address (defaults to DOCKER_HOST)")
	pf.BoolVar(&noColor, "no-color", false, "Disable colored output")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(fmtCmd)
	rootCmd.AddCommand(blueprintsCmd)
	rootCmd.AddCommand(versionCmd)
}
