package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const starterUnits = `# Converge unit file.
# Run 'converge blueprints' for the available blueprints.
region: us-east-1

units:
  - name: network
    blueprint: network
    params:
      vpcCidr: 10.0.0.0/16
      subnetCidr: 10.0.1.0/24
      ports: [8080, 3001]
      skipInstance: true

  - name: artifacts
    blueprint: bucket
    params:
      name: ${bucket}
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter unit file",
	Long: `Writes converge.yaml in the current directory unless a unit file already
exists. Try it offline with:

  converge apply --dry-run -D bucket=my-artifacts`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	for _, name := range defaultEntryPoints {
		if _, err := os.Stat(name); err == nil {
			fmt.Fprintf(out, "%s already exists, nothing to do.\n", name)
			return nil
		}
	}

	const path = "converge.yaml"
	if err := os.WriteFile(path, []byte(starterUnits), 0o644); err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	fmt.Fprintf(out, "Created %s\n", path)

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Edit converge.yaml to describe your units")
	fmt.Fprintln(out, "  2. Run 'converge plan -D bucket=<name>' to see what would be created")
	fmt.Fprintln(out, "  3. Run 'converge apply -D bucket=<name>' to converge them")
	return nil
}
