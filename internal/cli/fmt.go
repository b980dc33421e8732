package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	fmtCheck bool
	fmtWrite bool
)

var fmtCmd = &cobra.Command{
	Use:   "fmt [paths...]",
	Short: "Format unit files",
	Long: `Formats .pkl, .yaml and .yml unit files to a canonical style.

By default, formats all unit files in the current directory tree.
Use --check to verify formatting without making changes.
Use --write to write changes back to files (default).

Formatting rules:
  - YAML is re-encoded with 2 space indentation, comments are kept
  - Trailing newline
  - Trim trailing whitespace from lines`,
	RunE: runFmt,
}

func init() {
	fmtCmd.Flags().BoolVar(&fmtCheck, "check", false, "Check formatting without making changes (exit 1 if not formatted)")
	fmtCmd.Flags().BoolVar(&fmtWrite, "write", true, "Write formatted output back to files")
}

func runFmt(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	paths := args
	if len(paths) == 0 {
		paths = []string{"."}
	}

	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if info.IsDir() {
			entries, err := findUnitFiles(p)
			if err != nil {
				return err
			}
			files = append(files, entries...)
		} else {
			files = append(files, p)
		}
	}

	if len(files) == 0 {
		fmt.Fprintln(out, "No unit files found.")
		return nil
	}

	unformatted := 0
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}

		formatted, err := formatFile(file, string(data))
		if err != nil {
			return fmt.Errorf("failed to format %s: %w", file, err)
		}

		if string(data) != formatted {
			unformatted++
			if fmtCheck {
				fmt.Fprintf(out, "%s: not formatted\n", file)
			} else if fmtWrite {
				if err := os.WriteFile(file, []byte(formatted), 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", file, err)
				}
				fmt.Fprintf(out, "%s: formatted\n", file)
			}
		}
	}

	if fmtCheck && unformatted > 0 {
		return fmt.Errorf("%d file(s) not formatted", unformatted)
	}

	if unformatted == 0 {
		fmt.Fprintf(out, "All %d file(s) are properly formatted.\n", len(files))
	} else if !fmtCheck {
		fmt.Fprintf(out, "Formatted %d file(s).\n", unformatted)
	}
	return nil
}

func isUnitFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pkl", ".yaml", ".yml":
		return true
	}
	return false
}

func findUnitFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if !d.IsDir() && isUnitFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func formatFile(path, content string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".pkl") {
		return formatPkl(content), nil
	}
	return formatYAML(content)
}

// formatPkl applies basic formatting rules to PKL content.
func formatPkl(content string) string {
	lines := strings.Split(content, "\n")
	var formatted []string

	for _, line := range lines {
		line = strings.TrimRight(line, " \t")
		formatted = append(formatted, line)
	}

	result := strings.Join(formatted, "\n")

	if !strings.HasSuffix(result, "\n") {
		result += "\n"
	}

	// Keep at most one blank line in a row.
	for strings.Contains(result, "\n\n\n") {
		result = strings.ReplaceAll(result, "\n\n\n", "\n\n")
	}

	return result
}

// formatYAML re-encodes the document tree, which keeps comments and the
// flow or block style of each node.
func formatYAML(content string) (string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return "", err
	}
	if doc.Kind == 0 {
		return formatPkl(content), nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
