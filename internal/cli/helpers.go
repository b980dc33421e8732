package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/picklr-io/converge/internal/blueprint"
	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/eval"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/internal/logging"
	"github.com/picklr-io/converge/internal/provider"
	"github.com/picklr-io/converge/providers/memory"
	"github.com/spf13/cobra"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// defaultEntryPoints are tried in order when no unit file is given.
var defaultEntryPoints = []string{"main.pkl", "converge.yaml", "converge.yml"}

func colorize(code string) string {
	if noColor {
		return ""
	}
	return code
}

// resolveEntryPoint turns the optional path argument into the unit file's
// directory and base name.
func resolveEntryPoint(args []string) (string, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if !info.IsDir() {
			return filepath.Dir(absPath), filepath.Base(absPath), nil
		}
		wd = absPath
	}

	for _, name := range defaultEntryPoints {
		if _, err := os.Stat(filepath.Join(wd, name)); err == nil {
			return wd, name, nil
		}
	}
	return "", "", fmt.Errorf("no unit file in %s (looked for %s)", wd, strings.Join(defaultEntryPoints, ", "))
}

// workspace is a loaded unit file with its pipelines built.
type workspace struct {
	dir       string
	entry     string
	cfg       *ir.Config
	pipelines []*engine.Pipeline
}

func (w *workspace) region() string {
	if region != "" {
		return region
	}
	return w.cfg.Region
}

// usesProvider reports whether any step addresses a kind of the named provider.
func (w *workspace) usesProvider(name string) bool {
	for _, p := range w.pipelines {
		for _, s := range p.Steps {
			if s.Target().Kind.Provider() == name {
				return true
			}
		}
	}
	return false
}

func loadWorkspace(ctx context.Context, args []string, props map[string]string, units []string) (*workspace, error) {
	dir, entryPoint, err := resolveEntryPoint(args)
	if err != nil {
		return nil, err
	}

	cfg, err := eval.NewEvaluator(dir).LoadConfig(ctx, entryPoint, props)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	pipelines, err := blueprint.BuildAll(cfg, blueprint.Env{Dir: dir, Region: region})
	if err != nil {
		return nil, err
	}
	pipelines, err = selectUnits(pipelines, units)
	if err != nil {
		return nil, err
	}
	return &workspace{dir: dir, entry: entryPoint, cfg: cfg, pipelines: pipelines}, nil
}

// selectUnits keeps the named units in file order. No names keeps all.
func selectUnits(pipelines []*engine.Pipeline, names []string) ([]*engine.Pipeline, error) {
	if len(names) == 0 {
		return pipelines, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []*engine.Pipeline
	for _, p := range pipelines {
		if want[p.Name] {
			out = append(out, p)
			delete(want, p.Name)
		}
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for n := range want {
			unknown = append(unknown, n)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown unit(s): %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	return logging.New(logLevel, logFormat, cmd.ErrOrStderr())
}

// newRegistry builds the provider router. A dry run sends every kind to an
// in-process provider instead, seeded so that waits on resources the units
// only observe succeed.
func newRegistry(ws *workspace, dryRun bool) *provider.Registry {
	reg := provider.NewRegistry(provider.Options{
		Region:      ws.region(),
		Profile:     profile,
		Endpoint:    endpoint,
		Kubeconfig:  kubeconfig,
		KubeContext: kubeContext,
		DockerHost:  dockerHost,
	})
	if dryRun {
		mem := memory.New()
		seedObserved(mem, ws.pipelines)
		reg.Override(mem)
	}
	return reg
}

// seedObserved marks as Active every waited-on resource that no step of its
// unit creates, such as the pods of a monitoring workload.
func seedObserved(mem *memory.Provider, pipelines []*engine.Pipeline) {
	for _, p := range pipelines {
		owned := make(map[ir.Key]bool)
		for _, s := range p.Steps {
			if s.Action == engine.ActionEnsure || s.Action == engine.ActionUpsert {
				owned[s.Spec.Key] = true
			}
		}
		for _, s := range p.Steps {
			if s.Action != engine.ActionWait {
				continue
			}
			key := s.Wait.Key
			if owned[key] || s.Wait.Target.Has(ir.StatusDeleted) || len(s.References()) > 0 {
				continue
			}
			if h, _ := mem.Describe(context.Background(), key); h == nil {
				mem.Seed(ir.Spec{Key: key}, ir.StatusActive)
			}
		}
	}
}

// progress prints step events. RunAll calls it from several goroutines.
type progress struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *progress) event(ev engine.StepEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Status {
	case "completed":
		fmt.Fprintf(p.out, "%s[%s]%s %s (%s)\n", colorize(colorGreen), ev.Pipeline, colorize(colorReset), ev.Step, ev.Duration.Round(100*time.Millisecond))
	case "skipped":
		fmt.Fprintf(p.out, "%s[%s]%s %s skipped\n", colorize(colorCyan), ev.Pipeline, colorize(colorReset), ev.Step)
	case "failed":
		fmt.Fprintf(p.out, "%s[%s]%s %s failed: %v\n", colorize(colorRed), ev.Pipeline, colorize(colorReset), ev.Step, ev.Error)
	}
}

func printHandles(out io.Writer, st *ir.State) {
	for _, h := range st.Handles() {
		fmt.Fprintf(out, "  %s\n", h.Key)
		if h.ID != "" {
			fmt.Fprintf(out, "      id     = %s\n", h.ID)
		}
		if h.ARN != "" {
			fmt.Fprintf(out, "      arn    = %s\n", h.ARN)
		}
		fmt.Fprintf(out, "      status = %s\n", h.Status)
		keys := make([]string, 0, len(h.Attributes))
		for k := range h.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "      %s = %s\n", k, h.Attributes[k])
		}
	}
}

// confirm asks a yes/no question on the command's input.
func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s (y/n): ", prompt)
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	response := strings.ToLower(strings.TrimSpace(line))
	return response == "y" || response == "yes"
}
