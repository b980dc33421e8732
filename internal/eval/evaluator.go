package eval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/apple/pkl-go/pkl"
	"github.com/picklr-io/converge/internal/ir"
	"gopkg.in/yaml.v3"
)

// Evaluator loads unit files into IR types.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{
		projectDir: projectDir,
	}
}

// LoadConfig evaluates a unit file and returns the validated config. The
// format follows the extension: .pkl is evaluated with pkl, .yaml and .yml
// are decoded after ${name} property substitution.
func (e *Evaluator) LoadConfig(ctx context.Context, path string, properties map[string]string) (*ir.Config, error) {
	if !filepath.IsAbs(path) && e.projectDir != "" {
		path = filepath.Join(e.projectDir, path)
	}

	var (
		cfg *ir.Config
		err error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pkl":
		cfg, err = e.loadPkl(ctx, path, properties)
	case ".yaml", ".yml":
		cfg, err = loadYAML(path, properties)
	default:
		return nil, fmt.Errorf("unsupported unit file %q: expected .pkl, .yaml or .yml", path)
	}
	if err != nil {
		return nil, err
	}

	normalize(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (e *Evaluator) loadPkl(ctx context.Context, path string, properties map[string]string) (*ir.Config, error) {
	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	var (
		evaluator pkl.Evaluator
		err       error
	)
	// A PklProject next to the unit file brings its dependencies along.
	dir := filepath.Dir(path)
	if _, statErr := os.Stat(filepath.Join(dir, "PklProject")); statErr == nil {
		abs, absErr := filepath.Abs(dir)
		if absErr != nil {
			return nil, fmt.Errorf("failed to resolve project directory: %w", absErr)
		}
		u, parseErr := url.Parse("file://" + filepath.ToSlash(abs) + "/")
		if parseErr != nil {
			return nil, fmt.Errorf("failed to parse project directory URL: %w", parseErr)
		}
		evaluator, err = pkl.NewProjectEvaluator(ctx, u, opts...)
	} else {
		evaluator, err = pkl.NewEvaluator(ctx, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var cfg ir.Config
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(path), &cfg); err != nil {
		return nil, fmt.Errorf("failed to evaluate config: %w", err)
	}
	return &cfg, nil
}

var propertyRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.-]*)\}`)

func loadYAML(path string, properties map[string]string) (*ir.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var missing []string
	data = propertyRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(propertyRef.FindSubmatch(m)[1])
		if v, ok := properties[name]; ok {
			return []byte(v)
		}
		missing = append(missing, name)
		return m
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("undefined properties in %s: %s (pass them with -D name=value)", path, strings.Join(missing, ", "))
	}

	var cfg ir.Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config %s is empty", path)
		}
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// normalize turns the pkl and yaml value shapes in free-form maps into plain
// map[string]any and []any trees.
func normalize(cfg *ir.Config) {
	for _, u := range cfg.Units {
		if u == nil {
			continue
		}
		u.Params = normalizeMap(u.Params)
		for _, s := range u.Steps {
			if s == nil {
				continue
			}
			s.Properties = normalizeMap(s.Properties)
			for _, a := range s.Attachments {
				if a != nil {
					a.Properties = normalizeMap(a.Properties)
				}
			}
		}
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := ir.Normalize(unwrapObjects(m)).(map[string]any)
	return out
}

// unwrapObjects replaces pkl Dynamic objects with their entries or elements.
func unwrapObjects(v any) any {
	switch val := v.(type) {
	case pkl.Object:
		if len(val.Elements) > 0 && len(val.Properties) == 0 && len(val.Entries) == 0 {
			return unwrapObjects(val.Elements)
		}
		out := make(map[string]any, len(val.Properties)+len(val.Entries))
		for k, v := range val.Entries {
			out[fmt.Sprintf("%v", k)] = unwrapObjects(v)
		}
		for k, v := range val.Properties {
			out[k] = unwrapObjects(v)
		}
		return out
	case *pkl.Object:
		if val == nil {
			return nil
		}
		return unwrapObjects(*val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = unwrapObjects(v)
		}
		return out
	case map[any]any:
		out := make(map[any]any, len(val))
		for k, v := range val {
			out[k] = unwrapObjects(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = unwrapObjects(v)
		}
		return out
	default:
		return val
	}
}
