package blueprint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
)

var defaultCapabilities = []string{"CAPABILITY_NAMED_IAM", "CAPABILITY_AUTO_EXPAND"}

type StackParams struct {
	StackName    string            `json:"stackName"`
	TemplateFile string            `json:"templateFile"`
	TemplateBody string            `json:"templateBody"`
	TemplateURL  string            `json:"templateUrl"`
	Parameters   map[string]string `json:"parameters"`
	Capabilities []string          `json:"capabilities"`
	Tags         map[string]string `json:"tags"`
}

func init() {
	register(Blueprint{
		Name:        "stack",
		Description: "CloudFormation stack created or updated from a template, waited on until complete",
		build:       buildStack,
	})
}

// buildStack reads the template file when the pipeline is built, so a
// missing file fails before anything is touched.
func buildStack(unit string, raw map[string]any, env Env) ([]engine.Step, error) {
	var p StackParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	sources := 0
	for _, s := range []string{p.TemplateFile, p.TemplateBody, p.TemplateURL} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return nil, errors.New("exactly one of templateFile, templateBody or templateUrl is required")
	}

	props := map[string]any{}
	switch {
	case p.TemplateFile != "":
		body, err := os.ReadFile(resolvePath(env, p.TemplateFile))
		if err != nil {
			return nil, fmt.Errorf("failed to read template: %w", err)
		}
		props["templateBody"] = string(body)
	case p.TemplateBody != "":
		props["templateBody"] = p.TemplateBody
	default:
		props["templateUrl"] = p.TemplateURL
	}
	caps := p.Capabilities
	if caps == nil {
		caps = defaultCapabilities
	}
	props["capabilities"] = stringsToAny(caps)
	if len(p.Parameters) > 0 {
		props["parameters"] = stringMap(p.Parameters)
	}
	if len(p.Tags) > 0 {
		props["tags"] = stringMap(p.Tags)
	}

	stack := key(ir.KindStack, orDefault(p.StackName, unit))
	return []engine.Step{
		engine.Upsert(ir.Spec{Key: stack, Properties: props}),
		engine.WaitUntil(stack, ir.StatusActive),
	}, nil
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func resolvePath(env Env, path string) string {
	if filepath.IsAbs(path) || env.Dir == "" {
		return path
	}
	return filepath.Join(env.Dir, path)
}
