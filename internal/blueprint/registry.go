package blueprint

import (
	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
)

type RegistryParams struct {
	RepositoryName     string `json:"repositoryName"`
	ImageTagMutability string `json:"imageTagMutability"`
	ScanOnPush         bool   `json:"scanOnPush"`
}

func init() {
	register(Blueprint{
		Name:        "registry",
		Description: "ECR repository; its URI is exported as the uri attribute",
		build:       buildRegistry,
	})
}

func buildRegistry(unit string, raw map[string]any, _ Env) ([]engine.Step, error) {
	var p RegistryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	props := map[string]any{"scanOnPush": p.ScanOnPush}
	if p.ImageTagMutability != "" {
		props["imageTagMutability"] = p.ImageTagMutability
	}
	return []engine.Step{
		engine.Ensure(ir.Spec{Key: key(ir.KindRepository, orDefault(p.RepositoryName, unit)), Properties: props}),
	}, nil
}
