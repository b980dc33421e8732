package blueprint

import (
	"errors"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
)

type ContainerParams struct {
	ContainerName string            `json:"containerName"`
	Image         string            `json:"image"`
	Ports         []string          `json:"ports"`
	Env           map[string]string `json:"env"`
	Command       []string          `json:"command"`
	Restart       string            `json:"restart"`
	Pull          string            `json:"pull"`
	Platform      string            `json:"platform"`
	// Network is created when set and the container is connected to it.
	Network string `json:"network"`
}

func init() {
	register(Blueprint{
		Name:        "container",
		Description: "Local Docker container with published ports, waited on until running",
		build:       buildContainer,
	})
}

func buildContainer(unit string, raw map[string]any, _ Env) ([]engine.Step, error) {
	var p ContainerParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Image == "" {
		return nil, errors.New("image is required")
	}
	ports := p.Ports
	if ports == nil {
		ports = []string{"8080:8080"}
	}
	props := map[string]any{
		"image": p.Image,
		"ports": stringsToAny(ports),
	}
	if len(p.Env) > 0 {
		props["env"] = stringMap(p.Env)
	}
	if len(p.Command) > 0 {
		props["command"] = stringsToAny(p.Command)
	}
	for k, v := range map[string]string{"restart": p.Restart, "pull": p.Pull, "platform": p.Platform} {
		if v != "" {
			props[k] = v
		}
	}

	c := key(ir.KindContainer, orDefault(p.ContainerName, unit))
	var steps []engine.Step
	if p.Network != "" {
		steps = append(steps, engine.Ensure(ir.Spec{Key: key(ir.KindNetwork, p.Network)}))
	}
	// Upsert starts a container left stopped by an earlier run.
	steps = append(steps, engine.Upsert(ir.Spec{Key: c, Properties: props}))
	if p.Network != "" {
		steps = append(steps, engine.MustAttach(c, ir.AttachmentRule{Kind: ir.AttachNetwork, Properties: map[string]any{"network": p.Network}}))
	}
	return append(steps, engine.WaitUntil(c, ir.StatusActive)), nil
}
