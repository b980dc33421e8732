package docker

import (
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/picklr-io/converge/internal/ir"
)

type NetworkProperties struct {
	Driver   string            `json:"driver"`
	Internal bool              `json:"internal"`
	Labels   map[string]string `json:"labels"`
}

func (p *Provider) describeNetwork(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	res, err := p.client.NetworkInspect(ctx, key.Name, types.NetworkInspectOptions{})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	// Inspect also matches on ID prefixes; only an exact name is ours.
	if res.Name != key.Name {
		return nil, nil
	}
	return &ir.Handle{
		Key:        key,
		ID:         res.ID,
		Status:     ir.StatusActive,
		Attributes: map[string]string{"driver": res.Driver},
	}, nil
}

func (p *Provider) createNetwork(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props NetworkProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	if props.Driver == "" {
		props.Driver = "bridge"
	}
	resp, err := p.client.NetworkCreate(ctx, spec.Key.Name, types.NetworkCreate{
		Driver:   props.Driver,
		Internal: props.Internal,
		Labels:   props.Labels,
	})
	if err != nil {
		return nil, err
	}
	return &ir.Handle{
		Key:        spec.Key,
		ID:         resp.ID,
		Status:     ir.StatusActive,
		Attributes: map[string]string{"driver": props.Driver},
	}, nil
}

func (p *Provider) deleteNetwork(ctx context.Context, key ir.Key) error {
	if err := p.client.NetworkRemove(ctx, key.Name); err != nil {
		if client.IsErrNotFound(err) {
			return missing("delete", key)
		}
		return err
	}
	return nil
}
