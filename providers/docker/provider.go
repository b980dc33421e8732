// Package docker implements the adapter contract for local containers and
// networks through the Docker engine API.
package docker

import (
	"context"
	"errors"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
)

// Client is the subset of the engine API the provider calls. *client.Client
// satisfies it.
type Client interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *v1.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	NetworkInspect(ctx context.Context, networkID string, options types.NetworkInspectOptions) (types.NetworkResource, error)
	NetworkCreate(ctx context.Context, name string, options types.NetworkCreate) (types.NetworkCreateResponse, error)
	NetworkRemove(ctx context.Context, networkID string) error
	NetworkConnect(ctx context.Context, networkID, containerID string, config *network.EndpointSettings) error
}

// Options select the engine. An empty Host uses DOCKER_HOST and the rest of
// the standard environment.
type Options struct {
	Host string
}

type Provider struct {
	client Client
}

func New(opts Options) (*Provider, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}
	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, err
	}
	return NewWithClient(cli), nil
}

func NewWithClient(c Client) *Provider {
	return &Provider{client: c}
}

func (p *Provider) Describe(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	var (
		h   *ir.Handle
		err error
	)
	switch key.Kind {
	case ir.KindContainer:
		h, err = p.describeContainer(ctx, key)
	case ir.KindNetwork:
		h, err = p.describeNetwork(ctx, key)
	default:
		return nil, adapter.Unsupported("describe", key)
	}
	if err != nil {
		return nil, classify("describe", key, err)
	}
	return h, nil
}

func (p *Provider) Create(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var (
		h   *ir.Handle
		err error
	)
	switch spec.Key.Kind {
	case ir.KindContainer:
		h, err = p.createContainer(ctx, spec)
	case ir.KindNetwork:
		h, err = p.createNetwork(ctx, spec)
	default:
		return nil, adapter.Unsupported("create", spec.Key)
	}
	if err != nil {
		return nil, classify("create", spec.Key, err)
	}
	return h, nil
}

// Update starts a container that exists but is not running, such as one
// whose first start failed. Container settings are fixed at creation, so a
// running container and every network report Unchanged.
func (p *Provider) Update(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	if spec.Key.Kind != ir.KindContainer {
		return nil, adapter.Errorf(adapter.ClassUnchanged, "update", spec.Key, "no changes")
	}
	h, err := p.startContainer(ctx, spec.Key)
	if err != nil {
		return nil, classify("update", spec.Key, err)
	}
	return h, nil
}

func (p *Provider) Delete(ctx context.Context, key ir.Key) error {
	switch key.Kind {
	case ir.KindContainer:
		return classify("delete", key, p.deleteContainer(ctx, key))
	case ir.KindNetwork:
		return classify("delete", key, p.deleteNetwork(ctx, key))
	}
	return adapter.Unsupported("delete", key)
}

func (p *Provider) Attach(ctx context.Context, rule ir.AttachmentRule) error {
	if rule.Kind != ir.AttachNetwork {
		return adapter.Errorf(adapter.ClassOther, "attach", rule.Parent, "attachment %q is not supported for docker kinds", rule.Kind)
	}
	if rule.Parent.Kind != ir.KindContainer {
		return adapter.Errorf(adapter.ClassOther, "attach", rule.Parent, "%s cannot be attached to %s", rule.Kind, rule.Parent.Kind)
	}
	return classify("attach", rule.Parent, p.connectNetwork(ctx, rule))
}

// classify maps engine API errors onto adapter classes.
func classify(op string, key ir.Key, err error) error {
	if err == nil {
		return nil
	}
	var ae *adapter.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return adapter.NewError(adapter.ClassCancelled, op, key, err)
	case client.IsErrNotFound(err):
		return adapter.NewError(adapter.ClassNotFound, op, key, err)
	case errdefs.IsConflict(err):
		return adapter.NewError(adapter.ClassAlreadyExists, op, key, err)
	case errdefs.IsUnavailable(err), errdefs.IsDeadline(err), client.IsErrConnectionFailed(err):
		return adapter.NewError(adapter.ClassTransient, op, key, err)
	}
	return adapter.NewError(adapter.ClassOther, op, key, err)
}

func present(rule ir.AttachmentRule) error {
	return adapter.Errorf(adapter.ClassAlreadyExists, "attach", rule.Parent, "%s already present", rule.Kind)
}

func missing(op string, key ir.Key) error {
	return adapter.Errorf(adapter.ClassNotFound, op, key, "resource does not exist")
}
