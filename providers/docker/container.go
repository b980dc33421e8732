package docker

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
)

// Pull policies for the container image.
const (
	PullMissing = "missing"
	PullAlways  = "always"
	PullNever   = "never"
)

// stopTimeout is how long a container gets to exit before it is killed.
const stopTimeout = 10

type ContainerProperties struct {
	Image string `json:"image"`
	// Ports are "[hostIP:]hostPort:containerPort[/proto]" publish specs.
	Ports       []string          `json:"ports"`
	Command     []string          `json:"command"`
	Env         map[string]string `json:"env"`
	Labels      map[string]string `json:"labels"`
	Volumes     []string          `json:"volumes"`
	Network     string            `json:"network"`
	Restart     string            `json:"restart"`
	WorkingDir  string            `json:"workingDir"`
	User        string            `json:"user"`
	Platform    string            `json:"platform"`
	Pull        string            `json:"pull"`
	Healthcheck *Healthcheck      `json:"healthcheck"`
	Logging     *Logging          `json:"logging"`
}

type Healthcheck struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval"`
	Timeout     string   `json:"timeout"`
	StartPeriod string   `json:"startPeriod"`
	Retries     int      `json:"retries"`
}

type Logging struct {
	Driver  string            `json:"driver"`
	Options map[string]string `json:"options"`
}

func containerStatus(state string) ir.Status {
	switch state {
	case "created", "restarting":
		return ir.StatusPending
	case "running":
		return ir.StatusActive
	case "exited", "dead":
		return ir.StatusFailed
	case "removing":
		return ir.StatusDeleting
	}
	return ir.StatusUnknown
}

func (p *Provider) describeContainer(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	info, err := p.client.ContainerInspect(ctx, key.Name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return containerHandle(key, info), nil
}

func containerHandle(key ir.Key, info types.ContainerJSON) *ir.Handle {
	h := &ir.Handle{Key: key, Attributes: map[string]string{}}
	if info.ContainerJSONBase != nil {
		h.ID = info.ID
		if info.State != nil {
			h.State = info.State.Status
			h.Status = containerStatus(info.State.Status)
		}
		if info.HostConfig != nil {
			h.Attributes["networkMode"] = string(info.HostConfig.NetworkMode)
		}
	}
	if info.Config != nil {
		h.Attributes["image"] = info.Config.Image
	}
	if ns := info.NetworkSettings; ns != nil {
		if ns.IPAddress != "" {
			h.Attributes["ipAddress"] = ns.IPAddress
		}
		var published []string
		for port, bindings := range ns.Ports {
			for _, b := range bindings {
				published = append(published, fmt.Sprintf("%s->%s", b.HostPort, port))
			}
		}
		if len(published) > 0 {
			sort.Strings(published)
			h.Attributes["ports"] = strings.Join(published, ",")
		}
	}
	return h
}

func (p *Provider) createContainer(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props ContainerProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	if props.Image == "" {
		return nil, fmt.Errorf("image is required")
	}
	platform, err := parsePlatform(props.Platform)
	if err != nil {
		return nil, err
	}
	if err := p.ensureImage(ctx, props.Image, props.Pull, props.Platform); err != nil {
		return nil, err
	}

	exposed, bindings, err := nat.ParsePortSpecs(props.Ports)
	if err != nil {
		return nil, fmt.Errorf("invalid ports: %w", err)
	}
	binds, err := volumeBinds(props.Volumes)
	if err != nil {
		return nil, err
	}

	config := &container.Config{
		Image:        props.Image,
		Cmd:          props.Command,
		Env:          envList(props.Env),
		Labels:       props.Labels,
		WorkingDir:   props.WorkingDir,
		User:         props.User,
		ExposedPorts: exposed,
	}
	if props.Healthcheck != nil {
		hc, err := props.Healthcheck.config()
		if err != nil {
			return nil, err
		}
		config.Healthcheck = hc
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Binds:        binds,
	}
	if props.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(props.Network)
	}
	if props.Restart != "" {
		hostConfig.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(props.Restart)}
	}
	if props.Logging != nil {
		hostConfig.LogConfig = container.LogConfig{Type: props.Logging.Driver, Config: props.Logging.Options}
	}

	resp, err := p.client.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, platform, spec.Key.Name)
	if err != nil {
		return nil, err
	}
	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	h, err := p.describeContainer(ctx, spec.Key)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return &ir.Handle{Key: spec.Key, ID: resp.ID, Status: ir.StatusPending, Attributes: map[string]string{"image": props.Image}}, nil
	}
	return h, nil
}

// startContainer starts a created or exited container and returns its
// fresh handle.
func (p *Provider) startContainer(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	info, err := p.client.ContainerInspect(ctx, key.Name)
	if err != nil {
		return nil, err
	}
	state := ""
	if info.ContainerJSONBase != nil && info.State != nil {
		state = info.State.Status
	}
	if state != "created" && state != "exited" {
		return nil, adapter.Errorf(adapter.ClassUnchanged, "update", key, "container is %s", state)
	}
	if err := p.client.ContainerStart(ctx, info.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}
	return p.describeContainer(ctx, key)
}

// ensureImage makes the image available locally according to the pull
// policy.
func (p *Provider) ensureImage(ctx context.Context, ref, policy, platform string) error {
	switch policy {
	case "", PullMissing:
		_, _, err := p.client.ImageInspectWithRaw(ctx, ref)
		if err == nil {
			return nil
		}
		if !client.IsErrNotFound(err) {
			return err
		}
	case PullAlways:
	case PullNever:
		return nil
	default:
		return fmt.Errorf("unknown pull policy %q", policy)
	}

	reader, err := p.client.ImagePull(ctx, ref, image.PullOptions{Platform: platform})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()
	// The pull completes only once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (p *Provider) deleteContainer(ctx context.Context, key ir.Key) error {
	timeout := stopTimeout
	if err := p.client.ContainerStop(ctx, key.Name, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return missing("delete", key)
		}
		return err
	}
	if err := p.client.ContainerRemove(ctx, key.Name, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return missing("delete", key)
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

type networkAttachment struct {
	Network string   `json:"network"`
	Aliases []string `json:"aliases"`
}

func (p *Provider) connectNetwork(ctx context.Context, rule ir.AttachmentRule) error {
	var a networkAttachment
	if err := rule.Decode(&a); err != nil {
		return err
	}
	if a.Network == "" {
		return fmt.Errorf("network is required")
	}
	info, err := p.client.ContainerInspect(ctx, rule.Parent.Name)
	if err != nil {
		return err
	}
	if info.NetworkSettings != nil {
		if _, ok := info.NetworkSettings.Networks[a.Network]; ok {
			return present(rule)
		}
	}
	return p.client.NetworkConnect(ctx, a.Network, rule.Parent.Name, &network.EndpointSettings{Aliases: a.Aliases})
}

func (h *Healthcheck) config() (*container.HealthConfig, error) {
	test := h.Test
	if len(test) == 0 {
		test = []string{"NONE"}
	}
	cfg := &container.HealthConfig{Test: test, Retries: h.Retries}
	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{h.Interval, &cfg.Interval},
		{h.Timeout, &cfg.Timeout},
		{h.StartPeriod, &cfg.StartPeriod},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid healthcheck duration %q: %w", d.raw, err)
		}
		*d.dst = v
	}
	return cfg, nil
}

// parsePlatform parses "os/arch[/variant]". An empty string lets the
// engine pick.
func parsePlatform(s string) (*v1.Platform, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid platform %q", s)
	}
	pl := &v1.Platform{OS: parts[0], Architecture: parts[1]}
	if len(parts) == 3 {
		pl.Variant = parts[2]
	}
	return pl, nil
}

// volumeBinds makes relative host paths absolute. Named volumes pass
// through.
func volumeBinds(volumes []string) ([]string, error) {
	var binds []string
	for _, v := range volumes {
		src, rest, ok := strings.Cut(v, ":")
		if ok && (strings.HasPrefix(src, "./") || strings.HasPrefix(src, "../")) {
			abs, err := filepath.Abs(src)
			if err != nil {
				return nil, fmt.Errorf("invalid volume %q: %w", v, err)
			}
			v = abs + ":" + rest
		}
		binds = append(binds, v)
	}
	return binds, nil
}

func envList(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+m[k])
	}
	return env
}
