// Package provider routes adapter calls to the provider that owns a kind.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
	"github.com/picklr-io/converge/providers/aws"
	"github.com/picklr-io/converge/providers/docker"
	"github.com/picklr-io/converge/providers/kubernetes"
	"github.com/picklr-io/converge/providers/memory"
)

// Options carry the connection settings of every built-in provider. Each
// provider reads only its own fields.
type Options struct {
	Region      string
	Profile     string
	Endpoint    string
	Kubeconfig  string
	KubeContext string
	DockerHost  string
}

// Factory builds a provider on first use.
type Factory func(ctx context.Context) (adapter.Adapter, error)

// Registry manages the lifecycle of providers and implements the adapter
// contract by dispatching on the provider prefix of each kind.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	providers map[string]adapter.Adapter
	override  adapter.Adapter
}

// NewRegistry registers the built-in providers. None of them connects
// until a kind it owns is first used.
func NewRegistry(opts Options) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]adapter.Adapter),
	}
	r.factories["aws"] = func(ctx context.Context) (adapter.Adapter, error) {
		return aws.New(ctx, aws.Options{Region: opts.Region, Profile: opts.Profile, Endpoint: opts.Endpoint})
	}
	r.factories["docker"] = func(context.Context) (adapter.Adapter, error) {
		return docker.New(docker.Options{Host: opts.DockerHost})
	}
	r.factories["kubernetes"] = func(context.Context) (adapter.Adapter, error) {
		return kubernetes.New(kubernetes.Options{Kubeconfig: opts.Kubeconfig, Context: opts.KubeContext})
	}
	r.providers["memory"] = memory.New()
	return r
}

// Register installs a ready provider under name, replacing any factory.
func (r *Registry) Register(name string, a adapter.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = a
	delete(r.factories, name)
}

// RegisterFactory installs a lazily built provider under name.
func (r *Registry) RegisterFactory(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	delete(r.providers, name)
}

// Override routes every kind to a, whatever its provider. Dry runs use it
// with the memory provider.
func (r *Registry) Override(a adapter.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override = a
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for n := range r.providers {
		seen[n] = true
	}
	for n := range r.factories {
		seen[n] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadProvider returns the provider registered under name, building it on
// first use.
func (r *Registry) LoadProvider(ctx context.Context, name string) (adapter.Adapter, error) {
	r.mu.RLock()
	if r.override != nil {
		defer r.mu.RUnlock()
		return r.override, nil
	}
	p, ok := r.providers[name]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok {
		return p, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	p, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider %s: %w", name, err)
	}
	r.providers[name] = p
	return p, nil
}

// AWS returns the AWS provider, for callers that need more than the
// adapter contract (caller identity).
func (r *Registry) AWS(ctx context.Context) (*aws.Provider, error) {
	p, err := r.LoadProvider(ctx, "aws")
	if err != nil {
		return nil, err
	}
	ap, ok := p.(*aws.Provider)
	if !ok {
		return nil, fmt.Errorf("provider aws is not the AWS SDK provider")
	}
	return ap, nil
}

func (r *Registry) route(ctx context.Context, op string, key ir.Key) (adapter.Adapter, error) {
	name := key.Kind.Provider()
	if name == "" {
		return nil, adapter.Errorf(adapter.ClassOther, op, key, "kind %q has no provider prefix", key.Kind)
	}
	p, err := r.LoadProvider(ctx, name)
	if err != nil {
		return nil, adapter.NewError(adapter.ClassOther, op, key, err)
	}
	return p, nil
}

func (r *Registry) Describe(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	p, err := r.route(ctx, "describe", key)
	if err != nil {
		return nil, err
	}
	return p.Describe(ctx, key)
}

func (r *Registry) Create(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	p, err := r.route(ctx, "create", spec.Key)
	if err != nil {
		return nil, err
	}
	return p.Create(ctx, spec)
}

// Update forwards to providers that support in-place update. For the rest
// it reports Unchanged, which upsert treats as success.
func (r *Registry) Update(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	p, err := r.route(ctx, "update", spec.Key)
	if err != nil {
		return nil, err
	}
	u, ok := p.(adapter.Updater)
	if !ok {
		return nil, adapter.Errorf(adapter.ClassUnchanged, "update", spec.Key, "kind does not support update")
	}
	return u.Update(ctx, spec)
}

func (r *Registry) Delete(ctx context.Context, key ir.Key) error {
	p, err := r.route(ctx, "delete", key)
	if err != nil {
		return err
	}
	return p.Delete(ctx, key)
}

func (r *Registry) Attach(ctx context.Context, rule ir.AttachmentRule) error {
	p, err := r.route(ctx, "attach", rule.Parent)
	if err != nil {
		return err
	}
	return p.Attach(ctx, rule)
}
