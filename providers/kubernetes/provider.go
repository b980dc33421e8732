// Package kubernetes implements the adapter contract for namespaces and
// pod-readiness workloads with client-go.
package kubernetes

import (
	"context"
	"errors"
	"fmt"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// Options select the cluster. Empty fields follow the usual kubeconfig
// loading rules (KUBECONFIG, then ~/.kube/config).
type Options struct {
	Kubeconfig string
	Context    string
}

type Provider struct {
	clientset kubernetes.Interface
}

func New(opts Options) (*Provider, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	rules.ExplicitPath = opts.Kubeconfig
	overrides := &clientcmd.ConfigOverrides{CurrentContext: opts.Context}
	config, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}
	return NewWithClient(clientset), nil
}

func NewWithClient(c kubernetes.Interface) *Provider {
	return &Provider{clientset: c}
}

func (p *Provider) Describe(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	var (
		h   *ir.Handle
		err error
	)
	switch key.Kind {
	case ir.KindNamespace:
		h, err = p.describeNamespace(ctx, key)
	case ir.KindWorkload:
		h, err = p.describeWorkload(ctx, key)
	default:
		return nil, adapter.Unsupported("describe", key)
	}
	if err != nil {
		return nil, classify("describe", key, err)
	}
	return h, nil
}

// Create only handles namespaces. Workloads are deployed by other tooling
// and only observed here.
func (p *Provider) Create(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	if spec.Key.Kind != ir.KindNamespace {
		return nil, adapter.Unsupported("create", spec.Key)
	}
	h, err := p.createNamespace(ctx, spec)
	if err != nil {
		return nil, classify("create", spec.Key, err)
	}
	return h, nil
}

func (p *Provider) Delete(ctx context.Context, key ir.Key) error {
	if key.Kind != ir.KindNamespace {
		return adapter.Unsupported("delete", key)
	}
	return classify("delete", key, p.deleteNamespace(ctx, key))
}

func (p *Provider) Attach(ctx context.Context, rule ir.AttachmentRule) error {
	if rule.Kind != ir.AttachLabel {
		return adapter.Errorf(adapter.ClassOther, "attach", rule.Parent, "attachment %q is not supported for kubernetes kinds", rule.Kind)
	}
	if rule.Parent.Kind != ir.KindNamespace {
		return adapter.Errorf(adapter.ClassOther, "attach", rule.Parent, "%s cannot be attached to %s", rule.Kind, rule.Parent.Kind)
	}
	return classify("attach", rule.Parent, p.attachLabels(ctx, rule))
}

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
	case apierrors.IsNotFound(err):
		return adapter.NewError(adapter.ClassNotFound, op, key, err)
	case apierrors.IsAlreadyExists(err):
		return adapter.NewError(adapter.ClassAlreadyExists, op, key, err)
	case apierrors.IsConflict(err), apierrors.IsTooManyRequests(err), apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err), apierrors.IsServiceUnavailable(err), apierrors.IsInternalError(err):
		return adapter.NewError(adapter.ClassTransient, op, key, err)
	}
	return adapter.NewError(adapter.ClassOther, op, key, err)
}
