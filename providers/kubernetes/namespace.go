package kubernetes

import (
	"context"
	"fmt"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type NamespaceProperties struct {
	Labels map[string]string `json:"labels"`
}

func namespaceStatus(phase corev1.NamespacePhase) ir.Status {
	switch phase {
	case corev1.NamespaceActive:
		return ir.StatusActive
	case corev1.NamespaceTerminating:
		return ir.StatusDeleting
	case "":
		// Freshly created objects may not carry a phase yet.
		return ir.StatusPending
	}
	return ir.StatusUnknown
}

func namespaceHandle(key ir.Key, ns *corev1.Namespace) *ir.Handle {
	h := &ir.Handle{
		Key:        key,
		ID:         string(ns.UID),
		State:      string(ns.Status.Phase),
		Status:     namespaceStatus(ns.Status.Phase),
		Attributes: map[string]string{},
	}
	for k, v := range ns.Labels {
		h.Attributes["labels."+k] = v
	}
	return h
}

func (p *Provider) describeNamespace(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	ns, err := p.clientset.CoreV1().Namespaces().Get(ctx, key.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return namespaceHandle(key, ns), nil
}

func (p *Provider) createNamespace(ctx context.Context, spec ir.Spec) (*ir.Handle, error) {
	var props NamespaceProperties
	if err := spec.Decode(&props); err != nil {
		return nil, err
	}
	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   spec.Key.Name,
			Labels: props.Labels,
		},
	}
	created, err := p.clientset.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil {
		return nil, err
	}
	return namespaceHandle(spec.Key, created), nil
}

func (p *Provider) deleteNamespace(ctx context.Context, key ir.Key) error {
	err := p.clientset.CoreV1().Namespaces().Delete(ctx, key.Name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return adapter.NewError(adapter.ClassNotFound, "delete", key, err)
	}
	return err
}

type labelAttachment struct {
	Key    string            `json:"key"`
	Value  string            `json:"value"`
	Labels map[string]string `json:"labels"`
}

func (a labelAttachment) labels() map[string]string {
	out := make(map[string]string, len(a.Labels)+1)
	for k, v := range a.Labels {
		out[k] = v
	}
	if a.Key != "" {
		out[a.Key] = a.Value
	}
	return out
}

// attachLabels merges labels into the namespace. Labels already carrying
// the desired values report the rule as present.
func (p *Provider) attachLabels(ctx context.Context, rule ir.AttachmentRule) error {
	var a labelAttachment
	if err := rule.Decode(&a); err != nil {
		return err
	}
	want := a.labels()
	if len(want) == 0 {
		return fmt.Errorf("no labels given")
	}

	ns, err := p.clientset.CoreV1().Namespaces().Get(ctx, rule.Parent.Name, metav1.GetOptions{})
	if err != nil {
		return err
	}
	changed := false
	if ns.Labels == nil {
		ns.Labels = map[string]string{}
	}
	for k, v := range want {
		if cur, ok := ns.Labels[k]; !ok || cur != v {
			ns.Labels[k] = v
			changed = true
		}
	}
	if !changed {
		return adapter.Errorf(adapter.ClassAlreadyExists, "attach", rule.Parent, "%s already present", rule.Kind)
	}
	_, err = p.clientset.CoreV1().Namespaces().Update(ctx, ns, metav1.UpdateOptions{})
	return err
}
