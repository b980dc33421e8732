package kubernetes

import (
	"context"
	"errors"
	"testing"

	"github.com/picklr-io/converge/internal/ir"
	"github.com/picklr-io/converge/pkg/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	k8sfake "k8s.io/client-go/kubernetes/fake"
)

func pod(namespace, name, instance string, phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{instanceLabel: instance},
		},
		Status: corev1.PodStatus{Phase: phase},
	}
}

func activeNamespace(name string) *corev1.Namespace {
	return &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Status:     corev1.NamespaceStatus{Phase: corev1.NamespaceActive},
	}
}

func TestNamespaceLifecycle(t *testing.T) {
	p := NewWithClient(k8sfake.NewSimpleClientset())
	ctx := context.Background()
	key := ir.Key{Kind: ir.KindNamespace, Name: "monitoring"}

	h, err := p.Describe(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, h)

	h, err = p.Create(ctx, ir.Spec{Key: key, Properties: map[string]any{
		"labels": map[string]any{"team": "platform"},
	}})
	require.NoError(t, err)
	assert.Equal(t, "platform", h.Attributes["labels.team"])

	_, err = p.Create(ctx, ir.Spec{Key: key})
	assert.True(t, adapter.IsAlreadyExists(err))

	require.NoError(t, p.Delete(ctx, key))
	assert.True(t, adapter.IsNotFound(p.Delete(ctx, key)))
}

func TestLabelAttachment(t *testing.T) {
	p := NewWithClient(k8sfake.NewSimpleClientset(activeNamespace("monitoring")))
	ctx := context.Background()
	rule := ir.AttachmentRule{
		Parent:     ir.Key{Kind: ir.KindNamespace, Name: "monitoring"},
		Kind:       ir.AttachLabel,
		Properties: map[string]any{"key": "istio-injection", "value": "enabled"},
	}

	require.NoError(t, p.Attach(ctx, rule))
	assert.True(t, adapter.IsAlreadyExists(p.Attach(ctx, rule)))

	h, err := p.Describe(ctx, rule.Parent)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusActive, h.Status)
	assert.Equal(t, "enabled", h.Attributes["labels.istio-injection"])

	rule.Properties = map[string]any{}
	assert.Error(t, p.Attach(ctx, rule))

	rule.Kind = ir.AttachIngress
	assert.Equal(t, adapter.ClassOther, adapter.ClassOf(p.Attach(ctx, rule)))
}

func TestWorkloadReadiness(t *testing.T) {
	tests := []struct {
		name string
		pods []*corev1.Pod
		want ir.Status
	}{
		{"no pods yet", nil, ir.StatusPending},
		{"all running", []*corev1.Pod{
			pod("monitoring", "grafana-0", "grafana", corev1.PodRunning),
			pod("monitoring", "setup", "grafana", corev1.PodSucceeded),
		}, ir.StatusActive},
		{"one pending", []*corev1.Pod{
			pod("monitoring", "grafana-0", "grafana", corev1.PodRunning),
			pod("monitoring", "grafana-1", "grafana", corev1.PodPending),
		}, ir.StatusPending},
		{"one failed", []*corev1.Pod{
			pod("monitoring", "grafana-0", "grafana", corev1.PodPending),
			pod("monitoring", "grafana-1", "grafana", corev1.PodFailed),
		}, ir.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs := k8sfake.NewSimpleClientset(activeNamespace("monitoring"))
			for _, p := range tt.pods {
				_, err := cs.CoreV1().Pods(p.Namespace).Create(context.Background(), p, metav1.CreateOptions{})
				require.NoError(t, err)
			}
			p := NewWithClient(cs)

			h, err := p.Describe(context.Background(), ir.Key{Kind: ir.KindWorkload, Name: "*", Scope: "monitoring"})
			require.NoError(t, err)
			require.NotNil(t, h)
			assert.Equal(t, tt.want, h.Status)
		})
	}
}

func TestWorkloadSelectsByInstance(t *testing.T) {
	cs := k8sfake.NewSimpleClientset(
		activeNamespace("monitoring"),
		pod("monitoring", "grafana-0", "grafana", corev1.PodRunning),
		pod("monitoring", "prometheus-0", "prometheus", corev1.PodPending),
	)
	p := NewWithClient(cs)

	h, err := p.Describe(context.Background(), ir.Key{Kind: ir.KindWorkload, Name: "grafana", Scope: "monitoring"})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusActive, h.Status)
	assert.Equal(t, "1", h.Attributes["pods"])

	h, err = p.Describe(context.Background(), ir.Key{Kind: ir.KindWorkload, Name: "*", Scope: "monitoring"})
	require.NoError(t, err)
	assert.Equal(t, ir.StatusPending, h.Status)
	assert.Equal(t, "prometheus-0", h.Attributes["notReady"])

	h, err = p.Describe(context.Background(), ir.Key{Kind: ir.KindWorkload, Name: "*", Scope: "absent"})
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestWorkloadIsObservedOnly(t *testing.T) {
	p := NewWithClient(k8sfake.NewSimpleClientset())
	key := ir.Key{Kind: ir.KindWorkload, Name: "grafana", Scope: "monitoring"}
	_, err := p.Create(context.Background(), ir.Spec{Key: key})
	assert.Error(t, err)
	assert.Error(t, p.Delete(context.Background(), key))
}

func TestWorkloadSelector(t *testing.T) {
	assert.Equal(t, "", workloadSelector("*"))
	assert.Equal(t, "app=grafana", workloadSelector("app=grafana"))
	assert.Equal(t, instanceLabel+"=grafana", workloadSelector("grafana"))
}

func TestClassify(t *testing.T) {
	key := ir.Key{Kind: ir.KindNamespace, Name: "monitoring"}
	gr := schema.GroupResource{Resource: "namespaces"}
	tests := []struct {
		err  error
		want adapter.Class
	}{
		{apierrors.NewNotFound(gr, "monitoring"), adapter.ClassNotFound},
		{apierrors.NewAlreadyExists(gr, "monitoring"), adapter.ClassAlreadyExists},
		{apierrors.NewTooManyRequests("slow down", 1), adapter.ClassTransient},
		{apierrors.NewForbidden(gr, "monitoring", errors.New("rbac")), adapter.ClassOther},
		{context.DeadlineExceeded, adapter.ClassCancelled},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, adapter.ClassOf(classify("describe", key, tt.err)), tt.err.Error())
	}
}

func TestNamespaceStatus(t *testing.T) {
	assert.Equal(t, ir.StatusActive, namespaceStatus(corev1.NamespaceActive))
	assert.Equal(t, ir.StatusDeleting, namespaceStatus(corev1.NamespaceTerminating))
	assert.Equal(t, ir.StatusPending, namespaceStatus(""))
}
