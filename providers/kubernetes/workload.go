package kubernetes

import (
	"context"
	"strconv"
	"strings"

	"github.com/picklr-io/converge/internal/ir"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// instanceLabel selects the pods of a named workload.
const instanceLabel = "app.kubernetes.io/instance"

// workloadSelector turns a workload name into a pod label selector. "*"
// selects every pod in the namespace and names containing "=" are used as
// selectors verbatim.
func workloadSelector(name string) string {
	switch {
	case name == "" || name == "*":
		return ""
	case strings.Contains(name, "="):
		return name
	}
	return instanceLabel + "=" + name
}

// podsStatus folds pod phases into one status: Failed if any pod failed,
// Active when every pod is Running or Succeeded, Pending otherwise
// (including when no pods exist yet).
func podsStatus(pods []corev1.Pod) ir.Status {
	if len(pods) == 0 {
		return ir.StatusPending
	}
	ready := true
	for _, pod := range pods {
		switch pod.Status.Phase {
		case corev1.PodFailed:
			return ir.StatusFailed
		case corev1.PodRunning, corev1.PodSucceeded:
		default:
			ready = false
		}
	}
	if ready {
		return ir.StatusActive
	}
	return ir.StatusPending
}

// describeWorkload reports the aggregate pod readiness of the workload. A
// missing namespace means the workload is absent.
func (p *Provider) describeWorkload(ctx context.Context, key ir.Key) (*ir.Handle, error) {
	namespace := key.Scope
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	if _, err := p.clientset.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	list, err := p.clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: workloadSelector(key.Name),
	})
	if err != nil {
		return nil, err
	}

	running := 0
	var notReady []string
	for _, pod := range list.Items {
		switch pod.Status.Phase {
		case corev1.PodRunning, corev1.PodSucceeded:
			running++
		default:
			notReady = append(notReady, pod.Name)
		}
	}
	status := podsStatus(list.Items)
	h := &ir.Handle{
		Key:    key,
		ID:     namespace + "/" + key.Name,
		Status: status,
		State:  status.String(),
		Attributes: map[string]string{
			"pods":    strconv.Itoa(len(list.Items)),
			"running": strconv.Itoa(running),
		},
	}
	if len(notReady) > 0 {
		h.Attributes["notReady"] = strings.Join(notReady, ",")
	}
	return h, nil
}
