package blueprint

import (
	"time"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
)

type MonitoringParams struct {
	Namespace string            `json:"namespace"`
	Labels    map[string]string `json:"labels"`
	// Workload selects the pods to wait for: "*" (default) for every pod
	// in the namespace, a release name, or a label selector.
	Workload string `json:"workload"`
	Interval string `json:"interval"`
	Attempts int    `json:"attempts"`
}

func init() {
	register(Blueprint{
		Name:        "monitoring",
		Description: "Kubernetes namespace for a monitoring stack, waited on until all its pods run",
		build:       buildMonitoring,
	})
}

func buildMonitoring(_ string, raw map[string]any, _ Env) ([]engine.Step, error) {
	var p MonitoringParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ns := key(ir.KindNamespace, orDefault(p.Namespace, "monitoring"))
	workload := scoped(ir.KindWorkload, orDefault(p.Workload, "*"), ns.Name)

	w := ir.DefaultWait(workload, ir.StatusActive)
	// Pods of a freshly installed chart may not exist yet; only Failed
	// ends the wait early.
	w.Failure = ir.StatusSet{ir.StatusFailed}
	if p.Interval != "" {
		d, err := time.ParseDuration(p.Interval)
		if err != nil {
			return nil, err
		}
		w.PollInterval = d
	}
	if p.Attempts > 0 {
		w.MaxAttempts = p.Attempts
	}

	props := map[string]any{}
	if len(p.Labels) > 0 {
		props["labels"] = stringMap(p.Labels)
	}
	return []engine.Step{
		engine.Ensure(ir.Spec{Key: ns, Properties: props}),
		engine.WaitUntil(ns, ir.StatusActive),
		engine.Wait(w),
	}, nil
}
