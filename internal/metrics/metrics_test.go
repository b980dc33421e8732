package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/picklr-io/converge/internal/engine"
	"github.com/picklr-io/converge/internal/ir"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepFinished(t *testing.T) {
	r := New()
	r.StepFinished("network", engine.ActionEnsure, "completed", 2*time.Second)
	r.StepFinished("network", engine.ActionEnsure, "completed", time.Second)
	r.StepFinished("network", engine.ActionWait, "failed", time.Minute)

	counter, err := r.stepTotal.GetMetricWithLabelValues("network", "ensure", "completed")
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(counter))

	failed, err := r.stepTotal.GetMetricWithLabelValues("network", "wait", "failed")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(failed))
	assert.Equal(t, 2, testutil.CollectAndCount(r.stepDuration))
}

func TestWaitAndAttach(t *testing.T) {
	r := New()
	r.WaitPolled(ir.KindCluster, ir.StatusPending)
	r.WaitPolled(ir.KindCluster, ir.StatusPending)
	r.WaitPolled(ir.KindCluster, ir.StatusActive)
	r.AttachApplied(ir.AttachIngress, engine.AttachPresent)

	pending, err := r.waitPolls.GetMetricWithLabelValues(string(ir.KindCluster), "pending")
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(pending))

	present, err := r.attachTotal.GetMetricWithLabelValues("ingress", "present")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(present))
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.AttachApplied(ir.AttachRolePolicy, engine.AttachApplied)
	path := filepath.Join(t.TempDir(), "converge.prom")

	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `converge_attach_total{kind="role-policy",result="applied"} 1`)
}
