package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(&Config{Namespace: "pm", Subsystem: "test", Registry: reg})

	r.ApprovalAction("APPROVE")
	r.ApprovalAction("APPROVE")
	r.NodeTransition("COMPLETED")
	r.StageTransition("SKIPPED")
	r.AutoCompleted(3)
	r.AutoCompleted(0)
	r.NotificationFailed("approval_required")
	r.ObserveOperation("complete_node", "ok", 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.approvalActions.WithLabelValues("APPROVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.nodeTransitions.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stageTransitions.WithLabelValues("SKIPPED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.autoCompletions))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.notificationFailures.WithLabelValues("approval_required")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.ApprovalAction("REJECT")
		r.NodeTransition("SKIPPED")
		r.StageTransition("COMPLETED")
		r.AutoCompleted(1)
		r.NotificationFailed("x")
		r.ObserveOperation("op", "ok", time.Second)
	})
}
