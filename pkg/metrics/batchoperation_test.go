package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchops/pkg/protocol"
)

func TestPartitionMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBatchOperationMetrics(reg, nil)
	p := m.ForPartition(2)

	p.RecordItemsPerPartition(250, protocol.CancelProcessInstance)
	p.RecordInitialized(protocol.CancelProcessInstance)
	p.RecordInitialized(protocol.CancelProcessInstance)
	p.RecordRound("success")

	assert.Equal(t, 250.0, testutil.ToFloat64(m.itemsPerPartition.WithLabelValues("2", string(protocol.CancelProcessInstance))))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.initialized.WithLabelValues("2", string(protocol.CancelProcessInstance))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.schedulerRounds.WithLabelValues("2", "success")))
}

func TestPartitionMetricsLatencies(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBatchOperationMetrics(reg, nil)
	p := m.ForPartition(1)

	now := time.Unix(100, 0)
	p.now = func() time.Time { return now }

	p.StartStartExecuteLatency(7)
	p.StartTotalExecutionLatency(7)
	now = now.Add(2 * time.Second)
	p.ExecutionStarted(7)
	p.ExecutionStarted(7)
	now = now.Add(3 * time.Second)
	p.ExecutionCompleted(7)
	p.ExecutionCompleted(8)

	n, err := testutil.GatherAndCount(reg,
		"batchops_batch_operation_start_execute_latency_seconds",
		"batchops_batch_operation_total_execution_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	families, err := reg.Gather()
	require.NoError(t, err)
	sums := map[string]float64{}
	counts := map[string]uint64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if h := metric.GetHistogram(); h != nil {
				sums[f.GetName()] = h.GetSampleSum()
				counts[f.GetName()] = h.GetSampleCount()
			}
		}
	}
	assert.Equal(t, 2.0, sums["batchops_batch_operation_start_execute_latency_seconds"])
	assert.Equal(t, uint64(1), counts["batchops_batch_operation_start_execute_latency_seconds"], "markers are consumed")
	assert.Equal(t, 5.0, sums["batchops_batch_operation_total_execution_latency_seconds"])
}
