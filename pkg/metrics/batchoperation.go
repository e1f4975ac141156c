package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"batchops/pkg/protocol"
)

const namespace = "batchops"

// BatchOperationMetrics holds the batch operation collectors shared by all
// partitions.
type BatchOperationMetrics struct {
	itemsPerPartition     *prometheus.GaugeVec
	initialized           *prometheus.CounterVec
	startExecuteLatency   *prometheus.HistogramVec
	totalExecutionLatency *prometheus.HistogramVec
	schedulerRounds       *prometheus.CounterVec

	logger *zap.Logger
}

func NewBatchOperationMetrics(reg prometheus.Registerer, logger *zap.Logger) *BatchOperationMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	return &BatchOperationMetrics{
		itemsPerPartition: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "batch_operation_items_per_partition",
				Help:      "Number of items enumerated for the last initialized batch operation",
			},
			[]string{"partition", "type"},
		),
		initialized: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_operation_initialized_total",
				Help:      "Batch operations that finished initialization",
			},
			[]string{"partition", "type"},
		),
		startExecuteLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_operation_start_execute_latency_seconds",
				Help:      "Time from finishing initialization until execution started",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"partition"},
		),
		totalExecutionLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_operation_total_execution_latency_seconds",
				Help:      "Time from finishing initialization until the operation completed",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
			},
			[]string{"partition"},
		),
		schedulerRounds: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batch_operation_scheduler_rounds_total",
				Help:      "Scheduler rounds by outcome",
			},
			[]string{"partition", "outcome"},
		),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// ForPartition returns the sink used by one partition's scheduler and state.
func (m *BatchOperationMetrics) ForPartition(partition int) *PartitionMetrics {
	return &PartitionMetrics{
		parent:    m,
		partition: strconv.Itoa(partition),
		startExec: make(map[int64]time.Time),
		totalExec: make(map[int64]time.Time),
		now:       time.Now,
	}
}

// PartitionMetrics records batch operation metrics of one partition,
// including the start markers of latencies stopped later by applied records.
type PartitionMetrics struct {
	parent    *BatchOperationMetrics
	partition string
	now       func() time.Time

	mu        sync.Mutex
	startExec map[int64]time.Time
	totalExec map[int64]time.Time
}

func (p *PartitionMetrics) RecordItemsPerPartition(count int64, opType protocol.BatchOperationType) {
	p.parent.itemsPerPartition.WithLabelValues(p.partition, string(opType)).Set(float64(count))
}

func (p *PartitionMetrics) RecordInitialized(opType protocol.BatchOperationType) {
	p.parent.initialized.WithLabelValues(p.partition, string(opType)).Inc()
}

func (p *PartitionMetrics) StartStartExecuteLatency(key int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startExec[key] = p.now()
}

func (p *PartitionMetrics) StartTotalExecutionLatency(key int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalExec[key] = p.now()
}

func (p *PartitionMetrics) RecordRound(outcome string) {
	p.parent.schedulerRounds.WithLabelValues(p.partition, outcome).Inc()
}

// ExecutionStarted stops the start-execute latency of key.
func (p *PartitionMetrics) ExecutionStarted(key int64) {
	if d, ok := p.stop(p.startExec, key); ok {
		p.parent.startExecuteLatency.WithLabelValues(p.partition).Observe(d.Seconds())
	}
}

// ExecutionCompleted stops the total execution latency of key.
func (p *PartitionMetrics) ExecutionCompleted(key int64) {
	if d, ok := p.stop(p.totalExec, key); ok {
		p.parent.totalExecutionLatency.WithLabelValues(p.partition).Observe(d.Seconds())
	}
}

func (p *PartitionMetrics) stop(markers map[int64]time.Time, key int64) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start, ok := markers[key]
	if !ok {
		// started before a restart or on another node
		p.parent.logger.Debug("latency_marker_missing", zap.String("partition", p.partition), zap.Int64("key", key))
		return 0, false
	}
	delete(markers, key)
	return p.now().Sub(start), true
}
