package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"batchops/pkg/batchop"
	"batchops/pkg/metrics"
	"batchops/pkg/protocol"
	"batchops/pkg/search"
	"batchops/pkg/state"
	"batchops/pkg/stream"
)

// Options configures an Engine.
type Options struct {
	DBPath        string
	Partitions    int
	MaxAppendSize int
	NoSync        bool
	BatchOp       batchop.Config
	Metrics       *metrics.BatchOperationMetrics
	Logger        *zap.Logger
}

// Partition is one independent shard: its log, state, worker and scheduler.
type Partition struct {
	ID        int
	Log       *stream.Log
	State     *state.State
	Processor *stream.Processor
	Scheduler *batchop.Scheduler
}

// Engine owns all partitions and the shared search index.
type Engine struct {
	opts       Options
	index      *search.Index
	partitions map[int]*Partition
	logger     *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) every partition below opts.DBPath. Nothing is
// processed until Start.
func Open(opts Options) (*Engine, error) {
	if opts.Partitions < 1 {
		opts.Partitions = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.DBPath, 0o700); err != nil {
		return nil, errors.Wrap(err, "create data dir")
	}

	e := &Engine{opts: opts, partitions: make(map[int]*Partition), logger: opts.Logger.Named("engine")}
	index, err := search.OpenIndex(filepath.Join(opts.DBPath, "index"))
	if err != nil {
		return nil, err
	}
	e.index = index
	providers := search.NewProviderFactory(index)

	for id := 1; id <= opts.Partitions; id++ {
		p, err := e.openPartition(id, providers)
		if err != nil {
			_ = e.Close()
			return nil, errors.Wrapf(err, "open partition %d", id)
		}
		e.partitions[id] = p
	}
	return e, nil
}

func (e *Engine) openPartition(id int, providers *search.ProviderFactory) (*Partition, error) {
	dir := filepath.Join(e.opts.DBPath, fmt.Sprintf("partition-%d", id))

	var sink batchop.Metrics = batchop.NoopMetrics{}
	stateOpts := state.Options{NoSync: e.opts.NoSync}
	if e.opts.Metrics != nil {
		pm := e.opts.Metrics.ForPartition(id)
		sink = pm
		stateOpts.Observer = pm
	}

	st, err := state.Open(filepath.Join(dir, "state"), id, stateOpts)
	if err != nil {
		return nil, err
	}
	log, err := stream.OpenLog(filepath.Join(dir, "log"), id, &stream.Options{NoSync: e.opts.NoSync})
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	proc := stream.NewProcessor(id, log, st, stream.ProcessorOptions{
		MaxAppendSize: e.opts.MaxAppendSize,
		Logger:        e.opts.Logger,
	})
	sched := batchop.NewScheduler(id, e.opts.BatchOp, st, providers, proc, sink, e.opts.Logger)
	proc.AddListener(sched)

	return &Partition{ID: id, Log: log, State: st, Processor: proc, Scheduler: sched}, nil
}

// Start replays every partition and starts its scheduler.
func (e *Engine) Start(ctx context.Context) error {
	for _, p := range e.Partitions() {
		if err := p.Processor.Start(ctx); err != nil {
			return errors.Wrapf(err, "start partition %d", p.ID)
		}
		last, err := p.Log.LastIndex()
		if err != nil {
			return errors.Wrapf(err, "read log position of partition %d", p.ID)
		}
		e.logger.Info("partition_started", zap.Int("partition", p.ID), zap.Uint64("log_position", last))
	}
	return nil
}

// Close stops processing and closes all storage. It is safe to call on a
// partially opened engine and more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { e.closeErr = e.close() })
	return e.closeErr
}

func (e *Engine) close() error {
	var errs error
	for _, p := range e.Partitions() {
		p.Processor.Close()
		if err := p.Log.Close(); err != nil && !errors.Is(err, stream.ErrClosed) {
			errs = errors.CombineErrors(errs, err)
		}
		if err := p.State.Close(); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if e.index != nil {
		errs = errors.CombineErrors(errs, e.index.Close())
	}
	return errs
}

// Partitions returns all partitions ordered by id.
func (e *Engine) Partitions() []*Partition {
	out := make([]*Partition, 0, len(e.partitions))
	for _, p := range e.partitions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Partition looks up one partition.
func (e *Engine) Partition(id int) (*Partition, bool) {
	p, ok := e.partitions[id]
	return p, ok
}

// Index is the shared item index.
func (e *Engine) Index() *search.Index { return e.index }

// CreateBatchOperation appends a CREATE command on partition p and returns
// the new operation's key.
func (p *Partition) CreateBatchOperation(ctx context.Context, opType protocol.BatchOperationType, filter protocol.Filter) (int64, error) {
	var key int64
	_, err := p.Processor.Submit(ctx, func(b stream.ResultBuilder) error {
		key = p.State.NextKey()
		rec := &protocol.CreationRecord{BatchOperationKey: key, Type: opType, Filter: filter}
		if !b.AppendCommandRecord(key, protocol.IntentCreate, rec, protocol.Metadata{BatchOperationReference: key}) {
			return errors.New("create command exceeds max append size")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return key, nil
}

// Lifecycle appends SUSPEND, RESUME or COMPLETE for an operation.
func (p *Partition) Lifecycle(ctx context.Context, key int64, intent protocol.Intent) error {
	if intent.ValueType() != protocol.ValueTypeLifecycleManagement {
		return errors.Newf("%s is not a lifecycle command", intent)
	}
	_, err := p.Processor.Submit(ctx, func(b stream.ResultBuilder) error {
		if !b.AppendCommandRecord(key, intent, &protocol.LifecycleRecord{BatchOperationKey: key}, protocol.Metadata{BatchOperationReference: key}) {
			return errors.Newf("%s command exceeds max append size", intent)
		}
		return nil
	})
	return err
}
