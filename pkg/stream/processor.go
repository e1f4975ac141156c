package stream

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"batchops/pkg/protocol"
)

// Task is a unit of work run on the partition's single worker. Records
// appended to the builder are written and applied after the task returns.
type Task func(ctx context.Context, result ResultBuilder)

// Applier folds written records into partition state.
type Applier interface {
	Apply(r protocol.Record) error
	LastAppliedPosition() (uint64, error)
}

// LifecycleListener is notified about processing phase changes. Callbacks
// must not block.
type LifecycleListener interface {
	OnRecovered()
	OnPaused()
	OnResumed()
	OnClose()
}

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	MaxAppendSize int
	QueueCapacity int
	Logger        *zap.Logger
}

type job struct {
	run       func(ctx context.Context, b *BufferedResultBuilder) error
	scheduled bool
	reply     chan submitResult
}

type submitResult struct {
	records []protocol.Record
	err     error
}

// Processor is the strictly ordered, single-worker task queue of one
// partition. Scheduled tasks and submitted commands share the worker, so no
// two of them ever run concurrently and their records are totally ordered
// in the log.
type Processor struct {
	partition int
	log       *Log
	applier   Applier
	opts      ProcessorOptions
	logger    *zap.Logger

	jobs   chan job
	done   chan struct{}
	wg     sync.WaitGroup
	paused atomic.Bool

	mu        sync.Mutex
	timers    map[*time.Timer]struct{}
	listeners []LifecycleListener
	started   bool
	closed    bool
}

func NewProcessor(partition int, log *Log, applier Applier, opts ProcessorOptions) *Processor {
	if opts.MaxAppendSize <= 0 {
		opts.MaxAppendSize = 4 * 1024 * 1024
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	lg := opts.Logger
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Processor{
		partition: partition,
		log:       log,
		applier:   applier,
		opts:      opts,
		logger:    lg.With(zap.String("component", "stream_processor"), zap.Int("partition", partition)),
		jobs:      make(chan job, opts.QueueCapacity),
		done:      make(chan struct{}),
		timers:    make(map[*time.Timer]struct{}),
	}
}

// PartitionID returns the partition this processor serves.
func (p *Processor) PartitionID() int { return p.partition }

// AddListener registers l. Listeners must be added before Start.
func (p *Processor) AddListener(l LifecycleListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Start replays every record after the last applied position, starts the
// worker and notifies listeners that processing has recovered.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return errors.New("processor already started")
	}
	p.started = true
	p.mu.Unlock()

	replayed, err := p.replay()
	if err != nil {
		return err
	}
	p.logger.Info("replay_complete", zap.Int("records", replayed))

	p.wg.Add(1)
	go p.runWorker(ctx)

	for _, l := range p.snapshotListeners() {
		l.OnRecovered()
	}
	return nil
}

func (p *Processor) replay() (int, error) {
	from, err := p.applier.LastAppliedPosition()
	if err != nil {
		return 0, errors.Wrap(err, "read last applied position")
	}
	n := 0
	err = p.log.Scan(from, func(r protocol.Record) error {
		if err := p.applier.Apply(r); err != nil && !errors.Is(err, protocol.ErrRejected) {
			return errors.Wrapf(err, "replay record %d", r.Position)
		}
		n++
		return nil
	})
	return n, err
}

// RunDelayed runs task on the worker once delay has elapsed. Tasks that
// become due while the processor is paused are dropped.
func (p *Processor) RunDelayed(delay time.Duration, task Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		p.mu.Lock()
		delete(p.timers, t)
		p.mu.Unlock()
		p.enqueue(job{
			scheduled: true,
			run: func(ctx context.Context, b *BufferedResultBuilder) error {
				task(ctx, b)
				return nil
			},
		})
	})
	p.timers[t] = struct{}{}
}

// Submit runs fn on the worker and waits until its records are written and
// applied. The returned error is the first rejection, if any.
func (p *Processor) Submit(ctx context.Context, fn func(b ResultBuilder) error) ([]protocol.Record, error) {
	reply := make(chan submitResult, 1)
	j := job{
		reply: reply,
		run: func(_ context.Context, b *BufferedResultBuilder) error {
			return fn(b)
		},
	}
	select {
	case p.jobs <- j:
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.records, res.err
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Processor) enqueue(j job) {
	select {
	case p.jobs <- j:
	case <-p.done:
	}
}

func (p *Processor) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case j := <-p.jobs:
			p.runJob(ctx, j)
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) runJob(ctx context.Context, j job) {
	if j.scheduled && p.paused.Load() {
		p.logger.Debug("scheduled_task_dropped")
		return
	}
	b := NewResultBuilder(p.opts.MaxAppendSize)
	err := j.run(ctx, b)
	if err == nil {
		err = b.Err()
	}
	var written []protocol.Record
	if err == nil {
		written, err = p.commit(b.Records())
	}
	if j.reply != nil {
		j.reply <- submitResult{records: written, err: err}
	}
}

func (p *Processor) commit(records []protocol.Record) ([]protocol.Record, error) {
	if len(records) == 0 {
		return nil, nil
	}
	written, err := p.log.Append(records)
	if err != nil {
		p.logger.Error("log_append_failed", zap.Error(err))
		return nil, err
	}
	var rejection error
	for _, r := range written {
		err := p.applier.Apply(r)
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrRejected):
			p.logger.Warn("command_rejected",
				zap.Uint64("position", r.Position),
				zap.Int64("key", r.Key),
				zap.String("intent", string(r.Intent)),
				zap.Error(err))
			if rejection == nil {
				rejection = err
			}
		default:
			p.logger.Error("apply_failed", zap.Uint64("position", r.Position), zap.Error(err))
			p.Pause()
			return written, err
		}
	}
	return written, rejection
}

// Pause stops running scheduled tasks until Resume. Submitted commands are
// still processed.
func (p *Processor) Pause() {
	if !p.paused.CompareAndSwap(false, true) {
		return
	}
	p.logger.Info("processing_paused")
	for _, l := range p.snapshotListeners() {
		l.OnPaused()
	}
}

func (p *Processor) Resume() {
	if !p.paused.CompareAndSwap(true, false) {
		return
	}
	p.logger.Info("processing_resumed")
	for _, l := range p.snapshotListeners() {
		l.OnResumed()
	}
}

// Paused reports whether scheduled tasks are currently dropped.
func (p *Processor) Paused() bool { return p.paused.Load() }

// Close stops pending timers and the worker. It does not close the log.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for t := range p.timers {
		t.Stop()
	}
	p.timers = nil
	listeners := append([]LifecycleListener(nil), p.listeners...)
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	for _, l := range listeners {
		l.OnClose()
	}
}

func (p *Processor) snapshotListeners() []LifecycleListener {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]LifecycleListener(nil), p.listeners...)
}
