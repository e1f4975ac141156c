package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"batchops/pkg/protocol"
)

type memApplier struct {
	mu      sync.Mutex
	applied []protocol.Record
	last    uint64
	reject  map[int64]bool
}

func (a *memApplier) Apply(r protocol.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = r.Position
	if a.reject[r.Key] {
		return errors.Wrapf(protocol.ErrRejected, "key %d", r.Key)
	}
	a.applied = append(a.applied, r)
	return nil
}

func (a *memApplier) LastAppliedPosition() (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, nil
}

func (a *memApplier) keys() []int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int64
	for _, r := range a.applied {
		out = append(out, r.Key)
	}
	return out
}

type countingListener struct {
	mu                                 sync.Mutex
	recovered, paused, resumed, closed int
}

func (l *countingListener) OnRecovered() { l.mu.Lock(); l.recovered++; l.mu.Unlock() }
func (l *countingListener) OnPaused()    { l.mu.Lock(); l.paused++; l.mu.Unlock() }
func (l *countingListener) OnResumed()   { l.mu.Lock(); l.resumed++; l.mu.Unlock() }
func (l *countingListener) OnClose()     { l.mu.Lock(); l.closed++; l.mu.Unlock() }

func appendExec(key int64) func(b ResultBuilder) error {
	return func(b ResultBuilder) error {
		b.AppendCommandRecord(key, protocol.IntentExecute, &protocol.ExecutionRecord{BatchOperationKey: key}, protocol.Metadata{})
		return nil
	}
}

func TestProcessorReplaysUnappliedRecords(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()
	_, err := l.Append([]protocol.Record{execRecord(t, 1), execRecord(t, 2), execRecord(t, 3)})
	require.NoError(t, err)

	a := &memApplier{last: 1}
	lst := &countingListener{}
	p := NewProcessor(3, l, a, ProcessorOptions{Logger: zap.NewNop()})
	p.AddListener(lst)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	assert.Equal(t, []int64{2, 3}, a.keys())
	assert.Equal(t, 1, lst.recovered)
	assert.Error(t, p.Start(context.Background()), "second start")
}

func TestProcessorSubmitWritesAndApplies(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()
	a := &memApplier{reject: map[int64]bool{7: true}}
	p := NewProcessor(3, l, a, ProcessorOptions{})
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	written, err := p.Submit(context.Background(), appendExec(5))
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, uint64(1), written[0].Position)
	assert.Equal(t, []int64{5}, a.keys())

	_, err = p.Submit(context.Background(), appendExec(7))
	assert.ErrorIs(t, err, protocol.ErrRejected)
	last, _ := l.LastIndex()
	assert.Equal(t, uint64(2), last, "rejected commands stay in the log")

	_, err = p.Submit(context.Background(), func(ResultBuilder) error { return errors.New("boom") })
	assert.EqualError(t, err, "boom")
	last, _ = l.LastIndex()
	assert.Equal(t, uint64(2), last)
}

func TestProcessorRunDelayed(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()
	a := &memApplier{}
	p := NewProcessor(3, l, a, ProcessorOptions{})
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	done := make(chan struct{})
	p.RunDelayed(10*time.Millisecond, func(_ context.Context, b ResultBuilder) {
		_ = appendExec(9)(b)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed task did not run")
	}
	assert.Eventually(t, func() bool { return len(a.keys()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestProcessorDropsScheduledTasksWhilePaused(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()
	lst := &countingListener{}
	p := NewProcessor(3, l, &memApplier{}, ProcessorOptions{})
	p.AddListener(lst)
	require.NoError(t, p.Start(context.Background()))
	defer p.Close()

	p.Pause()
	p.Pause()
	assert.True(t, p.Paused())
	assert.Equal(t, 1, lst.paused)

	ran := make(chan struct{}, 1)
	p.RunDelayed(0, func(context.Context, ResultBuilder) { ran <- struct{}{} })

	// a submit queued after the timer fired proves the worker got past it
	time.Sleep(20 * time.Millisecond)
	_, err := p.Submit(context.Background(), appendExec(1))
	require.NoError(t, err)
	assert.Empty(t, ran)

	p.Resume()
	assert.False(t, p.Paused())
	assert.Equal(t, 1, lst.resumed)
}

func TestProcessorCloseNotifiesListeners(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()
	lst := &countingListener{}
	p := NewProcessor(3, l, &memApplier{}, ProcessorOptions{})
	p.AddListener(lst)
	require.NoError(t, p.Start(context.Background()))

	p.RunDelayed(time.Hour, func(context.Context, ResultBuilder) {})
	p.Close()
	p.Close()
	assert.Equal(t, 1, lst.closed)

	_, err := p.Submit(context.Background(), appendExec(1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestResultBuilderRespectsMaxSize(t *testing.T) {
	v := &protocol.ExecutionRecord{BatchOperationKey: 1}
	one, err := recordSize(v)
	require.NoError(t, err)

	b := NewResultBuilder(2*one + 1)
	assert.True(t, b.CanAppendRecords([]protocol.RecordValue{v, v}, protocol.Metadata{}))
	assert.False(t, b.CanAppendRecords([]protocol.RecordValue{v, v, v}, protocol.Metadata{}))

	assert.True(t, b.AppendCommandRecord(1, protocol.IntentExecute, v, protocol.Metadata{}))
	assert.True(t, b.AppendCommandRecord(1, protocol.IntentExecute, v, protocol.Metadata{}))
	assert.False(t, b.AppendCommandRecord(1, protocol.IntentExecute, v, protocol.Metadata{}))
	assert.Len(t, b.Records(), 2)
	assert.Equal(t, 2*one, b.Size())
	assert.NoError(t, b.Err())

	assert.False(t, b.AppendCommandRecord(1, protocol.Intent("BOGUS"), v, protocol.Metadata{}))
	assert.Error(t, b.Err())
}
