package batchop

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"batchops/pkg/protocol"
	"batchops/pkg/search"
	"batchops/pkg/state"
)

type schedulerHarness struct {
	s       *Scheduler
	src     *fakeItemSource
	pending *fakePending
	tasks   *fakeTasks
	metrics *recordingMetrics
}

func newSchedulerHarness(t *testing.T, items int) *schedulerHarness {
	t.Helper()
	h := &schedulerHarness{
		src:     newFakeItemSource(items),
		pending: &fakePending{},
		tasks:   &fakeTasks{},
		metrics: &recordingMetrics{},
	}
	cfg := Config{
		SchedulerInterval:       time.Second,
		ChunkSize:               50,
		QueryPageSize:           100,
		QueryRetryMax:           3,
		QueryRetryInitialDelay:  100 * time.Millisecond,
		QueryRetryMaxDelay:      time.Second,
		QueryRetryBackoffFactor: 2,
	}
	h.s = NewScheduler(1, cfg, h.pending, h.src, h.tasks, h.metrics, zap.NewNop())
	h.s.OnRecovered()
	require.Len(t, h.tasks.queue, 1)
	return h
}

// tick runs the next scheduled tick and returns its builder and the delay
// of the tick scheduled after it.
func (h *schedulerHarness) tick(t *testing.T) (*fakeResultBuilder, time.Duration) {
	t.Helper()
	rb := newFakeResultBuilder(1000)
	h.tasks.runNext(rb)
	require.Len(t, h.tasks.queue, 1, "every tick schedules exactly one follow up")
	return rb, h.tasks.queue[0].delay
}

func TestSchedulerIdleTick(t *testing.T) {
	h := newSchedulerHarness(t, 0)

	rb, next := h.tick(t)
	assert.Empty(t, rb.records)
	assert.Equal(t, time.Second, next)
	assert.Equal(t, []string{RoundIdle}, h.metrics.rounds)
}

func TestSchedulerInitializesPendingOperation(t *testing.T) {
	h := newSchedulerHarness(t, 250)
	op := pendingOp(5)
	h.pending.op = &op

	rb, next := h.tick(t)
	assert.Equal(t, time.Second, next)
	assert.Len(t, rb.chunks(), 5)
	assert.Equal(t, protocol.IntentExecute, rb.last().intent)
	assert.Equal(t, []string{RoundSuccess}, h.metrics.rounds)
}

func TestSchedulerRetriesTransientErrorWithBackoff(t *testing.T) {
	h := newSchedulerHarness(t, 250)
	h.src.failOn[2] = search.Errorf(search.ReasonConnectionFailed, "reset")
	h.src.failOn[3] = search.Errorf(search.ReasonConnectionFailed, "reset")
	op := pendingOp(5)
	h.pending.op = &op

	rb, next := h.tick(t)
	assert.Equal(t, 100*time.Millisecond, next)
	assert.Equal(t, []protocol.Intent{
		protocol.IntentCreateChunk, protocol.IntentCreateChunk, protocol.IntentInitialize,
	}, rb.intents())
	finished, failed := applyTo(&op, rb.records)
	require.False(t, finished)
	require.False(t, failed)
	assert.Equal(t, "100", op.InitializationSearchCursor)

	rb, next = h.tick(t)
	assert.Empty(t, rb.records)
	assert.Equal(t, 200*time.Millisecond, next, "backoff escalates")

	rb, next = h.tick(t)
	assert.Equal(t, time.Second, next)
	assert.Len(t, rb.chunks(), 3)
	assert.Equal(t, protocol.IntentExecute, rb.last().intent)
	assert.Equal(t, []fetchCall{{"", 100}, {"100", 100}, {"100", 100}, {"100", 100}, {"200", 100}}, h.src.calls)
	assert.Equal(t, []string{RoundRetry, RoundRetry, RoundSuccess}, h.metrics.rounds)
	assert.Equal(t, &loopState{key: 5, cursor: "250"}, h.s.tracked, "success resets attempts")
}

func TestSchedulerFailsImmediatelyOnFatalReason(t *testing.T) {
	h := newSchedulerHarness(t, 250)
	h.src.failOn[1] = search.Errorf(search.ReasonNotFound, "process definition gone")
	op := pendingOp(5)
	h.pending.op = &op

	rb, next := h.tick(t)
	assert.Equal(t, time.Second, next, "no backoff")
	require.Len(t, rb.records, 1)
	fail := rb.records[0]
	assert.Equal(t, protocol.IntentFail, fail.intent)
	rec := fail.value.(*protocol.PartitionLifecycleRecord)
	assert.Equal(t, protocol.ErrorTypeQueryFailed, rec.Error.Type)
	assert.Equal(t, 1, rec.Error.PartitionID)
	assert.Contains(t, rec.Error.Message, "process definition gone")
	assert.LessOrEqual(t, len(rec.Error.Message), maxFailureMessageLength)
	assert.Len(t, h.src.calls, 1)
	assert.Nil(t, h.s.tracked)
}

func TestSchedulerFailsWhenRetriesExhausted(t *testing.T) {
	h := newSchedulerHarness(t, 10)
	for i := 1; i <= 10; i++ {
		h.src.failOn[i] = search.Errorf(search.ReasonConnectionFailed, "down")
	}
	op := pendingOp(5)
	h.pending.op = &op

	var delays []time.Duration
	var rb *fakeResultBuilder
	for i := 0; i < 4; i++ {
		var next time.Duration
		rb, next = h.tick(t)
		delays = append(delays, next)
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, time.Second,
	}, delays)
	require.Len(t, rb.records, 1)
	assert.Equal(t, protocol.IntentFail, rb.records[0].intent)
	assert.Equal(t, []string{RoundRetry, RoundRetry, RoundRetry, RoundFailure}, h.metrics.rounds)
}

func TestSchedulerSuspendedOperationIsNoop(t *testing.T) {
	h := newSchedulerHarness(t, 250)
	op := pendingOp(5)
	op.Status = state.StatusSuspended
	op.InitializationSearchCursor = "100"
	h.pending.op = &op

	rb, next := h.tick(t)
	assert.Empty(t, rb.records)
	assert.Empty(t, h.src.calls)
	assert.Equal(t, time.Second, next)
	assert.Equal(t, "100", h.s.tracked.cursor)
}

// The guard skips a round when the tracked cursor of the same operation is
// at attempt 0 and differs from the persisted cursor. This pins the current
// behavior, including that it skips exactly when progress differs.
func TestSchedulerReInitializationGuard(t *testing.T) {
	tests := []struct {
		name      string
		tracked   *loopState
		persisted string
		wantRun   bool
	}{
		{"nothing tracked", nil, "10", true},
		{"same cursor", &loopState{key: 5, cursor: "10"}, "10", true},
		{"cursor differs at attempt 0", &loopState{key: 5, cursor: "20"}, "10", false},
		{"cursor differs while retrying", &loopState{key: 5, cursor: "20", attempts: 1}, "10", true},
		{"other operation tracked", &loopState{key: 4, cursor: "20"}, "10", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newSchedulerHarness(t, 250)
			op := pendingOp(5)
			op.InitializationSearchCursor = tt.persisted
			h.pending.op = &op
			h.s.tracked = tt.tracked

			rb, next := h.tick(t)
			assert.Equal(t, time.Second, next)
			if tt.wantRun {
				assert.NotEmpty(t, h.src.calls)
				assert.NotEmpty(t, rb.records)
				return
			}
			assert.Empty(t, h.src.calls)
			assert.Empty(t, rb.records)
			assert.Equal(t, []string{RoundSkipped}, h.metrics.rounds)
		})
	}
}

func TestSchedulerSkipsDuplicateScheduleWhileExecuting(t *testing.T) {
	h := newSchedulerHarness(t, 0)
	h.pending.onFetch = func() {
		h.s.scheduleExecution(0)
	}

	h.tick(t)
	assert.Len(t, h.tasks.queue, 1)
}

func TestSchedulerStopsWhilePaused(t *testing.T) {
	h := newSchedulerHarness(t, 0)

	h.s.OnPaused()
	h.tasks.runNext(newFakeResultBuilder(10))
	assert.Empty(t, h.tasks.queue)

	h.s.OnResumed()
	require.Len(t, h.tasks.queue, 1)
	h.tick(t)
	assert.Equal(t, []string{RoundIdle}, h.metrics.rounds)
}

func TestSchedulerDiscardsTicksOfPreviousLoop(t *testing.T) {
	h := newSchedulerHarness(t, 0)

	h.s.OnPaused()
	h.s.OnResumed()
	require.Len(t, h.tasks.queue, 2)

	h.tasks.runNext(newFakeResultBuilder(10))
	assert.Empty(t, h.metrics.rounds)
	require.Len(t, h.tasks.queue, 1)
	h.tick(t)
	assert.Equal(t, []string{RoundIdle}, h.metrics.rounds)
}

func TestFailureMessageIsBounded(t *testing.T) {
	msg := failureMessage(&InitializationError{EndCursor: "x", cause: search.Errorf(search.ReasonUnknown, "%s", strings.Repeat("é", 2000))})
	assert.LessOrEqual(t, len(msg), maxFailureMessageLength)
	assert.True(t, strings.HasPrefix(msg, "failed to initialize batch operation"))
}
