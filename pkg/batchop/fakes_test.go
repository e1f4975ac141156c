package batchop

import (
	"context"
	"strconv"
	"time"

	"batchops/pkg/protocol"
	"batchops/pkg/search"
	"batchops/pkg/state"
	"batchops/pkg/stream"
)

// appended is one command captured by fakeResultBuilder.
type appended struct {
	key    int64
	intent protocol.Intent
	value  protocol.RecordValue
	md     protocol.Metadata
}

// fakeResultBuilder limits an append by record count instead of bytes.
type fakeResultBuilder struct {
	capacity int
	records  []appended
}

func newFakeResultBuilder(capacity int) *fakeResultBuilder {
	return &fakeResultBuilder{capacity: capacity}
}

func (b *fakeResultBuilder) CanAppendRecords(values []protocol.RecordValue, _ protocol.Metadata) bool {
	return len(b.records)+len(values) <= b.capacity
}

func (b *fakeResultBuilder) AppendCommandRecord(key int64, intent protocol.Intent, value protocol.RecordValue, md protocol.Metadata) bool {
	if len(b.records) >= b.capacity {
		return false
	}
	b.records = append(b.records, appended{key: key, intent: intent, value: value, md: md})
	return true
}

func (b *fakeResultBuilder) intents() []protocol.Intent {
	out := make([]protocol.Intent, len(b.records))
	for i, r := range b.records {
		out[i] = r.intent
	}
	return out
}

func (b *fakeResultBuilder) chunks() [][]protocol.Item {
	var out [][]protocol.Item
	for _, r := range b.records {
		if c, ok := r.value.(*protocol.ChunkRecord); ok {
			out = append(out, c.Items)
		}
	}
	return out
}

func (b *fakeResultBuilder) last() appended {
	return b.records[len(b.records)-1]
}

type fetchCall struct {
	cursor   string
	pageSize int
}

// fakeItemSource serves items by index; the cursor is the index after the
// last returned item. failOn maps a 1-based fetch call number to an error.
type fakeItemSource struct {
	items  []protocol.Item
	failOn map[int]error
	calls  []fetchCall
}

func newFakeItemSource(n int) *fakeItemSource {
	items := make([]protocol.Item, n)
	for i := range items {
		items[i] = protocol.Item{ItemKey: int64(i + 1), ProcessInstanceKey: int64(i + 1)}
	}
	return &fakeItemSource{items: items, failOn: map[int]error{}}
}

func (s *fakeItemSource) FetchItemPage(_ context.Context, cursor string, pageSize int) (search.ItemPage, error) {
	s.calls = append(s.calls, fetchCall{cursor: cursor, pageSize: pageSize})
	if err, ok := s.failOn[len(s.calls)]; ok {
		return search.ItemPage{}, err
	}
	start := 0
	if cursor != "" {
		v, err := strconv.Atoi(cursor)
		if err != nil {
			return search.ItemPage{}, search.Errorf(search.ReasonInvalidArgument, "bad cursor %q", cursor)
		}
		start = v
	}
	end := start + pageSize
	if end > len(s.items) {
		end = len(s.items)
	}
	return search.ItemPage{
		Items:      append([]protocol.Item(nil), s.items[start:end]...),
		EndCursor:  strconv.Itoa(end),
		IsLastPage: end >= len(s.items),
	}, nil
}

func (s *fakeItemSource) ItemProvider(protocol.BatchOperationType, protocol.Filter) search.ItemProvider {
	return s
}

func (s *fakeItemSource) pageSizes() []int {
	out := make([]int, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.pageSize
	}
	return out
}

// fakePending returns op while it is set.
type fakePending struct {
	op      *state.PersistedBatchOperation
	onFetch func()
}

func (p *fakePending) NextPendingBatchOperation() (state.PersistedBatchOperation, bool, error) {
	if p.onFetch != nil {
		p.onFetch()
	}
	if p.op == nil {
		return state.PersistedBatchOperation{}, false, nil
	}
	return *p.op, true, nil
}

type delayedTask struct {
	delay time.Duration
	task  stream.Task
}

// fakeTasks queues delayed tasks until the test runs them.
type fakeTasks struct {
	queue []delayedTask
}

func (t *fakeTasks) RunDelayed(delay time.Duration, task stream.Task) {
	t.queue = append(t.queue, delayedTask{delay: delay, task: task})
}

// runNext pops the oldest task and runs it against rb, returning the delay
// it was scheduled with.
func (t *fakeTasks) runNext(rb stream.ResultBuilder) time.Duration {
	next := t.queue[0]
	t.queue = t.queue[1:]
	next.task(context.Background(), rb)
	return next.delay
}

// applyTo folds the captured commands into op the way partition state
// would, returning whether initialization finished or failed.
func applyTo(op *state.PersistedBatchOperation, records []appended) (finished, failed bool) {
	for _, r := range records {
		switch v := r.value.(type) {
		case *protocol.InitializationRecord:
			if r.intent == protocol.IntentFinishInitialization {
				op.InitializationSearchCursor = ""
				op.InitializationSearchQueryPageSize = 0
				finished = true
				continue
			}
			op.InitializationSearchCursor = v.SearchResultCursor
			op.InitializationSearchQueryPageSize = v.SearchQueryPageSize
		case *protocol.ChunkRecord:
			op.NumTotalItems += int64(len(v.Items))
		case *protocol.PartitionLifecycleRecord:
			failed = true
		}
	}
	return finished, failed
}

type recordingMetrics struct {
	NoopMetrics
	items       int64
	initialized int
	rounds      []string
}

func (m *recordingMetrics) RecordItemsPerPartition(count int64, _ protocol.BatchOperationType) {
	m.items = count
}

func (m *recordingMetrics) RecordInitialized(protocol.BatchOperationType) { m.initialized++ }

func (m *recordingMetrics) RecordRound(outcome string) { m.rounds = append(m.rounds, outcome) }

func pendingOp(key int64) state.PersistedBatchOperation {
	return state.PersistedBatchOperation{
		Key:    key,
		Type:   protocol.CancelProcessInstance,
		Status: state.StatusPending,
	}
}
