package batchop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchops/pkg/protocol"
	"batchops/pkg/search"
	"batchops/pkg/state"
	"batchops/pkg/stream"
)

func itemPage(n int, last bool) search.ItemPage {
	items := make([]protocol.Item, n)
	for i := range items {
		items[i] = protocol.Item{ItemKey: int64(i + 1), ProcessInstanceKey: int64(i + 1)}
	}
	return search.ItemPage{Items: items, EndCursor: "end", IsLastPage: last}
}

func TestProcessPageSplitsIntoChunks(t *testing.T) {
	tests := []struct {
		items     int
		chunkSize int
		want      []int
	}{
		{0, 10, nil},
		{1, 10, []int{1}},
		{10, 10, []int{10}},
		{25, 10, []int{10, 10, 5}},
		{3, 1, []int{1, 1, 1}},
	}
	for _, tt := range tests {
		rb := newFakeResultBuilder(100)
		res := NewPageProcessor(tt.chunkSize).ProcessPage(rb, 4, itemPage(tt.items, true))

		assert.True(t, res.ChunksAppended)
		assert.Equal(t, "end", res.EndCursor)
		assert.Equal(t, int64(tt.items), res.ItemsProcessed)
		assert.True(t, res.IsLastPage)

		var sizes []int
		for _, c := range rb.chunks() {
			sizes = append(sizes, len(c))
		}
		assert.Equal(t, tt.want, sizes, "%d items / chunk size %d", tt.items, tt.chunkSize)
	}
}

func TestProcessPageReservesRoomForFollowUps(t *testing.T) {
	page := itemPage(20, false)

	// measure what the chunks alone cost
	probe := stream.NewResultBuilder(1 << 20)
	require.True(t, NewPageProcessor(10).ProcessPage(probe, 4, page).ChunksAppended)
	chunksOnly := probe.Size()

	rb := stream.NewResultBuilder(chunksOnly + stream.RecordFrameOverhead)
	res := NewPageProcessor(10).ProcessPage(rb, 4, page)
	assert.False(t, res.ChunksAppended)
	assert.Empty(t, rb.Records())

	rb = stream.NewResultBuilder(1 << 20)
	res = NewPageProcessor(10).ProcessPage(rb, 4, page)
	require.True(t, res.ChunksAppended)
	require.Len(t, rb.Records(), 2)
	for _, r := range rb.Records() {
		assert.Equal(t, protocol.IntentCreateChunk, r.Intent)
		assert.Equal(t, int64(4), r.Metadata.BatchOperationReference)
	}

	// the reserved room is enough for the follow up commands
	cmds := NewCommandBuilder(1)
	assert.True(t, cmds.AppendFinishInitialization(rb, 4))
	assert.True(t, cmds.AppendExecute(rb, 4))
}

func TestInitializationContextTransitions(t *testing.T) {
	op := state.PersistedBatchOperation{Key: 1, InitializationSearchCursor: "c0"}
	ic := newInitializationContext(op, 64)
	assert.Equal(t, InitializationContext{Operation: op, Cursor: "c0", PageSize: 64}, ic)

	shrunk := ic.withReducedPageSize()
	assert.Equal(t, 32, shrunk.PageSize)
	assert.Equal(t, 64, ic.PageSize, "transitions copy")

	one := InitializationContext{PageSize: 1}.withReducedPageSize()
	assert.Equal(t, 1, one.PageSize)

	next := shrunk.withNextPage("c1", 32, 64)
	assert.Equal(t, "c1", next.Cursor)
	assert.Equal(t, 64, next.PageSize)
	assert.Equal(t, int64(32), next.ItemsProcessed)
	assert.True(t, next.AppendedChunks)
	assert.Equal(t, int64(64), next.withNextPage("c2", 32, 64).ItemsProcessed)
}
