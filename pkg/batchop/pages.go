package batchop

import (
	"strings"

	"batchops/pkg/protocol"
	"batchops/pkg/search"
	"batchops/pkg/stream"
)

// maxCursorLength bounds the size of a cursor the capacity check reserves
// room for.
const maxCursorLength = 1024

// Stand-ins for the Execute and continuation Initialize commands that may
// have to follow the chunks of a page in the same append.
var (
	emptyExecutionRecord      = &protocol.ExecutionRecord{BatchOperationKey: -1}
	emptyInitializationRecord = &protocol.InitializationRecord{
		BatchOperationKey:   -1,
		SearchResultCursor:  strings.Repeat("0", maxCursorLength),
		SearchQueryPageSize: 0,
	}
)

// PageResult describes what ProcessPage did with one page.
type PageResult struct {
	ChunksAppended bool
	EndCursor      string
	ItemsProcessed int64
	IsLastPage     bool
}

// PageProcessor turns a page of items into chunk commands.
type PageProcessor struct {
	chunkSize int
}

func NewPageProcessor(chunkSize int) PageProcessor {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	return PageProcessor{chunkSize: chunkSize}
}

// ProcessPage appends one chunk command per chunkSize items of page, in
// page order. Nothing is appended unless all chunks and the follow up
// commands fit into the current append.
func (p PageProcessor) ProcessPage(rb stream.ResultBuilder, key int64, page search.ItemPage) PageResult {
	chunks := p.split(key, page.Items)

	values := make([]protocol.RecordValue, 0, len(chunks)+2)
	for _, c := range chunks {
		values = append(values, c)
	}
	values = append(values, emptyExecutionRecord, emptyInitializationRecord)

	result := PageResult{
		EndCursor:      page.EndCursor,
		ItemsProcessed: int64(len(page.Items)),
		IsLastPage:     page.IsLastPage,
	}
	if !rb.CanAppendRecords(values, metadata(key)) {
		return result
	}
	for _, c := range chunks {
		if !rb.AppendCommandRecord(key, protocol.IntentCreateChunk, c, metadata(key)) {
			// the capacity check above covers every chunk
			return result
		}
	}
	result.ChunksAppended = true
	return result
}

func (p PageProcessor) split(key int64, items []protocol.Item) []*protocol.ChunkRecord {
	chunks := make([]*protocol.ChunkRecord, 0, (len(items)+p.chunkSize-1)/p.chunkSize)
	for start := 0; start < len(items); start += p.chunkSize {
		end := start + p.chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, &protocol.ChunkRecord{
			BatchOperationKey: key,
			Items:             items[start:end],
		})
	}
	return chunks
}
