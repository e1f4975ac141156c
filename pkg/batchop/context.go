package batchop

import "batchops/pkg/state"

// InitializationContext is the progress of one initialization round. It is
// a value; every step returns an advanced copy.
type InitializationContext struct {
	Operation      state.PersistedBatchOperation
	Cursor         string
	PageSize       int
	ItemsProcessed int64
	AppendedChunks bool
}

func newInitializationContext(op state.PersistedBatchOperation, defaultPageSize int) InitializationContext {
	pageSize := op.InitializationSearchQueryPageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return InitializationContext{
		Operation: op,
		Cursor:    op.InitializationSearchCursor,
		PageSize:  pageSize,
	}
}

func (c InitializationContext) withNextPage(endCursor string, itemsProcessed int64, defaultPageSize int) InitializationContext {
	c.Cursor = endCursor
	c.ItemsProcessed += itemsProcessed
	c.AppendedChunks = true
	c.PageSize = defaultPageSize
	return c
}

// withReducedPageSize halves the page size, never going below 1.
func (c InitializationContext) withReducedPageSize() InitializationContext {
	c.PageSize /= 2
	if c.PageSize < 1 {
		c.PageSize = 1
	}
	return c
}
