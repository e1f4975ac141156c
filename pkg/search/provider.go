package search

import (
	"context"
	"encoding/json"

	"batchops/pkg/protocol"
)

// ItemPage is one page of batch operation items.
type ItemPage struct {
	Items      []protocol.Item
	EndCursor  string
	IsLastPage bool
}

// ItemProvider pages through the items of one batch operation.
type ItemProvider interface {
	FetchItemPage(ctx context.Context, cursor string, pageSize int) (ItemPage, error)
}

// ProviderFactory picks the item provider for an operation type.
type ProviderFactory struct {
	index *Index
}

// NewProviderFactory returns a factory over index. A nil index makes every
// provider fail with ReasonSecondaryStorageNotSet.
func NewProviderFactory(index *Index) *ProviderFactory {
	return &ProviderFactory{index: index}
}

func (f *ProviderFactory) ItemProvider(opType protocol.BatchOperationType, filter protocol.Filter) ItemProvider {
	if f.index == nil {
		return unavailableProvider{}
	}
	if opType == protocol.ResolveIncident {
		return &incidentProvider{index: f.index, filter: filter}
	}
	return &processInstanceProvider{index: f.index, filter: filter}
}

type unavailableProvider struct{}

func (unavailableProvider) FetchItemPage(context.Context, string, int) (ItemPage, error) {
	return ItemPage{}, Errorf(ReasonSecondaryStorageNotSet, "no secondary storage configured")
}

type processInstanceProvider struct {
	index  *Index
	filter protocol.Filter
}

func (p *processInstanceProvider) FetchItemPage(ctx context.Context, cursor string, pageSize int) (ItemPage, error) {
	if pageSize < 1 {
		return ItemPage{}, Errorf(ReasonInvalidArgument, "page size must be positive, got %d", pageSize)
	}
	var items []protocol.Item
	end, exhausted, err := p.index.scan(ctx, prefixProcessInstance, cursor, func(key int64, value []byte) (bool, error) {
		var pi ProcessInstance
		if err := json.Unmarshal(value, &pi); err != nil {
			return false, NewError(ReasonUnknown, err)
		}
		if matches(p.filter, pi.Key, pi.BpmnProcessID, pi.ProcessDefinitionKey, pi.State, pi.TenantID) {
			items = append(items, protocol.Item{ItemKey: pi.Key, ProcessInstanceKey: pi.Key})
		}
		return len(items) < pageSize, nil
	})
	if err != nil {
		return ItemPage{}, err
	}
	return ItemPage{Items: items, EndCursor: end, IsLastPage: exhausted}, nil
}

type incidentProvider struct {
	index  *Index
	filter protocol.Filter
}

func (p *incidentProvider) FetchItemPage(ctx context.Context, cursor string, pageSize int) (ItemPage, error) {
	if pageSize < 1 {
		return ItemPage{}, Errorf(ReasonInvalidArgument, "page size must be positive, got %d", pageSize)
	}
	var items []protocol.Item
	end, exhausted, err := p.index.scan(ctx, prefixIncident, cursor, func(key int64, value []byte) (bool, error) {
		var inc Incident
		if err := json.Unmarshal(value, &inc); err != nil {
			return false, NewError(ReasonUnknown, err)
		}
		if matches(p.filter, inc.ProcessInstanceKey, inc.BpmnProcessID, inc.ProcessDefinitionKey, inc.State, inc.TenantID) {
			items = append(items, protocol.Item{ItemKey: inc.Key, ProcessInstanceKey: inc.ProcessInstanceKey})
		}
		return len(items) < pageSize, nil
	})
	if err != nil {
		return ItemPage{}, err
	}
	return ItemPage{Items: items, EndCursor: end, IsLastPage: exhausted}, nil
}
