package search

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"batchops/pkg/protocol"
)

const (
	prefixProcessInstance = "pi/"
	prefixIncident        = "inc/"

	ctxCheckEvery = 256
)

// ProcessInstance is the indexed projection of a process instance.
type ProcessInstance struct {
	Key                  int64  `json:"key"`
	BpmnProcessID        string `json:"bpmnProcessId"`
	ProcessDefinitionKey int64  `json:"processDefinitionKey"`
	State                string `json:"state"`
	TenantID             string `json:"tenantId"`
}

// Incident is the indexed projection of an incident.
type Incident struct {
	Key                  int64  `json:"key"`
	ProcessInstanceKey   int64  `json:"processInstanceKey"`
	BpmnProcessID        string `json:"bpmnProcessId"`
	ProcessDefinitionKey int64  `json:"processDefinitionKey"`
	State                string `json:"state"`
	TenantID             string `json:"tenantId"`
}

// Index is the secondary storage batch operations query their items from.
// It is shared by all partitions.
type Index struct {
	mu     sync.RWMutex
	db     *pebble.DB
	closed bool
}

func OpenIndex(path string) (*Index, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "open pebble index")
	}
	return &Index{db: db}, nil
}

func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil
	}
	x.closed = true
	return x.db.Close()
}

func (x *Index) PutProcessInstances(pis ...ProcessInstance) error {
	return x.put(func(b *pebble.Batch) error {
		for _, pi := range pis {
			if err := setJSON(b, entityKey(prefixProcessInstance, pi.Key), pi); err != nil {
				return err
			}
		}
		return nil
	})
}

func (x *Index) PutIncidents(incs ...Incident) error {
	return x.put(func(b *pebble.Batch) error {
		for _, inc := range incs {
			if err := setJSON(b, entityKey(prefixIncident, inc.Key), inc); err != nil {
				return err
			}
		}
		return nil
	})
}

func (x *Index) put(fn func(b *pebble.Batch) error) error {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return NewError(ReasonConnectionFailed, errors.New("index closed"))
	}
	b := x.db.NewBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

// scan visits entries of one entity prefix with a key greater than the
// cursor until visit asks to stop. It returns the key of the last visited
// entry and whether the prefix was exhausted.
func (x *Index) scan(ctx context.Context, prefix, cursor string, visit func(key int64, value []byte) (bool, error)) (string, bool, error) {
	after, err := parseCursor(cursor)
	if err != nil {
		return "", false, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return "", false, NewError(ReasonConnectionFailed, errors.New("index closed"))
	}

	iter, err := x.db.NewIter(&pebble.IterOptions{
		LowerBound: entityKey(prefix, after+1),
		UpperBound: []byte(prefix[:len(prefix)-1] + string(prefix[len(prefix)-1]+1)),
	})
	if err != nil {
		return "", false, NewError(ReasonConnectionFailed, err)
	}
	defer iter.Close()

	last := cursor
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if n++; n%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return "", false, NewError(ReasonConnectionFailed, err)
			}
		}
		key, err := strconv.ParseInt(string(iter.Key()[len(prefix):]), 10, 64)
		if err != nil {
			return "", false, NewError(ReasonUnknown, err)
		}
		last = strconv.FormatInt(key, 10)
		more, err := visit(key, iter.Value())
		if err != nil {
			return "", false, err
		}
		if !more {
			iter.Next()
			return last, !iter.Valid(), iterError(iter)
		}
	}
	return last, true, iterError(iter)
}

func iterError(iter *pebble.Iterator) error {
	if err := iter.Error(); err != nil {
		return NewError(ReasonConnectionFailed, err)
	}
	return nil
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || v < 0 {
		return 0, Errorf(ReasonInvalidArgument, "invalid search cursor %q", cursor)
	}
	return v, nil
}

func entityKey(prefix string, key int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix, key))
}

func setJSON(b *pebble.Batch, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

func matches(f protocol.Filter, piKey int64, bpmnProcessID string, defKey int64, state, tenant string) bool {
	if len(f.ProcessInstanceKeys) > 0 {
		found := false
		for _, k := range f.ProcessInstanceKeys {
			if k == piKey {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.BpmnProcessID != "" && f.BpmnProcessID != bpmnProcessID {
		return false
	}
	if f.ProcessDefinitionKey != 0 && f.ProcessDefinitionKey != defKey {
		return false
	}
	if f.State != "" && f.State != state {
		return false
	}
	if f.TenantID != "" && f.TenantID != tenant {
		return false
	}
	return true
}
