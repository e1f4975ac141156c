package ctl

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"batchops/pkg/state"
	"batchops/pkg/stream"
)

// PartitionSummary is what inspect reports for one partition directory.
type PartitionSummary struct {
	ID                  int            `json:"id"`
	FirstPosition       uint64         `json:"firstPosition"`
	LastPosition        uint64         `json:"lastPosition"`
	LastAppliedPosition uint64         `json:"lastAppliedPosition"`
	Operations          int            `json:"operations"`
	ByStatus            map[string]int `json:"byStatus"`
	TotalItems          int64          `json:"totalItems"`
}

// inspectDB reads every partition-N directory under dbPath. The server must
// not be running since pebble holds an exclusive lock.
func inspectDB(dbPath string) ([]PartitionSummary, error) {
	dirs, err := filepath.Glob(filepath.Join(dbPath, "partition-*"))
	if err != nil {
		return nil, errors.Wrap(err, "list partitions")
	}
	if len(dirs) == 0 {
		return nil, errors.Newf("no partitions under %s", dbPath)
	}

	var out []PartitionSummary
	for _, dir := range dirs {
		id, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(dir), "partition-"))
		if err != nil {
			continue
		}
		s, err := inspectPartition(dir, id)
		if err != nil {
			return nil, errors.Wrapf(err, "inspect partition %d", id)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func inspectPartition(dir string, id int) (PartitionSummary, error) {
	sum := PartitionSummary{ID: id, ByStatus: map[string]int{}}
	for _, sub := range []string{"state", "log"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			return sum, errors.Wrapf(err, "missing %s", sub)
		}
	}

	st, err := state.Open(filepath.Join(dir, "state"), id, state.Options{})
	if err != nil {
		return sum, err
	}
	defer st.Close()
	log, err := stream.OpenLog(filepath.Join(dir, "log"), id, nil)
	if err != nil {
		return sum, err
	}
	defer log.Close()

	if sum.FirstPosition, err = log.FirstIndex(); err != nil {
		return sum, err
	}
	if sum.LastPosition, err = log.LastIndex(); err != nil {
		return sum, err
	}
	if sum.LastAppliedPosition, err = st.LastAppliedPosition(); err != nil {
		return sum, err
	}
	ops, err := st.List(0, 0)
	if err != nil {
		return sum, err
	}
	sum.Operations = len(ops)
	for _, op := range ops {
		sum.ByStatus[string(op.Status)]++
		sum.TotalItems += op.NumTotalItems
	}
	return sum, nil
}
