package stream

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchops/pkg/protocol"
)

func openTestLog(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := OpenLog(filepath.Join(dir, "log"), 3, &Options{NoSync: true})
	require.NoError(t, err)
	return l
}

func execRecord(t *testing.T, key int64) protocol.Record {
	t.Helper()
	r, err := protocol.NewRecord(key, protocol.IntentExecute, &protocol.ExecutionRecord{BatchOperationKey: key}, protocol.Metadata{BatchOperationReference: key})
	require.NoError(t, err)
	return r
}

func TestLogAppendAssignsPositions(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	empty, err := l.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)

	written, err := l.Append([]protocol.Record{execRecord(t, 1), execRecord(t, 2)})
	require.NoError(t, err)
	require.Len(t, written, 2)
	assert.Equal(t, uint64(1), written[0].Position)
	assert.Equal(t, uint64(2), written[1].Position)
	assert.Equal(t, 3, written[0].Partition)
	assert.NotZero(t, written[0].Timestamp)

	written, err = l.Append([]protocol.Record{execRecord(t, 3)})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), written[0].Position)

	r, err := l.Read(2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Key)
	assert.Equal(t, protocol.IntentExecute, r.Intent)

	_, err = l.Read(9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogScanAfterPosition(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	_, err := l.Append([]protocol.Record{execRecord(t, 1), execRecord(t, 2), execRecord(t, 3)})
	require.NoError(t, err)

	var keys []int64
	require.NoError(t, l.Scan(1, func(r protocol.Record) error {
		keys = append(keys, r.Key)
		return nil
	}))
	assert.Equal(t, []int64{2, 3}, keys)
}

func TestLogTruncateFrontKeepsTail(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir)

	_, err := l.Append([]protocol.Record{execRecord(t, 1), execRecord(t, 2), execRecord(t, 3)})
	require.NoError(t, err)
	require.NoError(t, l.TruncateFront(3))

	first, err := l.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), first)
	require.NoError(t, l.Close())

	// positions continue after reopening a truncated log
	l = openTestLog(t, dir)
	defer l.Close()
	last, err := l.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)
	written, err := l.Append([]protocol.Record{execRecord(t, 4)})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), written[0].Position)
}

func TestLogClosed(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	require.NoError(t, l.Close())

	assert.ErrorIs(t, l.Close(), ErrClosed)
	_, err := l.Append([]protocol.Record{execRecord(t, 1)})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = l.LastIndex()
	assert.ErrorIs(t, err, ErrClosed)
}
