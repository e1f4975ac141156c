package ctl

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"batchops/pkg/api"
	"batchops/pkg/batchop"
	"batchops/pkg/engine"
	"batchops/pkg/metrics"
	"batchops/pkg/protocol"
	"batchops/pkg/search"
	"batchops/pkg/state"
)

const testKey = "ctl-key"

type harness struct {
	engine *engine.Engine
	dbPath string
	dial   fasthttp.DialFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := batchop.DefaultConfig()
	cfg.SchedulerInterval = 10 * time.Millisecond
	dbPath := t.TempDir()
	reg := prometheus.NewRegistry()
	e, err := engine.Open(engine.Options{
		DBPath:     dbPath,
		Partitions: 1,
		NoSync:     true,
		BatchOp:    cfg,
		Metrics:    metrics.NewBatchOperationMetrics(reg, zap.NewNop()),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	a := api.New(api.Options{Engine: e, Gatherer: reg, AdminKeys: []string{testKey}, RateRPS: 1000, RateBurst: 1000})
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, a.Handler()) }()
	t.Cleanup(func() {
		_ = ln.Close()
		a.Close()
		_ = e.Close()
	})
	return &harness{
		engine: e,
		dbPath: dbPath,
		dial:   func(string) (net.Conn, error) { return ln.Dial() },
	}
}

func (h *harness) client() *Client {
	c := NewClient("http://batchops.test", testKey)
	c.http.Dial = h.dial
	return c
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out, &globalOptions{dial: h.dial})
	cmd.SetArgs(append([]string{"--addr", "http://batchops.test", "--api-key", testKey}, args...))
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return out.String(), err
}

func TestClientRoundTrip(t *testing.T) {
	h := newHarness(t)
	c := h.client()

	n, err := c.IndexProcessInstances([]search.ProcessInstance{
		{Key: 1, BpmnProcessID: "order", State: "ACTIVE"},
		{Key: 2, BpmnProcessID: "order", State: "ACTIVE"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	parts, err := c.Partitions()
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, 1, parts[0].ID)

	key, err := c.CreateBatchOperation(1, protocol.CancelProcessInstance, protocol.Filter{BpmnProcessID: "order"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		op, err := c.GetBatchOperation(1, key)
		return err == nil && op.Status == state.StatusExecuting
	}, 5*time.Second, 10*time.Millisecond)

	chunks, err := c.Chunks(1, key)
	require.NoError(t, err)
	var items int
	for _, ch := range chunks {
		items += len(ch)
	}
	assert.Equal(t, 2, items)

	op, err := c.Lifecycle(1, key, "complete")
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, op.Status)

	page, err := c.ListBatchOperations(1, 0, 10)
	require.NoError(t, err)
	assert.Len(t, page.BatchOperations, 1)
}

func TestClientReportsAPIErrors(t *testing.T) {
	h := newHarness(t)
	c := h.client()

	_, err := c.GetBatchOperation(1, 12345)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, fasthttp.StatusNotFound, apiErr.Status)

	c.apiKey = "wrong"
	_, err = c.Partitions()
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, fasthttp.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "unauthorized", apiErr.Message)
}

func TestCommands(t *testing.T) {
	h := newHarness(t)

	file := filepath.Join(t.TempDir(), "incidents.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
- key: 10
  processInstanceKey: 1
  bpmnProcessId: order
  state: ACTIVE
- key: 11
  processInstanceKey: 2
  bpmnProcessId: order
  state: ACTIVE
`), 0o600))
	out, err := h.run(t, "index", "incidents", file)
	require.NoError(t, err)
	assert.JSONEq(t, `{"indexed": 2}`, out)

	out, err = h.run(t, "ops", "create", "1", "--type", "resolve_incident")
	require.NoError(t, err)
	var created struct {
		Key int64 `json:"key"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	key := created.Key

	require.Eventually(t, func() bool {
		out, err := h.run(t, "ops", "get", "1", itoa(key))
		return err == nil && strings.Contains(out, string(state.StatusExecuting))
	}, 5*time.Second, 10*time.Millisecond)

	out, err = h.run(t, "-o", "yaml", "ops", "suspend", "1", itoa(key))
	require.NoError(t, err)
	var op map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &op))
	assert.Equal(t, string(state.StatusSuspended), op["status"])
	assert.Equal(t, string(state.StatusExecuting), op["suspendedFrom"])

	_, err = h.run(t, "ops", "suspend", "1", itoa(key))
	assert.Error(t, err, "already suspended")

	out, err = h.run(t, "partitions", "pause", "1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id": 1, "paused": true}`, out)

	out, err = h.run(t, "partitions")
	require.NoError(t, err)
	assert.Contains(t, out, `"paused": true`)
}

func TestCommandArgumentErrors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		args []string
	}{
		{"bad partition", []string{"ops", "list", "zero"}},
		{"bad key", []string{"ops", "get", "1", "abc"}},
		{"unknown type", []string{"ops", "create", "1", "--type", "explode"}},
		{"missing type", []string{"ops", "create", "1"}},
		{"bad output", []string{"-o", "xml", "partitions"}},
		{"missing file", []string{"index", "incidents", "/does/not/exist.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.run(t, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestInspect(t *testing.T) {
	h := newHarness(t)
	p, _ := h.engine.Partition(1)
	_, err := p.CreateBatchOperation(context.Background(), protocol.ResolveIncident, protocol.Filter{})
	require.NoError(t, err)
	require.NoError(t, h.engine.Close())

	sums, err := inspectDB(h.dbPath)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, 1, sums[0].ID)
	assert.Equal(t, 1, sums[0].Operations)
	assert.Positive(t, sums[0].LastPosition)
	assert.Equal(t, sums[0].LastPosition, sums[0].LastAppliedPosition)

	_, err = inspectDB(t.TempDir())
	assert.Error(t, err)
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
