package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"batchops/pkg/batchop"
	"batchops/pkg/engine"
	"batchops/pkg/metrics"
	"batchops/pkg/state"
)

const adminKey = "admin-secret"

type testServer struct {
	api     *API
	handler fasthttp.RequestHandler
	engine  *engine.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := batchop.DefaultConfig()
	cfg.SchedulerInterval = 10 * time.Millisecond
	cfg.QueryPageSize = 3
	cfg.ChunkSize = 2

	e, err := engine.Open(engine.Options{
		DBPath:     t.TempDir(),
		Partitions: 2,
		NoSync:     true,
		BatchOp:    cfg,
		Metrics:    metrics.NewBatchOperationMetrics(reg, zap.NewNop()),
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	a := New(Options{Engine: e, Gatherer: reg, AdminKeys: []string{adminKey}, RateRPS: 1000, RateBurst: 1000})
	t.Cleanup(a.Close)
	return &testServer{api: a, handler: a.Handler(), engine: e}
}

func (s *testServer) do(t *testing.T, method, path, body string, key string) (int, map[string]interface{}) {
	t.Helper()
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if key != "" {
		ctx.Request.Header.Set("X-API-Key", key)
	}
	if body != "" {
		ctx.Request.SetBodyString(body)
	}
	s.handler(&ctx)

	var out map[string]interface{}
	if strings.HasPrefix(string(ctx.Response.Header.ContentType()), "application/json") {
		require.NoError(t, json.Unmarshal(ctx.Response.Body(), &out), string(ctx.Response.Body()))
	}
	return ctx.Response.StatusCode(), out
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, "GET", "/healthz", "", "")
	assert.Equal(t, fasthttp.StatusOK, code)

	code, body := s.do(t, "GET", "/readyz", "", "")
	assert.Equal(t, fasthttp.StatusServiceUnavailable, code)
	assert.Equal(t, "starting", body["status"])

	s.api.SetReady(true)
	code, _ = s.do(t, "GET", "/readyz", "", "")
	assert.Equal(t, fasthttp.StatusOK, code)
}

func TestAdminRequiresAPIKey(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, "GET", "/admin/partitions", "", "")
	assert.Equal(t, fasthttp.StatusUnauthorized, code)
	assert.Equal(t, "unauthorized", body["error"])

	code, _ = s.do(t, "GET", "/admin/partitions", "", "wrong")
	assert.Equal(t, fasthttp.StatusUnauthorized, code)

	code, body = s.do(t, "GET", "/admin/partitions", "", adminKey)
	assert.Equal(t, fasthttp.StatusOK, code)
	assert.Len(t, body["partitions"], 2)
}

func TestAdminRateLimit(t *testing.T) {
	s := newTestServer(t)
	s.api.limiters = newLimiterPool(0.001, 1)

	code, _ := s.do(t, "GET", "/admin/partitions", "", adminKey)
	assert.Equal(t, fasthttp.StatusOK, code)
	code, _ = s.do(t, "GET", "/admin/partitions", "", adminKey)
	assert.Equal(t, fasthttp.StatusTooManyRequests, code)
}

func TestBatchOperationLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.engine.Start(context.Background()))

	var pis []string
	for i := 1; i <= 5; i++ {
		pis = append(pis, fmt.Sprintf(`{"key":%d,"bpmnProcessId":"order","state":"ACTIVE"}`, i))
	}
	code, body := s.do(t, "POST", "/admin/index/process-instances", "["+strings.Join(pis, ",")+"]", adminKey)
	require.Equal(t, fasthttp.StatusOK, code, body)
	assert.Equal(t, 5.0, body["indexed"])

	code, body = s.do(t, "POST", "/admin/partitions/1/batch-operations", `{"type":"CANCEL_PROCESS_INSTANCE","filter":{"bpmnProcessId":"order"}}`, adminKey)
	require.Equal(t, fasthttp.StatusCreated, code, body)
	key := int64(body["key"].(float64))
	opPath := fmt.Sprintf("/admin/partitions/1/batch-operations/%d", key)

	require.Eventually(t, func() bool {
		_, op := s.do(t, "GET", opPath, "", adminKey)
		return op["status"] == string(state.StatusExecuting)
	}, 10*time.Second, 20*time.Millisecond)

	_, op := s.do(t, "GET", opPath, "", adminKey)
	assert.Equal(t, 5.0, op["numTotalItems"])
	assert.Equal(t, 3.0, op["numChunks"])

	code, body = s.do(t, "GET", opPath+"/chunks", "", adminKey)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Len(t, body["chunks"], 3)

	code, body = s.do(t, "POST", opPath+"/resume", "", adminKey)
	assert.Equal(t, fasthttp.StatusConflict, code, body)

	code, body = s.do(t, "POST", opPath+"/complete", "", adminKey)
	require.Equal(t, fasthttp.StatusOK, code, body)
	assert.Equal(t, string(state.StatusCompleted), body["status"])

	code, body = s.do(t, "GET", "/admin/partitions/1/batch-operations?limit=1", "", adminKey)
	require.Equal(t, fasthttp.StatusOK, code)
	assert.Len(t, body["batchOperations"], 1)
	assert.Equal(t, float64(key), body["next"])
}

func TestSuspendedOperationIsNotInitialized(t *testing.T) {
	s := newTestServer(t)
	p, _ := s.engine.Partition(2)

	// paused so the scheduler cannot pick the operation up before it is
	// suspended
	ctx := context.Background()
	require.NoError(t, p.Processor.Start(ctx))
	p.Processor.Pause()

	code, body := s.do(t, "POST", "/admin/partitions/2/batch-operations", `{"type":"RESOLVE_INCIDENT"}`, adminKey)
	require.Equal(t, fasthttp.StatusCreated, code, body)
	opPath := fmt.Sprintf("/admin/partitions/2/batch-operations/%d", int64(body["key"].(float64)))

	code, body = s.do(t, "POST", opPath+"/suspend", "", adminKey)
	require.Equal(t, fasthttp.StatusOK, code, body)
	assert.Equal(t, string(state.StatusSuspended), body["status"])
	assert.Equal(t, string(state.StatusPending), body["suspendedFrom"])

	code, _ = s.do(t, "POST", "/admin/partitions/2/resume", "", adminKey)
	require.Equal(t, fasthttp.StatusOK, code)
	time.Sleep(50 * time.Millisecond)

	_, op := s.do(t, "GET", opPath, "", adminKey)
	assert.Equal(t, string(state.StatusSuspended), op["status"])
	assert.Equal(t, 0.0, op["numChunks"])
}

func TestAdminErrors(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.engine.Start(context.Background()))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown partition", "GET", "/admin/partitions/9/batch-operations", "", fasthttp.StatusNotFound},
		{"bad partition", "GET", "/admin/partitions/x/batch-operations", "", fasthttp.StatusBadRequest},
		{"unknown operation", "GET", "/admin/partitions/1/batch-operations/77", "", fasthttp.StatusNotFound},
		{"bad key", "GET", "/admin/partitions/1/batch-operations/abc", "", fasthttp.StatusBadRequest},
		{"suspend unknown", "POST", "/admin/partitions/1/batch-operations/77/suspend", "", fasthttp.StatusNotFound},
		{"empty create", "POST", "/admin/partitions/1/batch-operations", "", fasthttp.StatusBadRequest},
		{"unknown type", "POST", "/admin/partitions/1/batch-operations", `{"type":"EXPLODE"}`, fasthttp.StatusBadRequest},
		{"bad index body", "POST", "/admin/index/incidents", `{"not":"a list"}`, fasthttp.StatusBadRequest},
		{"wrong method", "DELETE", "/admin/index/incidents", "", fasthttp.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, tt.method, tt.path, tt.body, adminKey)
			assert.Equal(t, tt.want, code, body)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.engine.Start(context.Background()))

	// wait for at least one scheduler round to be counted
	require.Eventually(t, func() bool {
		var ctx fasthttp.RequestCtx
		ctx.Request.Header.SetMethod("GET")
		ctx.Request.SetRequestURI("/metrics")
		s.handler(&ctx)
		return ctx.Response.StatusCode() == fasthttp.StatusOK &&
			strings.Contains(string(ctx.Response.Body()), "batchops_batch_operation_scheduler_rounds_total")
	}, 5*time.Second, 20*time.Millisecond)
}
