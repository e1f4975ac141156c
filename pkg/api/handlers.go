package api

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"batchops/pkg/engine"
	"batchops/pkg/protocol"
	"batchops/pkg/router"
	"batchops/pkg/search"
	"batchops/pkg/state"
	"batchops/pkg/stream"
)

const (
	submitTimeout    = 10 * time.Second
	defaultListLimit = 100
	maxListLimit     = 1000
)

var errBadRequest = errors.New("bad request")

type partitionInfo struct {
	ID                  int    `json:"id"`
	Paused              bool   `json:"paused"`
	LastPosition        uint64 `json:"lastPosition"`
	LastAppliedPosition uint64 `json:"lastAppliedPosition"`
}

type createRequest struct {
	Type   protocol.BatchOperationType `json:"type"`
	Filter protocol.Filter             `json:"filter"`
}

func (a *API) Health(ctx *fasthttp.RequestCtx) {
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) Ready(ctx *fasthttp.RequestCtx) {
	if !a.ready.Load() {
		router.WriteJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) ListPartitions(ctx *fasthttp.RequestCtx) {
	parts := a.engine.Partitions()
	out := make([]partitionInfo, 0, len(parts))
	for _, p := range parts {
		last, err := p.Log.LastIndex()
		if err != nil {
			a.writeError(ctx, err)
			return
		}
		applied, err := p.State.LastAppliedPosition()
		if err != nil {
			a.writeError(ctx, err)
			return
		}
		out = append(out, partitionInfo{ID: p.ID, Paused: p.Processor.Paused(), LastPosition: last, LastAppliedPosition: applied})
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"partitions": out})
}

func (a *API) PausePartition(ctx *fasthttp.RequestCtx) {
	p, ok := a.partition(ctx)
	if !ok {
		return
	}
	p.Processor.Pause()
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"id": p.ID, "paused": true})
}

func (a *API) ResumePartition(ctx *fasthttp.RequestCtx) {
	p, ok := a.partition(ctx)
	if !ok {
		return
	}
	p.Processor.Resume()
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"id": p.ID, "paused": false})
}

func (a *API) ListBatchOperations(ctx *fasthttp.RequestCtx) {
	p, ok := a.partition(ctx)
	if !ok {
		return
	}
	limit := router.QueryInt(ctx, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	after := int64(router.QueryInt(ctx, "after", 0))
	ops, err := p.State.List(after, limit)
	if err != nil {
		a.writeError(ctx, err)
		return
	}
	if ops == nil {
		ops = []state.PersistedBatchOperation{}
	}
	resp := map[string]interface{}{"batchOperations": ops}
	if len(ops) == limit {
		resp["next"] = ops[len(ops)-1].Key
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, resp)
}

func (a *API) GetBatchOperation(ctx *fasthttp.RequestCtx) {
	p, key, ok := a.operation(ctx)
	if !ok {
		return
	}
	op, err := p.State.Get(key)
	if err != nil {
		a.writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, op)
}

func (a *API) ListChunks(ctx *fasthttp.RequestCtx) {
	p, key, ok := a.operation(ctx)
	if !ok {
		return
	}
	if _, err := p.State.Get(key); err != nil {
		a.writeError(ctx, err)
		return
	}
	chunks, err := p.State.Chunks(key)
	if err != nil {
		a.writeError(ctx, err)
		return
	}
	if chunks == nil {
		chunks = [][]protocol.Item{}
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]interface{}{"chunks": chunks})
}

func (a *API) CreateBatchOperation(ctx *fasthttp.RequestCtx) {
	p, ok := a.partition(ctx)
	if !ok {
		return
	}
	var req createRequest
	if err := router.ReadJSON(ctx, &req); err != nil {
		a.writeError(ctx, errors.Mark(err, errBadRequest))
		return
	}
	if !req.Type.Valid() {
		a.writeError(ctx, errors.Mark(errors.Newf("unknown batch operation type %q", req.Type), errBadRequest))
		return
	}

	sctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	key, err := p.CreateBatchOperation(sctx, req.Type, req.Filter)
	if err != nil {
		a.writeError(ctx, err)
		return
	}
	a.logger.Info("batch_operation_created", zap.Int("partition", p.ID), zap.Int64("batch_operation_key", key), zap.String("type", string(req.Type)))
	router.WriteJSON(ctx, fasthttp.StatusCreated, map[string]interface{}{"key": key})
}

func (a *API) SuspendBatchOperation(ctx *fasthttp.RequestCtx) {
	a.lifecycle(ctx, protocol.IntentSuspend)
}

func (a *API) ResumeBatchOperation(ctx *fasthttp.RequestCtx) {
	a.lifecycle(ctx, protocol.IntentResume)
}

func (a *API) CompleteBatchOperation(ctx *fasthttp.RequestCtx) {
	a.lifecycle(ctx, protocol.IntentComplete)
}

func (a *API) lifecycle(ctx *fasthttp.RequestCtx, intent protocol.Intent) {
	p, key, ok := a.operation(ctx)
	if !ok {
		return
	}
	// unknown keys are rejected by the appliers too; checking first keeps
	// them out of the log
	if _, err := p.State.Get(key); err != nil {
		a.writeError(ctx, err)
		return
	}
	sctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	if err := p.Lifecycle(sctx, key, intent); err != nil {
		a.writeError(ctx, err)
		return
	}
	op, err := p.State.Get(key)
	if err != nil {
		a.writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, op)
}

func (a *API) IndexProcessInstances(ctx *fasthttp.RequestCtx) {
	var pis []search.ProcessInstance
	if err := router.ReadJSON(ctx, &pis); err != nil {
		a.writeError(ctx, errors.Mark(err, errBadRequest))
		return
	}
	if err := a.engine.Index().PutProcessInstances(pis...); err != nil {
		a.writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]int{"indexed": len(pis)})
}

func (a *API) IndexIncidents(ctx *fasthttp.RequestCtx) {
	var incs []search.Incident
	if err := router.ReadJSON(ctx, &incs); err != nil {
		a.writeError(ctx, errors.Mark(err, errBadRequest))
		return
	}
	if err := a.engine.Index().PutIncidents(incs...); err != nil {
		a.writeError(ctx, err)
		return
	}
	router.WriteJSON(ctx, fasthttp.StatusOK, map[string]int{"indexed": len(incs)})
}

func (a *API) partition(ctx *fasthttp.RequestCtx) (*engine.Partition, bool) {
	id, err := router.PathInt64(ctx, "partition")
	if err != nil {
		a.writeError(ctx, errors.Mark(err, errBadRequest))
		return nil, false
	}
	p, ok := a.engine.Partition(int(id))
	if !ok {
		router.WriteJSONError(ctx, fasthttp.StatusNotFound, "partition not found")
		return nil, false
	}
	return p, true
}

func (a *API) operation(ctx *fasthttp.RequestCtx) (*engine.Partition, int64, bool) {
	p, ok := a.partition(ctx)
	if !ok {
		return nil, 0, false
	}
	key, err := router.PathInt64(ctx, "key")
	if err != nil {
		a.writeError(ctx, errors.Mark(err, errBadRequest))
		return nil, 0, false
	}
	return p, key, true
}

func (a *API) writeError(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError
	switch {
	case errors.Is(err, errBadRequest):
		status = fasthttp.StatusBadRequest
	case errors.Is(err, state.ErrNotFound):
		status = fasthttp.StatusNotFound
	case errors.Is(err, protocol.ErrRejected):
		status = fasthttp.StatusConflict
	case errors.Is(err, stream.ErrClosed), errors.Is(err, context.DeadlineExceeded):
		status = fasthttp.StatusServiceUnavailable
	default:
		if reason, ok := search.ReasonOf(err); ok && reason == search.ReasonConnectionFailed {
			status = fasthttp.StatusServiceUnavailable
		}
	}
	if status >= fasthttp.StatusInternalServerError {
		a.logger.Error("request_failed", zap.String("path", string(ctx.Path())), zap.Error(err))
	}
	router.WriteJSONError(ctx, status, err.Error())
}
