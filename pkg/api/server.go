// Package api serves the admin, health and metrics HTTP surface over
// fasthttp.
package api

import (
	"net"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"batchops/pkg/engine"
	"batchops/pkg/logger"
	"batchops/pkg/router"
)

// Options configures the API.
type Options struct {
	Engine    *engine.Engine
	Gatherer  prometheus.Gatherer
	AdminKeys []string
	RateRPS   float64
	RateBurst int
	Logger    *zap.Logger
}

// API holds the handlers and their shared dependencies.
type API struct {
	engine    *engine.Engine
	gatherer  prometheus.Gatherer
	adminKeys map[string]struct{}
	limiters  *limiterPool
	ready     atomic.Bool
	logger    *zap.Logger
}

func New(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	keys := make(map[string]struct{}, len(opts.AdminKeys))
	for _, k := range opts.AdminKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys[k] = struct{}{}
		}
	}
	return &API{
		engine:    opts.Engine,
		gatherer:  opts.Gatherer,
		adminKeys: keys,
		limiters:  newLimiterPool(opts.RateRPS, opts.RateBurst),
		logger:    opts.Logger.With(zap.String("component", "api")),
	}
}

// SetReady flips the /readyz answer.
func (a *API) SetReady(ready bool) { a.ready.Store(ready) }

// Close releases background resources.
func (a *API) Close() { a.limiters.Shutdown() }

// Handler returns the fasthttp handler with every route registered.
func (a *API) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.Use(a.logRequests, a.authenticateAdmin)
	a.RegisterRoutes(r)
	return r.Handler
}

// RegisterRoutes wires all routes onto r.
func (a *API) RegisterRoutes(r *router.Router) {
	r.GET("/healthz", a.Health)
	r.GET("/readyz", a.Ready)
	r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})))

	r.GET("/admin/partitions", a.ListPartitions)
	r.POST("/admin/partitions/{partition}/pause", a.PausePartition)
	r.POST("/admin/partitions/{partition}/resume", a.ResumePartition)

	r.GET("/admin/partitions/{partition}/batch-operations", a.ListBatchOperations)
	r.POST("/admin/partitions/{partition}/batch-operations", a.CreateBatchOperation)
	r.GET("/admin/partitions/{partition}/batch-operations/{key}", a.GetBatchOperation)
	r.GET("/admin/partitions/{partition}/batch-operations/{key}/chunks", a.ListChunks)
	r.POST("/admin/partitions/{partition}/batch-operations/{key}/suspend", a.SuspendBatchOperation)
	r.POST("/admin/partitions/{partition}/batch-operations/{key}/resume", a.ResumeBatchOperation)
	r.POST("/admin/partitions/{partition}/batch-operations/{key}/complete", a.CompleteBatchOperation)

	r.POST("/admin/index/process-instances", a.IndexProcessInstances)
	r.POST("/admin/index/incidents", a.IndexIncidents)
}

func (a *API) logRequests(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		logger.LogRequestFast(ctx)
		next(ctx)
		a.logger.Debug("request_served",
			zap.String("method", string(ctx.Method())),
			zap.String("path", string(ctx.Path())),
			zap.Int("status", ctx.Response.StatusCode()))
	}
}

// authenticateAdmin guards /admin with the admin API keys and a per-key
// rate limit. Other paths are public.
func (a *API) authenticateAdmin(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !strings.HasPrefix(string(ctx.Path()), "/admin") {
			next(ctx)
			return
		}
		key := router.GetHeader(ctx, "X-API-Key")
		if _, ok := a.adminKeys[key]; !ok || key == "" {
			router.WriteJSONError(ctx, fasthttp.StatusUnauthorized, "unauthorized")
			a.logger.Warn("request_unauthorized", zap.String("path", string(ctx.Path())), zap.String("remote", clientIP(ctx)))
			return
		}
		if !a.limiters.Allow(key) {
			router.WriteJSONError(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded")
			a.logger.Warn("rate_limited", zap.String("path", string(ctx.Path())))
			return
		}
		next(ctx)
	}
}

func clientIP(ctx *fasthttp.RequestCtx) string {
	host := ctx.RemoteAddr().String()
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	return h
}
