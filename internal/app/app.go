package app

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"batchops/internal/retention"
	"batchops/pkg/api"
	"batchops/pkg/config"
	"batchops/pkg/engine"
	"batchops/pkg/logger"
	"batchops/pkg/metrics"
)

// App groups server state and components.
type App struct {
	eff       config.EffectiveConfigResult
	version   string
	commit    string
	buildDate string

	registry  *prometheus.Registry
	engine    *engine.Engine
	api       *api.API
	retention *retention.Manager
	srv       *fasthttp.Server
	logger    *zap.Logger

	mu        sync.Mutex
	state     string
	addr      net.Addr
	listening chan struct{}
}

// New opens storage and builds every component. Nothing runs until Run.
func New(eff config.EffectiveConfigResult, version, commit, buildDate string) (*App, error) {
	if eff.Config == nil {
		return nil, errors.New("nil config")
	}
	cfg := eff.Config
	log := logger.L().With(zap.String("component", "app"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e, err := engine.Open(engine.Options{
		DBPath:        eff.DBPath,
		Partitions:    cfg.Engine.Partitions,
		MaxAppendSize: int(cfg.Engine.MaxAppendSize.Int64()),
		NoSync:        cfg.Engine.NoSync,
		BatchOp:       cfg.BatchOp(),
		Metrics:       metrics.NewBatchOperationMetrics(reg, logger.L()),
		Logger:        logger.L(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open engine at %s", eff.DBPath)
	}

	a := &App{
		eff:       eff,
		version:   version,
		commit:    commit,
		buildDate: buildDate,
		registry:  reg,
		engine:    e,
		api: api.New(api.Options{
			Engine:    e,
			Gatherer:  reg,
			AdminKeys: cfg.Security.APIKeys.Admin,
			RateRPS:   cfg.Security.RateLimit.RPS,
			RateBurst: cfg.Security.RateLimit.Burst,
			Logger:    logger.L(),
		}),
		retention: retention.New(cfg.Retention, e, eff.DBPath, logger.L()),
		logger:    log,
		state:     "initialized",
		listening: make(chan struct{}),
	}
	a.srv = newServer(a.api.Handler())
	return a, nil
}

// Run starts the partitions, the retention schedule and the HTTP server,
// and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.printSummary()

	ln, err := net.Listen("tcp", a.eff.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", a.eff.Addr)
	}
	a.mu.Lock()
	a.addr = ln.Addr()
	a.state = "starting"
	a.mu.Unlock()
	close(a.listening)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return a.serve(ln) })
	g.Go(func() error {
		<-gctx.Done()
		a.api.SetReady(false)
		err := a.srv.Shutdown()
		_ = ln.Close()
		return err
	})

	if err := a.engine.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return errors.Wrap(err, "start engine")
	}
	a.setState("running")
	a.api.SetReady(true)
	a.logger.Info("server_listening", zap.String("addr", ln.Addr().String()))

	g.Go(func() error { return a.retention.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Addr blocks until the listener is bound and returns its address.
func (a *App) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-a.listening:
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State reports the lifecycle phase.
func (a *App) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *App) setState(s string) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// printSummary prints the startup configuration block.
func (a *App) printSummary() {
	cfg := a.eff.Config
	ver := a.version
	if a.commit != "" && a.commit != "none" {
		ver += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		ver += " @ " + a.buildDate
	}
	bo := cfg.BatchOp()
	items := []string{
		fmt.Sprintf("version: %s", ver),
		fmt.Sprintf("config_source: %s", a.eff.Source),
		fmt.Sprintf("addr: %s", a.eff.Addr),
		fmt.Sprintf("db_path: %s", a.eff.DBPath),
		fmt.Sprintf("tls: %t", cfg.Server.TLS.CertFile != ""),
		fmt.Sprintf("partitions: %d", cfg.Engine.Partitions),
		fmt.Sprintf("max_append_size: %s", cfg.Engine.MaxAppendSize),
		fmt.Sprintf("scheduler_interval: %s", bo.SchedulerInterval),
		fmt.Sprintf("chunk_size: %s", humanize.Comma(int64(bo.ChunkSize))),
		fmt.Sprintf("query_page_size: %s", humanize.Comma(int64(bo.QueryPageSize))),
		fmt.Sprintf("query_retry_max: %d", bo.QueryRetryMax),
		fmt.Sprintf("retention: %t", cfg.Retention.Enabled),
	}
	if cfg.Retention.Enabled {
		items = append(items,
			fmt.Sprintf("retention_cron: %s", cfg.Retention.Cron),
			fmt.Sprintf("retention_period: %s", cfg.Retention.Period),
			fmt.Sprintf("retention_dry_run: %t", cfg.Retention.DryRun))
	}
	logger.LogConfigSummary("batchops_startup", items)
}
