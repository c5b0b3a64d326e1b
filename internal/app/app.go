// Package app wires every component into a running process, dispatching on
// Config.Mode to decide which subset of the api/scheduler/stream/aggregator
// roles this process runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/duskwatch/siemcore/internal/admin"
	"github.com/duskwatch/siemcore/internal/agent"
	"github.com/duskwatch/siemcore/internal/apikey"
	"github.com/duskwatch/siemcore/internal/audit"
	"github.com/duskwatch/siemcore/internal/config"
	"github.com/duskwatch/siemcore/internal/coordinator"
	"github.com/duskwatch/siemcore/internal/enrichment"
	"github.com/duskwatch/siemcore/internal/httpserver"
	"github.com/duskwatch/siemcore/internal/idempotency"
	"github.com/duskwatch/siemcore/internal/incident"
	"github.com/duskwatch/siemcore/internal/ingest"
	"github.com/duskwatch/siemcore/internal/ingress"
	"github.com/duskwatch/siemcore/internal/ledger"
	"github.com/duskwatch/siemcore/internal/parser"
	"github.com/duskwatch/siemcore/internal/ratelimit"
	"github.com/duskwatch/siemcore/internal/scheduler"
	"github.com/duskwatch/siemcore/internal/store"
	"github.com/duskwatch/siemcore/internal/streamrule"
	"github.com/duskwatch/siemcore/internal/telemetry"
	"github.com/duskwatch/siemcore/internal/tenantlimits"
)

// tenantLimitsRefresh is how stale the in-process tenant limits cache is
// allowed to get before a lookup blocks on a reload.
const tenantLimitsRefresh = time.Minute

// intelRefreshInterval controls how often the Enrichment stage reloads its
// threat-intel indicator set from the store.
const intelRefreshInterval = time.Minute

// incidentAggregationInterval controls how often the Incident Aggregator
// regroups recent alerts.
const incidentAggregationInterval = 30 * time.Second

// Run reads infrastructure connections from cfg, constructs every
// component, and runs the mode(s) selected by cfg.Mode until ctx is
// cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting siemcore", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	pool, err := pgxpool.New(ctx, cfg.StoreURL)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer pool.Close()

	storeAdapter := store.New(pool, cfg.StoreURL, cfg.BreakerOpenAfter, cfg.BreakerOpenWindow, cfg.BreakerCooldown())
	if err := storeAdapter.Bootstrap(ctx, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("bootstrapping store: %w", err)
	}
	logger.Info("store migrations applied")

	coord, err := coordinator.Connect(ctx, cfg.CoordinatorURL)
	if err != nil {
		return fmt.Errorf("connecting to coordinator: %w", err)
	}

	metrics := telemetry.New()
	metricsReg := telemetry.NewRegistry(metrics)

	limits := tenantlimits.New(storeAdapter, tenantLimitsRefresh)
	keys := apikey.New(storeAdapter)
	parsers := parser.New(storeAdapter)
	if err := parsers.LoadActive(ctx); err != nil {
		logger.Warn("loading active parsers at startup", "error", err)
	}
	enricher := enrichment.New(storeAdapter)
	ledgerSvc := ledger.New(storeAdapter)
	idem := idempotency.New(storeAdapter, time.Duration(cfg.IdempotencyTTLSeconds)*time.Second)
	limiter := ratelimit.New(coord, limits, metrics)

	pipeline := ingest.New(storeAdapter, coord, parsers, enricher, ledgerSvc, limits, metrics, logger, ingest.Config{
		BatchMax: cfg.IngestBatchMax,
		FlushInterval: cfg.FlushInterval(),
		HighWaterMark: cfg.IngestHighWater,
	})

	auditWriter := audit.NewWriter(storeAdapter, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	sched := scheduler.New(storeAdapter, coord, metrics, logger,
		time.Duration(cfg.SchedulerTickSeconds)*time.Second, time.Duration(cfg.SafetyLagSeconds)*time.Second)
	streamRunner := streamrule.New(storeAdapter, coord, metrics, logger)

	slackNotifier := incident.NewSlackNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	if slackNotifier.IsEnabled() {
		logger.Info("slack incident notifications enabled", "channel", cfg.SlackAlertChannel)
	} else {
		logger.Info("slack incident notifications disabled (SLACK_BOT_TOKEN not set)")
	}
	aggregator := incident.New(storeAdapter, metrics, logger, slackNotifier, incidentAggregationInterval)

	deps := runtimeDeps{
		cfg: cfg,
		logger: logger,
		store: storeAdapter,
		coord: coord,
		metricsReg: metricsReg,
		keys: keys,
		parsers: parsers,
		enricher: enricher,
		limits: limits,
		limiter: limiter,
		idem: idem,
		pipeline: pipeline,
		auditWriter: auditWriter,
		scheduler: sched,
	}

	switch cfg.Mode {
	case "api":
		return runTasks(ctx, append(deps.ingestSupportTasks(), deps.httpTask()))
	case "scheduler":
		return runTasks(ctx, []task{{"scheduler", sched.Run}})
	case "stream":
		return runTasks(ctx, []task{{"stream-rules", streamRunner.Run}})
	case "aggregator":
		return runTasks(ctx, []task{{"incident-aggregator", aggregator.Run}})
	case "all":
		all := append(deps.ingestSupportTasks(),
			task{"scheduler", sched.Run},
			task{"stream-rules", streamRunner.Run},
			task{"incident-aggregator", aggregator.Run},
			deps.httpTask(),
		)
		return runTasks(ctx, all)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runtimeDeps bundles the constructed components a mode's task list draws
// from.
type runtimeDeps struct {
	cfg *config.Config
	logger *slog.Logger
	store store.Store
	coord coordinator.Coordinator
	metricsReg *prometheus.Registry

	keys *apikey.Service
	parsers *parser.Registry
	enricher *enrichment.Enricher
	limits *tenantlimits.Cache
	limiter *ratelimit.Limiter
	idem *idempotency.Registry
	pipeline *ingest.Pipeline
	auditWriter *audit.Writer
	scheduler *scheduler.Scheduler
}

// task is one named, long-running function run until ctx is cancelled.
type task struct {
	name string
	run func(context.Context) error
}

// ingestSupportTasks are the background loops the ingest pipeline needs
// regardless of which HTTP mode is serving requests: the batch buffer's
// age-based flush and the threat-intel/GeoIP refresh.
func (d runtimeDeps) ingestSupportTasks() []task {
	return []task{
		{"ingest-flush", func(ctx context.Context) error { d.pipeline.Start(ctx); return nil }},
		{"enrichment-refresh", func(ctx context.Context) error { d.enricher.Start(ctx, intelRefreshInterval); return nil }},
	}
}

// httpTask builds the HTTP server task: the Agent/Collector Ingress, the
// generic ingest endpoints, and the Admin/Search API, all behind the shared
// health/metrics/CORS server.
func (d runtimeDeps) httpTask() task {
	return task{"http", func(ctx context.Context) error {
		checks := map[string]httpserver.HealthChecker{
			"store": d.store,
			"coordinator": d.coord,
		}
		srv := httpserver.NewServer(httpserver.ServerConfig{CORSAllowedOrigins: d.cfg.CORSAllowedOrigins}, d.logger, d.metricsReg, checks)

		ingress.New(d.pipeline, d.keys, d.limiter, d.idem, d.cfg.MaxBodyBytes).Mount(srv.Router)
		agent.New(d.store, d.keys, d.pipeline, fmt.Sprintf("http://%s", d.cfg.ListenAddr())).Mount(srv.Router)
		admin.New(d.store, d.keys, d.parsers, d.limits, d.scheduler, d.auditWriter, nil).Mount(srv.Router)

		httpSrv := &http.Server{
			Addr: d.cfg.ListenAddr(),
			Handler: srv,
			ReadTimeout: 10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout: 60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			d.logger.Info("api server listening", "addr", d.cfg.ListenAddr())
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
				return
			}
			errCh <- nil
		}()

		select {
		case <-ctx.Done():
			d.logger.Info("shutting down api server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		case err := <-errCh:
			return err
		}
	}}
}

// runTasks runs every task concurrently, returning the first error any of
// them produces (or nil once ctx is cancelled and all tasks unwind).
func runTasks(ctx context.Context, tasks []task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if err := t.run(gctx); err != nil {
				return fmt.Errorf("%s: %w", t.name, err)
			}
			return nil
		})
	}
	return g.Wait()
}
