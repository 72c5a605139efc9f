// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/adxyz/optimizer/pkg/allocator"
	"github.com/adxyz/optimizer/pkg/api"
	"github.com/adxyz/optimizer/pkg/attribution"
	"github.com/adxyz/optimizer/pkg/config"
	"github.com/adxyz/optimizer/pkg/feedback"
	"github.com/adxyz/optimizer/pkg/log"
	"github.com/adxyz/optimizer/pkg/metric"
	"github.com/adxyz/optimizer/pkg/pattern"
	"github.com/adxyz/optimizer/pkg/queue"
	"github.com/adxyz/optimizer/pkg/safety"
	"github.com/adxyz/optimizer/pkg/storage"
	"github.com/adxyz/optimizer/pkg/worker"
)

var (
	configPath = flag.String("config", "optimizer.yaml", "Config file path")
	logLevel   = flag.String("log-level", "", "Log level override")
	dryRun     = flag.Bool("dry-run", false, "Execute changes against the in-memory platform executor")

	// Version info
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Engine owns every optimizer component and the schedulers that drive
// them.
type Engine struct {
	cfg     *config.Config
	log     log.Logger
	metrics *metric.Metrics

	store    *storage.Storage
	queue    *queue.Queue
	alloc    *allocator.Allocator
	gate     *safety.Gate
	clicks   *attribution.ClickStore
	resolver *attribution.Resolver
	ingestor *feedback.Ingestor
	pool     *worker.Pool
	hub      *api.Hub

	apiServer *http.Server
	opsServer *http.Server
	cron      *cron.Cron

	cancel context.CancelFunc
}

func main() {
	flag.Parse()

	fmt.Printf("optimizerd %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Server.LogLevel = *logLevel
	}

	logger := log.NewWithLevel(cfg.Server.LogLevel)
	defer logger.Sync()

	engine, err := NewEngine(cfg, logger, *dryRun)
	if err != nil {
		fmt.Printf("Failed to create engine: %v\n", err)
		os.Exit(1)
	}

	if err := engine.Start(); err != nil {
		fmt.Printf("Failed to start engine: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("shutting down", "signal", sig.String())

	engine.Stop()
}

// NewEngine wires every component explicitly; nothing here is a
// singleton.
func NewEngine(cfg *config.Config, logger log.Logger, dryRun bool) (*Engine, error) {
	// The concrete platform client is an external collaborator wired in
	// at deployment. Until one is linked, the only honest mode is
	// dry-run against the in-memory executor; refusing to start beats
	// silently pretending to spend money.
	if !dryRun {
		return nil, fmt.Errorf("no platform client linked, start with -dry-run")
	}

	metrics, err := metric.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	store, err := storage.NewStorage(cfg.Database.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	q := queue.NewQueue(store, logger.With("component", "queue"))

	patternIdx := pattern.NewIndex()
	alloc := allocator.New(paramsFromConfig(cfg), patternIdx, logger.With("component", "allocator"))

	gate := safety.NewGate(safety.Config{
		RateWindow:     cfg.Safety.RateWindow.Std(),
		RateCeiling:    cfg.Safety.RateCeiling,
		VelocityWindow: cfg.Safety.VelocityWindow.Std(),
		VelocityMaxPct: cfg.Safety.VelocityMaxPct,
		JitterMin:      cfg.Safety.JitterMin.Std(),
		JitterMax:      cfg.Safety.JitterMax.Std(),
		FuzzPct:        cfg.Safety.FuzzPct,
	}, logger.With("component", "safety"))

	clicks := attribution.NewClickStore(cfg.Attribution.ClickTTL.Std())
	unattributed := attribution.NewUnattributedLog(store)
	resolver := attribution.NewResolver(clicks, cfg.Attribution.MinProbScore, unattributed,
		logger.With("component", "attribution"))

	ingestor := feedback.NewIngestor(alloc, cfg.Feedback.StageWeights,
		logger.With("component", "feedback"))

	hub := api.NewHub(logger.With("component", "hub"))

	var executor worker.PlatformExecutor = worker.NewFakeExecutor()
	logger.Info("dry-run mode, changes execute against the in-memory executor")

	pool := worker.NewPool(worker.Config{
		PoolSize:     cfg.Worker.PoolSize,
		PollInterval: cfg.Worker.PollInterval.Std(),
		MaxAttempts:  cfg.Worker.MaxAttempts,
		BaseBackoff:  cfg.Worker.BaseBackoff.Std(),
		ExecTimeout:  cfg.Worker.ExecTimeout.Std(),
	}, q, gate, executor, worker.NewFeedbackRecorder(ingestor, logger), hub, metrics,
		logger.With("component", "worker"))

	apiSrv := api.NewServer(alloc, q, unattributed, metrics, hub,
		logger.With("component", "api")).
		WithIngest(api.Ingest{
			Clicks:   clicks,
			Resolver: resolver,
			Ingestor: ingestor,
			Alloc:    alloc,
			Patterns: patternIdx,
		})

	engine := &Engine{
		cfg:      cfg,
		log:      logger,
		metrics:  metrics,
		store:    store,
		queue:    q,
		alloc:    alloc,
		gate:     gate,
		clicks:   clicks,
		resolver: resolver,
		ingestor: ingestor,
		pool:     pool,
		hub:      hub,
	}

	engine.apiServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.APIPort),
		Handler: apiSrv.Router(),
	}
	engine.opsServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.OpsPort),
		Handler: engine.opsRouter(),
	}

	return engine, nil
}

// Start launches the worker pool, the cron sweeps and both HTTP
// servers.
func (e *Engine) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	// Jobs left claimed or executing by the previous process would
	// never be picked up again; sweep them back to pending before the
	// workers come up.
	if _, err := e.queue.RecoverStale(ctx, time.Now().UTC()); err != nil {
		cancel()
		return fmt.Errorf("recover stale jobs: %w", err)
	}

	e.pool.Start(ctx)

	e.cron = cron.New()
	if _, err := e.cron.AddFunc(e.cfg.Schedule.AllocationCron, func() {
		e.runAllocationSweep(ctx)
	}); err != nil {
		return fmt.Errorf("allocation cron: %w", err)
	}
	if _, err := e.cron.AddFunc(e.cfg.Attribution.PurgeSchedule, func() {
		removed := e.clicks.Purge(time.Now().UTC())
		if removed > 0 {
			e.log.Info("expired clicks purged", "removed", removed)
		}
	}); err != nil {
		return fmt.Errorf("purge cron: %w", err)
	}
	e.cron.Start()

	go func() {
		e.log.Info("api server listening", "addr", e.apiServer.Addr)
		if err := e.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Fatal("api server", "error", err)
		}
	}()
	go func() {
		e.log.Info("ops server listening", "addr", e.opsServer.Addr)
		if err := e.opsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			e.log.Fatal("ops server", "error", err)
		}
	}()

	e.log.Info("engine started",
		"workers", e.cfg.Worker.PoolSize,
		"safety", e.gate.Describe())
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (e *Engine) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.apiServer.Shutdown(shutdownCtx)
	e.opsServer.Shutdown(shutdownCtx)

	cronCtx := e.cron.Stop()
	<-cronCtx.Done()

	e.cancel()
	e.pool.Wait()

	if err := e.store.Close(); err != nil {
		e.log.Error("close storage", "error", err)
	}
	e.log.Info("engine stopped")
}

// runAllocationSweep turns allocator decisions into queued changes:
// kills become status changes, scales become budget moves toward the
// softmax recommendation.
func (e *Engine) runAllocationSweep(ctx context.Context) {
	ids := e.alloc.AdIDs()
	e.metrics.AdsTracked.Set(float64(len(ids)))
	if len(ids) == 0 {
		return
	}
	e.metrics.AllocationsRun.Inc()

	survivors := make([]string, 0, len(ids))
	tenants := make(map[string]string, len(ids))
	for _, id := range ids {
		state, err := e.alloc.State(id)
		if err != nil {
			continue
		}
		tenants[id] = state.TenantID

		decideStart := time.Now()
		decision, err := e.alloc.Decide(id)
		if err != nil {
			e.log.Error("decide failed", "ad", id, "error", err)
			continue
		}
		e.metrics.DecisionDuration.Observe(time.Since(decideStart).Seconds())
		e.metrics.DecisionsMade.WithLabelValues(string(decision.Action)).Inc()
		e.hub.Publish("allocator.decision", decision)

		if decision.Action == allocator.ActionKill {
			e.enqueue(ctx, &queue.Job{
				TenantID:       state.TenantID,
				EntityID:       id,
				EntityType:     "ad",
				ChangeType:     queue.ChangeStatusChange,
				RequestedValue: decimal.Zero,
				Payload:        map[string]any{"status": "paused", "reason": decision.Reason},
			})
			continue
		}
		survivors = append(survivors, id)
	}

	if len(survivors) == 0 {
		return
	}
	recs, err := e.alloc.Allocate(survivors, decimal.NewFromFloat(e.cfg.Schedule.DailyBudget))
	if err != nil {
		e.log.Error("allocate failed", "error", err)
		return
	}
	for _, rec := range recs {
		state, err := e.alloc.State(rec.AdID)
		if err != nil || state.LastDecision != allocator.ActionScale {
			continue
		}
		e.enqueue(ctx, &queue.Job{
			TenantID:       tenants[rec.AdID],
			EntityID:       rec.AdID,
			EntityType:     "ad",
			ChangeType:     queue.ChangeBudgetIncrease,
			RequestedValue: rec.Budget,
			Payload: map[string]any{
				"share":      rec.Share,
				"confidence": rec.Confidence,
			},
		})
	}
}

func (e *Engine) enqueue(ctx context.Context, job *queue.Job) {
	job.JitterMin = e.cfg.Safety.JitterMin.Std()
	job.JitterMax = e.cfg.Safety.JitterMax.Std()
	if err := e.queue.Enqueue(ctx, job); err != nil {
		e.log.Error("enqueue failed", "entity", job.EntityID, "error", err)
		return
	}
	e.metrics.JobsEnqueued.Inc()
	e.hub.Publish("job.enqueued", map[string]string{
		"job_id":    job.ID,
		"entity_id": job.EntityID,
		"change":    string(job.ChangeType),
	})
}

// opsRouter is the small operational surface: health and metrics.
func (e *Engine) opsRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, Version)
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(
		e.metrics.GetGatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return router
}

func paramsFromConfig(cfg *config.Config) allocator.Params {
	a := cfg.Allocator
	return allocator.Params{
		FullTrustHours:    a.FullTrustHours,
		EarlyDecayHours:   a.EarlyDecayHours,
		EarlyDecayWeight:  a.EarlyDecayWeight,
		MatureHours:       a.MatureHours,
		MatureWeight:      a.MatureWeight,
		FloorWeight:       a.FloorWeight,
		ReferenceCTR:      a.ReferenceCTR,
		FatigueK:          a.FatigueK,
		PatternBoostCap:   a.PatternBoostCap,
		SoftmaxTemp:       a.SoftmaxTemp,
		IgnoranceZoneDays: a.IgnoranceZoneDays,
		IgnoranceZoneMin:  a.IgnoranceZoneMin,
		MinKillSpend:      a.MinKillSpend,
		KillROAS:          a.KillROAS,
		ScaleROAS:         a.ScaleROAS,
		DirectMaturityH:   a.DirectMaturityH,
		DirectKillRatio:   a.DirectKillRatio,
	}
}
