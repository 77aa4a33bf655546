// Command server runs the job platform: HTTP API, worker pool and the delayed
// job promoter, wired over Postgres and Redis.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pagegrab/backend/internal/api"
	"github.com/pagegrab/backend/internal/circuit"
	"github.com/pagegrab/backend/internal/config"
	"github.com/pagegrab/backend/internal/core"
	"github.com/pagegrab/backend/internal/executor"
	"github.com/pagegrab/backend/internal/idempotency"
	"github.com/pagegrab/backend/internal/kvstore"
	"github.com/pagegrab/backend/internal/memory"
	"github.com/pagegrab/backend/internal/monitoring"
	"github.com/pagegrab/backend/internal/orchestrator"
	"github.com/pagegrab/backend/internal/policy"
	"github.com/pagegrab/backend/internal/queue"
	"github.com/pagegrab/backend/internal/ratelimit"
	reflectpkg "github.com/pagegrab/backend/internal/reflect"
	"github.com/pagegrab/backend/internal/state"
	"github.com/pagegrab/backend/internal/store"
	"github.com/pagegrab/backend/internal/targets"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// Local development loads secrets from .env; deploys set real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("[Server] Config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenPostgres(cfg.Database.URL)
	if err != nil {
		slog.Error("[Server] Postgres unavailable", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		slog.Error("[Server] Migration failed", "error", err)
		os.Exit(1)
	}

	kv, err := kvstore.NewRedisKV(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("[Server] Redis unavailable", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	states := state.NewManager(db, kv)
	q, err := queue.NewManager(ctx, kv, "workers", hostConsumer())
	if err != nil {
		slog.Error("[Server] Queue init failed", "error", err)
		os.Exit(1)
	}
	enforcer := policy.New(db, kv)
	idemp := idempotency.New(kv)
	breaker := circuit.New(kv, circuit.DefaultConfig())

	registry, err := targets.NewRegistry(cfg.Targets.Dir, breaker, nil)
	if err != nil {
		slog.Error("[Server] Target registry failed", "error", err)
		os.Exit(1)
	}
	limiter := ratelimit.New(kv, registry.Limits)
	registry.SetLimiter(limiter)

	adapter := executor.NewAdapter()
	if cfg.Executor.WebhookEndpoint != "" {
		executor.RegisterWebhookStrategies(adapter, cfg.Executor.WebhookEndpoint)
	} else {
		slog.Warn("[Server] No webhook endpoint configured, jobs will fail as unavailable")
	}

	repo := memory.NewRepository(db, memory.NewCache(kv))
	publisher := reflectpkg.NewPublisher(kv, repo)
	reflector := reflectpkg.NewReflector(repo)
	metrics := monitoring.NewMetrics()

	orchCfg := orchestrator.Config{
		MaxConcurrentJobs: cfg.Orchestrator.Workers,
		MaxRetries:        cfg.Orchestrator.MaxRetries,
		BaseDelay:         time.Duration(cfg.Orchestrator.BaseDelaySeconds) * time.Second,
		MaxDelay:          time.Duration(cfg.Orchestrator.MaxDelaySeconds) * time.Second,
		DequeueTimeout:    time.Second,
		ShutdownGrace:     time.Duration(cfg.Orchestrator.ShutdownGraceSeconds) * time.Second,
		ConsumerPrefix:    hostConsumer(),
	}
	orch := orchestrator.New(orchCfg, states, q, enforcer, idemp, registry,
		limiter, breaker, adapter, repo, &reflectingPublisher{
			pub:       publisher,
			reflector: reflector,
			metrics:   metrics,
		})
	orch.SetMonitor(metrics)

	go orch.Run(ctx)
	go queue.NewPromoter(q).Run(ctx)
	go reportQueueDepths(ctx, orch, metrics)

	srv := api.NewServer(orch, metrics, db, kv, cfg.Orchestrator.Workers)
	if err := srv.Start(ctx, cfg.Server.Port); err != nil {
		slog.Error("[Server] HTTP server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("[Server] Shut down")
}

func reportQueueDepths(ctx context.Context, orch *orchestrator.Orchestrator, metrics *monitoring.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, _, err := orch.GetQueueStats(ctx)
			if err != nil {
				slog.Error("[Server] Queue depth scrape failed", "error", err)
				continue
			}
			depths := make(map[string]int64, len(stats.Streams))
			for stream, s := range stats.Streams {
				depths[stream] = s.Length
			}
			metrics.UpdateQueueDepths(depths, stats.Delayed)
		}
	}
}

func hostConsumer() string {
	host, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return host
}

// reflectingPublisher derives signals from each outcome and runs the
// reflection rules as soon as a signal flags a domain for attention.
type reflectingPublisher struct {
	pub       *reflectpkg.Publisher
	reflector *reflectpkg.Reflector
	metrics   *monitoring.Metrics
}

func (r *reflectingPublisher) Publish(ctx context.Context, job *core.Job, result *executor.Result) []reflectpkg.Signal {
	signals := r.pub.Publish(ctx, job, result)
	for _, sig := range signals {
		r.metrics.RecordSignal(string(sig.Type))
		if !sig.RequiresAttention {
			continue
		}
		applied, err := r.reflector.ReflectDomain(ctx, sig.Domain)
		if err != nil {
			slog.Error("[Server] Reflection failed", "domain", sig.Domain, "error", err)
			continue
		}
		if len(applied) > 0 {
			r.metrics.RecordReflections(applied)
			slog.Info("[Server] Reflection applied",
				"domain", sig.Domain, "rules", applied)
		}
	}
	return signals
}
