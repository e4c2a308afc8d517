package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/czhaoca/pathfinder-sub012/internal/api/rest"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/cache"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/config"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/database"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/feeds"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/repository"
	"github.com/czhaoca/pathfinder-sub012/internal/infrastructure/telemetry"
	"github.com/czhaoca/pathfinder-sub012/internal/metrics"
	"github.com/czhaoca/pathfinder-sub012/internal/service/alerting"
	"github.com/czhaoca/pathfinder-sub012/internal/service/detection"
	"github.com/czhaoca/pathfinder-sub012/internal/service/guard"
	"github.com/czhaoca/pathfinder-sub012/internal/service/ledger"
	"github.com/czhaoca/pathfinder-sub012/internal/service/ratelimit"
	"github.com/czhaoca/pathfinder-sub012/internal/service/reputation"
	"github.com/czhaoca/pathfinder-sub012/internal/service/resilience"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "guard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracing, err := telemetry.InitTracing(ctx, &telemetry.Config{
		ServiceName:    "guard",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}()

	redisClient, err := cache.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer redisClient.Close()

	pool, err := database.NewPool(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer pool.Close()

	m := metrics.NewRegistry()

	counters := cache.NewRedisCounterStore(redisClient, logger)
	blockCache := cache.NewRedisBlockCache(redisClient, logger)
	scoreCache := cache.NewRedisReputationCache(redisClient, logger)

	blockRepo := repository.NewBlockRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)

	breakers := resilience.NewRegistry(resilience.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		CallTimeout:      cfg.Breaker.CallTimeout,
	}, logger)
	breakers.SetStateChangeHook(func(name string, _, to resilience.State) {
		m.BreakerState.WithLabelValues(name).Set(float64(to))
	})

	var feedList []feeds.Feed
	if cfg.Reputation.AbuseFeedURL != "" {
		feedList = append(feedList, feeds.NewAbuseScoreFeed(cfg.Reputation.AbuseFeedURL, cfg.Reputation.AbuseFeedAPIKey, logger))
	}
	if cfg.Reputation.BlockListURL != "" {
		feedList = append(feedList, feeds.NewBlockListFeed(cfg.Reputation.BlockListURL, logger))
	}

	reputationSvc := reputation.NewService(
		blockRepo, blockCache, scoreCache, attemptRepo,
		feedList, breakers, cfg.Reputation, m, logger,
	)

	attemptLedger := ledger.New(ledger.Config{
		Retention: cfg.Detection.LedgerRetention,
		MaxPerIP:  cfg.Detection.LedgerMaxPerIP,
	}, attemptRepo, logger)

	engine := detection.NewEngine(attemptLedger, detection.Thresholds{
		Window:               cfg.Detection.Window,
		RapidSuccessionMax:   cfg.Detection.RapidSuccessionMax,
		SequentialMinRun:     cfg.Detection.SequentialMinRun,
		DistributedMinIPs:    cfg.Detection.DistributedMinIPs,
		BotMinTimedAttempts:  cfg.Detection.BotMinTimedAttempts,
		BotTimingVarianceMs:  cfg.Detection.BotTimingVarianceMs,
		BotSameUserAgentMin:  cfg.Detection.BotSameUserAgentMin,
		StuffingMinEmails:    cfg.Detection.StuffingMinEmails,
		EnumerationMinEmails: cfg.Detection.EnumerationMinEmails,
		DictionaryMinMatches: cfg.Detection.DictionaryMinMatches,
	}, m, logger)

	notifiers := []alerting.Notifier{alerting.NewLogNotifier(logger)}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.DeliveryTimeout))
	}
	orchestrator := alerting.NewOrchestrator(reputationSvc, notifiers, cfg.Blocking, cfg.Alerting, m, logger)

	sweepDone := startSweeper(ctx, attemptLedger, orchestrator)
	defer func() { <-sweepDone }()

	limiter, err := ratelimit.NewLimiter(cfg.RateLimits, counters, m, logger)
	if err != nil {
		return fmt.Errorf("building rate limiter: %w", err)
	}

	guardSvc := guard.NewService(reputationSvc, limiter, attemptLedger, engine, orchestrator, m, logger)

	handler := rest.NewHandler(guardSvc, reputationSvc, breakers, m, logger)
	server := rest.NewServer(cfg.Server, handler, logger)

	logger.Info("guard starting",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
	)
	return server.Start(ctx)
}

// startSweeper periodically evicts expired state (ledger entries, idle alert
// throttles) so memory stays bounded even for IPs that never come back.
func startSweeper(ctx context.Context, targets ...interface{ Sweep() }) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, target := range targets {
					target.Sweep()
				}
			}
		}
	}()
	return done
}
