// @title TempMail Relay API
// @version 1.0.0
// @description 基于 SMTP.dev 的临时邮箱中继服务
// @BasePath /v1
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tempmail/relay/internal/auth"
	"tempmail/relay/internal/cache"
	"tempmail/relay/internal/config"
	"tempmail/relay/internal/health"
	"tempmail/relay/internal/logger"
	"tempmail/relay/internal/middleware"
	"tempmail/relay/internal/monitoring"
	"tempmail/relay/internal/pool"
	"tempmail/relay/internal/provider"
	"tempmail/relay/internal/ratelimit"
	"tempmail/relay/internal/service"
	"tempmail/relay/internal/storage"
	"tempmail/relay/internal/storage/hybrid"
	"tempmail/relay/internal/storage/memory"
	"tempmail/relay/internal/storage/postgres"
	"tempmail/relay/internal/storage/redis"
	httptransport "tempmail/relay/internal/transport/http"
	"tempmail/relay/internal/websocket"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if cfg.Log.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("starting tempmail relay",
		zap.String("version", version),
		zap.String("database", storageKind(cfg)),
		zap.Bool("redis", cfg.Redis.Enabled),
	)

	store, domainCache, pingers, err := openStorage(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("storage close error", zap.Error(err))
		}
	}()

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	budget := ratelimit.NewBudget(store, ratelimit.BudgetConfig{
		MaxRequests:    cfg.Sync.MaxQPS,
		Window:         cfg.Sync.Window,
		BackoffCeiling: cfg.Sync.BackoffCeiling,
		ErrorDecay:     cfg.Sync.ErrorDecay,
	}, log)
	throttle := ratelimit.NewThrottle(store, cfg.Sync.MinInterval, log)

	gateway := provider.NewClient(provider.Config{
		BaseURL:        cfg.Provider.BaseURL,
		APIKey:         cfg.Provider.APIKey,
		Timeout:        cfg.Provider.Timeout,
		MaxRetries:     cfg.Provider.MaxRetries,
		BackoffBase:    cfg.Provider.BackoffBase,
		BackoffCeiling: cfg.Sync.BackoffCeiling,
	},
		provider.WithLogger(log.Named("provider")),
		provider.WithRequestHook(func(ctx context.Context) {
			budget.RecordRequest(ctx)
			metrics.RecordProviderRequest()
		}),
	)

	workers := pool.NewWorkerPool(cfg.Sync.Workers, cfg.Sync.QueueSize, log.Named("refresh"))

	domainService := service.NewDomainService(store, gateway, domainCache, cfg.Domains.CacheTTL, log)
	accountService := service.NewAccountService(store, store, domainService, gateway,
		cfg.Account, cfg.Session.CookieTTL, log,
		service.WithAccountMetrics(metrics),
	)
	syncService := service.NewSyncService(store, store, gateway, budget, throttle, workers, log)
	syncService.SetMetrics(metrics)
	messageService := service.NewMessageService(store, gateway, syncService, budget, cfg.Account.SessionDuration, log)
	messageService.SetMetrics(metrics)
	adminService := service.NewAdminService(store, log)

	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, accountService, log.Named("websocket"))
	wsHub.SetMetrics(metrics)
	syncService.SetNotifier(wsHub)

	adminGate := auth.NewAdminGate(cfg.Admin.TokenHash)
	if !adminGate.Enabled() {
		log.Warn("admin token hash not configured, admin endpoints disabled")
	}

	healthChecker := health.NewChecker(pingers, version, log)
	limiter := middleware.NewAllocationLimiter(cfg.Security.AllocationsPerMinute, metrics)

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:         cfg,
		AccountService: accountService,
		SyncService:    syncService,
		MessageService: messageService,
		DomainService:  domainService,
		AdminService:   adminService,
		SessionTokens:  auth.NewSessionTokens(&cfg.Session),
		AdminGate:      adminGate,
		WebSocketHub:   wsHub,
		Health:         healthChecker,
		Metrics:        metrics,
		Limiter:        limiter,
		Logger:         log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 预热域名列表，失败时等首次请求再拉取
	warmCtx, cancelWarm := context.WithTimeout(ctx, 15*time.Second)
	if domains, err := domainService.Sync(warmCtx); err != nil {
		log.Warn("initial domain sync failed", zap.Error(err))
	} else {
		log.Info("domains synced", zap.Int("count", len(domains)))
	}
	cancelWarm()

	group, groupCtx := errgroup.WithContext(ctx)

	workers.Start(groupCtx)

	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 到期占用转入冷却
	group.Go(func() error {
		interval := cfg.Account.SweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Info("starting claim sweeper", zap.Duration("interval", interval))
		for {
			select {
			case <-groupCtx.Done():
				log.Info("claim sweeper stopped")
				return nil
			case <-ticker.C:
				n, err := accountService.Sweep(groupCtx)
				if err != nil {
					log.Error("failed to sweep expired claims", zap.Error(err))
				} else if n > 0 {
					log.Info("expired claims moved to cooldown", zap.Int("count", n))
				}
			}
		}
	})

	group.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		started := time.Now()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-ticker.C:
				limiter.Cleanup()
				metrics.UpdateSystemUptime(time.Since(started))
			}
		}
	})

	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		workers.Stop()

		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

func storageKind(cfg *config.Config) string {
	if cfg.Database.Type == "" {
		return "memory"
	}
	return cfg.Database.Type
}

// openStorage 按配置组合关系型存储、键值存储与域名缓存
func openStorage(cfg *config.Config, log *zap.Logger) (storage.Store, cache.DomainCache, map[string]health.Pinger, error) {
	var rel storage.Relational
	pingers := make(map[string]health.Pinger)

	if cfg.Database.Type == "" {
		log.Warn("no database configured, using in-memory storage")
		mem := memory.NewStore()
		rel = mem
		pingers["storage"] = mem
	} else {
		sqlStore, err := postgres.Open(&cfg.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		rel = sqlStore
		pingers["database"] = sqlStore
	}

	var kv storage.KeyValue
	var domainCache cache.DomainCache
	if cfg.Redis.Enabled {
		client, err := redis.New(&cfg.Redis, log.Named("redis"))
		if err != nil {
			_ = rel.Close()
			return nil, nil, nil, err
		}
		kv = client
		domainCache = redis.NewDomainCache(client)
		pingers["redis"] = client
	} else {
		if cfg.Database.Type != "" {
			log.Warn("redis disabled, sessions and counters stay in process memory")
		}
		kv = memory.NewKV()
		domainCache = cache.NewLocalDomainCache(cache.NewLocalCache(cfg.Domains.CacheTTL))
	}

	if mem, ok := rel.(*memory.Store); ok && !cfg.Redis.Enabled {
		return mem, domainCache, pingers, nil
	}
	return hybrid.NewStore(rel, kv), domainCache, pingers, nil
}
