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

	authjwt "bulkmail/backend/internal/auth/jwt"
	"bulkmail/backend/internal/config"
	"bulkmail/backend/internal/dispatch"
	"bulkmail/backend/internal/domain"
	"bulkmail/backend/internal/health"
	"bulkmail/backend/internal/logger"
	"bulkmail/backend/internal/monitoring"
	"bulkmail/backend/internal/msgraph"
	"bulkmail/backend/internal/proxy"
	"bulkmail/backend/internal/secret"
	"bulkmail/backend/internal/sender"
	"bulkmail/backend/internal/storage"
	"bulkmail/backend/internal/storage/hybrid"
	"bulkmail/backend/internal/storage/memory"
	"bulkmail/backend/internal/storage/postgres"
	"bulkmail/backend/internal/storage/redis"
	sqlstore "bulkmail/backend/internal/storage/sql"
	httptransport "bulkmail/backend/internal/transport/http"
	"bulkmail/backend/internal/websocket"
)

// main 启动群发调度服务（HTTP API、WebSocket 进度推送和发件调度器）
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	log, err := logger.NewLogger(cfg.Log.Logger())
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting bulkmail server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.Int("workers", cfg.Dispatch.Workers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis 可选：每日计数、发件组缓存和多实例进度广播
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb, err = redis.New(cfg.Redis, log)
		if err != nil {
			log.Fatal("failed to connect to Redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	store, pg, err := initializeStorage(cfg, rdb, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()
	if pg != nil {
		defer pg.Close()
	}

	codec, err := secret.NewCodec(cfg.Secret.MasterKey)
	if err != nil {
		log.Fatal("failed to initialize secret codec", zap.Error(err))
	}

	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	proxies := proxy.NewManager(ctx, proxy.NewCheckers(cfg.Proxy.Checkers), cfg.Proxy.CheckInterval, log)
	defer proxies.Close()

	senders := sender.NewRegistry(
		sender.NewGraphSender(sender.GraphConfig{
			Store:     store,
			Encrypter: codec,
			ClientOptions: []msgraph.Option{
				msgraph.WithEndpoints(msgraph.Endpoints{
					TokenURL:     cfg.Graph.AuthorityURL + "/common/oauth2/v2.0/token",
					AuthorityURL: cfg.Graph.AuthorityURL,
					GraphURL:     cfg.Graph.GraphURL,
				}),
				msgraph.WithLogger(log),
			},
			PreventSending: cfg.Dispatch.PreventSending,
			Logger:         log,
		}),
		sender.NewSMTPSender(sender.SMTPConfig{
			LocalName:      cfg.Dispatch.LocalName,
			Timeout:        cfg.Dispatch.SMTPTimeout,
			PreventSending: cfg.Dispatch.PreventSending,
			Logger:         log,
		}),
	)

	tokens := authjwt.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer)
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, tokens, store, log)
	wsHub.SetMetrics(metrics)

	// 有 Redis 时事件经 Redis 广播，每个实例再转发给本地连接
	var publisher dispatch.Publisher = wsHub
	if rdb != nil {
		publisher = rdb
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Workers:           cfg.Dispatch.Workers,
		Cooldown:          cfg.Dispatch.Cooldown,
		DefaultMaxRetry:   cfg.Dispatch.MaxRetry,
		MaxSendsPerSecond: cfg.Dispatch.MaxSendsPerSecond,
		PollInterval:      cfg.Dispatch.PollInterval,
		ProxyTTL:          cfg.Proxy.DefaultTTL,
		ProxyMaxPerDomain: cfg.Proxy.MaxPerDomain,
	}, dispatch.Deps{
		Store:     store,
		Secrets:   codec,
		Senders:   senders,
		Proxies:   proxies,
		Metrics:   metrics,
		Publisher: publisher,
		Logger:    log,
	})
	if err != nil {
		log.Fatal("failed to create dispatcher", zap.Error(err))
	}
	wsHub.SetProgressSource(dispatcher.GroupProgress)

	healthChecker := health.NewHealthChecker(store, log)
	healthChecker.AddRunner("dispatcher", dispatcher)
	if rdb != nil {
		healthChecker.AddDependency("redis", rdb)
	}
	if pg != nil {
		healthChecker.AddDependency("postgres_counters", pg)
	}

	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Dispatcher:   dispatcher,
		Store:        store,
		Tokens:       tokens,
		WebSocketHub: wsHub,
		Health:       healthChecker,
		Metrics:      metrics,
		Logger:       log,
	})

	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	dispatcher.Start(ctx)

	group, groupCtx := errgroup.WithContext(ctx)

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

	if rdb != nil {
		group.Go(func() error {
			log.Info("subscribing progress channel", zap.String("channel", redis.ProgressChannel))
			return rdb.SubscribeProgress(groupCtx, func(event *domain.ProgressEvent) {
				if err := wsHub.PublishProgress(groupCtx, event); err != nil {
					log.Warn("forward progress event failed",
						zap.Int64("group_id", event.GroupID),
						zap.Error(err),
					)
				}
			})
		})
	}

	// 优雅关闭：先停 HTTP，再等进行中的发送结束
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		dispatcher.Stop()
		log.Info("servers stopped")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStorage 根据配置选择存储
//
//   - 未配置数据库：内存存储（开发环境）
//   - 配置了数据库：SQL 存储，每日计数优先走 Redis，其次 PostgreSQL 上的 pgx 连接池
//   - 配置了 Redis：发件组读取经 Redis 缓存
func initializeStorage(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (storage.Store, *postgres.Client, error) {
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		log.Info("using memory storage (development mode)")
		return memory.NewStore(), nil, nil
	}

	base, err := sqlstore.NewStore(sqlstore.Options{
		Driver:          cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQL store: %w", err)
	}

	opts := []hybrid.Option{hybrid.WithLogger(log)}
	var pg *postgres.Client
	switch {
	case rdb != nil:
		opts = append(opts, hybrid.WithCounters(rdb), hybrid.WithGroupCache(rdb, 10*time.Minute))
	case cfg.Database.Type == "postgres":
		pg, err = postgres.New(cfg.Database, log)
		if err != nil {
			base.Close()
			return nil, nil, fmt.Errorf("failed to create PostgreSQL counter pool: %w", err)
		}
		opts = append(opts, hybrid.WithCounters(pg))
	}

	store, err := hybrid.NewStore(base, opts...)
	if err != nil {
		base.Close()
		if pg != nil {
			pg.Close()
		}
		return nil, nil, err
	}

	log.Info("database storage initialized",
		zap.String("database_type", cfg.Database.Type),
		zap.Bool("redis", rdb != nil),
		zap.Bool("pgx_counters", pg != nil),
	)
	return store, pg, nil
}
