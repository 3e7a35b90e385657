package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dm-go/internal/auth"
	"dm-go/internal/config"
	"dm-go/internal/fanout"
	"dm-go/internal/handlers/apiserver"
	"dm-go/internal/handlers/chatserver"
	appKafka "dm-go/internal/kafka"
	"dm-go/internal/logging"
	"dm-go/internal/media"
	"dm-go/internal/presence"
	"dm-go/internal/ratelimit"
	appRedis "dm-go/internal/redis"
	"dm-go/internal/services"
	"dm-go/internal/storage"
	"dm-go/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		// 日志可能尚未初始化
		fmt.Fprintf(os.Stderr, "API 服务器退出: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. 加载配置
	cfg, err := config.LoadConfig("")
	if err != nil {
		return fmt.Errorf("无法加载配置: %w", err)
	}
	logger, err := logging.Init(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.S().Infof("API 服务器配置加载成功 (fanout=%s)", cfg.Fanout.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化数据库连接
	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		return fmt.Errorf("无法初始化数据库: %w", err)
	}
	if err := storage.AutoMigrateTables(db); err != nil {
		return fmt.Errorf("数据库表迁移失败: %w", err)
	}

	// 3. 令牌黑名单：启用 Redis 时跨进程共享，否则只在本进程内生效
	var blacklist auth.TokenBlacklist = auth.NewMemoryBlacklist()
	if cfg.Redis.Enabled {
		redisClient, err := appRedis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		blacklist = appRedis.NewRedisTokenBlacklist(redisClient)
		zap.S().Infof("成功连接到 Redis %s", cfg.Redis.Addr)
	}

	// 4. 存储与媒体流水线
	files, err := storage.NewLocalStorageService(cfg.Storage)
	if err != nil {
		return fmt.Errorf("无法初始化本地存储服务: %w", err)
	}
	pipeline := media.NewPipeline(media.NewFFmpeg(cfg.Media), files, cfg.Media.Workers, media.WithTimeout(cfg.Media.Timeout))
	defer pipeline.Stop()

	limiter := ratelimit.New(ratelimit.Config{
		Window:        cfg.Messaging.RateWindow,
		Limit:         cfg.Messaging.RateLimit,
		MaxSenders:    cfg.Messaging.RateMaxSenders,
		SweepInterval: cfg.Messaging.SweepInterval,
	})
	ledger := presence.NewLedger(presence.Config{
		TTL:           cfg.Messaging.TypingTTL,
		MaxEntries:    cfg.Messaging.PresenceMaxEntries,
		SweepInterval: cfg.Messaging.SweepInterval,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { limiter.Run(gctx); return nil })
	g.Go(func() error { ledger.Run(gctx); return nil })

	// 5. 事件扇出
	var (
		broadcaster fanout.Broadcaster
		hub         *websocket.Hub
	)
	switch cfg.Fanout.Mode {
	case config.FanoutKafka:
		producer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("无法创建 Kafka 生产者: %w", err)
		}
		defer producer.Close()
		broadcaster = fanout.NewKafkaBroadcaster(producer, cfg.Kafka.WebSocketOutgoingTopic)
		zap.S().Infof("事件通过 Kafka topic %s 扇出", cfg.Kafka.WebSocketOutgoingTopic)
	case config.FanoutLocal, "":
		hub = websocket.NewHub()
		g.Go(func() error { hub.Run(gctx); return nil })
		broadcaster = fanout.NewHubBroadcaster(hub)
	default:
		return fmt.Errorf("不支持的扇出模式: %s", cfg.Fanout.Mode)
	}

	// 6. 初始化 Repositories 与 Services
	userRepo := storage.NewGormUserRepository(db)
	msgRepo := storage.NewGormMessageRepository(db)

	presenceService := services.NewPresenceService(ledger, broadcaster)
	messageService := services.NewMessageService(msgRepo, userRepo, files, broadcaster, cfg,
		services.WithRateLimiter(limiter),
		services.WithMediaScheduler(pipeline),
	)

	deps := apiserver.RouterDeps{
		Config:    cfg,
		Messages:  messageService,
		Presence:  presenceService,
		Users:     services.NewUserService(userRepo),
		Storage:   files,
		Blacklist: blacklist,
		Logger:    logger,
	}
	if hub != nil {
		wsHandler := chatserver.NewWebSocketHandler(hub, presenceService, broadcaster, blacklist, cfg)
		deps.WebSocket = http.HandlerFunc(wsHandler.ServeWS)
	}
	router := apiserver.NewRouter(deps)

	// 7. CORS
	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.APIServer.CORS.AllowedOrigins),
		handlers.AllowedMethods(cfg.APIServer.CORS.AllowedMethods),
		handlers.AllowedHeaders(cfg.APIServer.CORS.AllowedHeaders),
		handlers.ExposedHeaders(cfg.APIServer.CORS.ExposedHeaders),
		handlers.MaxAge(cfg.APIServer.CORS.MaxAge),
	}
	if cfg.APIServer.CORS.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}

	// 8. 启动 HTTP 服务器并实现优雅关闭
	serverAddr := fmt.Sprintf("%s:%s", cfg.APIServer.Host, cfg.APIServer.Port)
	srv := &http.Server{
		Addr:           serverAddr,
		Handler:        handlers.CORS(corsOptions...)(router),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	g.Go(func() error {
		zap.S().Infof("API 服务器启动于 %s", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API 服务器启动失败: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.S().Info("API 服务器准备关闭...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	zap.S().Info("API 服务器已优雅关闭。")
	return nil
}
