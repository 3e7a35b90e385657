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

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dm-go/internal/auth"
	"dm-go/internal/config"
	"dm-go/internal/fanout"
	"dm-go/internal/handlers/chatserver"
	appKafka "dm-go/internal/kafka"
	kafkahandlers "dm-go/internal/kafka/handlers"
	"dm-go/internal/logging"
	"dm-go/internal/presence"
	appRedis "dm-go/internal/redis"
	"dm-go/internal/services"
	"dm-go/internal/websocket"
)

// chatserver 只负责实时通道：消费出站 topic，把事件投递给本实例持有的连接。
// 仅在 FANOUT.MODE=kafka 时部署，本地模式下 apiserver 自己提供 /ws。
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Chat 服务器退出: %v\n", err)
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
	if cfg.Fanout.Mode != config.FanoutKafka {
		zap.S().Warnf("FANOUT.MODE=%s：apiserver 不会向 Kafka 发布事件，本实例收不到消息推送", cfg.Fanout.Mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var blacklist auth.TokenBlacklist
	if cfg.Redis.Enabled {
		redisClient, err := appRedis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		blacklist = appRedis.NewRedisTokenBlacklist(redisClient)
	}

	// 2. Kafka 生产者：通话信令与输入状态同样经由出站 topic 到达对方所在的实例
	producer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka)
	if err != nil {
		return fmt.Errorf("无法创建 Kafka 生产者: %w", err)
	}
	defer producer.Close()
	broadcaster := fanout.NewKafkaBroadcaster(producer, cfg.Kafka.WebSocketOutgoingTopic)

	g, gctx := errgroup.WithContext(ctx)

	// 3. WebSocket Hub 与输入状态表
	hub := websocket.NewHub()
	g.Go(func() error { hub.Run(gctx); return nil })

	ledger := presence.NewLedger(presence.Config{
		TTL:           cfg.Messaging.TypingTTL,
		MaxEntries:    cfg.Messaging.PresenceMaxEntries,
		SweepInterval: cfg.Messaging.SweepInterval,
	})
	g.Go(func() error { ledger.Run(gctx); return nil })

	wsHandler := chatserver.NewWebSocketHandler(hub, services.NewPresenceService(ledger, broadcaster), broadcaster, blacklist, cfg)

	// 4. 出站事件消费者。每个实例使用独立的消费组，保证都能收到全部事件
	consumer, err := appKafka.NewConfluentKafkaConsumer(cfg.Kafka)
	if err != nil {
		return fmt.Errorf("无法创建出站 Kafka 消费者: %w", err)
	}
	defer consumer.Close()
	groupID := cfg.Kafka.ConsumerGroup + "-" + uuid.NewString()
	outgoing := kafkahandlers.NewOutgoingEventHandler(hub)

	g.Go(func() error {
		zap.S().Infof("Kafka 出站消费者启动，监听 topic: %s, GroupID: %s", cfg.Kafka.WebSocketOutgoingTopic, groupID)
		err := consumer.Consume(gctx, []string{cfg.Kafka.WebSocketOutgoingTopic}, groupID, outgoing.Handle)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("Kafka 出站消费者错误: %w", err)
		}
		zap.S().Info("Kafka 出站消费者已停止。")
		return nil
	})

	// 5. HTTP 服务器
	wsPath := cfg.Server.WebSocketPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, wsHandler.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:           serverAddr,
		Handler:        mux,
		ReadTimeout:    cfg.Server.ReadTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	g.Go(func() error {
		zap.S().Infof("Chat HTTP 服务器启动于 %s, WebSocket 路径: %s", serverAddr, wsPath)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("Chat 服务器启动失败: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zap.S().Info("Chat 服务器准备关闭...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	zap.S().Info("Chat 服务器已优雅关闭。")
	return nil
}
