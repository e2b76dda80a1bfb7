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

	"github.com/gin-gonic/gin"
	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	httpAdapter "github.com/EthanQC/presence/internal/adapters/in/http"
	"github.com/EthanQC/presence/internal/adapters/in/ws"
	"github.com/EthanQC/presence/internal/adapters/out/friends"
	kafkaPub "github.com/EthanQC/presence/internal/adapters/out/kafka"
	"github.com/EthanQC/presence/internal/adapters/out/memory"
	mysqlRepo "github.com/EthanQC/presence/internal/adapters/out/mysql"
	natsBus "github.com/EthanQC/presence/internal/adapters/out/nats"
	redisRepo "github.com/EthanQC/presence/internal/adapters/out/redis"
	"github.com/EthanQC/presence/internal/application"
	"github.com/EthanQC/presence/internal/config"
	"github.com/EthanQC/presence/internal/domain/entity"
	"github.com/EthanQC/presence/internal/metrics"
	"github.com/EthanQC/presence/internal/ports/out"
	"github.com/EthanQC/presence/pkg/zlog"
)

func main() {
	cfgPath := flag.String("config", "", "配置文件路径（YAML），为空时按 APP_ENV 查找 configs/config.<env>.yaml")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logCfg, err := zlog.Load(cfg.Sub("log"), "presence-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载日志配置失败: %v\n", err)
		os.Exit(1)
	}
	zlog.MustInitGlobal(*logCfg)
	defer zap.L().Sync()

	logger := zap.L()
	logger.Info("presence service starting",
		zap.String("env", cfg.Env),
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("bus", cfg.Bus.Driver),
		zap.String("friends", cfg.Friends.Source),
		zap.String("offline_policy", cfg.Presence.OfflinePolicy))

	// 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if logCfg.EnableMetric {
		zlog.RegisterMetrics(reg)
	}
	m := metrics.New(reg)

	// 初始化Redis
	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient, err = initRedis(cfg)
		if err != nil {
			logger.Fatal("Failed to init redis", zap.Error(err))
		}
		defer redisClient.Close()
		logger.Info("Redis 连接成功")
	}

	// 初始化仓储
	var presenceRepo out.PresenceRepository
	switch cfg.Store.Driver {
	case "memory":
		presenceRepo = memory.NewPresenceRepository()
	default:
		presenceRepo = redisRepo.NewPresenceRepositoryRedis(redisClient, cfg.Redis.StatusKey, cfg.Redis.ConnCountKey)
	}

	// 初始化广播总线
	var (
		bus    out.BroadcastBus
		natsNC *natsgo.Conn
	)
	switch cfg.Bus.Driver {
	case "memory":
		bus = memory.NewBroadcastBus(cfg.Bus.MemoryBuffer)
	case "nats":
		natsNC, err = natsBus.Connect(cfg.NATS.URL, "presence-service-"+cfg.Server.NodeID)
		if err != nil {
			logger.Fatal("Failed to connect nats", zap.Error(err))
		}
		logger.Info("Connected to NATS", zap.String("url", natsNC.ConnectedUrl()))
		bus = natsBus.NewBroadcastBusNATS(natsNC, cfg.NATS.Subject)
	default:
		bus = redisRepo.NewBroadcastBusRedis(redisClient, cfg.Redis.Channel)
	}

	// 初始化好友来源
	var (
		friendResolver out.FriendResolver
		db             *gorm.DB
	)
	switch cfg.Friends.Source {
	case "deterministic":
		friendResolver = friends.NewDeterministicResolver(cfg.Friends.Universe, cfg.Friends.Fanout)
	case "mysql":
		db, err = mysqlRepo.Open(cfg.Mysql.DSN, cfg.Mysql.MaxIdleConns, cfg.Mysql.MaxOpenConns)
		if err != nil {
			logger.Fatal("Failed to init mysql", zap.Error(err))
		}
		friendResolver = mysqlRepo.NewFriendResolverMySQL(db)
	default:
		friendResolver = friends.NewRandomResolver(cfg.Friends.Universe, cfg.Friends.Fanout)
	}

	// 状态变更事件流（可选）
	var eventPublisher out.EventPublisher
	if cfg.Kafka.Enabled {
		eventPublisher = kafkaPub.NewEventPublisherKafka(kafkaPub.NewWriter(cfg.Kafka.Brokers), cfg.Kafka.Topic)
		logger.Info("presence change stream enabled", zap.Strings("brokers", cfg.Kafka.Brokers))
	}

	// 初始化用例
	router := ws.NewRoomRouter(m)
	presenceUseCase := application.NewPresenceUseCase(presenceRepo, friendResolver, router, bus, eventPublisher, m, application.Options{
		NodeID:        cfg.Server.NodeID,
		StoreTimeout:  cfg.Presence.StoreTimeout,
		BusTimeout:    cfg.Presence.BusTimeout,
		OfflinePolicy: application.OfflinePolicy(cfg.Presence.OfflinePolicy),
	})

	// 订阅总线，所有事件（包括自己发的）都从这里投递到本地房间
	subCtx, cancelSub := context.WithCancel(context.Background())
	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		err := bus.Subscribe(subCtx, func(room string, event *entity.StatusEvent) {
			router.EmitToRoom(room, event)
		})
		if err != nil {
			logger.Error("broadcast bus subscription ended", zap.Error(err))
		}
	}()

	// WebSocket 服务
	var verifier ws.IdentityVerifier
	if cfg.Auth.Mode == "jwt" {
		verifier = ws.NewJWTIdentity(cfg.Auth.Secret, cfg.Auth.Issuer)
	} else {
		verifier = ws.NewQueryIdentity("userId")
	}
	wsServer := ws.NewServer(presenceUseCase, verifier, ws.ServerOptions{
		WriteWait:      cfg.WS.WriteWait,
		PongWait:       cfg.WS.PongWait,
		PingPeriod:     cfg.WS.PingPeriod,
		MaxMessageSize: cfg.WS.MaxMessageSize,
		SendBuffer:     cfg.WS.SendBuffer,
	})

	// HTTP 路由
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := httpAdapter.NewHandler(presenceUseCase, wsServer, router, cfg.Server.NodeID, reg)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Engine(),
	}

	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 先让现有连接走完下线流程，再断开总线和存储
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("websocket connections did not drain", zap.Error(err))
	}

	cancelSub()
	if err := bus.Close(); err != nil {
		logger.Warn("close broadcast bus failed", zap.Error(err))
	}
	<-subDone

	if eventPublisher != nil {
		if err := eventPublisher.Close(); err != nil {
			logger.Warn("close kafka writer failed", zap.Error(err))
		}
	}
	if natsNC != nil {
		natsNC.Drain()
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}

	logger.Info("Server exited properly")
}

func initRedis(cfg *config.Config) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	if cfg.Redis.URL != "" {
		parsed, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	}
	if cfg.Redis.PoolSize > 0 {
		opts.PoolSize = cfg.Redis.PoolSize
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}
