package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"goim-realtime/apps/realtime-service/dao"
	"goim-realtime/apps/realtime-service/handler"
	"goim-realtime/apps/realtime-service/model"
	"goim-realtime/apps/realtime-service/service"
	"goim-realtime/pkg/auth"
	"goim-realtime/pkg/config"
	"goim-realtime/pkg/database"
	"goim-realtime/pkg/kafka"
	"goim-realtime/pkg/lifecycle"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/middleware"
	"goim-realtime/pkg/presence"
	redisClient "goim-realtime/pkg/redis"
	"goim-realtime/pkg/server"
	"goim-realtime/pkg/snowflake"
	"goim-realtime/pkg/telemetry"
)

const serviceName = "realtime-service"

func main() {
	configFile := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(serviceName, *configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger, err := logger.NewLogger(cfg.App.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	kratosLogger := logger.NewKratosLogger(appLogger)

	processID := cfg.App.ProcessID
	if processID == "" {
		processID = newProcessID()
	}
	ctx := logger.WithProcessID(context.Background(), processID)

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    cfg.App.Name,
		ServiceVersion: cfg.App.Version,
		Enabled:        cfg.Telemetry.Enabled,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		appLogger.Fatal(ctx, "Failed to initialize telemetry", logger.F("error", err))
	}

	// 基础设施
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rc := redisClient.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	pg, err := database.NewPostgreSQL(connectCtx, cfg.Database.PostgreSQL.DSN)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to connect PostgreSQL", logger.F("error", err))
	}
	if err := pg.AutoMigrate(&model.Conversation{}, &model.Participant{}); err != nil {
		appLogger.Fatal(ctx, "Failed to migrate PostgreSQL", logger.F("error", err))
	}

	mongoDB, err := database.NewMongoDB(connectCtx, cfg.Database.MongoDB.URI, cfg.Database.MongoDB.DBName)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to connect MongoDB", logger.F("error", err))
	}
	if err := mongoDB.EnsureIndexes(connectCtx, dao.MessagesCollection); err != nil {
		appLogger.Warn(ctx, "Failed to ensure message indexes", logger.F("error", err))
	}

	ids, err := snowflake.NewNode(cfg.App.MachineID)
	if err != nil {
		appLogger.Fatal(ctx, "Failed to create id generator", logger.F("error", err))
	}

	var publisher service.MessagePublisher = service.NopPublisher{}
	var producer *kafka.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err = kafka.InitProducer(cfg.Kafka.Brokers, appLogger)
		if err != nil {
			appLogger.Fatal(ctx, "Failed to create Kafka producer", logger.F("error", err))
		}
		publisher = service.NewKafkaMessagePublisher(producer, cfg.Kafka.MessageTopic, processID, appLogger)
	}

	// 在线目录
	var (
		directory presence.Directory
		redisDir  *presence.RedisDirectory
	)
	if cfg.Presence.Mode == "redis" {
		redisDir = presence.NewRedisDirectory(rc, cfg.Presence.EntryTTL)
		directory = redisDir
	} else {
		directory = presence.NewMemoryDirectory()
	}

	registry := service.NewRegistry(processID, directory, appLogger)

	var (
		forwarder      service.Forwarder
		redisForwarder *service.RedisForwarder
	)
	if redisDir != nil {
		redisForwarder = service.NewRedisForwarder(rc, registry, appLogger)
		forwarder = redisForwarder
	}

	validator := auth.NewJWTValidator(cfg.App.JWTSecret, 0)
	conversations := dao.NewConversationDAO(pg)
	svc := service.NewService(service.Deps{
		Registry:      registry,
		Broadcaster:   service.NewBroadcaster(conversations, registry, forwarder, appLogger),
		Conversations: conversations,
		Messages:      dao.NewMessageDAO(mongoDB, ids),
		Publisher:     publisher,
		Validator:     validator,
		Tracer:        tp.Tracer(),
		Logger:        appLogger,
	}, service.Options{
		MembershipRetries:    cfg.Session.MembershipRetries,
		MembershipRetryDelay: cfg.Session.MembershipRetryDelay,
	})

	// 服务器
	loggingMW := middleware.NewLoggingMiddleware(kratosLogger)
	mws := append(middleware.Tracing(cfg.App.Name), middleware.Recovery(appLogger), loggingMW.GinLogging())
	httpServer := server.NewHTTPServer(cfg.Server.HTTP.Addr, cfg.Server.HTTP.Timeout, kratosLogger, mws...)
	httpServer.AddHealthCheck("redis", rc.Ping)
	httpServer.AddHealthCheck("postgresql", pg.Health)
	httpServer.AddHealthCheck("mongodb", mongoDB.Health)

	socketCfg := service.SocketConfig{
		SendBuffer:     cfg.Session.SendBuffer,
		WriteWait:      cfg.Session.WriteWait,
		PongWait:       cfg.Session.PongWait,
		PingPeriod:     cfg.Session.PingPeriod,
		MaxMessageSize: cfg.Session.MaxMessageSize,
	}
	handler.NewWSHandler(svc, socketCfg, appLogger).RegisterRoutes(httpServer.Engine())
	handler.NewHTTPHandler(svc, middleware.NewAuthMiddleware(kratosLogger, validator), appLogger).RegisterRoutes(httpServer.Engine())

	grpcServer := server.NewGRPCServer(cfg.Server.GRPC.Addr, kratosLogger, loggingMW.GRPCRecovery(), loggingMW.GRPCLogging())

	// 生命周期
	lm := lifecycle.NewManager(kratosLogger, 30*time.Second)

	lm.AddHook(lifecycle.Hook{
		Name:     "infrastructure",
		Priority: 0,
		OnStart: func(ctx context.Context) error {
			if err := rc.Ping(ctx); err != nil {
				return fmt.Errorf("redis ping: %w", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if producer != nil {
				if err := producer.Close(); err != nil {
					appLogger.Warn(ctx, "Kafka producer close failed", logger.F("error", err))
				}
			}
			if err := mongoDB.Close(); err != nil {
				appLogger.Warn(ctx, "MongoDB close failed", logger.F("error", err))
			}
			if err := pg.Close(); err != nil {
				appLogger.Warn(ctx, "PostgreSQL close failed", logger.F("error", err))
			}
			if err := tp.Shutdown(ctx); err != nil {
				appLogger.Warn(ctx, "Telemetry shutdown failed", logger.F("error", err))
			}
			return rc.Close()
		},
	})

	if redisDir != nil {
		heartbeat := presence.NewProcessHeartbeat(rc, redisDir, processID, cfg.Presence.HeartbeatInterval, appLogger)
		cleaner := presence.NewCleaner(rc, redisDir, processID, cfg.Presence.HeartbeatWindow, cfg.Presence.CleanupInterval, appLogger)
		lm.AddHook(lifecycle.Hook{Name: "presence-heartbeat", Priority: 100, OnStart: heartbeat.Start, OnStop: heartbeat.Stop})
		lm.AddHook(lifecycle.Hook{Name: "presence-cleaner", Priority: 110, OnStart: cleaner.Start, OnStop: cleaner.Stop})
		lm.AddHook(lifecycle.Hook{Name: "forwarder", Priority: 120, OnStart: redisForwarder.Start, OnStop: redisForwarder.Stop})
	}

	lm.AddHook(lifecycle.Hook{
		Name:     "http-server",
		Priority: 200,
		OnStart:  httpServer.Start,
		OnStop: func(ctx context.Context) error {
			registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
			return httpServer.Stop(ctx)
		},
	})
	lm.AddHook(lifecycle.Hook{
		Name:     "grpc-server",
		Priority: 210,
		OnStart: func(ctx context.Context) error {
			if err := grpcServer.Start(ctx); err != nil {
				return err
			}
			grpcServer.SetServing(serviceName, true)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			grpcServer.SetServing(serviceName, false)
			return grpcServer.Stop(ctx)
		},
	})

	if err := lm.Start(); err != nil {
		appLogger.Fatal(ctx, "Failed to start", logger.F("error", err))
	}
	appLogger.Info(ctx, "Realtime service started",
		logger.F("http_addr", httpServer.Addr()),
		logger.F("grpc_addr", grpcServer.Addr()),
		logger.F("presence_mode", cfg.Presence.Mode))

	lm.Wait()
	appLogger.Info(ctx, "Realtime service stopped")
}

// newProcessID 主机名加随机后缀，重启后视为新进程
func newProcessID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "realtime"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
