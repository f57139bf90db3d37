package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collabHub/backend/config"
	"collabHub/backend/internal/auth"
	"collabHub/backend/internal/broadcast"
	"collabHub/backend/internal/cache"
	"collabHub/backend/internal/collab"
	"collabHub/backend/internal/httpapi/handlers"
	"collabHub/backend/internal/jobs"
	"collabHub/backend/internal/logging"
	"collabHub/backend/internal/metrics"
	"collabHub/backend/internal/oplog"
	"collabHub/backend/internal/presence"
	"collabHub/backend/internal/room"
	"collabHub/backend/internal/signaling"
	"collabHub/backend/internal/store"
	"collabHub/backend/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("collab server exited", zap.Error(err))
	}
}

func openStore(cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	if cfg.Mysql.DSN == "" {
		logger.Warn("mysql dsn empty, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	db, err := store.InitMySQL(cfg.Mysql.DSN)
	if err != nil {
		return nil, err
	}
	return store.NewGormStore(db, cfg.Mysql.AutoMigrate)
}

func newProducer(brokers []string) (sarama.SyncProducer, error) {
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	// 同一房间的事件落在同一分区
	kafkaCfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, kafkaCfg)
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	gin.SetMode(cfg.Running.Mode)

	st, err := openStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Redis 可选：跨实例在线名单（写入 + 查询）、离线信令通知
	var (
		mirror    presence.Mirror
		directory collab.PresenceDirectory
		notifier  signaling.Notifier = cache.NewLogNotifier(logger)
	)
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		rp := cache.NewRedisPresence(rdb)
		mirror, directory = rp, rp
		notifier = cache.NewRedisNotifier(rdb)
	}

	// Kafka 可选：已分配版本的操作流
	var events collab.EventSink
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := newProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(cfg.Kafka.Workers),
			collab.KafkaDispatcherOptions{
				QueueSize:   cfg.Kafka.Queue,
				Workers:     cfg.Kafka.Workers,
				MaxRetry:    cfg.Kafka.MaxRetry,
				BaseBackoff: cfg.Kafka.Backoff,
				MaxBackoff:  time.Second,
				Logger:      logger.Named("kafka"),
			})
		// 先于 producer.Close 执行
		defer dispatcher.Close()
		events = dispatcher
	}

	bc := broadcast.New(broadcast.Options{QueueSize: cfg.Collab.QueueSize, Logger: logger.Named("broadcast")})
	svc := collab.NewService(collab.Deps{
		Log: oplog.NewLog(st, oplog.Options{
			RingCapacity: cfg.Collab.RingCapacity,
			Logger:       logger.Named("oplog"),
		}),
		Registry: room.NewRegistry(st, cfg.Collab.RoomIdleTTL, logger.Named("room")),
		Presence: presence.NewTracker(presence.Options{
			HeartbeatTimeout: cfg.Collab.HeartbeatTimeout,
			Mirror:           mirror,
			Logger:           logger.Named("presence"),
		}),
		Broadcaster:   bc,
		Relay:         signaling.NewRelay(bc, notifier, logger.Named("signaling")),
		Events:        events,
		Directory:     directory,
		Semaphore:     collab.NewSemaphoreControl(cfg.Collab.MaxInFlight),
		Logger:        logger.Named("collab"),
		SubmitTimeout: cfg.Collab.SubmitTimeout,
	})

	maintenance := jobs.NewMaintenance(svc, jobs.Config{
		SweepSpec:    cfg.Collab.SweepSpec,
		SnapshotSpec: cfg.Collab.SnapshotSpec,
	}, logger.Named("jobs"))
	if err := maintenance.Start(); err != nil {
		return err
	}

	signer := auth.NewSigner(cfg.Auth.Secret)
	manager := ws.NewManager(svc, ws.Options{
		AllowedOrigins: cfg.Collab.Origins,
		Logger:         logger.Named("ws"),
	})

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(metrics.Middleware())
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	if len(cfg.Collab.Origins) > 0 {
		corsCfg.AllowOrigins = cfg.Collab.Origins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	r.Use(cors.New(corsCfg))

	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/collab/healthz", handlers.Healthz)
	group := r.Group("/collab")
	// 鉴权中间件：从 Authorization 或 ?token= 提取 token，写入当前用户
	group.Use(auth.Middleware(signer))
	group.GET("/ws", manager.WebSocketConnect)
	handlers.NewRoomHandler(svc, cfg.ICE).Register(group)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("collab server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		svc.RunReaper(gctx, cfg.Collab.ReapInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
		defer cancel()
		maintenance.Stop()
		// 升级后的 WebSocket 不受 Shutdown 管理，由 svc.Shutdown 之后的进程退出关闭
		err := srv.Shutdown(shutdownCtx)
		if serr := svc.Shutdown(shutdownCtx); serr != nil {
			logger.Error("final snapshots failed", zap.Error(serr))
		}
		return err
	})
	return g.Wait()
}
