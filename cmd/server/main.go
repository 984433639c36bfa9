package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"loyaltyledger/internal/config"
	"loyaltyledger/internal/handler"
	"loyaltyledger/internal/infrastructure/cache"
	"loyaltyledger/internal/infrastructure/database"
	"loyaltyledger/internal/infrastructure/lock"
	"loyaltyledger/internal/infrastructure/mq"
	"loyaltyledger/internal/job"
	"loyaltyledger/internal/service"
	"loyaltyledger/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.Mode)
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		logger.Fatal("初始化 ID 生成器失败", zap.Error(err))
	}

	db, err := database.Open(&cfg.Database)
	if err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}

	redisClient, err := cache.NewRedis(&cfg.Redis)
	if err != nil {
		logger.Fatal("初始化 Redis 失败", zap.Error(err))
	}
	defer redisClient.Close()

	producer, err := mq.NewKafkaProducer(&cfg.Kafka)
	if err != nil {
		logger.Fatal("初始化 Kafka 失败", zap.Error(err))
	}
	defer producer.Close()

	location, err := time.LoadLocation(cfg.Loyalty.Timezone)
	if err != nil {
		logger.Fatal("时区配置错误", zap.String("timezone", cfg.Loyalty.Timezone), zap.Error(err))
	}
	rate, _ := cfg.Loyalty.CurrencyRate()

	ledger := service.NewLedgerService(db, service.LedgerConfig{
		ExpiryMonths:     cfg.Loyalty.ExpiryMonths,
		CurrencyPerPoint: rate,
		EventTopic:       cfg.Kafka.Topic.PointsEvent,
		Location:         location,
	})
	logger.Info("积分账本初始化完成",
		zap.Int("expiry_months", cfg.Loyalty.ExpiryMonths),
		zap.Bool("expiration_enabled", ledger.ExpirationEnabled()),
		zap.String("currency_per_point", rate.String()))

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg.Business.MaxRetryCount)
	go outboxSender.Start(ctx)

	reconcileInterval := time.Duration(cfg.Business.ReconcileIntervalSeconds) * time.Second
	reconcileJob := job.NewReconcileJob(db, ledger,
		lock.NewJobLock(redisClient, "reconcile", reconcileInterval),
		reconcileInterval,
		cfg.Business.ReconcileBatchSize)
	go reconcileJob.Start(ctx)

	router := handler.SetupRouter(ledger, cfg.Server.Mode)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("服务启动失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("正在关闭服务...")

	// 先停后台任务，再关 HTTP
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务关闭异常", zap.Error(err))
	}

	logger.Info("服务已关闭")
}

func newLogger(mode string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if mode == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	return logger
}
