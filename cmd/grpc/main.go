package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fekuna/omnipos-inventory-service/config"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/listener"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/publisher"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/repository"
	"github.com/fekuna/omnipos-inventory-service/internal/inventory/usecase"
	"github.com/fekuna/omnipos-inventory-service/pkg/broker"
	"github.com/fekuna/omnipos-inventory-service/pkg/cache"
	"github.com/fekuna/omnipos-inventory-service/pkg/database/postgres"
	"github.com/fekuna/omnipos-inventory-service/pkg/i18n"
	"github.com/fekuna/omnipos-inventory-service/pkg/logger"
	"github.com/fekuna/omnipos-inventory-service/pkg/tracing"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const serviceName = "omnipos-inventory-service"

func main() {
	// 1. Load Configuration
	_ = godotenv.Load() // Load .env file if it exists
	cfg := config.LoadEnv()

	// 1.5 Initialize i18n
	i18n.Init()

	// 2. Initialize Telemetry
	telemetryCfg := &tracing.Config{
		Enabled:        cfg.Tracing.Enabled,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		ServiceName:    serviceName,
		ServiceVersion: cfg.Server.Version,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}
	shutdownTracing, tracingErr := tracing.Setup(context.Background(), telemetryCfg)
	logProvider, shutdownLogs, logsErr := tracing.SetupLogs(context.Background(), telemetryCfg)

	// 2.5 Initialize Logger
	logConfig := &logger.ZapLoggerConfig{
		IsDevelopment:     false,
		Encoding:          "json",
		Level:             cfg.Logger.Level,
		DisableCaller:     cfg.Logger.DisableCaller,
		DisableStacktrace: cfg.Logger.DisableStacktrace,
	}

	if cfg.Server.AppEnv == "development" || cfg.Server.AppEnv == "dev" {
		logConfig.IsDevelopment = true
		logConfig.Encoding = cfg.Logger.Encoding
	}
	if logProvider != nil {
		logConfig.LogProvider = logProvider
		logConfig.LogScope = serviceName
	}

	appLogger := logger.NewZapLogger(logConfig)
	defer appLogger.Sync()

	if tracingErr != nil {
		appLogger.Fatal("Could not initialize tracing", zap.Error(tracingErr))
	}
	if logsErr != nil {
		appLogger.Fatal("Could not initialize log export", zap.Error(logsErr))
	}

	// 3. Initialize Repository
	var invRepo inventory.Repository
	switch cfg.Ledger.StoreDriver {
	case config.StoreDriverMemory:
		invRepo = repository.NewMemoryRepository(cfg.Ledger.LockTimeout)
		appLogger.Warn("Using in-memory inventory store; stock is lost on restart")
	default:
		db, err := postgres.NewPostgres(&postgres.Config{
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			DBName:          cfg.Postgres.DBName,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Postgres.ConnMaxLifetime) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.Postgres.ConnMaxIdleTime) * time.Second,
		})
		if err != nil {
			appLogger.Fatal("Could not connect to database", zap.Error(err))
		}
		defer db.Close()
		appLogger.Info("Connected to PostgreSQL database", zap.String("db_name", cfg.Postgres.DBName))

		pgRepo := repository.NewPGRepository(db, cfg.Ledger.LockTimeout)
		if cfg.Postgres.AutoMigrate {
			if err := pgRepo.Migrate(context.Background()); err != nil {
				appLogger.Fatal("Could not migrate inventory schema", zap.Error(err))
			}
		}
		invRepo = pgRepo
	}

	// 4. Initialize Redis
	var (
		invCache inventory.Cache
		deduper  listener.Deduper
	)
	if cfg.Redis.Enabled {
		redisClient, err := cache.NewRedisClient(&cache.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			appLogger.Fatal("Could not connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		appLogger.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))
		invCache = redisClient
		deduper = redisClient
	}

	// 5. Initialize Kafka Producer
	var (
		thresholdPublisher inventory.EventPublisher
		eventPublisher     listener.Publisher
	)
	if cfg.Kafka.Enabled {
		kafkaProducer := broker.NewProducer(&broker.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.EventsTopic,
		})
		defer kafkaProducer.Close()
		kp := publisher.NewKafkaPublisher(kafkaProducer, appLogger)
		thresholdPublisher, eventPublisher = kp, kp
		appLogger.Info("Connected to Kafka Producer", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.EventsTopic))
	} else {
		lp := publisher.NewLogPublisher(appLogger)
		thresholdPublisher, eventPublisher = lp, lp
	}

	// 6. Initialize UseCase
	invUC := usecase.NewInventoryUseCase(invRepo, invCache, thresholdPublisher, appLogger, usecase.Config{
		CacheTTL:       cfg.Ledger.CacheTTL,
		PublishTimeout: cfg.Ledger.PublishTimeout,
	})

	// 6.5 Initialize Listener
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listenerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		kafkaConsumer := broker.NewConsumer(&broker.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.OrdersTopic,
			GroupID: cfg.Kafka.GroupID,
		})
		defer kafkaConsumer.Close()
		appLogger.Info("Connected to Kafka Consumer", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.OrdersTopic))

		invListener := listener.NewInventoryListener(kafkaConsumer, invUC, deduper, eventPublisher, appLogger, listener.Config{
			DedupeTTL:       cfg.Ledger.DedupeTTL,
			RetryAttempts:   cfg.Ledger.RetryAttempts,
			RetryBaseDelay:  cfg.Ledger.RetryBaseDelay,
			RedeliveryDelay: cfg.Ledger.RedeliveryDelay,
			DefaultLanguage: cfg.Ledger.DefaultLanguage,
		})
		go func() {
			defer close(listenerDone)
			invListener.Start(ctx)
		}()
	} else {
		close(listenerDone)
	}

	// 7. Start gRPC Server
	port := cfg.Server.GRPCPort
	if !strings.HasPrefix(port, ":") {
		port = ":" + port
	}

	lis, err := net.Listen("tcp", port)
	if err != nil {
		appLogger.Fatal("failed to listen", zap.Error(err))
	}

	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Register Reflection
	reflection.Register(grpcServer)

	appLogger.Info("Starting gRPC server", zap.String("port", port))

	// Graceful Shutdown
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			appLogger.Fatal("failed to serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")
	healthServer.Shutdown()
	cancel()
	<-listenerDone
	grpcServer.GracefulStop()

	// Flush threshold events still in flight.
	invUC.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		appLogger.Warn("Failed to flush traces", zap.Error(err))
	}
	appLogger.Info("Server stopped")
	_ = appLogger.Sync()
	_ = shutdownLogs(shutdownCtx)
}
