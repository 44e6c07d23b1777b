package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/config"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/audit"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/contingency"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/sefaz"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/signing"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/storage"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/worker"
	"github.com/filipemelo-aux/agiliza-fiscal/shared/logger"
	"github.com/filipemelo-aux/agiliza-fiscal/shared/postgresql"
	"github.com/filipemelo-aux/agiliza-fiscal/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	db := dbClient.GetDB()
	documents := storage.NewDocumentStorage(db, appLogger.Logger)
	queue := storage.NewQueueStorage(db, appLogger.Logger)
	establishments := storage.NewEstablishmentStorage(db, appLogger.Logger)
	auditStore := storage.NewAuditStorage(db, appLogger.Logger)
	recorder := audit.NewRecorder(auditStore, appLogger.Logger)

	sefazClient := sefaz.NewClient(&sefaz.Config{
		RequestTimeout: cfg.Sefaz.RequestTimeout,
	}, appLogger.Logger)

	signer := signing.NewClient(&signing.Config{
		BaseURL:        cfg.Signer.BaseURL,
		APIKey:         cfg.Signer.APIKey,
		RequestTimeout: cfg.Signer.RequestTimeout,
	}, appLogger.Logger)

	manager := contingency.NewManager(
		establishments, queue, sefazClient, recorder,
		cfg.Worker.ProbeInterval, appLogger.Logger,
	)

	instanceID := instanceID()
	processor := worker.NewProcessor(documents, establishments, sefazClient, signer, recorder, appLogger.Logger)
	engine := worker.NewEngine(
		worker.EngineConfig{
			InstanceID:   instanceID,
			BatchSize:    cfg.Worker.BatchSize,
			MaxAttempts:  cfg.Worker.MaxAttempts,
			StaleTimeout: cfg.Worker.StaleTimeout,
		},
		queue, documents, establishments, processor, manager, recorder, appLogger.Logger,
	)

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		RabbitClient:  rabbitClient,
		Engine:        engine,
		InstanceID:    instanceID,
		PollInterval:  cfg.Worker.PollInterval,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		errChan <- workerInstance.Start(ctx)
	}()

	appLogger.Info("Worker service started successfully",
		slog.String("instance_id", instanceID),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		if err != nil {
			appLogger.Error("Worker error",
				slog.Any("error", err),
			)
			return err
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Start returns once in-flight work has drained.
	select {
	case <-errChan:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	if dbClient != nil {
		dbClient.Close()
	}
	if rabbitClient != nil {
		rabbitClient.Close()
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// instanceID identifies this worker in queue locks.
func instanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}
