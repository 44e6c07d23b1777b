package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/filipemelo-aux/agiliza-fiscal/internal/api/handler"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/api/router"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/config"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/dispatcher"
	"github.com/filipemelo-aux/agiliza-fiscal/internal/fiscal/audit"
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

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
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

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
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
	counters := storage.NewCounterStorage(db, appLogger.Logger)
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

	instanceID := instanceID()
	processor := worker.NewProcessor(documents, establishments, sefazClient, signer, recorder, appLogger.Logger)
	disp := dispatcher.NewDispatcher(
		dispatcher.Config{
			InstanceID:  instanceID,
			MaxAttempts: cfg.Worker.MaxAttempts,
		},
		documents, establishments, queue, counters, rabbitClient, processor, recorder, appLogger.Logger,
	)

	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:     appLogger.Logger,
		Dispatcher: disp,
		Queue:      queue,
		Documents:  documents,
		Audit:      recorder,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.String("instance_id", instanceID),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	cleanup := func() {
		cancel()
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// instanceID identifies this process in queue locks and sync claims.
func instanceID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "api"
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
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
