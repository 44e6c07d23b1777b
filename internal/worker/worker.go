// Package worker runs the transmission engine: it claims queued fiscal
// jobs, submits them to the authority and settles the outcomes.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/filipemelo-aux/agiliza-fiscal/shared/rabbitmq"
)

// Config holds worker service configuration.
type Config struct {
	Logger        *slog.Logger
	RabbitClient  *rabbitmq.Client
	Engine        *Engine
	InstanceID    string
	PollInterval  time.Duration
	PrefetchCount int
}

// Worker drives the engine: a poll ticker guarantees progress and the
// RabbitMQ wake channel cuts the latency between enqueue and claim.
type Worker struct {
	logger       *slog.Logger
	rabbitClient *rabbitmq.Client
	engine       *Engine
	instanceID   string
	pollInterval time.Duration
	prefetch     int
	wg           sync.WaitGroup
}

// NewWorker creates a new worker instance.
func NewWorker(cfg *Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 10
	}
	return &Worker{
		logger:       cfg.Logger,
		rabbitClient: cfg.RabbitClient,
		engine:       cfg.Engine,
		instanceID:   cfg.InstanceID,
		pollInterval: pollInterval,
		prefetch:     prefetch,
	}
}

// Start runs the worker until the context is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("instance_id", w.instanceID),
		slog.Duration("poll_interval", w.pollInterval),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		// The poll ticker alone keeps the queue draining; wake messages
		// only reduce latency.
		w.logger.Error("Failed to start wake consumer, polling only",
			slog.Any("error", err),
		)
	} else {
		w.wg.Add(1)
		go w.consumeWakes(ctx, deliveries)
	}

	w.wg.Add(1)
	go w.pollLoop(ctx)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")
	w.wg.Wait()
	w.logger.Info("Worker stopped")
	return nil
}

// pollLoop runs claim cycles on a fixed interval. Maintenance piggybacks
// on the same tick. Cycles repeat immediately while full batches keep
// coming back.
func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	// First pass right away so a restart drains the backlog immediately.
	w.runCycles(ctx)
	w.engine.RunMaintenance(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runCycles(ctx)
			w.engine.RunMaintenance(ctx)
		}
	}
}

func (w *Worker) runCycles(ctx context.Context) {
	for {
		claimed, err := w.engine.RunCycle(ctx)
		if err != nil {
			w.logger.Error("Claim cycle failed", slog.Any("error", err))
			return
		}
		if claimed < w.engine.batchSize {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// setupConsumer configures QoS and starts consuming wake messages.
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := w.rabbitClient.Qos(w.prefetch); err != nil {
		return nil, err
	}
	return w.rabbitClient.Consume(w.instanceID)
}

// consumeWakes triggers a claim cycle for each wake message. The message
// only signals that work exists; the claim statement decides who runs it,
// so every well-formed wake is acked regardless of the cycle outcome.
func (w *Worker) consumeWakes(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("Wake channel closed")
				return
			}

			var msg struct {
				JobID string `json:"job_id"`
			}
			if err := json.Unmarshal(delivery.Body, &msg); err != nil {
				w.logger.Error("Malformed wake message",
					slog.String("body", string(delivery.Body)),
					slog.Any("error", err),
				)
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message", slog.Any("error", nackErr))
				}
				continue
			}

			w.logger.Debug("Wake received", slog.String("job_id", msg.JobID))
			if _, err := w.engine.RunCycle(ctx); err != nil {
				w.logger.Error("Claim cycle failed on wake", slog.Any("error", err))
			}
			if ackErr := delivery.Ack(false); ackErr != nil {
				w.logger.Error("Failed to ACK wake message", slog.Any("error", ackErr))
			}
		}
	}
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func nullableString(s string) (ns sql.NullString) {
	if s != "" {
		ns.String = s
		ns.Valid = true
	}
	return ns
}
