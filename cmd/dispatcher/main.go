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

	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/internal/config"
	"github.com/alexnthnz/delivery-engine/internal/dispatch"
	"github.com/alexnthnz/delivery-engine/internal/monitoring"
	"github.com/alexnthnz/delivery-engine/internal/queue"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting Delivery Dispatcher")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	metrics := monitoring.NewMetrics(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime, err := dispatch.NewRuntime(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Fatal("Failed to initialize delivery engine", zap.Error(err))
	}
	defer runtime.Close()

	// Retryable failures go to the retry topic, which this consumer also reads
	retries := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.RetryTopic, logger)
	defer retries.Close()

	service := dispatch.NewService(runtime.Engine.Manager, retries, dispatch.Config{
		MaxAttempts: cfg.Kafka.MaxRequeues + 1,
		Backoff:     dispatch.SMSBackoff(cfg.Delivery.SMS),
	}, metrics, logger)

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID,
		[]string{cfg.Kafka.Topic, cfg.Kafka.RetryTopic}, cfg.Kafka.ConsumerWorkers, logger)
	defer consumer.Close()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler())
		metricsServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("Starting metrics server", zap.Int("port", cfg.Metrics.Port))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", zap.Error(err))
			}
		}()
		defer metricsServer.Close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("Consuming notifications",
			zap.Strings("topics", []string{cfg.Kafka.Topic, cfg.Kafka.RetryTopic}),
			zap.Int("workers", cfg.Kafka.ConsumerWorkers),
		)
		if err := consumer.ConsumeNotifications(ctx, service.Handle); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Consumer error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	logger.Info("Shutting down dispatcher...")
	cancel()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("Timed out waiting for in-flight notifications")
	}
	logger.Info("Dispatcher exited")
}
