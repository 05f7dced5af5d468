package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/api/grpc"
	"github.com/alexnthnz/delivery-engine/api/rest"
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

	logger.Info("Starting Delivery API Service")

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

	// Initialize Kafka producer for asynchronous deliveries
	producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
	defer producer.Close()

	service := dispatch.NewService(runtime.Engine.Manager, nil, dispatch.Config{}, metrics, logger)

	var health rest.HealthReporter
	var grpcHealth grpc.HealthReporter
	if runtime.Engine.Push != nil {
		health = runtime.Engine.Push
		grpcHealth = runtime.Engine.Push
	}

	handler := rest.NewHandler(service, producer, health, metrics, logger)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      handler.SetupRoutes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// gRPC health endpoint
	grpcServer := grpc.NewServer(grpcHealth, logger)
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.GRPCPort))
	if err != nil {
		logger.Fatal("Failed to listen for gRPC", zap.Error(err))
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	go grpcServer.Watch(ctx, 15*time.Second)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("Server exited")
}
