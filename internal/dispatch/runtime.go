package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/alexnthnz/delivery-engine/internal/audit"
	"github.com/alexnthnz/delivery-engine/internal/config"
	"github.com/alexnthnz/delivery-engine/internal/database"
	"github.com/alexnthnz/delivery-engine/internal/monitoring"
)

// Runtime owns the engine and its backing stores
type Runtime struct {
	Engine   *Engine
	Recorder audit.Recorder

	postgres *database.PostgresDB
	redis    *database.RedisClient
	logger   *zap.Logger
}

// NewRuntime connects the optional audit database and token store, then builds the engine
func NewRuntime(ctx context.Context, cfg *config.Config, metrics *monitoring.Metrics, logger *zap.Logger) (*Runtime, error) {
	rt := &Runtime{logger: logger}
	recorders := audit.Multi{audit.NewZapRecorder(logger)}

	if cfg.Audit.Postgres {
		db, err := database.NewPostgresDB(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		if err := db.InitSchema(); err != nil {
			db.Close()
			return nil, err
		}
		rt.postgres = db
		recorders = append(recorders, audit.NewSQLRecorder(db.DB, logger))
		logger.Info("Audit events are written to PostgreSQL")
	}
	rt.Recorder = recorders

	deps := Deps{Recorder: rt.Recorder, Metrics: metrics, Logger: logger}
	if cfg.Redis.Enabled {
		rdb, err := database.NewRedisClient(cfg.Redis)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.redis = rdb
		deps.Tokens = rdb
		logger.Info("Redis token suppression enabled")
	}

	engine, err := NewEngine(ctx, cfg, deps)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Engine = engine
	return rt, nil
}

// Close releases every resource held by the runtime
func (rt *Runtime) Close() {
	if rt.Engine != nil {
		if err := rt.Engine.Close(); err != nil {
			rt.logger.Warn("Failed to close engine", zap.Error(err))
		}
	}
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if rt.postgres != nil {
		if err := rt.postgres.Close(); err != nil {
			rt.logger.Warn("Failed to close PostgreSQL", zap.Error(err))
		}
	}
}
