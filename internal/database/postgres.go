package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/alexnthnz/delivery-engine/internal/config"
	_ "github.com/lib/pq"
)

// PostgresDB wraps sql.DB for PostgreSQL operations
type PostgresDB struct {
	*sql.DB
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(cfg config.DatabaseConfig) (*PostgresDB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresDB{DB: db}, nil
}

// InitSchema creates the append-only delivery audit table
func (db *PostgresDB) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS delivery_events (
		id UUID PRIMARY KEY,
		notification_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255),
		channel VARCHAR(16) NOT NULL, -- email, sms, push
		event_type VARCHAR(64) NOT NULL,
		level VARCHAR(16) NOT NULL,
		recipient VARCHAR(255), -- always masked
		attempt INTEGER DEFAULT 0,
		code VARCHAR(64),
		error_message TEXT,
		duration_ms BIGINT DEFAULT 0,
		details JSONB,
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_delivery_events_notification_id ON delivery_events(notification_id);
	CREATE INDEX IF NOT EXISTS idx_delivery_events_event_type ON delivery_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_delivery_events_occurred_at ON delivery_events(occurred_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (db *PostgresDB) Close() error {
	return db.DB.Close()
}
