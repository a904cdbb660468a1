// Package db is the persistence boundary: chat messages with their citation
// payloads. Postgres in production, SQLite for local runs; both go through
// the same sqlx code path.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Config holds database configuration.
type Config struct {
	Driver          string // "postgres" or "sqlite3"
	DSN             string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Client manages the connection pool.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewClient opens and verifies the connection pool.
func NewClient(cfg *Config, logger *zap.Logger) (*Client, error) {
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}

	dbx, err := sqlx.Connect(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Driver, err)
	}
	dbx.SetMaxOpenConns(cfg.MaxConnections)
	dbx.SetMaxIdleConns(cfg.IdleConnections)
	dbx.SetConnMaxLifetime(cfg.MaxLifetime)

	logger.Info("Database connected",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", cfg.MaxConnections))

	return &Client{db: dbx, logger: logger}, nil
}

// DB exposes the underlying pool for stores built on this client.
func (c *Client) DB() *sqlx.DB { return c.db }

// Ping verifies connectivity for the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) Close() error {
	return c.db.Close()
}
