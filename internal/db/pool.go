// Package db holds the PostgreSQL pool used for the duplicate-invoice check.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/facturaIA/nfce-invoice-parser/internal/logger"
)

// ErrNotConfigured is returned by Init when no database settings are present.
var ErrNotConfigured = errors.New("no database configuration")

// Pool is the global database connection pool
var Pool *pgxpool.Pool

// Init initializes the database connection pool from DATABASE_URL or DB_* variables
func Init(ctx context.Context) error {
	log := logger.Named("db")

	databaseURL := DatabaseURL()
	if databaseURL == "" {
		// Running without a database only disables the duplicate check.
		log.Infow("No database configuration found, duplicate check disabled")
		return ErrNotConfigured
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pool settings sized for PgBouncer
	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 1 * time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	Pool = pool
	log.Infow("Database connection pool initialized", "maxConns", config.MaxConns)
	return nil
}

// DatabaseURL returns DATABASE_URL, or a URL assembled from DB_HOST, DB_PORT, DB_USER,
// DB_PASSWORD and DB_NAME. It is empty when neither is configured.
func DatabaseURL() string {
	if u := os.Getenv("DATABASE_URL"); u != "" {
		return u
	}
	host := os.Getenv("DB_HOST")
	user := os.Getenv("DB_USER")
	dbname := os.Getenv("DB_NAME")
	if host == "" || user == "" || dbname == "" {
		return ""
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgresql://%s:%s@%s:%s/%s?sslmode=disable",
		user, os.Getenv("DB_PASSWORD"), host, port, dbname)
}

// Close closes the database connection pool
func Close() {
	if Pool != nil {
		Pool.Close()
		logger.Named("db").Infow("Database connection pool closed")
	}
}

// GetPool returns the current connection pool
func GetPool() *pgxpool.Pool {
	return Pool
}
