// internal/db/db.go
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/dispatch-engine/internal/config"
)

var DB *sql.DB

// Open connects to Postgres and pings it.
func Open(ctx context.Context, cfg config.Database) (*sql.DB, error) {
	logrus.WithFields(logrus.Fields{
		"host": cfg.Host,
		"name": cfg.Name,
		"user": cfg.User,
	}).Info("[DB] Connecting")

	conn, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logrus.Info("[DB] Connected to database")
	return conn, nil
}

// Init opens the shared connection used by the cmd entrypoints.
func Init(cfg config.Database) {
	conn, err := Open(context.Background(), cfg)
	if err != nil {
		logrus.Fatalf("[DB] %v", err)
	}
	DB = conn
}
