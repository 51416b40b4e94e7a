// persistence/interface.go
package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/wfunc/partyserver/config"
	"github.com/wfunc/partyserver/models"
)

// Database stores finished games. Saving is idempotent per session id, so a
// retried write never produces a second record.
type Database interface {
	SaveGameSummary(ctx context.Context, summary *models.GameSummary) error
	// ListGameSummaries returns the most recently ended games first.
	ListGameSummaries(ctx context.Context, limit int) ([]*models.GameSummary, error)
	GetPlayerStats(ctx context.Context, userID string) (*models.PlayerStats, error)
	Close() error
}

// 错误定义
var (
	ErrRecordNotFound = errors.New("record not found")
	ErrUnknownDriver  = errors.New("unknown database driver")
)

const defaultListLimit = 50

// Open picks the store named by cfg.Driver.
func Open(cfg config.DatabaseConfig) (Database, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "gorm":
		return NewGormPostgreSQL(cfg.Postgres)
	case "postgres":
		return NewPostgreSQL(cfg.Postgres)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}

func dsn(cfg config.PostgresConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)
}

func listLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return limit
}
