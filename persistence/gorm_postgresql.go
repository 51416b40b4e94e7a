// persistence/gorm_postgresql.go
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/wfunc/partyserver/config"
	"github.com/wfunc/partyserver/logger"
	"github.com/wfunc/partyserver/models"
)

// GormPostgreSQL 使用GORM的PostgreSQL实现
type GormPostgreSQL struct {
	db *gorm.DB
}

// zapWriter routes gorm's slow query and error output into the service log.
type zapWriter struct{}

func (zapWriter) Printf(format string, args ...interface{}) {
	logger.Log.Warnf(format, args...)
}

func NewGormPostgreSQL(cfg config.PostgresConfig) (*GormPostgreSQL, error) {
	gormLogger := gormlogger.New(zapWriter{}, gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})

	db, err := gorm.Open(postgres.Open(dsn(cfg)), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.GormGameRecord{}, &models.GormScoreRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormPostgreSQL{db: db}, nil
}

func (p *GormPostgreSQL) SaveGameSummary(ctx context.Context, summary *models.GameSummary) error {
	rec := models.NewGormGameRecord(summary)
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.GormGameRecord
		err := tx.Select("id").Where("session_id = ?", rec.SessionID).First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(rec).Error
	})
}

func (p *GormPostgreSQL) ListGameSummaries(ctx context.Context, limit int) ([]*models.GameSummary, error) {
	var records []models.GormGameRecord
	err := p.db.WithContext(ctx).
		Preload("Scores", func(db *gorm.DB) *gorm.DB { return db.Order("rank ASC") }).
		Order("ended_at DESC").
		Limit(listLimit(limit)).
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	summaries := make([]*models.GameSummary, len(records))
	for i := range records {
		summaries[i] = records[i].Summary()
	}
	return summaries, nil
}

type statsRow struct {
	TotalGames int
	Wins       int
	TotalScore int64
	BestScore  int
}

func (p *GormPostgreSQL) GetPlayerStats(ctx context.Context, userID string) (*models.PlayerStats, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrRecordNotFound)
	}
	var row statsRow
	err := p.db.WithContext(ctx).
		Model(&models.GormScoreRow{}).
		Select(`COUNT(*) AS total_games,
			COALESCE(SUM(CASE WHEN rank = 1 THEN 1 ELSE 0 END), 0) AS wins,
			COALESCE(SUM(score), 0) AS total_score,
			COALESCE(MAX(score), 0) AS best_score`).
		Where("user_id = ?", userID).
		Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.TotalGames == 0 {
		return nil, fmt.Errorf("%w: no games for %s", ErrRecordNotFound, userID)
	}
	return &models.PlayerStats{
		UserID:     userID,
		TotalGames: row.TotalGames,
		Wins:       row.Wins,
		TotalScore: row.TotalScore,
		BestScore:  row.BestScore,
	}, nil
}

func (p *GormPostgreSQL) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
