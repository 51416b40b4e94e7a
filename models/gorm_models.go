// models/gorm_models.go
package models

import (
	"time"

	"gorm.io/gorm"
)

// GormGameRecord 游戏记录模型
type GormGameRecord struct {
	gorm.Model
	SessionID   string         `gorm:"uniqueIndex;not null"`
	RoomCode    string         `gorm:"index;not null"`
	GameType    string         `gorm:"not null"`
	Rounds      int            `gorm:"default:0"`
	TotalRounds int            `gorm:"default:0"`
	EndReason   string         `gorm:"default:''"`
	StartedAt   time.Time      `gorm:"not null"`
	EndedAt     time.Time      `gorm:"index;not null"`
	Scores      []GormScoreRow `gorm:"foreignKey:GameRecordID;constraint:OnDelete:CASCADE"`
}

func (GormGameRecord) TableName() string { return "game_records" }

// GormScoreRow is one player's final standing in a stored game.
type GormScoreRow struct {
	ID           uint   `gorm:"primaryKey"`
	GameRecordID uint   `gorm:"index;not null"`
	PlayerID     string `gorm:"not null"`
	UserID       string `gorm:"index"`
	Name         string `gorm:"not null"`
	Score        int    `gorm:"not null"`
	Rank         int    `gorm:"not null"`
}

func (GormScoreRow) TableName() string { return "game_scores" }

// NewGormGameRecord flattens a summary into its table rows.
func NewGormGameRecord(s *GameSummary) *GormGameRecord {
	rec := &GormGameRecord{
		SessionID:   s.SessionID,
		RoomCode:    s.RoomCode,
		GameType:    s.GameType,
		Rounds:      s.Rounds,
		TotalRounds: s.TotalRounds,
		EndReason:   s.EndReason,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
	}
	for _, e := range s.FinalScores {
		rec.Scores = append(rec.Scores, GormScoreRow{
			PlayerID: e.PlayerID,
			UserID:   e.UserID,
			Name:     e.Name,
			Score:    e.Score,
			Rank:     e.Rank,
		})
	}
	return rec
}

// Summary converts a stored record back into its domain form.
func (r *GormGameRecord) Summary() *GameSummary {
	s := &GameSummary{
		SessionID:   r.SessionID,
		RoomCode:    r.RoomCode,
		GameType:    r.GameType,
		Rounds:      r.Rounds,
		TotalRounds: r.TotalRounds,
		EndReason:   r.EndReason,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
	}
	for _, row := range r.Scores {
		s.FinalScores = append(s.FinalScores, ScoreEntry{
			PlayerID: row.PlayerID,
			UserID:   row.UserID,
			Name:     row.Name,
			Score:    row.Score,
			Rank:     row.Rank,
		})
	}
	return s
}
