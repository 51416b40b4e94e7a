// models/models.go
package models

import (
	"time"
)

// ScoreEntry is one row of a leaderboard. Rank is 1-based; equal scores are
// ordered by who reached the score first.
type ScoreEntry struct {
	PlayerID string `json:"playerId"`
	UserID   string `json:"userId,omitempty"`
	Name     string `json:"name"`
	Score    int    `json:"score"`
	Rank     int    `json:"rank"`
}

// GameSummary is the immutable record emitted once per finished game.
type GameSummary struct {
	SessionID   string       `json:"session_id"`
	RoomCode    string       `json:"room_code"`
	GameType    string       `json:"game_type"`
	Rounds      int          `json:"rounds"`
	TotalRounds int          `json:"total_rounds"`
	EndReason   string       `json:"end_reason"`
	FinalScores []ScoreEntry `json:"final_scores"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     time.Time    `json:"ended_at"`
}

// Winner returns the top ranked entry, if any.
func (s *GameSummary) Winner() (ScoreEntry, bool) {
	for _, e := range s.FinalScores {
		if e.Rank == 1 {
			return e, true
		}
	}
	return ScoreEntry{}, false
}

// PlayerStats 玩家统计信息
type PlayerStats struct {
	UserID     string `json:"user_id"`
	TotalGames int    `json:"total_games"`
	Wins       int    `json:"wins"`
	TotalScore int64  `json:"total_score"`
	BestScore  int    `json:"best_score"`
}

// Accumulate folds one finished game into the stats of userID.
func (p *PlayerStats) Accumulate(s *GameSummary) {
	for _, e := range s.FinalScores {
		if e.UserID != p.UserID {
			continue
		}
		p.TotalGames++
		p.TotalScore += int64(e.Score)
		if e.Score > p.BestScore {
			p.BestScore = e.Score
		}
		if e.Rank == 1 {
			p.Wins++
		}
		return
	}
}
