// persistence/postgresql.go
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/wfunc/partyserver/config"
	"github.com/wfunc/partyserver/models"
)

// PostgreSQL is the database/sql store on lib/pq. It shares its tables with
// the gorm store, so either driver can read what the other wrote.
type PostgreSQL struct {
	db *sql.DB
}

func NewPostgreSQL(cfg config.PostgresConfig) (*PostgreSQL, error) {
	db, err := sql.Open("postgres", dsn(cfg))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := initTables(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init tables: %w", err)
	}
	return &PostgreSQL{db: db}, nil
}

func initTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS game_records (
            id BIGSERIAL PRIMARY KEY,
            created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
            deleted_at TIMESTAMPTZ,
            session_id TEXT NOT NULL,
            room_code TEXT NOT NULL,
            game_type TEXT NOT NULL,
            rounds BIGINT DEFAULT 0,
            total_rounds BIGINT DEFAULT 0,
            end_reason TEXT DEFAULT '',
            started_at TIMESTAMPTZ NOT NULL,
            ended_at TIMESTAMPTZ NOT NULL
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS game_scores (
            id BIGSERIAL PRIMARY KEY,
            game_record_id BIGINT NOT NULL REFERENCES game_records(id) ON DELETE CASCADE,
            player_id TEXT NOT NULL,
            user_id TEXT,
            name TEXT NOT NULL,
            score BIGINT NOT NULL,
            rank BIGINT NOT NULL
        )
    `)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
        CREATE UNIQUE INDEX IF NOT EXISTS idx_game_records_session_id ON game_records(session_id);
        CREATE INDEX IF NOT EXISTS idx_game_records_room_code ON game_records(room_code);
        CREATE INDEX IF NOT EXISTS idx_game_records_ended_at ON game_records(ended_at);
        CREATE INDEX IF NOT EXISTS idx_game_scores_game_record_id ON game_scores(game_record_id);
        CREATE INDEX IF NOT EXISTS idx_game_scores_user_id ON game_scores(user_id);
    `)
	return err
}

func (p *PostgreSQL) SaveGameSummary(ctx context.Context, s *models.GameSummary) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
        INSERT INTO game_records (session_id, room_code, game_type, rounds, total_rounds, end_reason, started_at, ended_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (session_id) DO NOTHING
        RETURNING id
    `, s.SessionID, s.RoomCode, s.GameType, s.Rounds, s.TotalRounds, s.EndReason, s.StartedAt, s.EndedAt).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		// already stored
		return nil
	}
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("game_scores", "game_record_id", "player_id", "user_id", "name", "score", "rank"))
	if err != nil {
		return err
	}
	for _, e := range s.FinalScores {
		if _, err := stmt.ExecContext(ctx, id, e.PlayerID, e.UserID, e.Name, e.Score, e.Rank); err != nil {
			stmt.Close()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgreSQL) ListGameSummaries(ctx context.Context, limit int) ([]*models.GameSummary, error) {
	rows, err := p.db.QueryContext(ctx, `
        SELECT id, session_id, room_code, game_type, rounds, total_rounds, end_reason, started_at, ended_at
        FROM game_records
        WHERE deleted_at IS NULL
        ORDER BY ended_at DESC
        LIMIT $1
    `, listLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	byID := make(map[int64]*models.GameSummary)
	var summaries []*models.GameSummary
	for rows.Next() {
		var id int64
		s := &models.GameSummary{}
		if err := rows.Scan(&id, &s.SessionID, &s.RoomCode, &s.GameType, &s.Rounds, &s.TotalRounds, &s.EndReason, &s.StartedAt, &s.EndedAt); err != nil {
			return nil, err
		}
		ids = append(ids, id)
		byID[id] = s
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return summaries, nil
	}

	scoreRows, err := p.db.QueryContext(ctx, `
        SELECT game_record_id, player_id, COALESCE(user_id, ''), name, score, rank
        FROM game_scores
        WHERE game_record_id = ANY($1)
        ORDER BY game_record_id, rank
    `, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer scoreRows.Close()

	for scoreRows.Next() {
		var id int64
		var e models.ScoreEntry
		if err := scoreRows.Scan(&id, &e.PlayerID, &e.UserID, &e.Name, &e.Score, &e.Rank); err != nil {
			return nil, err
		}
		if s, ok := byID[id]; ok {
			s.FinalScores = append(s.FinalScores, e)
		}
	}
	return summaries, scoreRows.Err()
}

func (p *PostgreSQL) GetPlayerStats(ctx context.Context, userID string) (*models.PlayerStats, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrRecordNotFound)
	}
	stats := &models.PlayerStats{UserID: userID}
	err := p.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(CASE WHEN s.rank = 1 THEN 1 ELSE 0 END), 0),
               COALESCE(SUM(s.score), 0),
               COALESCE(MAX(s.score), 0)
        FROM game_scores s
        JOIN game_records r ON r.id = s.game_record_id AND r.deleted_at IS NULL
        WHERE s.user_id = $1
    `, userID).Scan(&stats.TotalGames, &stats.Wins, &stats.TotalScore, &stats.BestScore)
	if err != nil {
		return nil, err
	}
	if stats.TotalGames == 0 {
		return nil, fmt.Errorf("%w: no games for %s", ErrRecordNotFound, userID)
	}
	return stats, nil
}

func (p *PostgreSQL) Close() error {
	return p.db.Close()
}
