// persistence/memory.go
package persistence

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wfunc/partyserver/models"
)

// Memory keeps summaries in process. It backs tests and single-node setups
// that do not need history across restarts.
type Memory struct {
	mu        sync.RWMutex
	summaries map[string]*models.GameSummary
}

func NewMemory() *Memory {
	return &Memory{summaries: make(map[string]*models.GameSummary)}
}

func (m *Memory) SaveGameSummary(ctx context.Context, summary *models.GameSummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if summary == nil || summary.SessionID == "" {
		return fmt.Errorf("save summary: missing session id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.summaries[summary.SessionID]; ok {
		return nil
	}
	m.summaries[summary.SessionID] = cloneSummary(summary)
	return nil
}

func (m *Memory) ListGameSummaries(ctx context.Context, limit int) ([]*models.GameSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	all := make([]*models.GameSummary, 0, len(m.summaries))
	for _, s := range m.summaries {
		all = append(all, cloneSummary(s))
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].EndedAt.Equal(all[j].EndedAt) {
			return all[i].EndedAt.After(all[j].EndedAt)
		}
		return all[i].SessionID < all[j].SessionID
	})
	if n := listLimit(limit); len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (m *Memory) GetPlayerStats(ctx context.Context, userID string) (*models.PlayerStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: empty user id", ErrRecordNotFound)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &models.PlayerStats{UserID: userID}
	for _, s := range m.summaries {
		stats.Accumulate(s)
	}
	if stats.TotalGames == 0 {
		return nil, fmt.Errorf("%w: no games for %s", ErrRecordNotFound, userID)
	}
	return stats, nil
}

func (m *Memory) Close() error { return nil }

func cloneSummary(s *models.GameSummary) *models.GameSummary {
	c := *s
	c.FinalScores = append([]models.ScoreEntry(nil), s.FinalScores...)
	return &c
}
