// services/result_service.go
package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/wfunc/partyserver/logger"
	"github.com/wfunc/partyserver/models"
	"github.com/wfunc/partyserver/persistence"
)

var ErrServiceClosed = errors.New("result service closed")

type ResultOptions struct {
	Workers      int
	QueueSize    int
	SaveTimeout  time.Duration
	SaveAttempts int
	RetryBackoff time.Duration
}

// ResultService persists finished games off the hot path and answers stats
// queries from the store.
type ResultService struct {
	db    persistence.Database
	opts  ResultOptions
	queue chan *models.GameSummary

	loop      conc.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func NewResultService(db persistence.Database, opts ResultOptions) *ResultService {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 5 * time.Second
	}
	if opts.SaveAttempts <= 0 {
		opts.SaveAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}

	s := &ResultService{
		db:    db,
		opts:  opts,
		queue: make(chan *models.GameSummary, opts.QueueSize),
	}
	s.loop.Go(s.run)
	return s
}

// Record queues a summary for storage without blocking the caller. When the
// queue is full the summary is dropped and logged.
func (s *ResultService) Record(summary *models.GameSummary) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		logger.Log.Errorf("result for %s dropped: %v", summary.SessionID, ErrServiceClosed)
		return
	}
	select {
	case s.queue <- summary:
	default:
		logger.Log.Errorf("result queue full, dropping %s (%s in %s)", summary.SessionID, summary.GameType, summary.RoomCode)
	}
}

func (s *ResultService) run() {
	workers := pool.New().WithMaxGoroutines(s.opts.Workers)
	for summary := range s.queue {
		summary := summary
		workers.Go(func() { s.save(summary) })
	}
	workers.Wait()
}

func (s *ResultService) save(summary *models.GameSummary) {
	var err error
	for attempt := 1; attempt <= s.opts.SaveAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.SaveTimeout)
		err = s.db.SaveGameSummary(ctx, summary)
		cancel()
		if err == nil {
			logger.Log.Infof("stored game %s (%s, %s)", summary.SessionID, summary.GameType, summary.EndReason)
			return
		}
		logger.Log.Warnf("store game %s, attempt %d: %v", summary.SessionID, attempt, err)
		if attempt < s.opts.SaveAttempts {
			time.Sleep(time.Duration(attempt) * s.opts.RetryBackoff)
		}
	}
	logger.Log.Errorf("game %s not stored: %v", summary.SessionID, err)
}

// PlayerStats 获取玩家统计
func (s *ResultService) PlayerStats(ctx context.Context, userID string) (*models.PlayerStats, error) {
	return s.db.GetPlayerStats(ctx, userID)
}

func (s *ResultService) RecentGames(ctx context.Context, limit int) ([]*models.GameSummary, error) {
	return s.db.ListGameSummaries(ctx, limit)
}

// Close stops accepting results and waits for queued ones to be stored.
func (s *ResultService) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		s.loop.Wait()
	})
}
