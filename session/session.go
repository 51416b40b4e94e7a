// session/session.go
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wfunc/partyserver/logger"
	"github.com/wfunc/partyserver/network"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrSlowConsumer  = errors.New("send queue full")
	// ErrNotInRoom means the connection is not bound to the player it acts for.
	ErrNotInRoom   = errors.New("connection is not in the room")
	ErrRateLimited = errors.New("too many actions")
)

type Options struct {
	QueueSize   int
	ActionRate  float64 // actions per second, 0 disables the limit
	ActionBurst int
}

type outbound struct {
	msgID uint16
	data  []byte
	// flushed marks a Flush barrier instead of a frame.
	flushed chan struct{}
}

// Session is one transport connection. Writes go through a bounded queue
// drained by a single writer goroutine, so a slow client never blocks the
// caller; when the queue overflows the session is closed.
type Session struct {
	ID         string
	Conn       network.Connection
	CreatedAt  time.Time
	LastActive time.Time

	roomCode string
	playerID string
	userID   string
	host     bool
	mutex    sync.RWMutex

	limiter   *rate.Limiter
	outbox    chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

func NewSession(id string, conn network.Connection, opts Options) *Session {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	limit := rate.Inf
	if opts.ActionRate > 0 {
		limit = rate.Limit(opts.ActionRate)
	}
	if opts.ActionBurst <= 0 {
		opts.ActionBurst = 1
	}

	now := time.Now()
	s := &Session{
		ID:         id,
		Conn:       conn,
		CreatedAt:  now,
		LastActive: now,
		limiter:    rate.NewLimiter(limit, opts.ActionBurst),
		outbox:     make(chan outbound, opts.QueueSize),
		done:       make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Session) writeLoop() {
	for {
		select {
		case m := <-s.outbox:
			if m.flushed != nil {
				close(m.flushed)
				continue
			}
			if err := s.Conn.Send(m.msgID, m.data); err != nil {
				logger.Log.Warnf("session %s: write failed: %v", s.ID, err)
				_ = s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// Send queues a frame without blocking.
func (s *Session) Send(msgID uint16, data []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbox <- outbound{msgID: msgID, data: data}:
		return nil
	default:
		logger.Log.Warnf("session %s: dropping slow consumer", s.ID)
		_ = s.Close()
		return ErrSlowConsumer
	}
}

// Flush waits until every frame queued before the call has been written.
func (s *Session) Flush(ctx context.Context) error {
	barrier := outbound{flushed: make(chan struct{})}
	select {
	case s.outbox <- barrier:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-barrier.flushed:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Allow spends one action token.
func (s *Session) Allow() bool {
	return s.limiter.Allow()
}

// Touch records inbound activity.
func (s *Session) Touch() {
	s.mutex.Lock()
	s.LastActive = time.Now()
	s.mutex.Unlock()
}

// Bind ties the connection to a seat, or to the host display when host is set.
func (s *Session) Bind(roomCode, playerID, userID string, host bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.roomCode, s.playerID, s.userID, s.host = roomCode, playerID, userID, host
}

func (s *Session) Unbind() {
	s.Bind("", "", "", false)
}

func (s *Session) RoomCode() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.roomCode
}

func (s *Session) PlayerID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.playerID
}

func (s *Session) UserID() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.userID
}

func (s *Session) IsHost() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.host
}

func (s *Session) GetID() string {
	return s.ID
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.Conn.Close()
	})
	return err
}

// Session管理器
type Manager struct {
	sessions map[string]*Session
	mutex    sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Add(session *Session) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sessions[session.ID] = session
}

func (m *Manager) Remove(sessionID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.sessions, sessionID)
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

func (m *Manager) All() []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		result = append(result, session)
	}
	return result
}

// InRoom returns the sessions bound to roomCode, players and host alike.
func (m *Manager) InRoom(roomCode string) []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var result []*Session
	for _, session := range m.sessions {
		if roomCode != "" && session.RoomCode() == roomCode {
			result = append(result, session)
		}
	}
	return result
}
