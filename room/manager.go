package room

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wfunc/partyserver/logger"
	"github.com/wfunc/partyserver/rules"
	"github.com/wfunc/partyserver/state"
)

// Manager maps room codes to rooms. Its lock only guards the map; room state
// has its own lock.
type Manager struct {
	rooms     map[string]*Room
	catalog   *rules.Catalog
	opts      Options
	idleGrace time.Duration
	mutex     sync.RWMutex
}

func NewRoomManager(catalog *rules.Catalog, opts Options, idleGrace time.Duration) *Manager {
	if idleGrace <= 0 {
		idleGrace = 5 * time.Minute
	}
	return &Manager{
		rooms:     make(map[string]*Room),
		catalog:   catalog,
		opts:      opts,
		idleGrace: idleGrace,
	}
}

// GetOrCreate returns the room for code, creating it in lobby on first use.
// An existing room must match gameType and totalRounds.
func (m *Manager) GetOrCreate(code, gameType string, totalRounds int) (*Room, bool, error) {
	if code == "" {
		return nil, false, fmt.Errorf("%w: empty room code", rules.ErrInvalidPayload)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if r, ok := m.rooms[code]; ok {
		if r.GameType() != gameType || (totalRounds > 0 && r.TotalRounds() != totalRounds) {
			return nil, false, fmt.Errorf("%w: %s is %s/%d rounds", ErrRoomCodeConflict, code, r.GameType(), r.TotalRounds())
		}
		return r, false, nil
	}

	module, err := m.catalog.Lookup(gameType)
	if err != nil {
		return nil, false, err
	}
	r := NewRoom(code, module, totalRounds, m.opts)
	m.rooms[code] = r
	logger.Log.Infof("room %s created for %s, %d rounds", code, gameType, r.TotalRounds())
	return r, true, nil
}

func (m *Manager) Get(code string) (*Room, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	r, ok := m.rooms[code]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}
	return r, nil
}

// Rooms returns every room sorted by code.
func (m *Manager) Rooms() []*Room {
	m.mutex.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mutex.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Code() < rooms[j].Code() })
	return rooms
}

func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.rooms)
}

// Sweep drops ended rooms and rooms nobody has been attached to for longer
// than the idle grace. The code is free for reuse afterwards. When lock is
// set, each room is checked and removed while holding lock(code), so a
// caller that serializes joins per code never seats a player in a room that
// is being dropped.
func (m *Manager) Sweep(now time.Time, lock func(code string) func()) []string {
	var removed []string
	for _, r := range m.Rooms() {
		code := r.Code()
		if lock != nil {
			unlock := lock(code)
			if m.sweepRoom(r, now) {
				removed = append(removed, code)
			}
			unlock()
		} else if m.sweepRoom(r, now) {
			removed = append(removed, code)
		}
	}
	if len(removed) > 0 {
		logger.Log.Infof("swept %d rooms: %v", len(removed), removed)
	}
	return removed
}

func (m *Manager) sweepRoom(r *Room, now time.Time) bool {
	if !m.expired(r, now) {
		return false
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.rooms[r.Code()] != r {
		return false
	}
	delete(m.rooms, r.Code())
	return true
}

func (m *Manager) expired(r *Room, now time.Time) bool {
	if r.Status() == state.StatusEnded {
		return true
	}
	since, idle := r.idleSince()
	return idle && now.Sub(since) >= m.idleGrace
}
