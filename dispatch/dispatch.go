// Package dispatch routes decoded client messages to rooms and fans the
// resulting events out. Every room mutation goes through here so events of
// one room are published in the order the room produced them.
package dispatch

import (
	"fmt"
	"sync"
	"time"

	"github.com/wfunc/partyserver/broadcast"
	"github.com/wfunc/partyserver/logger"
	"github.com/wfunc/partyserver/models"
	"github.com/wfunc/partyserver/monitor"
	"github.com/wfunc/partyserver/network"
	"github.com/wfunc/partyserver/room"
	"github.com/wfunc/partyserver/session"
)

// ResultRecorder receives every finished game exactly once.
type ResultRecorder interface {
	Record(summary *models.GameSummary)
}

type Dispatcher struct {
	rooms       *room.Manager
	sessions    *session.Manager
	broadcaster broadcast.Broadcaster
	monitor     *monitor.Monitor
	results     ResultRecorder

	// serial orders mutate+publish per room code. An entry lives while
	// somebody holds or waits for it.
	serialMu sync.Mutex
	serial   map[string]*serialLock
}

type serialLock struct {
	mu   sync.Mutex
	refs int
}

// NewDispatcher wires the dispatcher. results may be nil.
func NewDispatcher(rooms *room.Manager, sessions *session.Manager, broadcaster broadcast.Broadcaster, mon *monitor.Monitor, results ResultRecorder) *Dispatcher {
	return &Dispatcher{
		rooms:       rooms,
		sessions:    sessions,
		broadcaster: broadcaster,
		monitor:     mon,
		results:     results,
		serial:      make(map[string]*serialLock),
	}
}

func (d *Dispatcher) lock(code string) func() {
	d.serialMu.Lock()
	l, ok := d.serial[code]
	if !ok {
		l = &serialLock{}
		d.serial[code] = l
	}
	l.refs++
	d.serialMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.serialMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.serial, code)
		}
		d.serialMu.Unlock()
	}
}

func (d *Dispatcher) pendingLocks() int {
	d.serialMu.Lock()
	defer d.serialMu.Unlock()
	return len(d.serial)
}

// Join seats the connection in a room, creating the room on first use, and
// sends it a snapshot. A host join attaches the display instead.
func (d *Dispatcher) Join(s *session.Session, req network.JoinRoomRequest) error {
	s.Touch()
	if s.RoomCode() != "" {
		d.release(s)
	}

	unlock := d.lock(req.RoomCode)
	defer unlock()

	r, created, err := d.rooms.GetOrCreate(req.RoomCode, req.GameType, req.TotalRounds)
	if err != nil {
		return d.reject(s, err)
	}
	if created {
		d.monitor.SetActiveRooms(d.rooms.Count())
	}

	if req.Host {
		if err := r.AttachHost(s.ID); err != nil {
			return d.reject(s, err)
		}
		s.Bind(r.Code(), "", req.UserID, true)
		logger.Log.Infof("session %s attached as host of %s", s.ID, r.Code())
		return d.broadcaster.Unicast(s, broadcast.EncodeSnapshot(r.Snapshot(), ""))
	}

	player, events, err := r.Join(room.JoinRequest{UserID: req.UserID, PlayerID: req.PlayerID, Name: req.Name})
	if err != nil {
		return d.reject(s, err)
	}
	for _, old := range d.sessions.InRoom(r.Code()) {
		if old != s && !old.IsHost() && old.PlayerID() == player.ID {
			logger.Log.Infof("session %s replaced by %s for player %s", old.ID, s.ID, player.ID)
			old.Unbind()
		}
	}
	s.Bind(r.Code(), player.ID, req.UserID, false)
	logger.Log.Infof("session %s joined %s as %s (seat %d)", s.ID, r.Code(), player.ID, player.Seat)

	if err := d.broadcaster.Unicast(s, broadcast.EncodeSnapshot(r.Snapshot(), player.ID)); err != nil {
		logger.Log.Warnf("session %s: snapshot not delivered: %v", s.ID, err)
	}
	d.publish(r, events)
	return nil
}

// HandleAction submits a player action on behalf of the seat bound to s.
func (d *Dispatcher) HandleAction(s *session.Session, req network.ActionRequest) error {
	s.Touch()
	code, playerID := s.RoomCode(), s.PlayerID()
	if code == "" || playerID == "" || (req.PlayerID != "" && req.PlayerID != playerID) {
		return d.reject(s, fmt.Errorf("%w: %s cannot act as %q", session.ErrNotInRoom, s.ID, req.PlayerID))
	}
	if !s.Allow() {
		return d.reject(s, session.ErrRateLimited)
	}

	return d.act(s, code, func(r *room.Room) ([]room.Event, error) {
		return r.SubmitAction(playerID, req.Type, req.Payload)
	})
}

// HostAction runs a reserved room action from the host display.
func (d *Dispatcher) HostAction(s *session.Session, req network.ActionRequest) error {
	s.Touch()
	code := s.RoomCode()
	if code == "" || !s.IsHost() {
		return d.reject(s, fmt.Errorf("%w: %s is not a host display", session.ErrNotInRoom, s.ID))
	}
	if !s.Allow() {
		return d.reject(s, session.ErrRateLimited)
	}

	return d.act(s, code, func(r *room.Room) ([]room.Event, error) {
		return r.HostAction(s.ID, req.Type)
	})
}

func (d *Dispatcher) act(s *session.Session, code string, fn func(r *room.Room) ([]room.Event, error)) error {
	unlock := d.lock(code)
	defer unlock()

	r, err := d.rooms.Get(code)
	if err != nil {
		return d.reject(s, err)
	}
	events, err := fn(r)
	if err != nil {
		d.monitor.ObserveAction(r.GameType(), broadcast.ErrorCode(err))
		return d.reject(s, err)
	}
	d.monitor.ObserveAction(r.GameType(), "ok")
	d.publish(r, events)
	return nil
}

// Leave gives up the seat for good.
func (d *Dispatcher) Leave(s *session.Session) error {
	code := s.RoomCode()
	if code == "" {
		return d.reject(s, session.ErrNotInRoom)
	}

	unlock := d.lock(code)
	defer unlock()

	r, err := d.rooms.Get(code)
	if err != nil {
		s.Unbind()
		return d.reject(s, err)
	}

	var events []room.Event
	if s.IsHost() {
		events = r.DetachHost(s.ID)
	} else if events, err = r.Leave(s.PlayerID()); err != nil {
		s.Unbind()
		return d.reject(s, err)
	}
	s.Unbind()
	d.publish(r, events)
	return nil
}

// Disconnect is called when the transport goes away. The seat is kept for
// the reconnect grace.
func (d *Dispatcher) Disconnect(s *session.Session) {
	if s.RoomCode() == "" {
		return
	}
	d.release(s)
}

func (d *Dispatcher) release(s *session.Session) {
	code := s.RoomCode()
	unlock := d.lock(code)
	defer unlock()
	defer s.Unbind()

	r, err := d.rooms.Get(code)
	if err != nil {
		return
	}
	if s.IsHost() {
		d.publish(r, r.DetachHost(s.ID))
		return
	}
	events, err := r.Disconnect(s.PlayerID())
	if err != nil {
		logger.Log.Warnf("session %s: disconnect from %s: %v", s.ID, code, err)
		return
	}
	d.publish(r, events)
}

// Tick drives deadlines, seat expiry and automatic rounds of every room.
func (d *Dispatcher) Tick(now time.Time) {
	for _, r := range d.rooms.Rooms() {
		unlock := d.lock(r.Code())
		d.publish(r, r.Tick(now))
		unlock()
	}
}

// Sweep removes finished and abandoned rooms and detaches their viewers.
func (d *Dispatcher) Sweep(now time.Time) []string {
	removed := d.rooms.Sweep(now, func(code string) func() {
		unlock := d.lock(code)
		return func() {
			// still under the lock, so a missing room was swept just now
			if _, err := d.rooms.Get(code); err != nil {
				for _, s := range d.sessions.InRoom(code) {
					s.Unbind()
				}
			}
			unlock()
		}
	})
	d.monitor.SetActiveRooms(d.rooms.Count())
	return removed
}

// EndRoom terminates a game administratively.
func (d *Dispatcher) EndRoom(code, reason string) error {
	if reason == "" {
		reason = room.ReasonEndedByHost
	}
	unlock := d.lock(code)
	defer unlock()

	r, err := d.rooms.Get(code)
	if err != nil {
		return err
	}
	events, err := r.Abort(reason)
	if err != nil {
		return err
	}
	logger.Log.Infof("room %s ended: %s", code, reason)
	d.publish(r, events)
	return nil
}

// Snapshot renders the room as viewerID sees it. An empty viewer gets the
// host view.
func (d *Dispatcher) Snapshot(code, viewerID string) (broadcast.Message, error) {
	r, err := d.rooms.Get(code)
	if err != nil {
		return broadcast.Message{}, err
	}
	return broadcast.EncodeSnapshot(r.Snapshot(), viewerID), nil
}

func (d *Dispatcher) Rooms() []room.Info {
	rooms := d.rooms.Rooms()
	infos := make([]room.Info, len(rooms))
	for i, r := range rooms {
		infos[i] = r.Info()
	}
	return infos
}

func (d *Dispatcher) publish(r *room.Room, events []room.Event) {
	if len(events) == 0 {
		return
	}
	d.broadcaster.Publish(r.Code(), events)

	for _, ev := range events {
		switch ev.Kind {
		case room.EventRoundEnd:
			d.monitor.IncRoundsCompleted(r.GameType())
		case room.EventEnded:
			d.monitor.IncGamesEnded(r.GameType(), ev.Reason)
			if d.results != nil && ev.Summary != nil {
				d.results.Record(ev.Summary)
			}
		}
	}
}

func (d *Dispatcher) reject(s *session.Session, err error) error {
	logger.Log.Debugf("session %s rejected: %v", s.ID, err)
	if sendErr := d.broadcaster.Unicast(s, broadcast.EncodeError(err)); sendErr != nil {
		logger.Log.Warnf("session %s: error not delivered: %v", s.ID, sendErr)
	}
	return err
}
