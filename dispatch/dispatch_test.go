package dispatch

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/partyserver/broadcast"
	"github.com/wfunc/partyserver/models"
	"github.com/wfunc/partyserver/monitor"
	"github.com/wfunc/partyserver/network"
	"github.com/wfunc/partyserver/room"
	"github.com/wfunc/partyserver/rules"
	"github.com/wfunc/partyserver/session"
	"github.com/wfunc/partyserver/state"
)

type wireMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type recordingConn struct {
	mu       sync.Mutex
	messages []wireMessage
}

func (c *recordingConn) Send(msgID uint16, data []byte) error {
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
	return nil
}

func (c *recordingConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.messages))
	for i, m := range c.messages {
		names[i] = m.Event
	}
	return names
}

func (c *recordingConn) last() wireMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return wireMessage{}
	}
	return c.messages[len(c.messages)-1]
}

func (c *recordingConn) Close() error                         { return nil }
func (c *recordingConn) RemoteAddr() net.Addr                 { return &net.TCPAddr{} }
func (c *recordingConn) SetHeartbeat(interval time.Duration)  {}
func (c *recordingConn) ReadPacket() (*network.Packet, error) { return nil, nil }

type resultSink struct {
	mu        sync.Mutex
	summaries []*models.GameSummary
}

func (r *resultSink) Record(s *models.GameSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, s)
}

func (r *resultSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.summaries)
}

type fixture struct {
	d        *Dispatcher
	sessions *session.Manager
	monitor  *monitor.Monitor
	results  *resultSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog := rules.NewCatalog(
		rules.NewTrivia(rules.TriviaOptions{}),
		rules.NewSpectrum(rules.SpectrumOptions{}),
	)
	rooms := room.NewRoomManager(catalog, room.Options{MaxPlayers: 4, Seed: 7}, time.Minute)
	sessions := session.NewManager()
	mon := monitor.NewMonitor("dispatch_test")
	results := &resultSink{}
	b := broadcast.NewRoomBroadcaster(sessions, func(*session.Session) { mon.IncDroppedSessions() })
	return &fixture{
		d:        NewDispatcher(rooms, sessions, b, mon, results),
		sessions: sessions,
		monitor:  mon,
		results:  results,
	}
}

func (f *fixture) connect(t *testing.T, id string, opts session.Options) (*session.Session, *recordingConn) {
	t.Helper()
	conn := &recordingConn{}
	s := session.NewSession(id, conn, opts)
	t.Cleanup(func() { _ = s.Close() })
	f.sessions.Add(s)
	return s, conn
}

func waitFor(t *testing.T, conn *recordingConn, event string) {
	t.Helper()
	assert.Eventually(t, func() bool {
		for _, e := range conn.events() {
			if e == event {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "waiting for %s", event)
}

func errorCode(t *testing.T, m wireMessage) string {
	t.Helper()
	require.Equal(t, broadcast.EventError, m.Event)
	var p broadcast.ErrorPayload
	require.NoError(t, json.Unmarshal(m.Data, &p))
	return p.Code
}

func containsCode(data json.RawMessage, code string) bool {
	var p broadcast.ErrorPayload
	return json.Unmarshal(data, &p) == nil && p.Code == code
}

func join(t *testing.T, f *fixture, s *session.Session, player string) {
	t.Helper()
	require.NoError(t, f.d.Join(s, network.JoinRoomRequest{
		RoomCode:    "ROOM",
		GameType:    rules.GameTrivia,
		TotalRounds: 2,
		PlayerID:    player,
		UserID:      "user-" + player,
		Name:        player,
	}))
}

func TestDispatcher_JoinStartAndReject(t *testing.T) {
	f := newFixture(t)
	s1, c1 := f.connect(t, "s1", session.Options{})
	s2, c2 := f.connect(t, "s2", session.Options{})

	join(t, f, s1, "p1")
	waitFor(t, c1, broadcast.EventSnapshot)
	join(t, f, s2, "p2")
	waitFor(t, c1, broadcast.EventUpdate)
	assert.Equal(t, "p2", s2.PlayerID())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.monitor.Metrics().ActiveRooms))

	err := f.d.HandleAction(s2, network.ActionRequest{Type: room.ActionStartGame})
	assert.ErrorIs(t, err, rules.ErrNotYourTurn)
	assert.Eventually(t, func() bool { return c2.last().Event == broadcast.EventError }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "NotYourTurn", errorCode(t, c2.last()))

	err = f.d.HandleAction(s2, network.ActionRequest{PlayerID: "p1", Type: room.ActionStartGame})
	assert.ErrorIs(t, err, session.ErrNotInRoom, "a connection cannot act for another seat")

	require.NoError(t, f.d.HandleAction(s1, network.ActionRequest{Type: room.ActionStartGame}))
	waitFor(t, c1, broadcast.EventRoundStart)
	waitFor(t, c2, broadcast.EventRoundStart)

	metrics := f.monitor.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Actions.WithLabelValues(rules.GameTrivia, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Actions.WithLabelValues(rules.GameTrivia, "NotYourTurn")))
}

func TestDispatcher_JoinErrors(t *testing.T) {
	f := newFixture(t)
	s, conn := f.connect(t, "s", session.Options{})

	err := f.d.Join(s, network.JoinRoomRequest{RoomCode: "ROOM", GameType: "charades"})
	assert.ErrorIs(t, err, rules.ErrUnknownGameType)
	waitFor(t, conn, broadcast.EventError)
	assert.Equal(t, "UnknownGameType", errorCode(t, conn.last()))
	assert.Empty(t, s.RoomCode())

	join(t, f, s, "p1")
	other, otherConn := f.connect(t, "other", session.Options{})
	err = f.d.Join(other, network.JoinRoomRequest{RoomCode: "ROOM", GameType: rules.GameSpectrum, TotalRounds: 2})
	assert.ErrorIs(t, err, room.ErrRoomCodeConflict)
	waitFor(t, otherConn, broadcast.EventError)
	assert.Equal(t, "RoomCodeConflict", errorCode(t, otherConn.last()))
}

func TestDispatcher_ActionsRequireRoomAndRate(t *testing.T) {
	f := newFixture(t)
	s, conn := f.connect(t, "s", session.Options{ActionRate: 0.001, ActionBurst: 1})

	err := f.d.HandleAction(s, network.ActionRequest{Type: rules.ActionAnswer})
	assert.ErrorIs(t, err, session.ErrNotInRoom)

	join(t, f, s, "p1")
	_, err = f.d.Snapshot("ROOM", "p1")
	require.NoError(t, err)

	err = f.d.HandleAction(s, network.ActionRequest{Type: rules.ActionAnswer})
	assert.ErrorIs(t, err, rules.ErrInvalidPhase)
	err = f.d.HandleAction(s, network.ActionRequest{Type: rules.ActionAnswer})
	assert.ErrorIs(t, err, session.ErrRateLimited)
	assert.Eventually(t, func() bool { return containsCode(conn.last().Data, "RateLimited") }, time.Second, 5*time.Millisecond)
}

func TestDispatcher_HostEndsGameAndResultIsRecorded(t *testing.T) {
	f := newFixture(t)
	host, hostConn := f.connect(t, "host", session.Options{})
	s1, c1 := f.connect(t, "s1", session.Options{})
	s2, _ := f.connect(t, "s2", session.Options{})

	require.NoError(t, f.d.Join(host, network.JoinRoomRequest{RoomCode: "ROOM", GameType: rules.GameTrivia, TotalRounds: 2, Host: true}))
	waitFor(t, hostConn, broadcast.EventSnapshot)
	assert.True(t, host.IsHost())
	join(t, f, s1, "p1")
	join(t, f, s2, "p2")

	err := f.d.HandleAction(host, network.ActionRequest{Type: rules.ActionAnswer})
	assert.ErrorIs(t, err, session.ErrNotInRoom, "the display has no seat")
	err = f.d.HostAction(host, network.ActionRequest{Type: rules.ActionAnswer})
	assert.ErrorIs(t, err, rules.ErrInvalidPayload)
	err = f.d.HostAction(s1, network.ActionRequest{Type: room.ActionStartGame})
	assert.ErrorIs(t, err, session.ErrNotInRoom, "players cannot use the host channel")

	require.NoError(t, f.d.HostAction(host, network.ActionRequest{Type: room.ActionStartGame}))
	waitFor(t, c1, broadcast.EventRoundStart)

	require.NoError(t, f.d.HostAction(host, network.ActionRequest{Type: room.ActionEndGame}))
	waitFor(t, hostConn, broadcast.EventEnded)
	waitFor(t, c1, broadcast.EventEnded)

	require.Equal(t, 1, f.results.count())
	assert.Equal(t, room.ReasonEndedByHost, f.results.summaries[0].EndReason)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.monitor.Metrics().GamesEnded.WithLabelValues(rules.GameTrivia, room.ReasonEndedByHost)))

	assert.ErrorIs(t, f.d.EndRoom("ROOM", ""), room.ErrGameAlreadyEnded)
	assert.Equal(t, []string{"ROOM"}, f.d.Sweep(time.Now()))
	assert.Empty(t, s1.RoomCode())
	assert.Empty(t, host.RoomCode())
	assert.Equal(t, 0.0, testutil.ToFloat64(f.monitor.Metrics().ActiveRooms))
}

func TestDispatcher_DisconnectAndReconnect(t *testing.T) {
	f := newFixture(t)
	s1, _ := f.connect(t, "s1", session.Options{})
	s2, _ := f.connect(t, "s2", session.Options{})
	join(t, f, s1, "p1")
	join(t, f, s2, "p2")

	f.d.Disconnect(s2)
	assert.Empty(t, s2.RoomCode())
	infos := f.d.Rooms()
	require.Len(t, infos, 1)
	assert.Equal(t, 2, infos[0].Players)
	assert.Equal(t, 1, infos[0].Connected)

	again, conn := f.connect(t, "s2-again", session.Options{})
	require.NoError(t, f.d.Join(again, network.JoinRoomRequest{RoomCode: "ROOM", GameType: rules.GameTrivia, UserID: "user-p2"}))
	assert.Equal(t, "p2", again.PlayerID())
	waitFor(t, conn, broadcast.EventSnapshot)
	assert.Equal(t, 2, f.d.Rooms()[0].Connected)
}

func TestDispatcher_SecondConnectionTakesOverSeat(t *testing.T) {
	f := newFixture(t)
	first, _ := f.connect(t, "first", session.Options{})
	second, _ := f.connect(t, "second", session.Options{})
	join(t, f, first, "p1")
	join(t, f, second, "p1")

	assert.Empty(t, first.RoomCode())
	assert.Equal(t, "p1", second.PlayerID())
}

func TestDispatcher_LeaveEndsAbandonedGame(t *testing.T) {
	f := newFixture(t)
	s1, _ := f.connect(t, "s1", session.Options{})
	s2, c2 := f.connect(t, "s2", session.Options{})
	join(t, f, s1, "p1")
	join(t, f, s2, "p2")
	require.NoError(t, f.d.HandleAction(s1, network.ActionRequest{Type: room.ActionStartGame}))

	require.NoError(t, f.d.Leave(s1))
	assert.Empty(t, s1.RoomCode())
	waitFor(t, c2, broadcast.EventEnded)
	assert.Equal(t, 1, f.results.count())
	assert.Equal(t, room.ReasonNotEnoughPlayers, f.results.summaries[0].EndReason)

	snap, err := f.d.Snapshot("ROOM", "")
	require.NoError(t, err)
	assert.Equal(t, state.StatusEnded, snap.Data.(broadcast.SnapshotPayload).Snapshot.Status)

	assert.ErrorIs(t, f.d.Leave(s1), session.ErrNotInRoom)
}

func TestDispatcher_SeatCannotBeTakenByAnotherUser(t *testing.T) {
	f := newFixture(t)
	victim, _ := f.connect(t, "victim", session.Options{})
	attacker, conn := f.connect(t, "attacker", session.Options{})
	join(t, f, victim, "victim")

	err := f.d.Join(attacker, network.JoinRoomRequest{
		RoomCode: "ROOM",
		GameType: rules.GameTrivia,
		PlayerID: "victim",
		UserID:   "someone-else",
		Name:     "evil",
	})
	assert.ErrorIs(t, err, room.ErrSeatClaimed)
	assert.Eventually(t, func() bool { return containsCode(conn.last().Data, "NotInRoom") }, time.Second, 5*time.Millisecond)

	assert.Empty(t, attacker.RoomCode())
	assert.Equal(t, "victim", victim.PlayerID())
	assert.Equal(t, 1, f.d.Rooms()[0].Connected)
}

func TestDispatcher_OneHostDisplayPerRoom(t *testing.T) {
	f := newFixture(t)
	first, _ := f.connect(t, "display-1", session.Options{})
	second, conn := f.connect(t, "display-2", session.Options{})
	hostJoin := network.JoinRoomRequest{RoomCode: "ROOM", GameType: rules.GameTrivia, TotalRounds: 2, Host: true}

	require.NoError(t, f.d.Join(first, hostJoin))
	assert.ErrorIs(t, f.d.Join(second, hostJoin), room.ErrHostAttached)
	assert.Eventually(t, func() bool { return containsCode(conn.last().Data, "NotInRoom") }, time.Second, 5*time.Millisecond)
	assert.Empty(t, second.RoomCode())
	assert.True(t, first.IsHost())

	require.NoError(t, f.d.Leave(first))
	require.NoError(t, f.d.Join(second, hostJoin))
	assert.True(t, second.IsHost())
}

func TestDispatcher_SweepWaitsForRoomLock(t *testing.T) {
	f := newFixture(t)
	s1, _ := f.connect(t, "s1", session.Options{})
	join(t, f, s1, "p1")
	f.d.Disconnect(s1)

	unlock := f.d.lock("ROOM")
	done := make(chan []string, 1)
	go func() { done <- f.d.Sweep(time.Now().Add(time.Hour)) }()

	select {
	case <-done:
		t.Fatal("sweep ran while the room was locked")
	case <-time.After(20 * time.Millisecond):
	}

	// the player comes back before the sweep gets the room
	r, err := f.d.rooms.Get("ROOM")
	require.NoError(t, err)
	_, _, err = r.Join(room.JoinRequest{UserID: "user-p1"})
	require.NoError(t, err)
	unlock()

	assert.Empty(t, <-done)
	require.Len(t, f.d.Rooms(), 1)
	assert.Equal(t, 0, f.d.pendingLocks())
}
