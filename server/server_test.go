package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wfunc/partyserver/broadcast"
	"github.com/wfunc/partyserver/config"
	"github.com/wfunc/partyserver/network"
	"github.com/wfunc/partyserver/persistence"
	"github.com/wfunc/partyserver/room"
	"github.com/wfunc/partyserver/rules"
)

func newTestServer(t *testing.T) (*GameServer, *httptest.Server) {
	t.Helper()
	cfg, err := config.LoadConfig(t.TempDir())
	require.NoError(t, err)
	cfg.Server.Mode = "test"
	cfg.Server.MetricsNamespace = "server_test"

	gs := NewGameServer(cfg, persistence.NewMemory())
	ts := httptest.NewServer(gs.Handler())
	t.Cleanup(func() {
		ts.Close()
		gs.Shutdown()
	})
	return gs, ts
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, ts *httptest.Server) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(msgID uint16, v any) {
	c.t.Helper()
	var body []byte
	if v != nil {
		var err error
		body, err = json.Marshal(v)
		require.NoError(c.t, err)
	}
	frame, err := network.Encode(msgID, body)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.BinaryMessage, frame))
}

type received struct {
	MsgID uint16
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (c *client) read() received {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	packet, err := network.Decode(raw)
	require.NoError(c.t, err)

	r := received{MsgID: packet.MsgID}
	if len(packet.Data) > 0 {
		require.NoError(c.t, json.Unmarshal(packet.Data, &r))
	}
	return r
}

// until reads frames until one carries event.
func (c *client) until(event string) received {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		if r := c.read(); r.Event == event {
			return r
		}
	}
	c.t.Fatalf("no %s received", event)
	return received{}
}

func TestServer_WebSocketGameFlow(t *testing.T) {
	_, ts := newTestServer(t)
	alice, bob := dial(t, ts), dial(t, ts)

	join := network.JoinRoomRequest{RoomCode: "PARTY", GameType: rules.GameTrivia, TotalRounds: 2, PlayerID: "alice", Name: "Alice"}
	alice.send(network.MsgTypeJoinRoom, join)
	snap := alice.until(broadcast.EventSnapshot)
	assert.Equal(t, uint16(network.MsgTypeSnapshot), snap.MsgID)

	var payload broadcast.SnapshotPayload
	require.NoError(t, json.Unmarshal(snap.Data, &payload))
	assert.Equal(t, "alice", payload.PlayerID)
	assert.Equal(t, "PARTY", payload.Snapshot.RoomCode)

	join.PlayerID, join.Name = "bob", "Bob"
	bob.send(network.MsgTypeJoinRoom, join)
	bob.until(broadcast.EventSnapshot)
	alice.until(broadcast.EventUpdate)

	bob.send(network.MsgTypePlayerAction, network.ActionRequest{Type: room.ActionStartGame})
	rejected := bob.until(broadcast.EventError)
	var errPayload broadcast.ErrorPayload
	require.NoError(t, json.Unmarshal(rejected.Data, &errPayload))
	assert.Equal(t, "NotYourTurn", errPayload.Code)

	alice.send(network.MsgTypePlayerAction, network.ActionRequest{Type: room.ActionStartGame})
	start := bob.until(broadcast.EventRoundStart)
	var rs broadcast.RoundStartPayload
	require.NoError(t, json.Unmarshal(start.Data, &rs))
	assert.Equal(t, 1, rs.Round)
	assert.Equal(t, 2, rs.TotalRounds)
	assert.Equal(t, broadcast.ProtocolVersion, rs.ProtocolVersion)
	assert.Contains(t, rs.Timeouts, string(rules.PhaseQuestion))
}

func TestServer_MalformedAndUnknownPackets(t *testing.T) {
	_, ts := newTestServer(t)
	c := dial(t, ts)

	frame, err := network.Encode(network.MsgTypeJoinRoom, []byte("{not json"))
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, frame))
	var p broadcast.ErrorPayload
	require.NoError(t, json.Unmarshal(c.until(broadcast.EventError).Data, &p))
	assert.Equal(t, "InvalidPayload", p.Code)

	c.send(999, nil)
	require.NoError(t, json.Unmarshal(c.until(broadcast.EventError).Data, &p))
	assert.Equal(t, "InvalidPayload", p.Code)

	c.send(network.MsgTypeHeartbeat, nil)
	assert.Equal(t, uint16(network.MsgTypeHeartbeat), c.read().MsgID)
}

func TestServer_HTTPRoutes(t *testing.T) {
	gs, ts := newTestServer(t)

	getJSON := func(path string, want int, v any) {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, want, resp.StatusCode, path)
		if v != nil {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
		}
	}

	var health map[string]any
	getJSON("/healthz", http.StatusOK, &health)
	assert.Equal(t, "ok", health["status"])

	var games struct{ Games []string }
	getJSON("/api/games", http.StatusOK, &games)
	assert.Equal(t, []string{rules.GameSpectrum, rules.GameTrivia, rules.GameWheel}, games.Games)

	var missing broadcast.ErrorPayload
	getJSON("/api/rooms/NOPE", http.StatusNotFound, &missing)
	assert.Equal(t, "RoomNotFound", missing.Code)

	c := dial(t, ts)
	c.send(network.MsgTypeJoinRoom, network.JoinRoomRequest{RoomCode: "PARTY", GameType: rules.GameWheel, Name: "Cy"})
	c.until(broadcast.EventSnapshot)

	var snap broadcast.SnapshotPayload
	getJSON("/api/rooms/PARTY", http.StatusOK, &snap)
	assert.Equal(t, rules.GameWheel, snap.Snapshot.GameType)
	require.Len(t, snap.Snapshot.Players, 1)
	assert.Equal(t, "Cy", snap.Snapshot.Players[0].Name)

	var list struct{ Rooms []room.Info }
	getJSON("/api/rooms", http.StatusOK, &list)
	require.Len(t, list.Rooms, 1)
	assert.Equal(t, "PARTY", list.Rooms[0].Code)

	require.NoError(t, gs.Dispatcher().EndRoom("PARTY", ""))
	c.until(broadcast.EventEnded)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), `server_test_games_ended_total{game_type="wheel-phrase",reason="ended_by_host"} 1`)
}

func TestServer_ShutdownNotifiesConnections(t *testing.T) {
	gs, ts := newTestServer(t)
	c := dial(t, ts)
	c.send(network.MsgTypeHeartbeat, nil)
	require.Equal(t, uint16(network.MsgTypeHeartbeat), c.read().MsgID)

	gs.Shutdown()
	var p broadcast.ErrorPayload
	require.NoError(t, json.Unmarshal(c.until(broadcast.EventError).Data, &p))
	assert.Equal(t, "ServerShutdown", p.Code)
}
