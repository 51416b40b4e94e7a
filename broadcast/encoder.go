// broadcast/encoder.go
package broadcast

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/wfunc/partyserver/models"
	"github.com/wfunc/partyserver/network"
	"github.com/wfunc/partyserver/room"
	"github.com/wfunc/partyserver/rules"
	"github.com/wfunc/partyserver/session"
	"github.com/wfunc/partyserver/state"
)

// ProtocolVersion is sent with every round-start and snapshot.
const ProtocolVersion = 1

const (
	EventUpdate     = "game:update"
	EventRoundStart = "game:round-start"
	EventRoundEnd   = "game:round-end"
	EventEnded      = "game:ended"
	EventError      = "game:error"
	EventSnapshot   = "game:snapshot"
)

// Message is what goes on the wire, JSON encoded inside a network packet.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// MsgID maps the event name to the packet id clients switch on.
func (m Message) MsgID() uint16 {
	switch m.Event {
	case EventUpdate:
		return network.MsgTypeUpdate
	case EventRoundStart:
		return network.MsgTypeRoundStart
	case EventRoundEnd:
		return network.MsgTypeRoundEnd
	case EventEnded:
		return network.MsgTypeGameEnded
	case EventSnapshot:
		return network.MsgTypeSnapshot
	}
	return network.MsgTypeError
}

func (m Message) Marshal() (uint16, []byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return 0, nil, err
	}
	return m.MsgID(), data, nil
}

type UpdatePayload struct {
	Round           int                 `json:"round"`
	Phase           rules.Phase         `json:"phase"`
	Status          state.Status        `json:"status"`
	CurrentPlayerID *string             `json:"currentPlayerId"`
	GameData        any                 `json:"gameData"`
	Scores          []models.ScoreEntry `json:"scores"`
	Players         []room.PlayerView   `json:"players"`
	Deltas          map[string]int      `json:"deltas,omitempty"`
	Deadline        *int64              `json:"deadline"`
}

type RoundStartPayload struct {
	Round           int                 `json:"round"`
	TotalRounds     int                 `json:"totalRounds"`
	Phase           rules.Phase         `json:"phase"`
	CurrentPlayerID *string             `json:"currentPlayerId"`
	GameData        any                 `json:"gameData"`
	Scores          []models.ScoreEntry `json:"scores"`
	Players         []room.PlayerView   `json:"players"`
	Timeouts        map[string]int64    `json:"timeouts"`
	Deadline        *int64              `json:"deadline"`
	ProtocolVersion int                 `json:"protocolVersion"`
}

type RoundEndPayload struct {
	Round    int                 `json:"round"`
	Scores   []models.ScoreEntry `json:"scores"`
	Deltas   map[string]int      `json:"deltas"`
	GameData any                 `json:"gameData"`
	Winner   string              `json:"winner,omitempty"`
}

type EndedPayload struct {
	SessionID   string              `json:"sessionId,omitempty"`
	FinalScores []models.ScoreEntry `json:"finalScores"`
	Rounds      int                 `json:"rounds"`
	TotalRounds int                 `json:"totalRounds"`
	Reason      string              `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SnapshotState struct {
	RoomCode        string              `json:"roomCode"`
	GameType        string              `json:"gameType"`
	Status          state.Status        `json:"status"`
	Round           int                 `json:"round"`
	TotalRounds     int                 `json:"totalRounds"`
	Phase           rules.Phase         `json:"phase,omitempty"`
	CurrentPlayerID *string             `json:"currentPlayerId"`
	InitiatorID     string              `json:"initiatorId,omitempty"`
	HostAttached    bool                `json:"hostAttached"`
	GameData        any                 `json:"gameData"`
	Scores          []models.ScoreEntry `json:"scores"`
	Players         []room.PlayerView   `json:"players"`
	Outcomes        []room.RoundOutcome `json:"outcomes"`
	Timeouts        map[string]int64    `json:"timeouts"`
	Deadline        *int64              `json:"deadline"`
	ProtocolVersion int                 `json:"protocolVersion"`
}

type SnapshotPayload struct {
	SessionID string        `json:"sessionId"`
	PlayerID  string        `json:"playerId,omitempty"`
	Snapshot  SnapshotState `json:"snapshot"`
}

// Encode renders ev for one viewer. An empty viewer is the host display.
func Encode(ev room.Event, viewerID string) Message {
	switch ev.Kind {
	case room.EventRoundStart:
		return Message{Event: EventRoundStart, Data: RoundStartPayload{
			Round:           ev.Round,
			TotalRounds:     ev.TotalRounds,
			Phase:           ev.Phase,
			CurrentPlayerID: optional(ev.CurrentPlayerID),
			GameData:        view(ev.Data, viewerID),
			Scores:          ev.Scores,
			Players:         ev.Players,
			Timeouts:        millis(ev.Timeouts),
			Deadline:        unixMilli(ev.Deadline),
			ProtocolVersion: ProtocolVersion,
		}}
	case room.EventRoundEnd:
		return Message{Event: EventRoundEnd, Data: RoundEndPayload{
			Round:    ev.Round,
			Scores:   ev.Scores,
			Deltas:   nonNil(ev.Deltas),
			GameData: view(ev.Data, viewerID),
			Winner:   ev.Winner,
		}}
	case room.EventEnded:
		payload := EndedPayload{
			FinalScores: ev.Scores,
			Rounds:      ev.Round,
			TotalRounds: ev.TotalRounds,
			Reason:      ev.Reason,
		}
		if ev.Summary != nil {
			payload.SessionID = ev.Summary.SessionID
			payload.FinalScores = ev.Summary.FinalScores
			payload.Rounds = ev.Summary.Rounds
		}
		return Message{Event: EventEnded, Data: payload}
	}
	return Message{Event: EventUpdate, Data: UpdatePayload{
		Round:           ev.Round,
		Phase:           ev.Phase,
		Status:          ev.Status,
		CurrentPlayerID: optional(ev.CurrentPlayerID),
		GameData:        view(ev.Data, viewerID),
		Scores:          ev.Scores,
		Players:         ev.Players,
		Deltas:          ev.Deltas,
		Deadline:        unixMilli(ev.Deadline),
	}}
}

// EncodeSnapshot renders a join or reconnect snapshot for viewerID.
func EncodeSnapshot(s room.Snapshot, viewerID string) Message {
	return Message{Event: EventSnapshot, Data: SnapshotPayload{
		SessionID: s.SessionID,
		PlayerID:  viewerID,
		Snapshot: SnapshotState{
			RoomCode:        s.RoomCode,
			GameType:        s.GameType,
			Status:          s.Status,
			Round:           s.Round,
			TotalRounds:     s.TotalRounds,
			Phase:           s.Phase,
			CurrentPlayerID: optional(s.CurrentPlayerID),
			InitiatorID:     s.InitiatorID,
			HostAttached:    s.HostAttached,
			GameData:        view(s.Data, viewerID),
			Scores:          s.Scores,
			Players:         s.Players,
			Outcomes:        s.Outcomes,
			Timeouts:        millis(s.Timeouts),
			Deadline:        unixMilli(s.Deadline),
			ProtocolVersion: ProtocolVersion,
		},
	}}
}

func EncodeError(err error) Message {
	return Message{Event: EventError, Data: ErrorPayload{Code: ErrorCode(err), Message: err.Error()}}
}

// ErrShuttingDown is sent to every connection before the server closes it.
var ErrShuttingDown = errors.New("server is shutting down")

var errorCodes = []struct {
	err  error
	code string
}{
	{room.ErrRoomNotFound, "RoomNotFound"},
	{room.ErrRoomFull, "RoomFull"},
	{room.ErrGameAlreadyEnded, "GameAlreadyEnded"},
	{room.ErrRoomCodeConflict, "RoomCodeConflict"},
	{room.ErrPlayerNotFound, "NotInRoom"},
	{room.ErrSeatClaimed, "NotInRoom"},
	{room.ErrHostAttached, "NotInRoom"},
	{room.ErrNotEnoughPlayers, "NotEnoughPlayers"},
	{session.ErrNotInRoom, "NotInRoom"},
	{session.ErrRateLimited, "RateLimited"},
	{rules.ErrNotYourTurn, "NotYourTurn"},
	{rules.ErrInvalidPhase, "InvalidPhaseForAction"},
	{rules.ErrInvalidPayload, "InvalidPayload"},
	{rules.ErrInsufficientScore, "InsufficientScore"},
	{rules.ErrUnknownGameType, "UnknownGameType"},
	{ErrShuttingDown, "ServerShutdown"},
}

// ErrorCode maps an error chain to its wire code. Anything unrecognised,
// rule invariant violations included, is Internal.
func ErrorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}

func view(data rules.GameData, viewerID string) any {
	if data == nil {
		return nil
	}
	return data.View(viewerID)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func unixMilli(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func millis(timeouts map[rules.Phase]time.Duration) map[string]int64 {
	out := make(map[string]int64, len(timeouts))
	for phase, d := range timeouts {
		out[string(phase)] = d.Milliseconds()
	}
	return out
}

func nonNil(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
