package network

import "encoding/json"

// Inbound message ids.
const (
	MsgTypeHeartbeat    = 1
	MsgTypeJoinRoom     = 101
	MsgTypeLeaveRoom    = 102
	MsgTypeHostAction   = 201
	MsgTypePlayerAction = 202
)

// Outbound message ids, one per public event.
const (
	MsgTypeSnapshot   = 301
	MsgTypeUpdate     = 302
	MsgTypeRoundStart = 303
	MsgTypeRoundEnd   = 304
	MsgTypeGameEnded  = 305
	MsgTypeError      = 399
)

// JoinRoomRequest is the body of MsgTypeJoinRoom. A host join attaches the
// connection as the room's display instead of taking a seat.
type JoinRoomRequest struct {
	RoomCode    string `json:"roomCode"`
	GameType    string `json:"gameType"`
	TotalRounds int    `json:"totalRounds"`
	UserID      string `json:"userId,omitempty"`
	PlayerID    string `json:"playerId,omitempty"`
	Name        string `json:"name"`
	Host        bool   `json:"host,omitempty"`
}

// ActionRequest is the body of MsgTypePlayerAction and MsgTypeHostAction.
type ActionRequest struct {
	PlayerID string          `json:"playerId,omitempty"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}
