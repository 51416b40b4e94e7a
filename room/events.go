package room

import (
	"sort"
	"time"

	"github.com/wfunc/partyserver/models"
	"github.com/wfunc/partyserver/rules"
	"github.com/wfunc/partyserver/state"
)

// EventKind tells the encoder which public event a transition maps to.
type EventKind int

const (
	EventUpdate EventKind = iota
	EventRoundStart
	EventRoundEnd
	EventEnded
)

func (k EventKind) String() string {
	switch k {
	case EventUpdate:
		return "update"
	case EventRoundStart:
		return "round-start"
	case EventRoundEnd:
		return "round-end"
	case EventEnded:
		return "ended"
	}
	return "unknown"
}

// PlayerView is the public part of a roster entry.
type PlayerView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Seat      int    `json:"seat"`
	Connected bool   `json:"isConnected"`
	Score     int    `json:"score"`
}

// Event is one state transition, captured under the room lock. Data is never
// mutated after capture, so it can be rendered per viewer without the lock.
type Event struct {
	Kind            EventKind
	RoomCode        string
	Round           int
	TotalRounds     int
	Status          state.Status
	Phase           rules.Phase
	CurrentPlayerID string
	Data            rules.GameData
	Scores          []models.ScoreEntry
	Players         []PlayerView
	Deltas          map[string]int
	Winner          string
	Timeouts        map[rules.Phase]time.Duration
	Deadline        time.Time
	Reason          string
	Summary         *models.GameSummary
}

// RoundOutcome is frozen when a round resolves.
type RoundOutcome struct {
	Round  int            `json:"round"`
	Deltas map[string]int `json:"deltas"`
	Winner string         `json:"winner,omitempty"`
}

// Snapshot is the full room state for a late joiner or a reconnect.
type Snapshot struct {
	SessionID       string
	RoomCode        string
	GameType        string
	Status          state.Status
	Round           int
	TotalRounds     int
	Phase           rules.Phase
	CurrentPlayerID string
	InitiatorID     string
	HostAttached    bool
	Data            rules.GameData
	Scores          []models.ScoreEntry
	Players         []PlayerView
	Outcomes        []RoundOutcome
	Timeouts        map[rules.Phase]time.Duration
	Deadline        time.Time
	CreatedAt       time.Time
	LastActivityAt  time.Time
}

// Info is the admin listing view of a room.
type Info struct {
	Code           string       `json:"code"`
	SessionID      string       `json:"sessionId"`
	GameType       string       `json:"gameType"`
	Status         state.Status `json:"status"`
	Round          int          `json:"round"`
	TotalRounds    int          `json:"totalRounds"`
	Players        int          `json:"players"`
	Connected      int          `json:"connected"`
	HostAttached   bool         `json:"hostAttached"`
	EndReason      string       `json:"endReason,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastActivityAt time.Time    `json:"lastActivityAt"`
}

// rankPlayers orders by score, then by who reached the score first, then seat.
func rankPlayers(players []*Player) []models.ScoreEntry {
	sorted := append([]*Player(nil), players...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.scoreSeq != b.scoreSeq {
			return a.scoreSeq < b.scoreSeq
		}
		return a.Seat < b.Seat
	})

	scores := make([]models.ScoreEntry, len(sorted))
	for i, p := range sorted {
		scores[i] = models.ScoreEntry{
			PlayerID: p.ID,
			UserID:   p.UserID,
			Name:     p.Name,
			Score:    p.Score,
			Rank:     i + 1,
		}
	}
	return scores
}

func playerViews(players []*Player) []PlayerView {
	views := make([]PlayerView, len(players))
	for i, p := range players {
		views[i] = PlayerView{ID: p.ID, Name: p.Name, Seat: p.Seat, Connected: p.Connected, Score: p.Score}
	}
	return views
}

func copyTimeouts(m map[rules.Phase]time.Duration) map[rules.Phase]time.Duration {
	out := make(map[rules.Phase]time.Duration, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyDeltas(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
