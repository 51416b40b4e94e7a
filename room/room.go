// room/room.go
package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wfunc/partyserver/logger"
	"github.com/wfunc/partyserver/models"
	"github.com/wfunc/partyserver/rules"
	"github.com/wfunc/partyserver/state"
)

var (
	ErrRoomNotFound     = errors.New("room not found")
	ErrRoomFull         = errors.New("room is full")
	ErrGameAlreadyEnded = errors.New("game already ended")
	ErrRoomCodeConflict = errors.New("room code conflict")
	ErrPlayerNotFound   = errors.New("player not in room")
	ErrNotEnoughPlayers = errors.New("not enough players")
	ErrSeatClaimed      = errors.New("seat belongs to another user")
	ErrHostAttached     = errors.New("room already has a host display")
)

// Room level actions. Everything else is forwarded to the rule module.
const (
	ActionStartGame = "start_game"
	ActionNextRound = "next_round"
	ActionEndGame   = "end_game"
)

// End reasons carried in the game summary.
const (
	ReasonCompleted        = "completed"
	ReasonTargetReached    = "target_reached"
	ReasonEndedByHost      = "ended_by_host"
	ReasonNotEnoughPlayers = "not_enough_players"
	ReasonAbandoned        = "abandoned"
	ReasonInternalError    = "internal_error"
)

// Options are the engine knobs a room is created with.
type Options struct {
	MaxPlayers     int
	NextRoundDelay time.Duration
	AutoAdvance    bool
	ReconnectGrace time.Duration
	// Seed fixes the room's random source; zero seeds from the clock.
	Seed  int64
	Clock func() time.Time
}

// Player is a roster entry. Seats are handed out in join order and never reused.
type Player struct {
	ID             string
	UserID         string
	Name           string
	Seat           int
	Connected      bool
	Score          int
	JoinedAt       time.Time
	DisconnectedAt time.Time

	scoreSeq uint64
}

type JoinRequest struct {
	UserID string
	// PlayerID reconnects an existing seat when set.
	PlayerID string
	Name     string
}

// Room is the authoritative owner of one room code's game state. Every
// exported method runs under mu, so actions, ticks and leaves are applied
// one at a time.
type Room struct {
	mu sync.Mutex

	code        string
	sessionID   string
	gameType    string
	module      rules.Module
	machine     *state.BaseStateMachine
	totalRounds int
	opts        Options
	rng         *rand.Rand
	now         func() time.Time

	round           int
	phase           rules.Phase
	currentPlayerID string
	data            rules.GameData
	players         []*Player // seat order
	hostConnID      string
	seatSeq         int
	scoreSeq        uint64
	lastStarterSeat int
	phaseDeadline   time.Time
	nextRoundAt     time.Time
	outcomes        []RoundOutcome
	endReason       string
	summary         *models.GameSummary

	createdAt      time.Time
	startedAt      time.Time
	lastActivityAt time.Time
}

// NewRoom creates a room in lobby.
func NewRoom(code string, module rules.Module, totalRounds int, opts Options) *Room {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.MaxPlayers <= 0 {
		opts.MaxPlayers = 12
	}
	if totalRounds <= 0 {
		totalRounds = 1
	}
	seed := opts.Seed
	if seed == 0 {
		seed = opts.Clock().UnixNano()
	}
	now := opts.Clock()

	r := &Room{
		code:            code,
		sessionID:       uuid.NewString(),
		gameType:        module.GameType(),
		module:          module,
		machine:         state.NewSessionMachine(),
		totalRounds:     totalRounds,
		opts:            opts,
		rng:             rand.New(rand.NewSource(seed)),
		now:             opts.Clock,
		lastStarterSeat: -1,
		createdAt:       now,
		lastActivityAt:  now,
	}
	r.machine.OnTransition(func(from, to state.Status) {
		logger.Log.Debugf("room %s: %s -> %s", r.code, from, to)
	})
	return r
}

func (r *Room) Code() string         { return r.code }
func (r *Room) SessionID() string    { return r.sessionID }
func (r *Room) GameType() string     { return r.gameType }
func (r *Room) TotalRounds() int     { return r.totalRounds }
func (r *Room) Status() state.Status { return r.machine.Current() }

// Join adds a player, or reconnects the seat matching PlayerID or UserID.
// A seat owned by a user can only be reclaimed by that same user.
func (r *Room) Join(req JoinRequest) (Player, []Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p := r.findReturning(req); p != nil {
		if p.UserID != "" && p.UserID != req.UserID {
			return Player{}, nil, fmt.Errorf("%w: %s", ErrSeatClaimed, p.ID)
		}
		if r.Status() == state.StatusEnded {
			return Player{}, nil, ErrGameAlreadyEnded
		}
		p.Connected = true
		p.DisconnectedAt = time.Time{}
		if name := strings.TrimSpace(req.Name); name != "" {
			p.Name = name
		}
		r.touch()
		logger.Log.Infof("room %s: player %s reconnected to seat %d", r.code, p.ID, p.Seat)
		return *p, []Event{r.event(EventUpdate)}, nil
	}

	if r.Status() == state.StatusEnded {
		return Player{}, nil, ErrGameAlreadyEnded
	}
	if len(r.players) >= r.opts.MaxPlayers {
		return Player{}, nil, fmt.Errorf("%w: %d/%d seats taken", ErrRoomFull, len(r.players), r.opts.MaxPlayers)
	}

	id := req.PlayerID
	if id == "" {
		id = uuid.NewString()
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = fmt.Sprintf("Player %d", r.seatSeq+1)
	}
	p := &Player{
		ID:        id,
		UserID:    req.UserID,
		Name:      name,
		Seat:      r.seatSeq,
		Connected: true,
		JoinedAt:  r.now(),
	}
	r.seatSeq++
	r.players = append(r.players, p)
	r.touch()

	logger.Log.Infof("room %s: player %s joined seat %d", r.code, p.ID, p.Seat)
	return *p, []Event{r.event(EventUpdate)}, nil
}

func (r *Room) findReturning(req JoinRequest) *Player {
	for _, p := range r.players {
		if req.PlayerID != "" && p.ID == req.PlayerID {
			return p
		}
		if req.PlayerID == "" && req.UserID != "" && p.UserID == req.UserID {
			return p
		}
	}
	return nil
}

// Leave removes a player for good. It may rotate the turn, resolve the round
// or end the game when too few players remain.
func (r *Room) Leave(playerID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.player(playerID) == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
	}
	r.touch()
	return r.removePlayer(playerID), nil
}

func (r *Room) removePlayer(playerID string) []Event {
	kept := r.players[:0]
	for _, p := range r.players {
		if p.ID != playerID {
			kept = append(kept, p)
		}
	}
	r.players = kept
	logger.Log.Infof("room %s: player %s left", r.code, playerID)

	status := r.Status()
	if status == state.StatusLobby || status == state.StatusEnded {
		return []Event{r.event(EventUpdate)}
	}
	if len(r.players) == 0 && r.hostConnID == "" {
		return r.finish(ReasonAbandoned)
	}
	if len(r.players) < r.module.MinPlayers() {
		return r.finish(ReasonNotEnoughPlayers)
	}
	if status != state.StatusRoundActive {
		return []Event{r.event(EventUpdate)}
	}

	out, err := r.module.OnPlayerLeft(r.ruleState(), playerID)
	if err != nil {
		logger.Log.Errorf("room %s: %s rejected leave of %s: %v", r.code, r.gameType, playerID, err)
		return r.forceResolve()
	}
	return r.apply(out)
}

// Disconnect keeps the seat but marks it offline until a rejoin or expiry.
func (r *Room) Disconnect(playerID string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.player(playerID)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
	}
	if !p.Connected {
		return nil, nil
	}
	p.Connected = false
	p.DisconnectedAt = r.now()
	r.touch()
	logger.Log.Infof("room %s: player %s disconnected", r.code, playerID)

	// With nobody online the round waits for its deadline or a reconnect.
	if r.Status() != state.StatusRoundActive || r.connectedCount() == 0 {
		return []Event{r.event(EventUpdate)}, nil
	}
	out, err := r.module.OnPlayerDisconnected(r.ruleState(), playerID)
	if err != nil {
		logger.Log.Errorf("room %s: %s rejected disconnect of %s: %v", r.code, r.gameType, playerID, err)
		return r.forceResolve(), nil
	}
	return r.apply(out), nil
}

// AttachHost binds the non-scoring display connection. A second display is
// refused until the attached one detaches.
func (r *Room) AttachHost(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hostConnID != "" && r.hostConnID != connID {
		return fmt.Errorf("%w: %s", ErrHostAttached, r.code)
	}
	r.hostConnID = connID
	r.touch()
	return nil
}

// DetachHost ends a started game when the host leaves nobody behind.
func (r *Room) DetachHost(connID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hostConnID != connID {
		return nil
	}
	r.hostConnID = ""
	r.touch()

	status := r.Status()
	if len(r.players) == 0 && (status == state.StatusRoundActive || status == state.StatusRoundBetween) {
		return r.finish(ReasonAbandoned)
	}
	return nil
}

// IsHost reports whether connID is the attached host display.
func (r *Room) IsHost(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return connID != "" && r.hostConnID == connID
}

// SubmitAction validates and applies one player action. A rejected action
// returns an error and leaves the room untouched.
func (r *Room) SubmitAction(playerID, actionType string, payload json.RawMessage) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.player(playerID)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPlayerNotFound, playerID)
	}
	if r.Status() == state.StatusEnded {
		return nil, ErrGameAlreadyEnded
	}

	switch actionType {
	case ActionStartGame, ActionNextRound, ActionEndGame:
		if !r.mayDirect(playerID) {
			return nil, fmt.Errorf("%w: only the host or initiator may %s", rules.ErrNotYourTurn, actionType)
		}
		return r.roomAction(actionType)
	}

	if r.Status() != state.StatusRoundActive {
		return nil, fmt.Errorf("%w: no round in progress", rules.ErrInvalidPhase)
	}
	st := r.ruleState()
	if !r.module.MayAct(st, playerID, actionType) {
		return nil, fmt.Errorf("%w: %s may not %s now", rules.ErrNotYourTurn, playerID, actionType)
	}
	act := rules.Action{PlayerID: playerID, Type: actionType, Payload: payload}
	err := r.module.ValidateAction(st, act)
	var out rules.Outcome
	if err == nil {
		out, err = r.module.ApplyAction(st, act)
	}
	if errors.Is(err, rules.ErrInvariant) {
		logger.Log.Errorf("room %s: %s broke on %s: %v", r.code, r.gameType, actionType, err)
		r.touch()
		return r.forceResolve(), nil
	}
	if err != nil {
		return nil, err
	}
	r.touch()
	return r.apply(out), nil
}

// HostAction runs a room level action on behalf of the host display.
func (r *Room) HostAction(connID, actionType string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if connID == "" || connID != r.hostConnID {
		return nil, fmt.Errorf("%w: not the host of %s", rules.ErrNotYourTurn, r.code)
	}
	if r.Status() == state.StatusEnded {
		return nil, ErrGameAlreadyEnded
	}
	switch actionType {
	case ActionStartGame, ActionNextRound, ActionEndGame:
		return r.roomAction(actionType)
	}
	return nil, fmt.Errorf("%w: the host cannot %s", rules.ErrInvalidPayload, actionType)
}

func (r *Room) roomAction(actionType string) ([]Event, error) {
	status := r.Status()
	switch actionType {
	case ActionStartGame:
		if status != state.StatusLobby {
			return nil, fmt.Errorf("%w: game already started", rules.ErrInvalidPhase)
		}
	case ActionNextRound:
		if status != state.StatusRoundBetween {
			return nil, fmt.Errorf("%w: next round only between rounds", rules.ErrInvalidPhase)
		}
	case ActionEndGame:
		r.touch()
		return r.finish(ReasonEndedByHost), nil
	}

	events, err := r.startRound()
	if err != nil {
		return nil, err
	}
	r.touch()
	return events, nil
}

// Abort ends the game from any state.
func (r *Room) Abort(reason string) ([]Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Status() == state.StatusEnded {
		return nil, ErrGameAlreadyEnded
	}
	r.touch()
	return r.finish(reason), nil
}

// Snapshot returns the full state. Data is rendered by the caller per viewer.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcomes := make([]RoundOutcome, len(r.outcomes))
	for i, o := range r.outcomes {
		outcomes[i] = RoundOutcome{Round: o.Round, Deltas: copyDeltas(o.Deltas), Winner: o.Winner}
	}
	return Snapshot{
		SessionID:       r.sessionID,
		RoomCode:        r.code,
		GameType:        r.gameType,
		Status:          r.Status(),
		Round:           r.round,
		TotalRounds:     r.totalRounds,
		Phase:           r.phase,
		CurrentPlayerID: r.currentPlayerID,
		InitiatorID:     r.initiatorID(),
		HostAttached:    r.hostConnID != "",
		Data:            r.data,
		Scores:          rankPlayers(r.players),
		Players:         playerViews(r.players),
		Outcomes:        outcomes,
		Timeouts:        copyTimeouts(r.module.Timeouts()),
		Deadline:        r.phaseDeadline,
		CreatedAt:       r.createdAt,
		LastActivityAt:  r.lastActivityAt,
	}
}

func (r *Room) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Info{
		Code:           r.code,
		SessionID:      r.sessionID,
		GameType:       r.gameType,
		Status:         r.Status(),
		Round:          r.round,
		TotalRounds:    r.totalRounds,
		Players:        len(r.players),
		Connected:      r.connectedCount(),
		HostAttached:   r.hostConnID != "",
		EndReason:      r.endReason,
		CreatedAt:      r.createdAt,
		LastActivityAt: r.lastActivityAt,
	}
}

// Summary is set once the game has ended.
func (r *Room) Summary() (*models.GameSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary, r.summary != nil
}

// idleSince reports since when nobody has been attached, or false if someone is.
func (r *Room) idleSince() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hostConnID != "" || r.connectedCount() > 0 {
		return time.Time{}, false
	}
	return r.lastActivityAt, true
}

func (r *Room) player(id string) *Player {
	for _, p := range r.players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// mayDirect reports whether a player may run room level actions. An attached
// host display takes the initiator role away from the players.
func (r *Room) mayDirect(playerID string) bool {
	return r.hostConnID == "" && playerID == r.initiatorID()
}

// initiatorID is the earliest seated connected player.
func (r *Room) initiatorID() string {
	for _, p := range r.players {
		if p.Connected {
			return p.ID
		}
	}
	return ""
}

func (r *Room) connectedCount() int {
	n := 0
	for _, p := range r.players {
		if p.Connected {
			n++
		}
	}
	return n
}

func (r *Room) seats() []rules.Seat {
	seats := make([]rules.Seat, len(r.players))
	for i, p := range r.players {
		seats[i] = rules.Seat{PlayerID: p.ID, Seat: p.Seat, Connected: p.Connected}
	}
	return seats
}

func (r *Room) scoreMap() map[string]int {
	scores := make(map[string]int, len(r.players))
	for _, p := range r.players {
		scores[p.ID] = p.Score
	}
	return scores
}

func (r *Room) ruleState() rules.State {
	return rules.State{
		Data:    r.data,
		Phase:   r.phase,
		Actor:   r.currentPlayerID,
		Players: r.seats(),
		Scores:  r.scoreMap(),
		Rand:    r.rng,
	}
}

// applyDeltas is the only place scores change. Deltas for players who already
// left are dropped.
func (r *Room) applyDeltas(deltas map[string]int) {
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := r.player(id)
		if p == nil || deltas[id] == 0 {
			continue
		}
		p.Score += deltas[id]
		r.scoreSeq++
		p.scoreSeq = r.scoreSeq
	}
}

func (r *Room) touch() {
	r.lastActivityAt = r.now()
}

func (r *Room) event(kind EventKind) Event {
	return Event{
		Kind:            kind,
		RoomCode:        r.code,
		Round:           r.round,
		TotalRounds:     r.totalRounds,
		Status:          r.Status(),
		Phase:           r.phase,
		CurrentPlayerID: r.currentPlayerID,
		Data:            r.data,
		Scores:          rankPlayers(r.players),
		Players:         playerViews(r.players),
		Deadline:        r.phaseDeadline,
	}
}
