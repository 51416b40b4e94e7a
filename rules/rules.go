// Package rules holds the per-game decision logic. Every module is a set of
// pure functions over its own GameData type: the caller owns all state and
// passes it in, modules return a new Outcome and never mutate their inputs.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"
)

var (
	ErrNotYourTurn       = errors.New("not your turn")
	ErrInvalidPhase      = errors.New("invalid phase for action")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrInsufficientScore = errors.New("insufficient score")
	ErrUnknownGameType   = errors.New("unknown game type")

	// ErrInvariant marks a bug inside a module, never a player mistake.
	ErrInvariant = errors.New("rule invariant violated")
)

// Phase is a module specific sub state of an active round.
type Phase string

// GameData is the opaque per-round bag owned by one module. Each module has
// exactly one concrete implementation.
type GameData interface {
	GameType() string
	// View returns what viewerID may see. An empty viewer is the host display.
	View(viewerID string) any
}

// Seat is the roster view handed to modules, in seat order.
type Seat struct {
	PlayerID  string
	Seat      int
	Connected bool
}

// RoundContext is the input to InitialRoundState.
type RoundContext struct {
	Round   int
	Players []Seat
	// LastActor is the seat of the previous round's first actor, -1 before round one.
	LastActor int
	Scores    map[string]int
	Prev      GameData
	Rand      *rand.Rand
}

// State is the slice of session state a module decides on.
type State struct {
	Data    GameData
	Phase   Phase
	Actor   string
	Players []Seat
	Scores  map[string]int
	Rand    *rand.Rand
}

// Action is one player submission.
type Action struct {
	PlayerID string
	Type     string
	Payload  json.RawMessage
}

// Outcome is a module decision. Deltas are the only way scores change.
type Outcome struct {
	Data     GameData
	Phase    Phase
	Actor    string
	Deltas   map[string]int
	Resolved bool
	Winner   string
}

// Module is the capability set every game type provides.
type Module interface {
	GameType() string
	Phases() []Phase
	MinPlayers() int
	Timeouts() map[Phase]time.Duration

	InitialRoundState(rc RoundContext) (Outcome, error)
	MayAct(st State, playerID, actionType string) bool
	ValidateAction(st State, act Action) error
	ApplyAction(st State, act Action) (Outcome, error)
	OnTimeout(st State) (Outcome, error)
	OnPlayerLeft(st State, playerID string) (Outcome, error)
	// OnPlayerDisconnected runs after playerID went offline but kept the seat.
	// Submissions already made stay; the round may now be complete.
	OnPlayerDisconnected(st State, playerID string) (Outcome, error)
	GameOver(scores map[string]int) bool
}

// HasPhase reports whether p is declared by m.
func HasPhase(m Module, p Phase) bool {
	for _, declared := range m.Phases() {
		if declared == p {
			return true
		}
	}
	return false
}

// NextActor returns the first connected player seated after afterSeat,
// wrapping around. Pass -1 to start from the lowest seat.
func NextActor(players []Seat, afterSeat int) (Seat, bool) {
	connected := make([]Seat, 0, len(players))
	for _, p := range players {
		if p.Connected {
			connected = append(connected, p)
		}
	}
	if len(connected) == 0 {
		return Seat{}, false
	}
	sort.Slice(connected, func(i, j int) bool { return connected[i].Seat < connected[j].Seat })

	for _, p := range connected {
		if p.Seat > afterSeat {
			return p, true
		}
	}
	return connected[0], true
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func unknownAction(actionType string) error {
	return fmt.Errorf("%w: unknown action %q", ErrInvalidPayload, actionType)
}

func reachedTarget(target int, scores map[string]int) bool {
	if target <= 0 {
		return false
	}
	for _, s := range scores {
		if s >= target {
			return true
		}
	}
	return false
}

func copyInts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Catalog maps game types to their modules.
type Catalog struct {
	modules map[string]Module
}

func NewCatalog(modules ...Module) *Catalog {
	c := &Catalog{modules: make(map[string]Module, len(modules))}
	for _, m := range modules {
		c.modules[m.GameType()] = m
	}
	return c
}

func (c *Catalog) Lookup(gameType string) (Module, error) {
	m, ok := c.modules[gameType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGameType, gameType)
	}
	return m, nil
}

// GameTypes lists the registered game types in sorted order.
func (c *Catalog) GameTypes() []string {
	types := make([]string, 0, len(c.modules))
	for t := range c.modules {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
