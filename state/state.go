package state

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTransitionNotAllowed is returned when a state transition is not allowed.
var ErrTransitionNotAllowed = errors.New("state transition not allowed")

// Status is one of the generic session states.
type Status string

const (
	StatusLobby        Status = "lobby"
	StatusRoundActive  Status = "round_active"
	StatusRoundBetween Status = "round_between"
	StatusEnded        Status = "ended"
)

// StateMachine 状态机接口
type StateMachine interface {
	ChangeState(to Status) error
	Current() Status
	AddTransition(from, to Status, condition func() bool) error
	CanTransition(from, to Status) bool
}

// Listener is notified after every successful transition.
type Listener func(from, to Status)

// BaseStateMachine only moves along declared transitions. A transition with
// a nil condition is always allowed.
type BaseStateMachine struct {
	current     Status
	transitions map[Status]map[Status]func() bool // from -> to -> condition
	listeners   []Listener
	mutex       sync.RWMutex
}

func NewBaseStateMachine(initial Status) *BaseStateMachine {
	return &BaseStateMachine{
		current:     initial,
		transitions: make(map[Status]map[Status]func() bool),
	}
}

// NewSessionMachine builds the lifecycle every game session follows.
func NewSessionMachine() *BaseStateMachine {
	sm := NewBaseStateMachine(StatusLobby)
	for _, t := range [][2]Status{
		{StatusLobby, StatusRoundActive},
		{StatusLobby, StatusEnded},
		{StatusRoundActive, StatusRoundBetween},
		{StatusRoundActive, StatusEnded},
		{StatusRoundBetween, StatusRoundActive},
		{StatusRoundBetween, StatusEnded},
	} {
		_ = sm.AddTransition(t[0], t[1], nil)
	}
	return sm
}

func (sm *BaseStateMachine) ChangeState(to Status) error {
	sm.mutex.Lock()
	from := sm.current
	conditions, ok := sm.transitions[from]
	if !ok {
		sm.mutex.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, from, to)
	}
	condition, ok := conditions[to]
	if !ok || (condition != nil && !condition()) {
		sm.mutex.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, from, to)
	}
	sm.current = to
	listeners := append([]Listener(nil), sm.listeners...)
	sm.mutex.Unlock()

	for _, l := range listeners {
		l(from, to)
	}
	return nil
}

func (sm *BaseStateMachine) Current() Status {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.current
}

func (sm *BaseStateMachine) AddTransition(from, to Status, condition func() bool) error {
	if from == to {
		return fmt.Errorf("self transition on %s", from)
	}
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if _, exists := sm.transitions[from]; !exists {
		sm.transitions[from] = make(map[Status]func() bool)
	}
	sm.transitions[from][to] = condition
	return nil
}

// CanTransition reports whether from -> to is declared, ignoring conditions.
func (sm *BaseStateMachine) CanTransition(from, to Status) bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	_, ok := sm.transitions[from][to]
	return ok
}

func (sm *BaseStateMachine) OnTransition(l Listener) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.listeners = append(sm.listeners, l)
}
