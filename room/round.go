package room

import (
	"errors"
	"fmt"
	"time"

	"github.com/wfunc/partyserver/logger"
	"github.com/wfunc/partyserver/models"
	"github.com/wfunc/partyserver/rules"
	"github.com/wfunc/partyserver/state"
)

// Tick fires phase deadlines, the automatic next round and seat expiry.
func (r *Room) Tick(now time.Time) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var events []Event
	if r.Status() == state.StatusRoundActive && !r.phaseDeadline.IsZero() && !now.Before(r.phaseDeadline) {
		events = append(events, r.timeout()...)
	}

	if r.opts.ReconnectGrace > 0 {
		for _, id := range r.expiredSeats(now) {
			logger.Log.Infof("room %s: seat of %s expired", r.code, id)
			events = append(events, r.removePlayer(id)...)
		}
	}

	if r.Status() == state.StatusRoundBetween && !r.nextRoundAt.IsZero() && !now.Before(r.nextRoundAt) {
		started, err := r.startRound()
		switch {
		case err == nil:
			events = append(events, started...)
		case errors.Is(err, ErrNotEnoughPlayers):
			// wait for a reconnect or for the seats to expire
		default:
			logger.Log.Errorf("room %s: automatic next round failed: %v", r.code, err)
			events = append(events, r.finish(ReasonInternalError)...)
		}
	}

	if len(events) > 0 {
		r.touch()
	}
	return events
}

func (r *Room) expiredSeats(now time.Time) []string {
	var ids []string
	for _, p := range r.players {
		if !p.Connected && now.Sub(p.DisconnectedAt) >= r.opts.ReconnectGrace {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

func (r *Room) timeout() []Event {
	out, err := r.module.OnTimeout(r.ruleState())
	if err != nil {
		logger.Log.Errorf("room %s: %s timeout in %s failed: %v", r.code, r.gameType, r.phase, err)
		return r.forceResolve()
	}
	return r.apply(out)
}

// startRound moves lobby or round_between into a fresh round.
func (r *Room) startRound() ([]Event, error) {
	if r.round >= r.totalRounds {
		return nil, fmt.Errorf("%w: all %d rounds played", rules.ErrInvalidPhase, r.totalRounds)
	}
	if n, need := r.connectedCount(), r.module.MinPlayers(); n < need {
		return nil, fmt.Errorf("%w: %d connected, %d required", ErrNotEnoughPlayers, n, need)
	}

	out, err := r.module.InitialRoundState(rules.RoundContext{
		Round:     r.round + 1,
		Players:   r.seats(),
		LastActor: r.lastStarterSeat,
		Scores:    r.scoreMap(),
		Prev:      r.data,
		Rand:      r.rng,
	})
	if err == nil {
		err = r.checkOutcome(out)
	}
	if err != nil {
		return nil, fmt.Errorf("start round %d: %w", r.round+1, err)
	}
	if out.Resolved {
		return nil, fmt.Errorf("%w: round %d resolved before it started", rules.ErrInvariant, r.round+1)
	}
	if err := r.machine.ChangeState(state.StatusRoundActive); err != nil {
		return nil, err
	}

	r.round++
	if r.round == 1 {
		r.startedAt = r.now()
	}
	if p := r.player(out.Actor); p != nil {
		r.lastStarterSeat = p.Seat
	}
	r.data = out.Data
	r.phase = out.Phase
	r.currentPlayerID = out.Actor
	r.nextRoundAt = time.Time{}
	r.armDeadline()

	logger.Log.Infof("room %s: round %d/%d started, phase %s, actor %q", r.code, r.round, r.totalRounds, r.phase, r.currentPlayerID)
	ev := r.event(EventRoundStart)
	ev.Timeouts = copyTimeouts(r.module.Timeouts())
	return []Event{ev}, nil
}

// apply commits a module decision. An outcome that breaks the room's
// invariants is discarded and the round is force-resolved instead.
func (r *Room) apply(out rules.Outcome) []Event {
	if err := r.checkOutcome(out); err != nil {
		logger.Log.Errorf("room %s: %s produced an invalid outcome: %v", r.code, r.gameType, err)
		return r.forceResolve()
	}

	moved := out.Phase != r.phase || out.Actor != r.currentPlayerID
	r.data = out.Data
	r.phase = out.Phase
	r.currentPlayerID = out.Actor
	r.applyDeltas(out.Deltas)

	if out.Resolved {
		return r.endRound(out.Deltas, out.Winner)
	}
	if moved {
		r.armDeadline()
	}
	ev := r.event(EventUpdate)
	ev.Deltas = copyDeltas(out.Deltas)
	return []Event{ev}
}

func (r *Room) checkOutcome(out rules.Outcome) error {
	if out.Data == nil || out.Data.GameType() != r.gameType {
		return fmt.Errorf("%w: game data %T does not belong to %s", rules.ErrInvariant, out.Data, r.gameType)
	}
	if !rules.HasPhase(r.module, out.Phase) {
		return fmt.Errorf("%w: undeclared phase %q", rules.ErrInvariant, out.Phase)
	}
	// A new actor must be online. An actor kept through a roster change may be
	// offline for now; the phase deadline still moves the round on.
	if !out.Resolved && out.Actor != "" {
		p := r.player(out.Actor)
		if p == nil {
			return fmt.Errorf("%w: actor %s is not in the room", rules.ErrInvariant, out.Actor)
		}
		if !p.Connected && out.Actor != r.currentPlayerID {
			return fmt.Errorf("%w: actor %s is not a connected player", rules.ErrInvariant, out.Actor)
		}
	}
	return nil
}

// forceResolve ends the current round through the timeout path, falling back
// to a scoreless resolution when the module cannot produce a valid one.
func (r *Room) forceResolve() []Event {
	if r.Status() != state.StatusRoundActive {
		return nil
	}
	out, err := r.module.OnTimeout(r.ruleState())
	if err == nil && out.Resolved && r.checkOutcome(out) == nil {
		r.data = out.Data
		r.phase = out.Phase
		r.currentPlayerID = out.Actor
		r.applyDeltas(out.Deltas)
		return r.endRound(out.Deltas, out.Winner)
	}
	logger.Log.Warnf("room %s: round %d resolved without scoring", r.code, r.round)
	return r.endRound(nil, "")
}

func (r *Room) endRound(deltas map[string]int, winner string) []Event {
	if err := r.machine.ChangeState(state.StatusRoundBetween); err != nil {
		logger.Log.Errorf("room %s: %v", r.code, err)
		return nil
	}
	frozen := RoundOutcome{Round: r.round, Deltas: copyDeltas(deltas), Winner: winner}
	if frozen.Deltas == nil {
		frozen.Deltas = map[string]int{}
	}
	r.outcomes = append(r.outcomes, frozen)
	r.phaseDeadline = time.Time{}
	r.currentPlayerID = ""

	logger.Log.Infof("room %s: round %d resolved, winner %q", r.code, r.round, winner)
	ev := r.event(EventRoundEnd)
	ev.Deltas = copyDeltas(frozen.Deltas)
	ev.Winner = winner
	events := []Event{ev}

	switch {
	case r.round >= r.totalRounds:
		events = append(events, r.finish(ReasonCompleted)...)
	case r.module.GameOver(r.scoreMap()):
		events = append(events, r.finish(ReasonTargetReached)...)
	case r.opts.AutoAdvance:
		r.nextRoundAt = r.now().Add(r.opts.NextRoundDelay)
	}
	return events
}

// finish moves any state to ended and freezes the summary.
func (r *Room) finish(reason string) []Event {
	if err := r.machine.ChangeState(state.StatusEnded); err != nil {
		logger.Log.Errorf("room %s: %v", r.code, err)
		return nil
	}
	r.endReason = reason
	r.phaseDeadline = time.Time{}
	r.nextRoundAt = time.Time{}
	r.currentPlayerID = ""

	started := r.startedAt
	if started.IsZero() {
		started = r.createdAt
	}
	r.summary = &models.GameSummary{
		SessionID:   r.sessionID,
		RoomCode:    r.code,
		GameType:    r.gameType,
		Rounds:      len(r.outcomes),
		TotalRounds: r.totalRounds,
		EndReason:   reason,
		FinalScores: rankPlayers(r.players),
		StartedAt:   started,
		EndedAt:     r.now(),
	}

	logger.Log.Infof("room %s: game ended (%s) after %d rounds", r.code, reason, len(r.outcomes))
	ev := r.event(EventEnded)
	ev.Reason = reason
	ev.Summary = r.summary
	return []Event{ev}
}

func (r *Room) armDeadline() {
	r.phaseDeadline = time.Time{}
	if d, ok := r.module.Timeouts()[r.phase]; ok && d > 0 {
		r.phaseDeadline = r.now().Add(d)
	}
}
