package rules

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seats(ids ...string) []Seat {
	out := make([]Seat, len(ids))
	for i, id := range ids {
		out[i] = Seat{PlayerID: id, Seat: i, Connected: true}
	}
	return out
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func spectrumState(phase Phase, target int, guesses map[string]int) State {
	return State{
		Data: &SpectrumData{
			PsychicID:  "psy",
			LeftLabel:  "Freezing",
			RightLabel: "Scorching",
			Target:     target,
			Guesses:    guesses,
		},
		Phase:   phase,
		Players: seats("psy", "a", "b"),
		Scores:  map[string]int{},
		Rand:    rand.New(rand.NewSource(1)),
	}
}

func TestSpectrumPoints(t *testing.T) {
	cases := []struct {
		guess, target, want int
	}{
		{63, 63, 4},
		{60, 63, 4},
		{66, 63, 4},
		{57, 63, 3},
		{70, 63, 2},
		{73, 63, 2},
		{74, 63, 0},
		{0, 100, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SpectrumPoints(tc.guess, tc.target), "guess %d target %d", tc.guess, tc.target)
	}
}

func TestSpectrum_InitialRoundStateRotatesPsychic(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	rng := rand.New(rand.NewSource(42))
	players := seats("a", "b", "c")

	last := -1
	var psychics []string
	for round := 1; round <= 3; round++ {
		out, err := s.InitialRoundState(RoundContext{Round: round, Players: players, LastActor: last, Rand: rng})
		require.NoError(t, err)

		d := out.Data.(*SpectrumData)
		assert.Equal(t, PhaseClue, out.Phase)
		assert.Equal(t, d.PsychicID, out.Actor)
		assert.GreaterOrEqual(t, d.Target, 0)
		assert.LessOrEqual(t, d.Target, 100)
		psychics = append(psychics, d.PsychicID)
		last = d.PsychicSeat
	}
	assert.Equal(t, []string{"a", "b", "c"}, psychics)
}

func TestSpectrum_InitialRoundStateSkipsDisconnected(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	players := seats("a", "b", "c")
	players[1].Connected = false

	out, err := s.InitialRoundState(RoundContext{Players: players, LastActor: 0, Rand: rand.New(rand.NewSource(1))})
	require.NoError(t, err)
	assert.Equal(t, "c", out.Actor)
}

func TestSpectrum_InitialRoundStateWithoutConnectedPlayers(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	players := seats("a")
	players[0].Connected = false

	_, err := s.InitialRoundState(RoundContext{Players: players, LastActor: -1, Rand: rand.New(rand.NewSource(1))})
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestSpectrum_MayAct(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	st := spectrumState(PhaseClue, 50, map[string]int{})

	assert.True(t, s.MayAct(st, "psy", ActionClue))
	assert.False(t, s.MayAct(st, "a", ActionClue))
	assert.True(t, s.MayAct(st, "a", ActionGuess))
	assert.False(t, s.MayAct(st, "psy", ActionGuess))
}

func TestSpectrum_ValidateAction(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	cases := []struct {
		name    string
		phase   Phase
		guesses map[string]int
		act     Action
		wantErr error
	}{
		{"clue ok", PhaseClue, nil, Action{PlayerID: "psy", Type: ActionClue, Payload: payload(t, map[string]string{"clue": "Scorching"})}, nil},
		{"empty clue", PhaseClue, nil, Action{PlayerID: "psy", Type: ActionClue, Payload: payload(t, map[string]string{"clue": "  "})}, ErrInvalidPayload},
		{"clue during guessing", PhaseGuessing, nil, Action{PlayerID: "psy", Type: ActionClue, Payload: payload(t, map[string]string{"clue": "x"})}, ErrInvalidPhase},
		{"guess before clue", PhaseClue, nil, Action{PlayerID: "a", Type: ActionGuess, Payload: payload(t, map[string]int{"value": 10})}, ErrInvalidPhase},
		{"guess out of range", PhaseGuessing, nil, Action{PlayerID: "a", Type: ActionGuess, Payload: payload(t, map[string]int{"value": 101})}, ErrInvalidPayload},
		{"guess missing value", PhaseGuessing, nil, Action{PlayerID: "a", Type: ActionGuess, Payload: payload(t, map[string]int{})}, ErrInvalidPayload},
		{"malformed payload", PhaseGuessing, nil, Action{PlayerID: "a", Type: ActionGuess, Payload: json.RawMessage(`{"value":`)}, ErrInvalidPayload},
		{"duplicate guess", PhaseGuessing, map[string]int{"a": 40}, Action{PlayerID: "a", Type: ActionGuess, Payload: payload(t, map[string]int{"value": 40})}, ErrInvalidPhase},
		{"unknown action", PhaseGuessing, nil, Action{PlayerID: "a", Type: "dance"}, ErrInvalidPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := tc.guesses
			if g == nil {
				g = map[string]int{}
			}
			err := s.ValidateAction(spectrumState(tc.phase, 50, g), tc.act)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tc.wantErr), "want %v, got %v", tc.wantErr, err)
		})
	}
}

func TestSpectrum_ScorchingScenario(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	st := spectrumState(PhaseClue, 63, map[string]int{})

	out, err := s.ApplyAction(st, Action{PlayerID: "psy", Type: ActionClue, Payload: payload(t, map[string]string{"clue": "Scorching"})})
	require.NoError(t, err)
	assert.Equal(t, PhaseGuessing, out.Phase)
	assert.False(t, out.Resolved)
	assert.Empty(t, st.Data.(*SpectrumData).Clue, "input data must not be mutated")

	st.Data, st.Phase = out.Data, out.Phase
	out, err = s.ApplyAction(st, Action{PlayerID: "a", Type: ActionGuess, Payload: payload(t, map[string]int{"value": 60})})
	require.NoError(t, err)
	assert.False(t, out.Resolved)
	assert.Empty(t, out.Deltas)

	st.Data, st.Phase = out.Data, out.Phase
	out, err = s.ApplyAction(st, Action{PlayerID: "b", Type: ActionGuess, Payload: payload(t, map[string]int{"value": 70})})
	require.NoError(t, err)

	assert.True(t, out.Resolved)
	assert.Equal(t, PhaseReveal, out.Phase)
	assert.Equal(t, map[string]int{"a": 4, "b": 2, "psy": 4}, out.Deltas)
	assert.Equal(t, "a", out.Winner)

	d := out.Data.(*SpectrumData)
	assert.True(t, d.Revealed)
	assert.Equal(t, 63, d.Target)
}

func TestSpectrum_GuessTimeoutResolvesWithSubmittedGuesses(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	out, err := s.OnTimeout(spectrumState(PhaseGuessing, 50, map[string]int{"a": 48}))
	require.NoError(t, err)

	assert.True(t, out.Resolved)
	assert.Equal(t, map[string]int{"a": 4, "psy": 4}, out.Deltas)
}

func TestSpectrum_ClueTimeoutScoresNobody(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	out, err := s.OnTimeout(spectrumState(PhaseClue, 50, map[string]int{}))
	require.NoError(t, err)

	assert.True(t, out.Resolved)
	assert.Empty(t, out.Deltas)
	assert.Equal(t, PhaseReveal, out.Phase)
}

func TestSpectrum_DisconnectedGuesserDoesNotBlockResolution(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	st := spectrumState(PhaseGuessing, 50, map[string]int{})
	st.Players[2].Connected = false

	out, err := s.ApplyAction(st, Action{PlayerID: "a", Type: ActionGuess, Payload: payload(t, map[string]int{"value": 50})})
	require.NoError(t, err)
	assert.True(t, out.Resolved)
}

func TestSpectrum_PsychicLeavingDuringClueEndsRound(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	st := spectrumState(PhaseClue, 50, map[string]int{})
	st.Players = st.Players[1:]

	out, err := s.OnPlayerLeft(st, "psy")
	require.NoError(t, err)
	assert.True(t, out.Resolved)
}

func TestSpectrum_GuesserLeavingCompletesRound(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	st := spectrumState(PhaseGuessing, 50, map[string]int{"a": 50})
	st.Players = seats("psy", "a")

	out, err := s.OnPlayerLeft(st, "b")
	require.NoError(t, err)
	assert.True(t, out.Resolved)
	assert.Equal(t, 4, out.Deltas["a"])
}

func TestSpectrum_LastGuesserDisconnectingCompletesRound(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	st := spectrumState(PhaseGuessing, 50, map[string]int{"a": 48})
	st.Players[2].Connected = false

	out, err := s.OnPlayerDisconnected(st, "b")
	require.NoError(t, err)
	assert.True(t, out.Resolved)
	assert.Equal(t, 4, out.Deltas["a"])
}

func TestSpectrum_PsychicDisconnectingKeepsClueTurn(t *testing.T) {
	s := NewSpectrum(SpectrumOptions{})
	st := spectrumState(PhaseClue, 50, map[string]int{})
	st.Actor = "psy"
	st.Players[0].Connected = false

	out, err := s.OnPlayerDisconnected(st, "psy")
	require.NoError(t, err)
	assert.False(t, out.Resolved)
	assert.Equal(t, PhaseClue, out.Phase)
	assert.Equal(t, "psy", out.Actor)
}

func TestSpectrum_ViewHidesTargetUntilReveal(t *testing.T) {
	d := spectrumState(PhaseGuessing, 63, map[string]int{"a": 60}).Data.(*SpectrumData)

	guesser := d.View("b").(spectrumView)
	assert.Nil(t, guesser.Target)
	assert.Nil(t, guesser.Guesses)
	assert.Equal(t, []string{"a"}, guesser.Guessed)

	psychic := d.View("psy").(spectrumView)
	require.NotNil(t, psychic.Target)
	assert.Equal(t, 63, *psychic.Target)

	host := d.View("").(spectrumView)
	assert.Nil(t, host.Target)

	d.Revealed = true
	revealed := d.View("b").(spectrumView)
	require.NotNil(t, revealed.Target)
	assert.Equal(t, map[string]int{"a": 60}, revealed.Guesses)
}

func TestSpectrum_GameOver(t *testing.T) {
	assert.False(t, NewSpectrum(SpectrumOptions{}).GameOver(map[string]int{"a": 100}))
	s := NewSpectrum(SpectrumOptions{TargetScore: 10})
	assert.False(t, s.GameOver(map[string]int{"a": 9}))
	assert.True(t, s.GameOver(map[string]int{"a": 10}))
}

func TestNextActor_Wraps(t *testing.T) {
	players := seats("a", "b", "c")
	next, ok := NextActor(players, 2)
	require.True(t, ok)
	assert.Equal(t, "a", next.PlayerID)

	players[0].Connected = false
	next, ok = NextActor(players, 2)
	require.True(t, ok)
	assert.Equal(t, "b", next.PlayerID)
}

func TestCatalog_Lookup(t *testing.T) {
	c := NewCatalog(NewSpectrum(SpectrumOptions{}), NewWheel(WheelOptions{}), NewTrivia(TriviaOptions{}))

	m, err := c.Lookup(GameWheel)
	require.NoError(t, err)
	assert.Equal(t, GameWheel, m.GameType())

	_, err = c.Lookup("charades")
	assert.ErrorIs(t, err, ErrUnknownGameType)
	assert.Equal(t, []string{GameSpectrum, GameTrivia, GameWheel}, c.GameTypes())
}

func TestModules_PhasesAreDeclared(t *testing.T) {
	for _, m := range []Module{NewSpectrum(SpectrumOptions{}), NewWheel(WheelOptions{}), NewTrivia(TriviaOptions{})} {
		out, err := m.InitialRoundState(RoundContext{Round: 1, Players: seats("a", "b"), LastActor: -1, Rand: rand.New(rand.NewSource(3))})
		require.NoError(t, err)
		assert.True(t, HasPhase(m, out.Phase), "%s starts in undeclared phase %s", m.GameType(), out.Phase)
		for phase := range m.Timeouts() {
			assert.True(t, HasPhase(m, phase), "%s has a timeout for undeclared phase %s", m.GameType(), phase)
		}
	}
}
