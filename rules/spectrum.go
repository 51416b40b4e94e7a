package rules

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const GameSpectrum = "spectrum-guess"

const (
	PhaseClue     Phase = "clue"
	PhaseGuessing Phase = "guessing"
	PhaseReveal   Phase = "reveal"
)

const (
	ActionClue  = "clue"
	ActionGuess = "guess"
)

const maxClueLength = 80

var spectrumPairs = [][2]string{
	{"Freezing", "Scorching"},
	{"Underrated", "Overrated"},
	{"Useless", "Useful"},
	{"Quiet", "Loud"},
	{"Cheap", "Expensive"},
	{"Boring", "Exciting"},
	{"Ancient", "Futuristic"},
	{"Harmless", "Dangerous"},
	{"Villain", "Hero"},
	{"Smells bad", "Smells good"},
}

type SpectrumOptions struct {
	ClueTimeout  time.Duration
	GuessTimeout time.Duration
	TargetScore  int
}

// Spectrum is the spectrum-guess game: a psychic gives a clue for a hidden
// position on a scale and the others guess it.
type Spectrum struct {
	opts SpectrumOptions
}

func NewSpectrum(opts SpectrumOptions) *Spectrum {
	if opts.ClueTimeout <= 0 {
		opts.ClueTimeout = 60 * time.Second
	}
	if opts.GuessTimeout <= 0 {
		opts.GuessTimeout = 45 * time.Second
	}
	return &Spectrum{opts: opts}
}

type SpectrumData struct {
	PsychicID   string         `json:"psychicId"`
	PsychicSeat int            `json:"-"`
	LeftLabel   string         `json:"leftLabel"`
	RightLabel  string         `json:"rightLabel"`
	Target      int            `json:"targetPosition"`
	Clue        string         `json:"clue,omitempty"`
	Guesses     map[string]int `json:"guesses"`
	Points      map[string]int `json:"points,omitempty"`
	Revealed    bool           `json:"revealed"`
}

func (d *SpectrumData) GameType() string { return GameSpectrum }

type spectrumView struct {
	PsychicID  string         `json:"psychicId"`
	LeftLabel  string         `json:"leftLabel"`
	RightLabel string         `json:"rightLabel"`
	Target     *int           `json:"targetPosition,omitempty"`
	Clue       string         `json:"clue,omitempty"`
	Guessed    []string       `json:"guessed"`
	Guesses    map[string]int `json:"guesses,omitempty"`
	Points     map[string]int `json:"points,omitempty"`
	Revealed   bool           `json:"revealed"`
}

// View hides the target from everyone but the psychic, and other players'
// guesses from everyone, until the reveal.
func (d *SpectrumData) View(viewerID string) any {
	v := spectrumView{
		PsychicID:  d.PsychicID,
		LeftLabel:  d.LeftLabel,
		RightLabel: d.RightLabel,
		Clue:       d.Clue,
		Guessed:    sortedKeys(d.Guesses),
		Revealed:   d.Revealed,
	}
	if d.Revealed || (viewerID != "" && viewerID == d.PsychicID) {
		target := d.Target
		v.Target = &target
	}
	if d.Revealed {
		v.Guesses = copyInts(d.Guesses)
		v.Points = copyInts(d.Points)
	} else if g, ok := d.Guesses[viewerID]; ok {
		v.Guesses = map[string]int{viewerID: g}
	}
	return v
}

func (d *SpectrumData) clone() *SpectrumData {
	c := *d
	c.Guesses = copyInts(d.Guesses)
	if d.Points != nil {
		c.Points = copyInts(d.Points)
	}
	return &c
}

func (s *Spectrum) GameType() string { return GameSpectrum }
func (s *Spectrum) MinPlayers() int  { return 2 }

func (s *Spectrum) Phases() []Phase {
	return []Phase{PhaseClue, PhaseGuessing, PhaseReveal}
}

func (s *Spectrum) Timeouts() map[Phase]time.Duration {
	return map[Phase]time.Duration{
		PhaseClue:     s.opts.ClueTimeout,
		PhaseGuessing: s.opts.GuessTimeout,
	}
}

func (s *Spectrum) InitialRoundState(rc RoundContext) (Outcome, error) {
	psychic, ok := NextActor(rc.Players, rc.LastActor)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: no connected player to act as psychic", ErrInvariant)
	}
	pair := spectrumPairs[rc.Rand.Intn(len(spectrumPairs))]

	data := &SpectrumData{
		PsychicID:   psychic.PlayerID,
		PsychicSeat: psychic.Seat,
		LeftLabel:   pair[0],
		RightLabel:  pair[1],
		Target:      rc.Rand.Intn(101),
		Guesses:     make(map[string]int),
	}
	return Outcome{Data: data, Phase: PhaseClue, Actor: psychic.PlayerID}, nil
}

func (s *Spectrum) MayAct(st State, playerID, actionType string) bool {
	d, ok := st.Data.(*SpectrumData)
	if !ok {
		return false
	}
	switch actionType {
	case ActionClue:
		return playerID == d.PsychicID
	case ActionGuess:
		return playerID != d.PsychicID
	}
	return true
}

func (s *Spectrum) ValidateAction(st State, act Action) error {
	d, err := spectrumData(st.Data)
	if err != nil {
		return err
	}

	switch act.Type {
	case ActionClue:
		if st.Phase != PhaseClue {
			return fmt.Errorf("%w: clue is only accepted during %s", ErrInvalidPhase, PhaseClue)
		}
		var p struct {
			Clue string `json:"clue"`
		}
		if err := decodePayload(act.Payload, &p); err != nil {
			return err
		}
		clue := strings.TrimSpace(p.Clue)
		if clue == "" || utf8.RuneCountInString(clue) > maxClueLength {
			return fmt.Errorf("%w: clue must be 1-%d characters", ErrInvalidPayload, maxClueLength)
		}
		return nil

	case ActionGuess:
		if st.Phase != PhaseGuessing {
			return fmt.Errorf("%w: guess is only accepted during %s", ErrInvalidPhase, PhaseGuessing)
		}
		if _, done := d.Guesses[act.PlayerID]; done {
			return fmt.Errorf("%w: already guessed this round", ErrInvalidPhase)
		}
		_, err := parseGuess(act)
		return err
	}
	return unknownAction(act.Type)
}

func parseGuess(act Action) (int, error) {
	var p struct {
		Value *int `json:"value"`
	}
	if err := decodePayload(act.Payload, &p); err != nil {
		return 0, err
	}
	if p.Value == nil || *p.Value < 0 || *p.Value > 100 {
		return 0, fmt.Errorf("%w: guess must be within [0,100]", ErrInvalidPayload)
	}
	return *p.Value, nil
}

func (s *Spectrum) ApplyAction(st State, act Action) (Outcome, error) {
	if err := s.ValidateAction(st, act); err != nil {
		return Outcome{}, err
	}
	d := st.Data.(*SpectrumData).clone()

	switch act.Type {
	case ActionClue:
		var p struct {
			Clue string `json:"clue"`
		}
		_ = decodePayload(act.Payload, &p)
		d.Clue = strings.TrimSpace(p.Clue)
		return Outcome{Data: d, Phase: PhaseGuessing}, nil

	default: // ActionGuess
		value, _ := parseGuess(act)
		d.Guesses[act.PlayerID] = value
		if allGuessed(d, st.Players) {
			return resolveSpectrum(d), nil
		}
		return Outcome{Data: d, Phase: PhaseGuessing}, nil
	}
}

func (s *Spectrum) OnTimeout(st State) (Outcome, error) {
	d, err := spectrumData(st.Data)
	if err != nil {
		return Outcome{}, err
	}
	switch st.Phase {
	case PhaseClue:
		// no clue means nobody can score
		c := d.clone()
		c.Guesses = map[string]int{}
		return resolveSpectrum(c), nil
	case PhaseGuessing:
		return resolveSpectrum(d.clone()), nil
	}
	return Outcome{}, fmt.Errorf("%w: no deadline in %s", ErrInvalidPhase, st.Phase)
}

func (s *Spectrum) OnPlayerLeft(st State, playerID string) (Outcome, error) {
	d, err := spectrumData(st.Data)
	if err != nil {
		return Outcome{}, err
	}
	c := d.clone()
	delete(c.Guesses, playerID)

	switch st.Phase {
	case PhaseClue:
		if playerID == d.PsychicID {
			c.Guesses = map[string]int{}
			return resolveSpectrum(c), nil
		}
		return Outcome{Data: c, Phase: PhaseClue, Actor: st.Actor}, nil
	case PhaseGuessing:
		if allGuessed(c, st.Players) {
			return resolveSpectrum(c), nil
		}
		return Outcome{Data: c, Phase: PhaseGuessing}, nil
	}
	return Outcome{Data: c, Phase: st.Phase, Actor: st.Actor}, nil
}

func (s *Spectrum) OnPlayerDisconnected(st State, playerID string) (Outcome, error) {
	d, err := spectrumData(st.Data)
	if err != nil {
		return Outcome{}, err
	}
	c := d.clone()
	if st.Phase == PhaseGuessing && allGuessed(c, st.Players) {
		return resolveSpectrum(c), nil
	}
	return Outcome{Data: c, Phase: st.Phase, Actor: st.Actor}, nil
}

func (s *Spectrum) GameOver(scores map[string]int) bool {
	return reachedTarget(s.opts.TargetScore, scores)
}

// SpectrumPoints scores one guess by its distance to the target.
func SpectrumPoints(guess, target int) int {
	dist := guess - target
	if dist < 0 {
		dist = -dist
	}
	switch {
	case dist <= 3:
		return 4
	case dist <= 6:
		return 3
	case dist <= 10:
		return 2
	}
	return 0
}

func allGuessed(d *SpectrumData, players []Seat) bool {
	guessers := 0
	for _, p := range players {
		if !p.Connected || p.PlayerID == d.PsychicID {
			continue
		}
		guessers++
		if _, ok := d.Guesses[p.PlayerID]; !ok {
			return false
		}
	}
	return guessers > 0
}

func resolveSpectrum(d *SpectrumData) Outcome {
	deltas := make(map[string]int, len(d.Guesses)+1)
	best, winner := 0, ""
	for _, id := range sortedKeys(d.Guesses) {
		pts := SpectrumPoints(d.Guesses[id], d.Target)
		deltas[id] = pts
		if pts > best {
			best, winner = pts, id
		}
	}
	if len(d.Guesses) > 0 {
		deltas[d.PsychicID] = best
	}

	d.Points = copyInts(deltas)
	d.Revealed = true
	return Outcome{Data: d, Phase: PhaseReveal, Deltas: deltas, Resolved: true, Winner: winner}
}

func spectrumData(gd GameData) (*SpectrumData, error) {
	d, ok := gd.(*SpectrumData)
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: expected spectrum data, got %T", ErrInvariant, gd)
	}
	return d, nil
}
