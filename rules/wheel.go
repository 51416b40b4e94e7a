package rules

import (
	"fmt"
	"strings"
	"time"
)

const GameWheel = "wheel-phrase"

const (
	PhaseSpin    Phase = "spin"
	PhaseLetter  Phase = "letter"
	PhaseSolve   Phase = "solve"
	PhaseBetween Phase = "between"
)

const (
	ActionSpin     = "spin"
	ActionLetter   = "letter"
	ActionBuyVowel = "buy_vowel"
	ActionSolve    = "solve"
)

// LoseTurn is the wheel segment that passes the turn.
const LoseTurn = 0

var wheelSegments = []int{
	100, 200, 300, 400, 500, 500, 600, 700, 800, 900, 1000, LoseTurn,
}

type puzzle struct {
	Category string
	Phrase   string
}

var puzzleBank = []puzzle{
	{"Phrase", "BREAK A LEG"},
	{"Phrase", "SPILL THE BEANS"},
	{"Event", "TOTAL ECLIPSE"},
	{"Place", "GRAND CANYON"},
	{"Thing", "PAPER AIRPLANE"},
	{"Food", "PEANUT BUTTER SANDWICH"},
	{"Person", "SECRET AGENT"},
	{"Title", "THE WIZARD OF OZ"},
	{"Phrase", "BETTER LATE THAN NEVER"},
	{"Thing", "ROLLER COASTER"},
}

type WheelOptions struct {
	TurnTimeout time.Duration
	VowelCost   int
	BoardValue  int
	TargetScore int
}

// Wheel is the wheel-and-phrase game: players take turns spinning, calling
// consonants, buying vowels and solving a hidden phrase.
type Wheel struct {
	opts WheelOptions
}

func NewWheel(opts WheelOptions) *Wheel {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 30 * time.Second
	}
	if opts.VowelCost <= 0 {
		opts.VowelCost = 250
	}
	if opts.BoardValue <= 0 {
		opts.BoardValue = 500
	}
	return &Wheel{opts: opts}
}

type WheelData struct {
	Category   string `json:"category"`
	Phrase     string `json:"phrase"`
	Guessed    string `json:"guessedLetters"`
	SpinValue  int    `json:"spinValue"`
	LastSpin   string `json:"lastSpin,omitempty"`
	BoardValue int    `json:"boardValue"`
	VowelCost  int    `json:"vowelCost"`
	ActorID    string `json:"currentPlayerId"`
	ActorSeat  int    `json:"-"`
	SolvedBy   string `json:"solvedBy,omitempty"`
	Revealed   bool   `json:"revealed"`
}

func (d *WheelData) GameType() string { return GameWheel }

type wheelView struct {
	Category       string `json:"category"`
	Board          string `json:"board"`
	Guessed        string `json:"guessedLetters"`
	SpinValue      int    `json:"spinValue"`
	LastSpin       string `json:"lastSpin,omitempty"`
	BoardValue     int    `json:"boardValue"`
	RemainingValue int    `json:"remainingValue"`
	VowelCost      int    `json:"vowelCost"`
	ActorID        string `json:"currentPlayerId"`
	SolvedBy       string `json:"solvedBy,omitempty"`
	Revealed       bool   `json:"revealed"`
}

func (d *WheelData) View(string) any {
	return wheelView{
		Category:       d.Category,
		Board:          d.Board(),
		Guessed:        d.Guessed,
		SpinValue:      d.SpinValue,
		LastSpin:       d.LastSpin,
		BoardValue:     d.BoardValue,
		RemainingValue: d.RemainingValue(),
		VowelCost:      d.VowelCost,
		ActorID:        d.ActorID,
		SolvedBy:       d.SolvedBy,
		Revealed:       d.Revealed,
	}
}

// Board renders the phrase with unguessed letters as underscores.
func (d *WheelData) Board() string {
	if d.Revealed {
		return d.Phrase
	}
	var b strings.Builder
	for _, r := range d.Phrase {
		if isLetter(r) && !strings.ContainsRune(d.Guessed, r) {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RemainingValue is the board value times the hidden letter positions.
func (d *WheelData) RemainingValue() int {
	return d.BoardValue * d.hidden(func(rune) bool { return true })
}

func (d *WheelData) hidden(match func(rune) bool) int {
	if d.Revealed {
		return 0
	}
	n := 0
	for _, r := range d.Phrase {
		if isLetter(r) && match(r) && !strings.ContainsRune(d.Guessed, r) {
			n++
		}
	}
	return n
}

func (d *WheelData) hiddenConsonants() int {
	return d.hidden(func(r rune) bool { return !isVowel(r) })
}

func (d *WheelData) clone() *WheelData {
	c := *d
	return &c
}

func (w *Wheel) GameType() string { return GameWheel }
func (w *Wheel) MinPlayers() int  { return 2 }

func (w *Wheel) Phases() []Phase {
	return []Phase{PhaseSpin, PhaseLetter, PhaseSolve, PhaseBetween}
}

func (w *Wheel) Timeouts() map[Phase]time.Duration {
	return map[Phase]time.Duration{
		PhaseSpin:   w.opts.TurnTimeout,
		PhaseLetter: w.opts.TurnTimeout,
		PhaseSolve:  w.opts.TurnTimeout,
	}
}

func (w *Wheel) InitialRoundState(rc RoundContext) (Outcome, error) {
	actor, ok := NextActor(rc.Players, rc.LastActor)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: no connected player to start the wheel", ErrInvariant)
	}

	idx := rc.Rand.Intn(len(puzzleBank))
	if prev, ok := rc.Prev.(*WheelData); ok && puzzleBank[idx].Phrase == prev.Phrase {
		idx = (idx + 1) % len(puzzleBank)
	}
	pz := puzzleBank[idx]

	data := &WheelData{
		Category:   pz.Category,
		Phrase:     pz.Phrase,
		BoardValue: w.opts.BoardValue,
		VowelCost:  w.opts.VowelCost,
		ActorID:    actor.PlayerID,
		ActorSeat:  actor.Seat,
	}
	return Outcome{Data: data, Phase: PhaseSpin, Actor: actor.PlayerID}, nil
}

func (w *Wheel) MayAct(st State, playerID, _ string) bool {
	d, ok := st.Data.(*WheelData)
	return ok && playerID == d.ActorID
}

func (w *Wheel) ValidateAction(st State, act Action) error {
	d, err := wheelData(st.Data)
	if err != nil {
		return err
	}
	if st.Phase == PhaseBetween {
		return fmt.Errorf("%w: round is over", ErrInvalidPhase)
	}

	switch act.Type {
	case ActionSpin:
		if st.Phase != PhaseSpin {
			return fmt.Errorf("%w: spin is only accepted during %s", ErrInvalidPhase, PhaseSpin)
		}
		return nil

	case ActionLetter:
		if st.Phase != PhaseLetter {
			return fmt.Errorf("%w: letters are only accepted during %s", ErrInvalidPhase, PhaseLetter)
		}
		letter, err := parseLetter(act)
		if err != nil {
			return err
		}
		if isVowel(letter) {
			return fmt.Errorf("%w: vowels must be bought", ErrInvalidPayload)
		}
		if strings.ContainsRune(d.Guessed, letter) {
			return fmt.Errorf("%w: %c was already called", ErrInvalidPayload, letter)
		}
		return nil

	case ActionBuyVowel:
		if st.Phase != PhaseLetter {
			return fmt.Errorf("%w: vowels can only be bought during %s", ErrInvalidPhase, PhaseLetter)
		}
		letter, err := parseLetter(act)
		if err != nil {
			return err
		}
		if !isVowel(letter) {
			return fmt.Errorf("%w: %c is not a vowel", ErrInvalidPayload, letter)
		}
		if strings.ContainsRune(d.Guessed, letter) {
			return fmt.Errorf("%w: %c was already called", ErrInvalidPayload, letter)
		}
		if st.Scores[act.PlayerID] < d.VowelCost {
			return fmt.Errorf("%w: a vowel costs %d", ErrInsufficientScore, d.VowelCost)
		}
		return nil

	case ActionSolve:
		_, err := parseSolve(act)
		return err
	}
	return unknownAction(act.Type)
}

func parseLetter(act Action) (rune, error) {
	var p struct {
		Letter string `json:"letter"`
	}
	if err := decodePayload(act.Payload, &p); err != nil {
		return 0, err
	}
	l := strings.ToUpper(strings.TrimSpace(p.Letter))
	if len(l) != 1 || !isLetter(rune(l[0])) {
		return 0, fmt.Errorf("%w: letter must be a single A-Z character", ErrInvalidPayload)
	}
	return rune(l[0]), nil
}

func parseSolve(act Action) (string, error) {
	var p struct {
		Guess string `json:"guess"`
	}
	if err := decodePayload(act.Payload, &p); err != nil {
		return "", err
	}
	norm := lettersOnly(p.Guess)
	if norm == "" {
		return "", fmt.Errorf("%w: solve attempt is empty", ErrInvalidPayload)
	}
	return norm, nil
}

func (w *Wheel) ApplyAction(st State, act Action) (Outcome, error) {
	if err := w.ValidateAction(st, act); err != nil {
		return Outcome{}, err
	}
	d := st.Data.(*WheelData).clone()

	switch act.Type {
	case ActionSpin:
		seg := wheelSegments[st.Rand.Intn(len(wheelSegments))]
		if seg == LoseTurn {
			d.LastSpin = "lose_turn"
			return w.passTurn(d, st.Players)
		}
		d.SpinValue = seg
		d.LastSpin = fmt.Sprint(seg)
		return w.stay(d, PhaseLetter), nil

	case ActionLetter:
		letter, _ := parseLetter(act)
		d.Guessed += string(letter)
		count := strings.Count(d.Phrase, string(letter))
		if count == 0 {
			return w.passTurn(d, st.Players)
		}
		deltas := map[string]int{d.ActorID: d.SpinValue * count}
		d.SpinValue = 0
		if d.hidden(func(rune) bool { return true }) == 0 {
			return w.finish(d, deltas, d.ActorID), nil
		}
		out := w.stay(d, w.turnPhase(d))
		out.Deltas = deltas
		return out, nil

	case ActionBuyVowel:
		letter, _ := parseLetter(act)
		d.Guessed += string(letter)
		deltas := map[string]int{d.ActorID: -d.VowelCost}
		if d.hidden(func(rune) bool { return true }) == 0 {
			return w.finish(d, deltas, d.ActorID), nil
		}
		phase := PhaseLetter
		if d.hiddenConsonants() == 0 {
			phase = PhaseSolve
		}
		out := w.stay(d, phase)
		out.Deltas = deltas
		return out, nil

	default: // ActionSolve
		attempt, _ := parseSolve(act)
		if attempt != lettersOnly(d.Phrase) {
			return w.passTurn(d, st.Players)
		}
		deltas := map[string]int{d.ActorID: d.RemainingValue()}
		d.SolvedBy = d.ActorID
		return w.finish(d, deltas, d.ActorID), nil
	}
}

func (w *Wheel) OnTimeout(st State) (Outcome, error) {
	d, err := wheelData(st.Data)
	if err != nil {
		return Outcome{}, err
	}
	if st.Phase == PhaseBetween {
		return Outcome{}, fmt.Errorf("%w: no deadline in %s", ErrInvalidPhase, st.Phase)
	}
	c := d.clone()
	c.LastSpin = ""
	return w.passTurn(c, st.Players)
}

func (w *Wheel) OnPlayerLeft(st State, playerID string) (Outcome, error) {
	d, err := wheelData(st.Data)
	if err != nil {
		return Outcome{}, err
	}
	c := d.clone()
	if st.Phase == PhaseBetween || playerID != d.ActorID {
		return Outcome{Data: c, Phase: st.Phase, Actor: st.Actor}, nil
	}
	return w.passTurn(c, st.Players)
}

// OnPlayerDisconnected passes the wheel on when the actor drops, so the
// others do not wait out a turn nobody can play.
func (w *Wheel) OnPlayerDisconnected(st State, playerID string) (Outcome, error) {
	return w.OnPlayerLeft(st, playerID)
}

func (w *Wheel) GameOver(scores map[string]int) bool {
	return reachedTarget(w.opts.TargetScore, scores)
}

// passTurn hands the wheel to the next connected player.
func (w *Wheel) passTurn(d *WheelData, players []Seat) (Outcome, error) {
	next, ok := NextActor(players, d.ActorSeat)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: no connected player to pass the turn to", ErrInvariant)
	}
	d.ActorID = next.PlayerID
	d.ActorSeat = next.Seat
	d.SpinValue = 0
	return w.stay(d, w.turnPhase(d)), nil
}

func (w *Wheel) turnPhase(d *WheelData) Phase {
	if d.hiddenConsonants() == 0 {
		return PhaseSolve
	}
	return PhaseSpin
}

func (w *Wheel) stay(d *WheelData, phase Phase) Outcome {
	return Outcome{Data: d, Phase: phase, Actor: d.ActorID}
}

func (w *Wheel) finish(d *WheelData, deltas map[string]int, winner string) Outcome {
	d.Revealed = true
	d.SpinValue = 0
	return Outcome{Data: d, Phase: PhaseBetween, Deltas: deltas, Resolved: true, Winner: winner}
}

func wheelData(gd GameData) (*WheelData, error) {
	d, ok := gd.(*WheelData)
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: expected wheel data, got %T", ErrInvariant, gd)
	}
	return d, nil
}

func isLetter(r rune) bool { return r >= 'A' && r <= 'Z' }

func isVowel(r rune) bool { return strings.ContainsRune("AEIOU", r) }

func lettersOnly(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if isLetter(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
