package rules

import (
	"fmt"
	"time"
)

const GameTrivia = "trivia"

const (
	PhaseQuestion Phase = "question"
	PhaseAnswered Phase = "answered"
)

const ActionAnswer = "answer"

const (
	triviaCorrectPoints = 3
	triviaFirstBonus    = 1
)

type question struct {
	Text    string
	Choices []string
	Answer  int
}

var questionBank = []question{
	{"Which planet is known as the Red Planet?", []string{"Venus", "Mars", "Jupiter", "Mercury"}, 1},
	{"How many sides does a hexagon have?", []string{"5", "6", "7", "8"}, 1},
	{"What is the chemical symbol for gold?", []string{"Ag", "Go", "Au", "Gd"}, 2},
	{"Which ocean is the largest?", []string{"Atlantic", "Indian", "Arctic", "Pacific"}, 3},
	{"In which year did humans first land on the Moon?", []string{"1965", "1969", "1972", "1959"}, 1},
	{"What is the tallest mammal?", []string{"Giraffe", "Elephant", "Moose", "Camel"}, 0},
	{"Which language has the most native speakers?", []string{"English", "Spanish", "Mandarin", "Hindi"}, 2},
	{"How many players does a football (soccer) team field?", []string{"9", "10", "11", "12"}, 2},
	{"What is the freezing point of water in Fahrenheit?", []string{"0", "32", "100", "212"}, 1},
	{"Who painted the Mona Lisa?", []string{"Michelangelo", "Raphael", "Leonardo da Vinci", "Donatello"}, 2},
}

type TriviaOptions struct {
	QuestionTimeout time.Duration
	TargetScore     int
}

// Trivia is a simultaneous multiple choice quiz. Nobody holds the turn.
type Trivia struct {
	opts TriviaOptions
}

func NewTrivia(opts TriviaOptions) *Trivia {
	if opts.QuestionTimeout <= 0 {
		opts.QuestionTimeout = 30 * time.Second
	}
	return &Trivia{opts: opts}
}

type TriviaData struct {
	Question string         `json:"question"`
	Choices  []string       `json:"choices"`
	Answer   int            `json:"answer"`
	Answers  map[string]int `json:"answers"`
	Correct  []string       `json:"correct"`
	Asked    []int          `json:"-"`
	Revealed bool           `json:"revealed"`
}

func (d *TriviaData) GameType() string { return GameTrivia }

type triviaView struct {
	Question string         `json:"question"`
	Choices  []string       `json:"choices"`
	Answer   *int           `json:"answer,omitempty"`
	Answered []string       `json:"answered"`
	Answers  map[string]int `json:"answers,omitempty"`
	Correct  []string       `json:"correct,omitempty"`
	Revealed bool           `json:"revealed"`
}

func (d *TriviaData) View(viewerID string) any {
	v := triviaView{
		Question: d.Question,
		Choices:  d.Choices,
		Answered: sortedKeys(d.Answers),
		Revealed: d.Revealed,
	}
	if d.Revealed {
		answer := d.Answer
		v.Answer = &answer
		v.Answers = copyInts(d.Answers)
		v.Correct = append([]string(nil), d.Correct...)
	} else if a, ok := d.Answers[viewerID]; ok {
		v.Answers = map[string]int{viewerID: a}
	}
	return v
}

func (d *TriviaData) clone() *TriviaData {
	c := *d
	c.Answers = copyInts(d.Answers)
	c.Correct = append([]string(nil), d.Correct...)
	c.Asked = append([]int(nil), d.Asked...)
	return &c
}

func (t *Trivia) GameType() string { return GameTrivia }
func (t *Trivia) MinPlayers() int  { return 2 }

func (t *Trivia) Phases() []Phase {
	return []Phase{PhaseQuestion, PhaseAnswered}
}

func (t *Trivia) Timeouts() map[Phase]time.Duration {
	return map[Phase]time.Duration{PhaseQuestion: t.opts.QuestionTimeout}
}

func (t *Trivia) InitialRoundState(rc RoundContext) (Outcome, error) {
	var asked []int
	if prev, ok := rc.Prev.(*TriviaData); ok {
		asked = append(asked, prev.Asked...)
	}
	if len(asked) >= len(questionBank) {
		asked = nil
	}

	used := make(map[int]bool, len(asked))
	for _, i := range asked {
		used[i] = true
	}
	fresh := make([]int, 0, len(questionBank))
	for i := range questionBank {
		if !used[i] {
			fresh = append(fresh, i)
		}
	}
	idx := fresh[rc.Rand.Intn(len(fresh))]
	q := questionBank[idx]

	data := &TriviaData{
		Question: q.Text,
		Choices:  append([]string(nil), q.Choices...),
		Answer:   q.Answer,
		Answers:  make(map[string]int),
		Asked:    append(asked, idx),
	}
	return Outcome{Data: data, Phase: PhaseQuestion}, nil
}

func (t *Trivia) MayAct(State, string, string) bool { return true }

func (t *Trivia) ValidateAction(st State, act Action) error {
	d, err := triviaData(st.Data)
	if err != nil {
		return err
	}
	if act.Type != ActionAnswer {
		return unknownAction(act.Type)
	}
	if st.Phase != PhaseQuestion {
		return fmt.Errorf("%w: answers are only accepted during %s", ErrInvalidPhase, PhaseQuestion)
	}
	if _, done := d.Answers[act.PlayerID]; done {
		return fmt.Errorf("%w: already answered this round", ErrInvalidPhase)
	}
	_, err = parseChoice(act, len(d.Choices))
	return err
}

func parseChoice(act Action, n int) (int, error) {
	var p struct {
		Choice *int `json:"choice"`
	}
	if err := decodePayload(act.Payload, &p); err != nil {
		return 0, err
	}
	if p.Choice == nil || *p.Choice < 0 || *p.Choice >= n {
		return 0, fmt.Errorf("%w: choice must be within [0,%d)", ErrInvalidPayload, n)
	}
	return *p.Choice, nil
}

func (t *Trivia) ApplyAction(st State, act Action) (Outcome, error) {
	if err := t.ValidateAction(st, act); err != nil {
		return Outcome{}, err
	}
	d := st.Data.(*TriviaData).clone()

	choice, _ := parseChoice(act, len(d.Choices))
	d.Answers[act.PlayerID] = choice
	if choice == d.Answer {
		d.Correct = append(d.Correct, act.PlayerID)
	}
	if allAnswered(d, st.Players) {
		return resolveTrivia(d), nil
	}
	return Outcome{Data: d, Phase: PhaseQuestion}, nil
}

func (t *Trivia) OnTimeout(st State) (Outcome, error) {
	d, err := triviaData(st.Data)
	if err != nil {
		return Outcome{}, err
	}
	if st.Phase != PhaseQuestion {
		return Outcome{}, fmt.Errorf("%w: no deadline in %s", ErrInvalidPhase, st.Phase)
	}
	return resolveTrivia(d.clone()), nil
}

func (t *Trivia) OnPlayerLeft(st State, playerID string) (Outcome, error) {
	d, err := triviaData(st.Data)
	if err != nil {
		return Outcome{}, err
	}
	c := d.clone()
	delete(c.Answers, playerID)
	kept := c.Correct[:0]
	for _, id := range c.Correct {
		if id != playerID {
			kept = append(kept, id)
		}
	}
	c.Correct = kept

	if st.Phase == PhaseQuestion && allAnswered(c, st.Players) {
		return resolveTrivia(c), nil
	}
	return Outcome{Data: c, Phase: st.Phase}, nil
}

func (t *Trivia) OnPlayerDisconnected(st State, playerID string) (Outcome, error) {
	d, err := triviaData(st.Data)
	if err != nil {
		return Outcome{}, err
	}
	c := d.clone()
	if st.Phase == PhaseQuestion && allAnswered(c, st.Players) {
		return resolveTrivia(c), nil
	}
	return Outcome{Data: c, Phase: st.Phase}, nil
}

func (t *Trivia) GameOver(scores map[string]int) bool {
	return reachedTarget(t.opts.TargetScore, scores)
}

func allAnswered(d *TriviaData, players []Seat) bool {
	answering := 0
	for _, p := range players {
		if !p.Connected {
			continue
		}
		answering++
		if _, ok := d.Answers[p.PlayerID]; !ok {
			return false
		}
	}
	return answering > 0
}

func resolveTrivia(d *TriviaData) Outcome {
	deltas := make(map[string]int, len(d.Answers))
	for id := range d.Answers {
		deltas[id] = 0
	}
	winner := ""
	for i, id := range d.Correct {
		deltas[id] = triviaCorrectPoints
		if i == 0 {
			deltas[id] += triviaFirstBonus
			winner = id
		}
	}
	d.Revealed = true
	return Outcome{Data: d, Phase: PhaseAnswered, Deltas: deltas, Resolved: true, Winner: winner}
}

func triviaData(gd GameData) (*TriviaData, error) {
	d, ok := gd.(*TriviaData)
	if !ok || d == nil {
		return nil, fmt.Errorf("%w: expected trivia data, got %T", ErrInvariant, gd)
	}
	return d, nil
}
