// Package session implements the exam attempt state machine: question
// navigation, answer capture, review flags, the countdown timer, and the
// matching-question label encoding. A Session is owned by exactly one
// attempt and is not safe for concurrent use; Attempt serializes access.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/pavelanni/examforge/internal/model"
)

// DefaultSecondsPerQuestion is the countdown budget granted per question.
const DefaultSecondsPerQuestion = 90

var (
	// ErrSubmitted is returned by mutating operations after Submit.
	ErrSubmitted = errors.New("session: attempt already submitted")
	// ErrUnknownQuestion is returned for ids not present in the exam.
	ErrUnknownQuestion = errors.New("session: unknown question id")
	// ErrNotMatching is returned when a match is selected on a
	// non-matching question.
	ErrNotMatching = errors.New("session: not a matching question")
	// ErrUnknownLabel is returned for labels outside the shuffled set.
	ErrUnknownLabel = errors.New("session: unknown response label")
	// ErrUnknownPremise is returned for left items not in the question.
	ErrUnknownPremise = errors.New("session: unknown premise")
)

// LabeledResponse is one shuffled response side of a matching question,
// tagged with its display label. Labels are randomized per exam load and
// are never a stable answer representation; the recorded answer always uses
// the response text.
type LabeledResponse struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Session tracks one attempt at an exam from load to submission.
type Session struct {
	exam      model.Exam
	index     int
	answers   map[string]string
	flags     map[string]bool
	remaining int
	submitted bool

	// Per matching question: the shuffled, labeled responses (immutable
	// for the life of the session) and the premise -> label selections.
	responses  map[string][]LabeledResponse
	selections map[string]map[string]string
}

// New creates a session for an exam with a freshly randomized matching
// shuffle and the timer initialized to len(questions) * secondsPerQuestion.
func New(exam model.Exam, secondsPerQuestion int) *Session {
	return NewSeeded(exam, secondsPerQuestion, rand.Uint64(), rand.Uint64())
}

// NewSeeded is New with a deterministic shuffle seed.
func NewSeeded(exam model.Exam, secondsPerQuestion int, seed1, seed2 uint64) *Session {
	if secondsPerQuestion <= 0 {
		secondsPerQuestion = DefaultSecondsPerQuestion
	}
	rng := rand.New(rand.NewPCG(seed1, seed2))

	s := &Session{
		exam:       exam,
		answers:    make(map[string]string),
		flags:      make(map[string]bool),
		remaining:  len(exam.Questions) * secondsPerQuestion,
		responses:  make(map[string][]LabeledResponse),
		selections: make(map[string]map[string]string),
	}
	for _, q := range exam.Questions {
		if q.Type == model.TypeMatching {
			s.responses[q.ID] = ShuffleResponses(q.MatchingPairs, rng)
			s.selections[q.ID] = make(map[string]string)
		}
	}
	return s
}

// ShuffleResponses shuffles the response side of the pairs and assigns
// labels (A, B, C, ...) by shuffled position. Pure: the draw comes entirely
// from rng. Computed once at load time and held for the whole attempt;
// reshuffling mid-attempt would invalidate earlier selections.
func ShuffleResponses(pairs []model.MatchingPair, rng *rand.Rand) []LabeledResponse {
	texts := make([]string, len(pairs))
	for i, p := range pairs {
		texts[i] = p.Right
	}
	rng.Shuffle(len(texts), func(i, j int) {
		texts[i], texts[j] = texts[j], texts[i]
	})

	labeled := make([]LabeledResponse, len(texts))
	for i, text := range texts {
		labeled[i] = LabeledResponse{Label: labelFor(i), Text: text}
	}
	return labeled
}

// labelFor maps a shuffled position to a short label: A..Z, then AA, AB, ...
func labelFor(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return labelFor(i/26-1) + labelFor(i%26)
}

// Exam returns the exam under attempt.
func (s *Session) Exam() model.Exam { return s.exam }

// Submitted reports whether the attempt has been handed off.
func (s *Session) Submitted() bool { return s.submitted }

// Index returns the current 0-based question index.
func (s *Session) Index() int { return s.index }

// Navigate moves to the target question, clamped into [0, N-1]. Answering
// the current question is not required. Ignored after submission.
func (s *Session) Navigate(target int) int {
	if s.submitted {
		return s.index
	}
	if target < 0 {
		target = 0
	}
	if max := len(s.exam.Questions) - 1; target > max {
		target = max
	}
	s.index = target
	return s.index
}

// RecordAnswer overwrites the stored answer for a question. It has no
// effect on navigation or the timer.
func (s *Session) RecordAnswer(questionID, raw string) error {
	if s.submitted {
		return ErrSubmitted
	}
	if s.exam.Question(questionID) == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	s.answers[questionID] = raw
	return nil
}

// SelectMatch assigns a labeled response to a premise of a matching
// question. The label is recorded for display, resolved back to the
// response text it was bound to at load time, and the full premise -> text
// mapping is re-serialized as the question's answer. Last write wins.
func (s *Session) SelectMatch(questionID, left, label string) error {
	if s.submitted {
		return ErrSubmitted
	}
	q := s.exam.Question(questionID)
	if q == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if q.Type != model.TypeMatching {
		return fmt.Errorf("%w: %s", ErrNotMatching, questionID)
	}

	known := false
	for _, p := range q.MatchingPairs {
		if p.Left == left {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownPremise, left)
	}

	_, ok := s.resolveLabel(questionID, label)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownLabel, label)
	}

	s.selections[questionID][left] = label
	return s.encodeMatches(questionID)
}

// resolveLabel maps a display label back to the response text bound to it
// at load time.
func (s *Session) resolveLabel(questionID, label string) (string, bool) {
	for _, r := range s.responses[questionID] {
		if r.Label == label {
			return r.Text, true
		}
	}
	return "", false
}

// encodeMatches serializes the current premise -> response-text mapping for
// a matching question into its answer slot. The grading contract compares
// canonical pair text, so labels never leave the session.
func (s *Session) encodeMatches(questionID string) error {
	resolved := make(map[string]string, len(s.selections[questionID]))
	for left, label := range s.selections[questionID] {
		text, ok := s.resolveLabel(questionID, label)
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownLabel, label)
		}
		resolved[left] = text
	}
	encoded, err := json.Marshal(resolved)
	if err != nil {
		return fmt.Errorf("encode matches for %s: %w", questionID, err)
	}
	s.answers[questionID] = string(encoded)
	return nil
}

// Responses returns the labeled response list for a matching question, in
// display order.
func (s *Session) Responses(questionID string) []LabeledResponse {
	out := make([]LabeledResponse, len(s.responses[questionID]))
	copy(out, s.responses[questionID])
	return out
}

// Selections returns the premise -> label choices for a matching question.
func (s *Session) Selections(questionID string) map[string]string {
	out := make(map[string]string, len(s.selections[questionID]))
	for left, label := range s.selections[questionID] {
		out[left] = label
	}
	return out
}

// ToggleFlag adds or removes the review flag on a question and returns the
// new flagged state. Flags are advisory and never consulted by grading.
func (s *Session) ToggleFlag(questionID string) (bool, error) {
	if s.submitted {
		return false, ErrSubmitted
	}
	if s.exam.Question(questionID) == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if s.flags[questionID] {
		delete(s.flags, questionID)
		return false, nil
	}
	s.flags[questionID] = true
	return true, nil
}

// Flagged reports whether a question carries the review flag.
func (s *Session) Flagged(questionID string) bool {
	return s.flags[questionID]
}

// FlaggedIDs returns the flagged question ids in exam order.
func (s *Session) FlaggedIDs() []string {
	var ids []string
	for _, q := range s.exam.Questions {
		if s.flags[q.ID] {
			ids = append(ids, q.ID)
		}
	}
	return ids
}

// Tick decrements the remaining time by one second, floored at zero.
// Reaching zero has no enforced consequence: the countdown is advisory and
// the attempt must still be submitted explicitly.
func (s *Session) Tick() int {
	if s.submitted {
		return s.remaining
	}
	if s.remaining > 0 {
		s.remaining--
	}
	return s.remaining
}

// Remaining returns the remaining time in seconds.
func (s *Session) Remaining() int { return s.remaining }

// Progress returns the share of questions with a non-empty answer, as a
// percentage rounded to the nearest integer. Advisory only.
func (s *Session) Progress() int {
	if len(s.exam.Questions) == 0 {
		return 0
	}
	answered := 0
	for _, q := range s.exam.Questions {
		if s.answers[q.ID] != "" {
			answered++
		}
	}
	return int(math.Round(float64(answered) / float64(len(s.exam.Questions)) * 100))
}

// Answers returns a copy of the non-empty answers recorded so far.
func (s *Session) Answers() model.AnswerSet {
	out := make(model.AnswerSet, len(s.answers))
	for id, a := range s.answers {
		if a != "" {
			out[id] = a
		}
	}
	return out
}

// Submit transitions to the terminal state and returns the answer set to
// hand to the grading call. Partial completion is permitted: the set holds
// only the questions actually answered. A fresh attempt needs a new
// Session.
func (s *Session) Submit() (model.AnswerSet, error) {
	if s.submitted {
		return nil, ErrSubmitted
	}
	s.submitted = true
	return s.Answers(), nil
}
