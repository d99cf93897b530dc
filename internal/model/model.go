package model

import (
	"context"
	"fmt"
	"time"
)

// QuestionType enumerates the supported question kinds.
type QuestionType string

const (
	// TypeMultipleChoice is a single-select question over Options.
	TypeMultipleChoice QuestionType = "multiple_choice"
	// TypeTrueFalse expects the literal answer "True" or "False".
	TypeTrueFalse QuestionType = "true_false"
	// TypeFillBlank is a short free-text answer.
	TypeFillBlank QuestionType = "fill_blank"
	// TypeWorkout is a long free-response answer graded against a rubric.
	TypeWorkout QuestionType = "workout"
	// TypeMatching pairs premises with responses; the recorded answer is a
	// JSON object mapping each premise to the chosen response text.
	TypeMatching QuestionType = "matching"
)

// ValidTypes lists every known question type.
var ValidTypes = []QuestionType{
	TypeMultipleChoice,
	TypeTrueFalse,
	TypeFillBlank,
	TypeWorkout,
	TypeMatching,
}

// IsValidType reports whether t is a known question type.
func IsValidType(t QuestionType) bool {
	for _, v := range ValidTypes {
		if t == v {
			return true
		}
	}
	return false
}

// MatchingPair is one premise/response pair of a matching question.
type MatchingPair struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// Question is a single exam question. Depending on Type, exactly one of
// Options and MatchingPairs is populated.
type Question struct {
	ID            string         `json:"id"`
	Type          QuestionType   `json:"type"`
	QuestionText  string         `json:"question_text"`
	Options       []string       `json:"options,omitempty"`
	MatchingPairs []MatchingPair `json:"matching_pairs,omitempty"`
	CorrectAnswer string         `json:"correct_answer"`
	Points        float64        `json:"points"`
}

// Validate checks the per-question invariants.
func (q Question) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("question has empty id")
	}
	if !IsValidType(q.Type) {
		return fmt.Errorf("question %s: unknown type %q", q.ID, q.Type)
	}
	if q.QuestionText == "" {
		return fmt.Errorf("question %s: empty text", q.ID)
	}
	if q.Points <= 0 {
		return fmt.Errorf("question %s: points must be positive, got %v", q.ID, q.Points)
	}
	switch q.Type {
	case TypeMultipleChoice:
		if len(q.Options) < 2 {
			return fmt.Errorf("question %s: multiple choice needs at least 2 options", q.ID)
		}
		if len(q.MatchingPairs) > 0 {
			return fmt.Errorf("question %s: multiple choice must not carry matching pairs", q.ID)
		}
	case TypeMatching:
		if len(q.MatchingPairs) < 2 {
			return fmt.Errorf("question %s: matching needs at least 2 pairs", q.ID)
		}
		if len(q.Options) > 0 {
			return fmt.Errorf("question %s: matching must not carry options", q.ID)
		}
	default:
		if len(q.Options) > 0 || len(q.MatchingPairs) > 0 {
			return fmt.Errorf("question %s: type %s must not carry options or pairs", q.ID, q.Type)
		}
	}
	return nil
}

// Exam is an ordered, immutable-once-created set of questions. The title is
// the only mutable field. ID and CreatedAt are minted locally at creation
// time, never by the transformation service.
type Exam struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Questions []Question `json:"questions"`
	CreatedAt time.Time  `json:"created_at"`
}

// Validate checks exam-level invariants: a title, at least one question,
// unique question ids, and valid questions.
func (e Exam) Validate() error {
	if e.Title == "" {
		return fmt.Errorf("exam has empty title")
	}
	if len(e.Questions) == 0 {
		return fmt.Errorf("exam %q has no questions", e.Title)
	}
	seen := make(map[string]bool, len(e.Questions))
	for _, q := range e.Questions {
		if err := q.Validate(); err != nil {
			return err
		}
		if seen[q.ID] {
			return fmt.Errorf("duplicate question id %s", q.ID)
		}
		seen[q.ID] = true
	}
	return nil
}

// Question returns the question with the given id, or nil.
func (e Exam) Question(id string) *Question {
	for i := range e.Questions {
		if e.Questions[i].ID == id {
			return &e.Questions[i]
		}
	}
	return nil
}

// TotalPoints sums the point values of all questions.
func (e Exam) TotalPoints() float64 {
	var total float64
	for _, q := range e.Questions {
		total += q.Points
	}
	return total
}

// AnswerSet maps question id to the raw recorded answer string.
type AnswerSet map[string]string

// QuestionFeedback is the graded outcome for a single question.
type QuestionFeedback struct {
	QuestionID    string  `json:"question_id"`
	Correct       bool    `json:"correct"`
	PointsEarned  float64 `json:"points_earned"`
	CorrectAnswer string  `json:"correct_answer"`
	Explanation   string  `json:"explanation,omitempty"`
}

// GradingResult is the graded report for one submission. Produced once per
// submission, never mutated afterward.
type GradingResult struct {
	Score       float64            `json:"score"`
	TotalPoints float64            `json:"total_points"`
	Feedback    []QuestionFeedback `json:"feedback"`
}

// User is the administrative account guarding exam management.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}

// AuthSession is a login cookie session.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}
