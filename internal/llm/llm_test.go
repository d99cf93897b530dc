package llm

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pavelanni/examforge/internal/model"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("http://localhost:11434/v1", "", "llama3.2"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}

	c, err := New("http://localhost:11434/v1", "ollama", "llama3.2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c == nil {
		t.Fatal("expected client")
	}
}

func reconcileExam() model.Exam {
	return model.Exam{
		ID:    "e1",
		Title: "Sample",
		Questions: []model.Question{
			{
				ID:            "q1",
				Type:          model.TypeMultipleChoice,
				QuestionText:  "Pick",
				Options:       []string{"a", "b"},
				CorrectAnswer: "a",
				Points:        1,
			},
			{
				ID:            "q2",
				Type:          model.TypeWorkout,
				QuestionText:  "Show your work",
				CorrectAnswer: "x = 4",
				Points:        5,
			},
			{
				ID:            "q3",
				Type:          model.TypeTrueFalse,
				QuestionText:  "True or false",
				Options:       []string{"True", "False"},
				CorrectAnswer: "True",
				Points:        1,
			},
		},
	}
}

func TestReconcileFeedbackOrdersAndFillsMissing(t *testing.T) {
	exam := reconcileExam()

	// Feedback arrives out of order and skips q2 entirely.
	byID := map[string]model.QuestionFeedback{
		"q3": {QuestionID: "q3", Correct: true, PointsEarned: 1, CorrectAnswer: "True"},
		"q1": {QuestionID: "q1", Correct: true, PointsEarned: 1, CorrectAnswer: "a"},
	}

	result := ReconcileFeedback(exam, byID)

	if len(result.Feedback) != 3 {
		t.Fatalf("expected 3 feedback entries, got %d", len(result.Feedback))
	}
	for i, want := range []string{"q1", "q2", "q3"} {
		if result.Feedback[i].QuestionID != want {
			t.Errorf("feedback[%d] = %q, want %q", i, result.Feedback[i].QuestionID, want)
		}
	}

	missing := result.Feedback[1]
	if missing.Correct || missing.PointsEarned != 0 {
		t.Errorf("skipped question should score zero: %+v", missing)
	}
	if missing.CorrectAnswer != "x = 4" {
		t.Errorf("skipped question should carry the canonical answer, got %q", missing.CorrectAnswer)
	}

	if result.Score != 2 {
		t.Errorf("Score = %v, want 2", result.Score)
	}
	if result.TotalPoints != 7 {
		t.Errorf("TotalPoints = %v, want 7", result.TotalPoints)
	}
}

func TestReconcileFeedbackClampsPoints(t *testing.T) {
	exam := reconcileExam()

	byID := map[string]model.QuestionFeedback{
		"q1": {QuestionID: "q1", Correct: false, PointsEarned: -3, CorrectAnswer: "a"},
		"q2": {QuestionID: "q2", Correct: true, PointsEarned: 99, CorrectAnswer: "x = 4"},
		"q3": {QuestionID: "q3", Correct: true, PointsEarned: 1, CorrectAnswer: "True"},
	}

	result := ReconcileFeedback(exam, byID)

	if result.Feedback[0].PointsEarned != 0 {
		t.Errorf("negative points not clamped to 0: %v", result.Feedback[0].PointsEarned)
	}
	if result.Feedback[1].PointsEarned != 5 {
		t.Errorf("excess points not clamped to question max: %v", result.Feedback[1].PointsEarned)
	}
	if result.Score != 6 {
		t.Errorf("Score = %v, want 6", result.Score)
	}
}

func TestReconcileFeedbackFillsEmptyCorrectAnswer(t *testing.T) {
	exam := reconcileExam()

	byID := map[string]model.QuestionFeedback{
		"q1": {QuestionID: "q1", Correct: true, PointsEarned: 1},
		"q2": {QuestionID: "q2", Correct: false, PointsEarned: 2, CorrectAnswer: "x = 4"},
		"q3": {QuestionID: "q3", Correct: false, PointsEarned: 0},
	}

	result := ReconcileFeedback(exam, byID)

	if result.Feedback[0].CorrectAnswer != "a" {
		t.Errorf("expected canonical answer filled in, got %q", result.Feedback[0].CorrectAnswer)
	}
	if result.Feedback[2].CorrectAnswer != "True" {
		t.Errorf("expected canonical answer filled in, got %q", result.Feedback[2].CorrectAnswer)
	}
}

func TestRawToString(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"quoted string", `"Paris"`, "Paris"},
		{"object stays JSON", `{"France":"Paris"}`, `{"France":"Paris"}`},
		{"number stays JSON", `42`, "42"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rawToString(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("rawToString(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}
