// Package llm is the client for the external transformation service: it
// turns pasted text into a structured exam and grades submitted answers.
// All real parsing and grading happens on the model side; this package
// builds the prompts, declares the expected JSON shapes, and validates what
// comes back.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/examforge/internal/llm/prompts"
	"github.com/pavelanni/examforge/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

var (
	// ErrNotConfigured means no API credential is available. The caller
	// should prompt for configuration rather than retry.
	ErrNotConfigured = errors.New("llm: no API key configured")
	// ErrUnusableResponse means the service responded but its output could
	// not be interpreted as the expected structure. Recoverable by retry.
	ErrUnusableResponse = errors.New("llm: could not structure the exam content")
)

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api   *openai.Client
	model string
}

// New creates a new transformation service client.
func New(baseURL, apiKey, modelName string) (*Client, error) {
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
	}, nil
}

// Ping verifies the endpoint responds at all.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.api.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("LLM endpoint unreachable: %w", err)
	}
	return nil
}

// parsedExam is the wire shape the parse call returns. The exam id and
// creation timestamp are assigned by the caller, never by the service.
type parsedExam struct {
	Title     string           `json:"title"`
	Questions []parsedQuestion `json:"questions"`
}

type parsedQuestion struct {
	ID            string               `json:"id"`
	Type          model.QuestionType   `json:"type"`
	QuestionText  string               `json:"question_text"`
	Options       []string             `json:"options"`
	MatchingPairs []model.MatchingPair `json:"matching_pairs"`
	CorrectAnswer json.RawMessage      `json:"correct_answer"`
	Points        float64              `json:"points"`
}

// ParseExam converts free-form text into an exam structure. The returned
// exam has no ID and no CreatedAt; the caller mints both.
func (c *Client) ParseExam(ctx context.Context, rawText string) (*model.Exam, error) {
	prompt, err := prompts.BuildParsePrompt(rawText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnusableResponse, err)
	}

	raw, err := c.complete(ctx, prompt, 0.2)
	if err != nil {
		return nil, err
	}
	slog.Debug("parse response", "raw", raw)

	var parsed parsedExam
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnusableResponse, err)
	}

	exam := &model.Exam{Title: parsed.Title}
	for i, pq := range parsed.Questions {
		q := model.Question{
			ID:            pq.ID,
			Type:          pq.Type,
			QuestionText:  pq.QuestionText,
			Options:       pq.Options,
			MatchingPairs: pq.MatchingPairs,
			CorrectAnswer: rawToString(pq.CorrectAnswer),
			Points:        pq.Points,
		}
		if q.ID == "" {
			q.ID = fmt.Sprintf("q%d", i+1)
		}
		if q.Points == 0 {
			q.Points = 1
		}
		exam.Questions = append(exam.Questions, q)
	}

	if err := exam.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnusableResponse, err)
	}
	return exam, nil
}

// gradedFeedback is the wire shape the grade call returns.
type gradedFeedback struct {
	Feedback []struct {
		QuestionID    string          `json:"question_id"`
		Correct       bool            `json:"correct"`
		PointsEarned  float64         `json:"points_earned"`
		CorrectAnswer json.RawMessage `json:"correct_answer"`
		Explanation   string          `json:"explanation"`
	} `json:"feedback"`
}

// GradeExam grades a submitted answer set against an exam. Feedback entries
// come back in any order and are matched to questions by id; questions the
// service skipped get a zero-point entry. Score and total points are
// recomputed locally.
func (c *Client) GradeExam(ctx context.Context, exam model.Exam, answers model.AnswerSet) (*model.GradingResult, error) {
	prompt, err := prompts.BuildGradePrompt(exam, answers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnusableResponse, err)
	}

	raw, err := c.complete(ctx, prompt, 0.1)
	if err != nil {
		return nil, err
	}
	slog.Debug("grade response", "raw", raw)

	var graded gradedFeedback
	if err := json.Unmarshal([]byte(raw), &graded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnusableResponse, err)
	}

	byID := make(map[string]model.QuestionFeedback, len(graded.Feedback))
	for _, f := range graded.Feedback {
		byID[f.QuestionID] = model.QuestionFeedback{
			QuestionID:    f.QuestionID,
			Correct:       f.Correct,
			PointsEarned:  f.PointsEarned,
			CorrectAnswer: rawToString(f.CorrectAnswer),
			Explanation:   f.Explanation,
		}
	}

	return ReconcileFeedback(exam, byID), nil
}

// ReconcileFeedback orders feedback by exam question order, fills entries
// for questions the service skipped, clamps earned points into
// [0, question points], and recomputes the totals.
func ReconcileFeedback(exam model.Exam, byID map[string]model.QuestionFeedback) *model.GradingResult {
	result := &model.GradingResult{}
	for _, q := range exam.Questions {
		fb, ok := byID[q.ID]
		if !ok {
			fb = model.QuestionFeedback{
				QuestionID:    q.ID,
				Correct:       false,
				PointsEarned:  0,
				CorrectAnswer: q.CorrectAnswer,
			}
		}
		if fb.PointsEarned < 0 {
			fb.PointsEarned = 0
		}
		if fb.PointsEarned > q.Points {
			fb.PointsEarned = q.Points
		}
		if fb.CorrectAnswer == "" {
			fb.CorrectAnswer = q.CorrectAnswer
		}
		result.Feedback = append(result.Feedback, fb)
		result.Score += fb.PointsEarned
		result.TotalPoints += q.Points
	}
	return result
}

func (c *Client) complete(ctx context.Context, prompt string, temperature float32) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: temperature,
	})
	if err != nil {
		return "", fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrUnusableResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// rawToString renders a JSON value as the stored answer string: quoted
// strings are unwrapped, anything else (an object for matching answers)
// keeps its JSON encoding.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
