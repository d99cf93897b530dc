// Package prompts builds the two prompts sent to the transformation
// service: one that structures pasted text into an exam and one that grades
// a submitted answer set.
package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/pavelanni/examforge/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

// maxInputRunes caps user-supplied text embedded into a prompt.
const maxInputRunes = 20000

var (
	examTextRegex    = regexp.MustCompile(`(?i)</?\s*exam-text\b[^>]*>`)
	answersRegex     = regexp.MustCompile(`(?i)</?\s*student-answers\b[^>]*>`)
	systemInstrRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

var (
	loadOnce  sync.Once
	loadErr   error
	parseTmpl *template.Template
	gradeTmpl *template.Template
)

// ParseData holds template data for the parse prompt.
type ParseData struct {
	Text string
}

// GradeData holds template data for the grade prompt.
type GradeData struct {
	ExamJSON    string
	AnswersJSON string
}

// Load parses the embedded prompt templates. Safe to call repeatedly.
func Load() error {
	loadOnce.Do(func() {
		for _, t := range []struct {
			file string
			dst  **template.Template
		}{
			{"templates/parse.txt", &parseTmpl},
			{"templates/grade.txt", &gradeTmpl},
		} {
			content, err := templateFS.ReadFile(t.file)
			if err != nil {
				loadErr = fmt.Errorf("read prompt file %s: %w", t.file, err)
				return
			}
			tmpl, err := template.New(t.file).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", t.file, err)
				return
			}
			*t.dst = tmpl
		}
	})
	return loadErr
}

// BuildParsePrompt builds the text-to-exam prompt around the pasted text.
func BuildParsePrompt(rawText string) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}
	text := Sanitize(rawText)
	if text == "" {
		return "", errors.New("empty exam text")
	}

	var buf bytes.Buffer
	if err := parseTmpl.Execute(&buf, ParseData{Text: text}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// BuildGradePrompt builds the grading prompt for an exam and its submitted
// answers. The exam is embedded with canonical answers included.
func BuildGradePrompt(exam model.Exam, answers model.AnswerSet) (string, error) {
	if err := Load(); err != nil {
		return "", err
	}

	examJSON, err := json.MarshalIndent(gradeExamView(exam), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal exam: %w", err)
	}

	sanitized := make(map[string]string, len(answers))
	for id, a := range answers {
		sanitized[id] = Sanitize(a)
	}
	answersJSON, err := json.MarshalIndent(sanitized, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal answers: %w", err)
	}

	var buf bytes.Buffer
	err = gradeTmpl.Execute(&buf, GradeData{
		ExamJSON:    string(examJSON),
		AnswersJSON: string(answersJSON),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

type gradeQuestionView struct {
	ID            string               `json:"id"`
	Type          model.QuestionType   `json:"type"`
	QuestionText  string               `json:"question_text"`
	Options       []string             `json:"options,omitempty"`
	MatchingPairs []model.MatchingPair `json:"matching_pairs,omitempty"`
	CorrectAnswer string               `json:"correct_answer"`
	Points        float64              `json:"points"`
}

// gradeExamView strips local-only fields (id, timestamp) from the exam
// before it goes into the grading prompt.
func gradeExamView(exam model.Exam) map[string]any {
	questions := make([]gradeQuestionView, 0, len(exam.Questions))
	for _, q := range exam.Questions {
		questions = append(questions, gradeQuestionView{
			ID:            q.ID,
			Type:          q.Type,
			QuestionText:  q.QuestionText,
			Options:       q.Options,
			MatchingPairs: q.MatchingPairs,
			CorrectAnswer: q.CorrectAnswer,
			Points:        q.Points,
		})
	}
	return map[string]any{
		"title":     exam.Title,
		"questions": questions,
	}
}

// Sanitize strips prompt-delimiter tags from user text and caps its length.
func Sanitize(text string) string {
	text = examTextRegex.ReplaceAllString(text, "")
	text = answersRegex.ReplaceAllString(text, "")
	text = systemInstrRegex.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)

	if utf8.RuneCountInString(text) > maxInputRunes {
		runes := []rune(text)
		text = string(runes[:maxInputRunes]) + "\n\n[Input truncated due to length]"
	}
	return text
}
