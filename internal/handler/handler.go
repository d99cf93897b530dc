// Package handler exposes the JSON API: exam repository management, the
// paste-to-exam flow, and the attempt lifecycle from start to graded
// report.
package handler

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	appI18n "github.com/pavelanni/examforge/internal/i18n"
	"github.com/pavelanni/examforge/internal/llm"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/session"
	"github.com/pavelanni/examforge/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store    *store.Store
	llm      *llm.Client
	attempts *session.Manager
	config   model.Config
}

// New creates a new Handler. llmClient may be nil when no credential is
// configured; affected endpoints then answer with a remediation message.
func New(s *store.Store, llmClient *llm.Client, cfg model.Config) *Handler {
	return &Handler{
		store:    s,
		llm:      llmClient,
		attempts: session.NewManager(cfg.SecondsPerQuestion),
		config:   cfg,
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Route("/api", func(api chi.Router) {
		api.Get("/exams", h.handleListExams)
		api.Get("/exams/{examID}", h.handleGetExam)
		api.Post("/exams/{examID}/attempts", h.handleStartAttempt)

		api.Group(func(admin chi.Router) {
			admin.Use(h.requireAuth)
			admin.Post("/exams", h.handleCreateExam)
			admin.Patch("/exams/{examID}", h.handleRenameExam)
			admin.Delete("/exams/{examID}", h.handleDeleteExam)
		})

		api.Route("/attempts/{attemptID}", func(att chi.Router) {
			att.Get("/", h.handleAttemptState)
			att.Post("/answer", h.handleAnswer)
			att.Post("/match", h.handleMatch)
			att.Post("/flag", h.handleFlag)
			att.Post("/goto", h.handleNavigate)
			att.Post("/submit", h.handleSubmit)
			att.Get("/result", h.handleResult)
			att.Delete("/", h.handleAbandon)
		})
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	respondJSON(w, status, map[string]string{"error": appI18n.T(r.Context(), msgID)})
}

// examSummary is the repository listing shape.
type examSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	NumQuestions int       `json:"num_questions"`
	TotalPoints  float64   `json:"total_points"`
	CreatedAt    time.Time `json:"created_at"`
}

func summarize(e model.Exam) examSummary {
	return examSummary{
		ID:           e.ID,
		Title:        e.Title,
		NumQuestions: len(e.Questions),
		TotalPoints:  e.TotalPoints(),
		CreatedAt:    e.CreatedAt,
	}
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListExams()
	if err != nil {
		slog.Error("list exams", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	summaries := make([]examSummary, 0, len(exams))
	for _, e := range exams {
		summaries = append(summaries, summarize(e))
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.store.GetExam(chi.URLParam(r, "examID"))
	if errors.Is(err, sql.ErrNoRows) {
		h.respondError(w, r, http.StatusNotFound, "ErrExamNotFound")
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, summarize(exam))
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		h.respondError(w, r, http.StatusBadRequest, "ErrEmptyText")
		return
	}

	// Identical pasted text maps back to the exam it already produced.
	hash := sha256sum([]byte(req.Text))
	if examID, err := h.store.GetExamIDForSource(hash); err == nil && examID != "" {
		if exam, err := h.store.GetExam(examID); err == nil {
			slog.Info("source text already structured", "exam_id", examID)
			respondJSON(w, http.StatusOK, exam)
			return
		}
	}

	if h.llm == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "ErrNotConfigured")
		return
	}

	parsed, err := h.llm.ParseExam(r.Context(), req.Text)
	if err != nil {
		slog.Error("parse exam", "error", err)
		h.respondError(w, r, http.StatusBadGateway, "ErrParseFailed")
		return
	}

	// Identifier and timestamp are minted here, never by the service.
	exam := *parsed
	exam.ID = uuid.NewString()
	exam.CreatedAt = time.Now()

	if _, err := h.store.SaveExam(exam); err != nil {
		slog.Error("save exam", "exam_id", exam.ID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := h.store.SetSourceHash(hash, exam.ID); err != nil {
		slog.Warn("record source hash", "exam_id", exam.ID, "error", err)
	}

	slog.Info("structured exam from pasted text", "exam_id", exam.ID, "questions", len(exam.Questions))
	respondJSON(w, http.StatusCreated, exam)
}

func (h *Handler) handleRenameExam(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		h.respondError(w, r, http.StatusBadRequest, "ErrEmptyTitle")
		return
	}

	examID := chi.URLParam(r, "examID")
	err := h.store.RenameExam(examID, req.Title)
	if errors.Is(err, sql.ErrNoRows) {
		h.respondError(w, r, http.StatusNotFound, "ErrExamNotFound")
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	exam, err := h.store.GetExam(examID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, summarize(exam))
}

func (h *Handler) handleDeleteExam(w http.ResponseWriter, r *http.Request) {
	examID := chi.URLParam(r, "examID")
	if err := h.store.DeleteExam(examID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	slog.Info("deleted exam", "exam_id", examID)
	respondJSON(w, http.StatusOK, map[string]string{"status": appI18n.T(r.Context(), "ExamDeleted")})
}

func (h *Handler) handleStartAttempt(w http.ResponseWriter, r *http.Request) {
	exam, err := h.store.GetExam(chi.URLParam(r, "examID"))
	if errors.Is(err, sql.ErrNoRows) {
		h.respondError(w, r, http.StatusNotFound, "ErrExamNotFound")
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	a := h.attempts.Start(exam)
	slog.Info("started attempt", "attempt_id", a.ID, "exam_id", exam.ID)
	respondJSON(w, http.StatusCreated, h.attemptState(a))
}

func (h *Handler) attempt(w http.ResponseWriter, r *http.Request) (*session.Attempt, bool) {
	a, ok := h.attempts.Get(chi.URLParam(r, "attemptID"))
	if !ok {
		h.respondError(w, r, http.StatusNotFound, "ErrAttemptNotFound")
		return nil, false
	}
	return a, true
}

// questionView is a question as shown during an attempt: no answer key, and
// for matching questions the shuffled, labeled response list instead of the
// canonical pairs.
type questionView struct {
	ID           string                    `json:"id"`
	Type         model.QuestionType        `json:"type"`
	QuestionText string                    `json:"question_text"`
	Options      []string                  `json:"options,omitempty"`
	Points       float64                   `json:"points"`
	Premises     []string                  `json:"premises,omitempty"`
	Responses    []session.LabeledResponse `json:"responses,omitempty"`
	Selections   map[string]string         `json:"selections,omitempty"`
}

type attemptView struct {
	AttemptID        string       `json:"attempt_id"`
	ExamID           string       `json:"exam_id"`
	Title            string       `json:"title"`
	NumQuestions     int          `json:"num_questions"`
	Index            int          `json:"index"`
	Question         questionView `json:"question"`
	Answer           string       `json:"answer"`
	Flagged          []string     `json:"flagged"`
	Progress         int          `json:"progress"`
	RemainingSeconds int          `json:"remaining_seconds"`
	Submitted        bool         `json:"submitted"`
	Busy             bool         `json:"busy"`
	// Lockdown tells clients to suppress copy/cut/paste and the context
	// menu for the duration of the attempt. Advisory hardening only.
	Lockdown bool `json:"lockdown"`
}

func (h *Handler) attemptState(a *session.Attempt) attemptView {
	var view attemptView
	a.View(func(s *session.Session) {
		exam := s.Exam()
		q := exam.Questions[s.Index()]

		qv := questionView{
			ID:           q.ID,
			Type:         q.Type,
			QuestionText: q.QuestionText,
			Options:      q.Options,
			Points:       q.Points,
		}
		if q.Type == model.TypeMatching {
			for _, p := range q.MatchingPairs {
				qv.Premises = append(qv.Premises, p.Left)
			}
			qv.Responses = s.Responses(q.ID)
			qv.Selections = s.Selections(q.ID)
		}

		view = attemptView{
			AttemptID:        a.ID,
			ExamID:           exam.ID,
			Title:            exam.Title,
			NumQuestions:     len(exam.Questions),
			Index:            s.Index(),
			Question:         qv,
			Answer:           s.Answers()[q.ID],
			Flagged:          s.FlaggedIDs(),
			Progress:         s.Progress(),
			RemainingSeconds: s.Remaining(),
			Submitted:        s.Submitted(),
			Lockdown:         !s.Submitted(),
		}
	})
	view.Busy = a.Busy()
	return view
}

func (h *Handler) handleAttemptState(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attempt(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, h.attemptState(a))
}

// mutate runs a session mutation and writes the refreshed attempt state,
// mapping the session error taxonomy onto HTTP statuses.
func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, a *session.Attempt, fn func(*session.Session) error) {
	err := a.Do(fn)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, h.attemptState(a))
	case errors.Is(err, session.ErrBusy):
		h.respondError(w, r, http.StatusConflict, "ErrBusy")
	case errors.Is(err, session.ErrSubmitted):
		h.respondError(w, r, http.StatusConflict, "ErrAlreadySubmitted")
	default:
		slog.Warn("attempt operation rejected", "attempt_id", a.ID, "error", err)
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attempt(w, r)
	if !ok {
		return
	}
	var req struct {
		QuestionID string `json:"question_id"`
		Value      string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.mutate(w, r, a, func(s *session.Session) error {
		return s.RecordAnswer(req.QuestionID, req.Value)
	})
}

func (h *Handler) handleMatch(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attempt(w, r)
	if !ok {
		return
	}
	var req struct {
		QuestionID string `json:"question_id"`
		Left       string `json:"left"`
		Label      string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.mutate(w, r, a, func(s *session.Session) error {
		return s.SelectMatch(req.QuestionID, req.Left, req.Label)
	})
}

func (h *Handler) handleFlag(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attempt(w, r)
	if !ok {
		return
	}
	var req struct {
		QuestionID string `json:"question_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.mutate(w, r, a, func(s *session.Session) error {
		_, err := s.ToggleFlag(req.QuestionID)
		return err
	})
}

func (h *Handler) handleNavigate(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attempt(w, r)
	if !ok {
		return
	}
	var req struct {
		Index int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	h.mutate(w, r, a, func(s *session.Session) error {
		s.Navigate(req.Index)
		return nil
	})
}

// gradeReport is the graded outcome returned to the client, combining the
// service's feedback with the locally computed percentage and letter grade.
type gradeReport struct {
	model.GradingResult
	Percent int    `json:"percent"`
	Grade   string `json:"grade"`
	Passed  bool   `json:"passed"`
}

func report(result model.GradingResult) gradeReport {
	return gradeReport{
		GradingResult: result,
		Percent:       result.Percent(),
		Grade:         result.LetterGrade(),
		Passed:        result.Passed(),
	}
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attempt(w, r)
	if !ok {
		return
	}

	if h.llm == nil {
		h.respondError(w, r, http.StatusServiceUnavailable, "ErrNotConfigured")
		return
	}

	answers, err := a.BeginGrading()
	switch {
	case errors.Is(err, session.ErrBusy):
		h.respondError(w, r, http.StatusConflict, "ErrBusy")
		return
	case errors.Is(err, session.ErrAlreadyGraded):
		h.respondError(w, r, http.StatusConflict, "ErrAlreadySubmitted")
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var exam model.Exam
	a.View(func(s *session.Session) { exam = s.Exam() })

	// The attempt stays busy for the whole call: no mutation runs and the
	// timer does not advance while grading is outstanding.
	result, err := h.llm.GradeExam(r.Context(), exam, answers)
	if err != nil {
		a.FinishGrading(nil)
		slog.Error("grade exam", "attempt_id", a.ID, "error", err)
		h.respondError(w, r, http.StatusBadGateway, "ErrGradeFailed")
		return
	}
	a.FinishGrading(result)

	if _, err := h.store.SaveResult(exam.ID, *result); err != nil {
		// History is best effort; the report still goes out.
		slog.Error("save result", "exam_id", exam.ID, "error", err)
	}

	slog.Info("graded attempt",
		"attempt_id", a.ID,
		"exam_id", exam.ID,
		"score", result.Score,
		"total", result.TotalPoints,
		"percent", result.Percent(),
	)
	respondJSON(w, http.StatusOK, report(*result))
}

func (h *Handler) handleResult(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attempt(w, r)
	if !ok {
		return
	}
	result, ok := a.Result()
	if !ok {
		h.respondError(w, r, http.StatusNotFound, "ErrNotGraded")
		return
	}
	respondJSON(w, http.StatusOK, report(*result))
}

func (h *Handler) handleAbandon(w http.ResponseWriter, r *http.Request) {
	a, ok := h.attempt(w, r)
	if !ok {
		return
	}
	h.attempts.Discard(a.ID)
	slog.Info("abandoned attempt", "attempt_id", a.ID)
	respondJSON(w, http.StatusOK, map[string]string{"status": appI18n.T(r.Context(), "AttemptAbandoned")})
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
