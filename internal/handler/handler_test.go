package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	appI18n "github.com/pavelanni/examforge/internal/i18n"
	"github.com/pavelanni/examforge/internal/model"
	"github.com/pavelanni/examforge/internal/store"
)

func newTestHandler(t *testing.T) (*Handler, chi.Router) {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n.Init: %v", err)
	}
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	h := New(s, nil, model.Config{Lang: "en", SecondsPerQuestion: 90})
	r := chi.NewRouter()
	h.Routes(r)
	return h, r
}

func seedExam(t *testing.T, h *Handler) model.Exam {
	t.Helper()
	exam := model.Exam{
		ID:        "e1",
		Title:     "Geography",
		CreatedAt: time.Now(),
		Questions: []model.Question{
			{
				ID:            "q1",
				Type:          model.TypeMultipleChoice,
				QuestionText:  "What is the capital of France?",
				Options:       []string{"Paris", "London"},
				CorrectAnswer: "Paris",
				Points:        1,
			},
			{
				ID:           "q2",
				Type:         model.TypeMatching,
				QuestionText: "Match each country to its capital.",
				MatchingPairs: []model.MatchingPair{
					{Left: "France", Right: "Paris"},
					{Left: "Japan", Right: "Tokyo"},
				},
				CorrectAnswer: `{"France":"Paris","Japan":"Tokyo"}`,
				Points:        2,
			},
		},
	}
	if _, err := h.store.SaveExam(exam); err != nil {
		t.Fatalf("seed exam: %v", err)
	}
	return exam
}

func seedAdminUser(t *testing.T, h *Handler, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	if _, err := h.store.CreateUser(model.User{
		Username:     "admin",
		PasswordHash: string(hash),
		Active:       true,
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func doJSON(t *testing.T, r chi.Router, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

func TestListAndGetExams(t *testing.T) {
	h, r := newTestHandler(t)

	w := doJSON(t, r, http.MethodGet, "/api/exams", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: status %d", w.Code)
	}
	if got := decode[[]examSummary](t, w); len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}

	seedExam(t, h)

	w = doJSON(t, r, http.MethodGet, "/api/exams", nil)
	list := decode[[]examSummary](t, w)
	if len(list) != 1 || list[0].ID != "e1" || list[0].NumQuestions != 2 {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list[0].TotalPoints != 3 {
		t.Errorf("TotalPoints = %v, want 3", list[0].TotalPoints)
	}

	w = doJSON(t, r, http.MethodGet, "/api/exams/e1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}

	w = doJSON(t, r, http.MethodGet, "/api/exams/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get missing: status %d, want 404", w.Code)
	}
}

func TestAttemptFlow(t *testing.T) {
	h, r := newTestHandler(t)
	seedExam(t, h)

	w := doJSON(t, r, http.MethodPost, "/api/exams/e1/attempts", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("start attempt: status %d (%s)", w.Code, w.Body.String())
	}
	state := decode[attemptView](t, w)
	if state.AttemptID == "" {
		t.Fatal("expected attempt id")
	}
	if state.NumQuestions != 2 || state.Index != 0 {
		t.Errorf("unexpected initial state: %+v", state)
	}
	if state.RemainingSeconds > 180 || state.RemainingSeconds < 178 {
		t.Errorf("RemainingSeconds = %d, want ~180", state.RemainingSeconds)
	}
	if !state.Lockdown {
		t.Error("expected lockdown active during the attempt")
	}
	if state.Question.QuestionText != "What is the capital of France?" {
		t.Errorf("unexpected first question: %+v", state.Question)
	}

	base := "/api/attempts/" + state.AttemptID

	// Record an answer.
	w = doJSON(t, r, http.MethodPost, base+"/answer", map[string]string{
		"question_id": "q1", "value": "Paris",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("answer: status %d (%s)", w.Code, w.Body.String())
	}
	state = decode[attemptView](t, w)
	if state.Answer != "Paris" {
		t.Errorf("Answer = %q, want Paris", state.Answer)
	}
	if state.Progress != 50 {
		t.Errorf("Progress = %d, want 50", state.Progress)
	}

	// Flag and navigate to the matching question.
	w = doJSON(t, r, http.MethodPost, base+"/flag", map[string]string{"question_id": "q2"})
	if w.Code != http.StatusOK {
		t.Fatalf("flag: status %d", w.Code)
	}
	w = doJSON(t, r, http.MethodPost, base+"/goto", map[string]int{"index": 1})
	if w.Code != http.StatusOK {
		t.Fatalf("goto: status %d", w.Code)
	}
	state = decode[attemptView](t, w)
	if state.Index != 1 {
		t.Errorf("Index = %d, want 1", state.Index)
	}
	if len(state.Flagged) != 1 || state.Flagged[0] != "q2" {
		t.Errorf("Flagged = %v, want [q2]", state.Flagged)
	}
	if len(state.Question.Premises) != 2 || len(state.Question.Responses) != 2 {
		t.Fatalf("matching question not rendered: %+v", state.Question)
	}

	// Select a match by label; the stored answer carries the response text.
	w = doJSON(t, r, http.MethodPost, base+"/match", map[string]string{
		"question_id": "q2",
		"left":        state.Question.Premises[0],
		"label":       state.Question.Responses[0].Label,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("match: status %d (%s)", w.Code, w.Body.String())
	}
	state = decode[attemptView](t, w)
	var stored map[string]string
	if err := json.Unmarshal([]byte(state.Answer), &stored); err != nil {
		t.Fatalf("matching answer is not a JSON object: %q", state.Answer)
	}
	if stored[state.Question.Premises[0]] != state.Question.Responses[0].Text {
		t.Errorf("stored %q, want response text %q", stored, state.Question.Responses[0].Text)
	}

	// Navigation clamps out-of-range targets.
	w = doJSON(t, r, http.MethodPost, base+"/goto", map[string]int{"index": 99})
	state = decode[attemptView](t, w)
	if state.Index != 1 {
		t.Errorf("Index after clamp = %d, want 1", state.Index)
	}

	// Bad question id is a client error, the attempt survives.
	w = doJSON(t, r, http.MethodPost, base+"/answer", map[string]string{
		"question_id": "nope", "value": "x",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown question: status %d, want 400", w.Code)
	}

	// Abandon removes the attempt.
	w = doJSON(t, r, http.MethodDelete, base, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("abandon: status %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, base, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("state after abandon: status %d, want 404", w.Code)
	}
}

func TestAttemptNotFound(t *testing.T) {
	_, r := newTestHandler(t)
	w := doJSON(t, r, http.MethodGet, "/api/attempts/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", w.Code)
	}
}

func TestSubmitWithoutCredentials(t *testing.T) {
	h, r := newTestHandler(t)
	seedExam(t, h)

	w := doJSON(t, r, http.MethodPost, "/api/exams/e1/attempts", nil)
	state := decode[attemptView](t, w)

	w = doJSON(t, r, http.MethodPost, "/api/attempts/"+state.AttemptID+"/submit", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("submit without llm: status %d, want 503", w.Code)
	}
	resp := decode[map[string]string](t, w)
	if resp["error"] == "" {
		t.Error("expected a remediation message")
	}
}

func TestCreateExamWithoutCredentials(t *testing.T) {
	h, r := newTestHandler(t)
	seedAdminUser(t, h, "secret")
	cookie := login(t, r, "admin", "secret")

	// Empty text is rejected before the service is consulted.
	w := doJSON(t, r, http.MethodPost, "/api/exams", map[string]string{"text": ""}, cookie)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty text: status %d, want 400", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/api/exams", map[string]string{"text": "1. Q?"}, cookie)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("no llm: status %d, want 503", w.Code)
	}
}

func TestCreateExamDeduplicatesSourceText(t *testing.T) {
	h, r := newTestHandler(t)
	seedAdminUser(t, h, "secret")
	cookie := login(t, r, "admin", "secret")

	exam := seedExam(t, h)
	text := "1. What is the capital of France?"
	if err := h.store.SetSourceHash(sha256sum([]byte(text)), exam.ID); err != nil {
		t.Fatalf("SetSourceHash: %v", err)
	}

	// Known text maps straight back to its exam, even with no llm client.
	w := doJSON(t, r, http.MethodPost, "/api/exams", map[string]string{"text": text}, cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("dedupe: status %d (%s)", w.Code, w.Body.String())
	}
	got := decode[model.Exam](t, w)
	if got.ID != exam.ID {
		t.Errorf("expected existing exam %s, got %s", exam.ID, got.ID)
	}
}

func login(t *testing.T, r chi.Router, username, password string) *http.Cookie {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/login", map[string]string{
		"username": username, "password": password,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d (%s)", w.Code, w.Body.String())
	}
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookieName && c.Value != "" {
			return c
		}
	}
	t.Fatal("no session cookie set")
	return nil
}

func TestAuth(t *testing.T) {
	h, r := newTestHandler(t)
	seedAdminUser(t, h, "secret")
	seedExam(t, h)

	// Admin operations need a session.
	w := doJSON(t, r, http.MethodPatch, "/api/exams/e1", map[string]string{"title": "X"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("rename without session: status %d, want 401", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/login", map[string]string{
		"username": "admin", "password": "wrong",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d, want 401", w.Code)
	}

	cookie := login(t, r, "admin", "secret")

	w = doJSON(t, r, http.MethodPatch, "/api/exams/e1", map[string]string{"title": "Renamed"}, cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("rename: status %d (%s)", w.Code, w.Body.String())
	}
	if got := decode[examSummary](t, w); got.Title != "Renamed" {
		t.Errorf("Title = %q, want Renamed", got.Title)
	}

	// Empty title is rejected.
	w = doJSON(t, r, http.MethodPatch, "/api/exams/e1", map[string]string{"title": ""}, cookie)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty title: status %d, want 400", w.Code)
	}

	w = doJSON(t, r, http.MethodDelete, "/api/exams/e1", nil, cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: status %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, "/api/exams/e1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete: status %d, want 404", w.Code)
	}

	// Logout invalidates the session.
	w = doJSON(t, r, http.MethodPost, "/logout", nil, cookie)
	if w.Code != http.StatusOK {
		t.Fatalf("logout: status %d", w.Code)
	}
	w = doJSON(t, r, http.MethodPatch, "/api/exams/e1", map[string]string{"title": "X"}, cookie)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("rename after logout: status %d, want 401", w.Code)
	}
}
