package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/examforge/internal/model"
)

var (
	// ErrBusy is returned while a grading call is outstanding; no
	// session-mutating operation may run concurrently with it.
	ErrBusy = errors.New("session: grading in progress")
	// ErrAlreadyGraded is returned when grading is requested again after a
	// result has been recorded.
	ErrAlreadyGraded = errors.New("session: attempt already graded")
)

// Attempt is the single owner of a live Session. It serializes all access
// and enforces the busy mode around the external grading call: while a
// grade is in flight, mutations are rejected and the timer stops advancing.
type Attempt struct {
	ID string

	mu      sync.Mutex
	session *Session
	busy    bool
	result  *model.GradingResult

	done      chan struct{}
	closeOnce sync.Once
}

// Do runs a mutating operation against the session. Rejected with ErrBusy
// while a grading call is outstanding.
func (a *Attempt) Do(fn func(*Session) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return ErrBusy
	}
	return fn(a.session)
}

// View runs a read-only function against the session. Unlike Do it is
// allowed during grading, so clients can keep polling attempt state.
func (a *Attempt) View(fn func(*Session)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.session)
}

// Busy reports whether a grading call is outstanding.
func (a *Attempt) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.busy
}

// BeginGrading submits the session (if not already submitted from an
// earlier failed attempt) and enters busy mode. It returns the answer set
// to hand to the grading call.
func (a *Attempt) BeginGrading() (model.AnswerSet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return nil, ErrBusy
	}
	if a.result != nil {
		return nil, ErrAlreadyGraded
	}

	var answers model.AnswerSet
	if a.session.Submitted() {
		// Retry after a failed grade: the attempt stayed in the
		// submitted-pending state with its answers intact.
		answers = a.session.Answers()
	} else {
		var err error
		answers, err = a.session.Submit()
		if err != nil {
			return nil, err
		}
	}
	a.busy = true
	return answers, nil
}

// FinishGrading leaves busy mode. A nil result means the grading call
// failed; the attempt stays submitted and retryable.
func (a *Attempt) FinishGrading(result *model.GradingResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.busy = false
	if result != nil {
		a.result = result
	}
}

// Result returns the recorded grading result, if any.
func (a *Attempt) Result() (*model.GradingResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result, a.result != nil
}

// Close stops the attempt's ticker. Idempotent.
func (a *Attempt) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

// tick advances the countdown unless grading is in flight.
func (a *Attempt) tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.busy {
		return
	}
	a.session.Tick()
}

// Manager is the registry of live attempts. Attempts are transient: they
// exist from exam load until submission or abandonment and are never
// persisted. Deleting an exam from the repository does not touch an attempt
// already in progress.
type Manager struct {
	mu                 sync.Mutex
	attempts           map[string]*Attempt
	secondsPerQuestion int
}

// NewManager creates an attempt registry. secondsPerQuestion <= 0 falls
// back to the default budget.
func NewManager(secondsPerQuestion int) *Manager {
	if secondsPerQuestion <= 0 {
		secondsPerQuestion = DefaultSecondsPerQuestion
	}
	return &Manager{
		attempts:           make(map[string]*Attempt),
		secondsPerQuestion: secondsPerQuestion,
	}
}

// Start creates an attempt for an exam and begins its one-second countdown.
func (m *Manager) Start(exam model.Exam) *Attempt {
	a := &Attempt{
		ID:      uuid.NewString(),
		session: New(exam, m.secondsPerQuestion),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.attempts[a.ID] = a
	m.mu.Unlock()

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			select {
			case <-a.done:
				return
			case <-t.C:
				a.tick()
			}
		}
	}()

	return a
}

// Get returns a live attempt by id.
func (m *Manager) Get(id string) (*Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	return a, ok
}

// Discard abandons an attempt: its ticker stops and its state is dropped.
func (m *Manager) Discard(id string) {
	m.mu.Lock()
	a, ok := m.attempts[id]
	delete(m.attempts, id)
	m.mu.Unlock()
	if ok {
		a.Close()
	}
}
