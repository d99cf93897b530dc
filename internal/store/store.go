// Package store is the persistent exam repository: structured exams keyed
// by id, graded-result history, source-text dedupe, and the admin
// credential tables. The session controller never touches this package
// directly; the handler layer mediates.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/examforge/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		questions TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sources (
		hash TEXT PRIMARY KEY,
		exam_id TEXT NOT NULL,
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id TEXT NOT NULL,
		score REAL NOT NULL,
		total_points REAL NOT NULL,
		percent INTEGER NOT NULL,
		grade TEXT NOT NULL,
		feedback TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveExam stores an exam, insert-if-absent: a second save under the same
// id is a no-op. Returns whether a row was inserted.
func (s *Store) SaveExam(exam model.Exam) (bool, error) {
	questions, err := json.Marshal(exam.Questions)
	if err != nil {
		return false, fmt.Errorf("marshal questions: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO exams (id, title, questions, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		exam.ID, exam.Title, string(questions), exam.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetExam returns an exam by id. sql.ErrNoRows when missing.
func (s *Store) GetExam(id string) (model.Exam, error) {
	var exam model.Exam
	var questions string
	err := s.db.QueryRow(
		`SELECT id, title, questions, created_at FROM exams WHERE id = ?`, id,
	).Scan(&exam.ID, &exam.Title, &questions, &exam.CreatedAt)
	if err != nil {
		return exam, err
	}
	if err := json.Unmarshal([]byte(questions), &exam.Questions); err != nil {
		return exam, fmt.Errorf("unmarshal questions for %s: %w", id, err)
	}
	return exam, nil
}

// ListExams returns all exams, newest first.
func (s *Store) ListExams() ([]model.Exam, error) {
	rows, err := s.db.Query(`SELECT id, title, questions, created_at FROM exams ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		var exam model.Exam
		var questions string
		if err := rows.Scan(&exam.ID, &exam.Title, &questions, &exam.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(questions), &exam.Questions); err != nil {
			return nil, fmt.Errorf("unmarshal questions for %s: %w", exam.ID, err)
		}
		exams = append(exams, exam)
	}
	return exams, rows.Err()
}

// RenameExam updates only the title. Question order, ids, and timestamps
// are untouched. sql.ErrNoRows when the exam does not exist.
func (s *Store) RenameExam(id, title string) error {
	res, err := s.db.Exec(`UPDATE exams SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteExam removes an exam together with its results and source hashes.
// Attempts already in progress in memory are unaffected.
func (s *Store) DeleteExam(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM results WHERE exam_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sources WHERE exam_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM exams WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ExamCount returns the number of stored exams.
func (s *Store) ExamCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM exams`).Scan(&count)
	return count, err
}

// GetExamIDForSource returns the exam previously generated from source text
// with the given hash. Empty string and nil error when unseen.
func (s *Store) GetExamIDForSource(hash string) (string, error) {
	var examID string
	err := s.db.QueryRow(`SELECT exam_id FROM sources WHERE hash = ?`, hash).Scan(&examID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return examID, err
}

// SetSourceHash records which exam a source text produced.
func (s *Store) SetSourceHash(hash, examID string) error {
	_, err := s.db.Exec(
		`INSERT INTO sources (hash, exam_id) VALUES (?, ?)
		 ON CONFLICT(hash) DO UPDATE SET exam_id = ?`,
		hash, examID, examID,
	)
	return err
}

// SaveResult appends a graded report to an exam's history.
func (s *Store) SaveResult(examID string, result model.GradingResult) (int64, error) {
	feedback, err := json.Marshal(result)
	if err != nil {
		return 0, fmt.Errorf("marshal result: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO results (exam_id, score, total_points, percent, grade, feedback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		examID, result.Score, result.TotalPoints, result.Percent(), result.LetterGrade(), string(feedback), time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListResultsForExam returns an exam's graded reports, newest first.
func (s *Store) ListResultsForExam(examID string) ([]model.StoredResult, error) {
	rows, err := s.db.Query(
		`SELECT id, exam_id, score, total_points, percent, grade, feedback, created_at
		 FROM results WHERE exam_id = ? ORDER BY id DESC`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []model.StoredResult
	for rows.Next() {
		var r model.StoredResult
		var feedback string
		if err := rows.Scan(&r.ID, &r.ExamID, &r.Score, &r.TotalPoints, &r.Percent, &r.Grade, &feedback, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(feedback), &r.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result %d: %w", r.ID, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
