package model

import "time"

// RepositoryExport is the top-level JSON structure for the export command.
type RepositoryExport struct {
	ExportedAt time.Time    `json:"exported_at"`
	NumExams   int          `json:"num_exams"`
	Exams      []ExamExport `json:"exams"`
}

// ExamExport holds one exam with its graded-result history.
type ExamExport struct {
	Exam    Exam           `json:"exam"`
	Results []StoredResult `json:"results"`
}

// StoredResult is a graded report persisted after a submission.
type StoredResult struct {
	ID          int64         `json:"id"`
	ExamID      string        `json:"exam_id"`
	Score       float64       `json:"score"`
	TotalPoints float64       `json:"total_points"`
	Percent     int           `json:"percent"`
	Grade       string        `json:"grade"`
	Result      GradingResult `json:"result"`
	CreatedAt   time.Time     `json:"created_at"`
}
