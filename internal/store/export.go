package store

import (
	"fmt"
	"time"

	"github.com/pavelanni/examforge/internal/model"
)

// ExportAll builds an export of every stored exam with its graded-result
// history, newest exam first.
func (s *Store) ExportAll() (model.RepositoryExport, error) {
	export := model.RepositoryExport{ExportedAt: time.Now()}

	exams, err := s.ListExams()
	if err != nil {
		return export, fmt.Errorf("list exams: %w", err)
	}

	for _, exam := range exams {
		results, err := s.ListResultsForExam(exam.ID)
		if err != nil {
			return export, fmt.Errorf("list results for %s: %w", exam.ID, err)
		}
		export.Exams = append(export.Exams, model.ExamExport{
			Exam:    exam,
			Results: results,
		})
	}

	export.NumExams = len(export.Exams)
	return export, nil
}
