package model

import "math"

// PassingPercent is the minimum percentage that counts as a pass.
const PassingPercent = 60.0

// Percent returns the earned percentage, rounded to the nearest integer.
// A zero-point exam yields 0.
func (r GradingResult) Percent() int {
	if r.TotalPoints <= 0 {
		return 0
	}
	return int(math.Round(r.Score / r.TotalPoints * 100))
}

// LetterGrade maps the percentage onto the A-F scale.
func (r GradingResult) LetterGrade() string {
	switch p := r.Percent(); {
	case p >= 90:
		return "A"
	case p >= 80:
		return "B"
	case p >= 70:
		return "C"
	case p >= 60:
		return "D"
	default:
		return "F"
	}
}

// Passed reports whether the result meets the passing threshold.
func (r GradingResult) Passed() bool {
	return float64(r.Percent()) >= PassingPercent
}
