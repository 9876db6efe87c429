// Package scoring turns captured answers into a score breakdown. It performs no I/O.
package scoring

import "proctored-assessment-service/internal/domain"

// Score grades answers (keyed by question index) against the quiz.
// Matching is exact and case-sensitive; unanswered questions count as incorrect.
func Score(quiz domain.QuizDefinition, answers map[int]string) domain.ScoreBreakdown {
	breakdown := domain.ScoreBreakdown{
		CertificateEligible: quiz.CertificateEligible,
		Questions:           make([]domain.QuestionResult, 0, len(quiz.Questions)),
	}

	for i, question := range quiz.Questions {
		breakdown.TotalPoints += question.Points

		submitted, answered := answers[i]
		correctAnswer, ok := question.CorrectOption()
		correct := answered && ok && submitted == correctAnswer
		if correct {
			breakdown.Score += question.Points
		}

		breakdown.Questions = append(breakdown.Questions, domain.QuestionResult{
			QuestionID:      question.ID,
			Text:            question.Text,
			SubmittedAnswer: submitted,
			CorrectAnswer:   correctAnswer,
			Correct:         correct,
		})
	}

	breakdown.PercentageScore = Percentage(breakdown.Score, breakdown.TotalPoints)
	breakdown.Passed = breakdown.PercentageScore >= quiz.PassingScorePercent
	return breakdown
}

// Percentage rounds score/total*100 half-up in integer arithmetic, clamped to [0, 100].
// A zero total yields 0.
func Percentage(score, total int) int {
	if total <= 0 || score <= 0 {
		return 0
	}
	pct := (score*200 + total) / (2 * total)
	if pct > 100 {
		return 100
	}
	return pct
}
