package submission

import (
	"time"

	"proctored-assessment-service/internal/domain"
)

// primaryPayload formats the full submit body. Answers are listed in question order.
func primaryPayload(attempt domain.Attempt, breakdown domain.ScoreBreakdown, end time.Time) domain.SubmitAttemptRequest {
	answers := make([]domain.AnswerEntry, 0, len(breakdown.Questions))
	for i, q := range breakdown.Questions {
		selected, ok := attempt.Answers[i]
		if !ok {
			continue
		}
		answers = append(answers, domain.AnswerEntry{QuestionID: q.QuestionID, SelectedOption: selected})
	}
	return domain.SubmitAttemptRequest{
		Answers:   answers,
		StartTime: attempt.StartTime,
		EndTime:   end,
		Metadata: domain.SubmitMetadata{
			Score:           breakdown.Score,
			TotalPoints:     breakdown.TotalPoints,
			PercentageScore: breakdown.PercentageScore,
			Passed:          breakdown.Passed,
			ViolationCount:  attempt.ViolationCount,
		},
	}
}

// reducedPayload is the secondary shape: raw answers keyed by question index.
func reducedPayload(attempt domain.Attempt, end time.Time) domain.ReducedSubmitRequest {
	answers := make(map[int]string, len(attempt.Answers))
	for k, v := range attempt.Answers {
		answers[k] = v
	}
	return domain.ReducedSubmitRequest{Answers: answers, EndTime: end, ViolationCount: attempt.ViolationCount}
}
