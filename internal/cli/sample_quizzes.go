package cli

import "proctored-assessment-service/internal/domain"

// sampleQuizzes is the demo catalogue served when no database is configured
// and seeded into Postgres otherwise.
func sampleQuizzes() []domain.QuizDefinition {
	return []domain.QuizDefinition{
		{
			ID:                  "go-basics",
			Title:               "Go Basics",
			DurationMinutes:     15,
			PassingScorePercent: 70,
			TotalPoints:         6,
			CertificateEligible: true,
			Questions: []domain.Question{
				{
					ID:   "q1",
					Type: domain.QuestionMultipleChoice,
					Text: "Which keyword starts a goroutine?",
					Options: []domain.Option{
						{Text: "go", IsCorrect: true},
						{Text: "async"},
						{Text: "spawn"},
						{Text: "thread"},
					},
					Points: 2,
				},
				{
					ID:   "q2",
					Type: domain.QuestionTrueFalse,
					Text: "A nil map can be read from without panicking.",
					Options: []domain.Option{
						{Text: "True", IsCorrect: true},
						{Text: "False"},
					},
					Points: 2,
				},
				{
					ID:   "q3",
					Type: domain.QuestionMultipleChoice,
					Text: "What does `defer` schedule?",
					Options: []domain.Option{
						{Text: "A call when the surrounding function returns", IsCorrect: true},
						{Text: "A call on the next scheduler tick"},
						{Text: "A call when the program exits"},
					},
					Points: 2,
				},
			},
		},
		{
			ID:                  "practice-arithmetic",
			Title:               "Practice: Arithmetic",
			DurationMinutes:     5,
			PassingScorePercent: 50,
			TotalPoints:         2,
			Questions: []domain.Question{
				{
					ID:   "q1",
					Type: domain.QuestionMultipleChoice,
					Text: "What is 2 + 2?",
					Options: []domain.Option{
						{Text: "3"},
						{Text: "4", IsCorrect: true},
						{Text: "5"},
					},
					Points: 1,
				},
				{
					ID:   "q2",
					Type: domain.QuestionTrueFalse,
					Text: "10 is divisible by 3.",
					Options: []domain.Option{
						{Text: "True"},
						{Text: "False", IsCorrect: true},
					},
					Points: 1,
				},
			},
		},
	}
}

func sampleQuizzesByID() map[string]domain.QuizDefinition {
	out := make(map[string]domain.QuizDefinition)
	for _, q := range sampleQuizzes() {
		out[q.ID] = q
	}
	return out
}
