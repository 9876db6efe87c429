package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"proctored-assessment-service/internal/domain"
	"proctored-assessment-service/internal/infra/memory"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestQuizRepositoryCachesInRedis(t *testing.T) {
	mr, client := startRedis(t)

	loader := &countingLoader{QuizLoader: memory.NewStaticQuizLoader(map[string]domain.QuizDefinition{
		"quiz-1": sampleQuiz(),
	})}
	repo := NewQuizRepository(client, loader, time.Minute)

	first, err := repo.GetQuiz(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("get quiz: %v", err)
	}
	if !mr.Exists("quiz:quiz-1:definition") {
		t.Fatalf("expected definition cached in redis")
	}

	// A second repository sharing the same Redis must not hit the loader.
	other := NewQuizRepository(client, loader, time.Minute)
	second, err := other.GetQuiz(context.Background(), "quiz-1")
	if err != nil {
		t.Fatalf("get quiz 2: %v", err)
	}
	if got := loader.count(); got != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", got)
	}
	if second.Questions[1].Options[1].Text != first.Questions[1].Options[1].Text || !second.CertificateEligible {
		t.Fatalf("cached definition lost fields: %+v", second)
	}
}

func TestQuizRepositoryTTLAndInvalidate(t *testing.T) {
	mr, client := startRedis(t)
	loader := &countingLoader{QuizLoader: memory.NewStaticQuizLoader(map[string]domain.QuizDefinition{
		"quiz-1": sampleQuiz(),
	})}
	repo := NewQuizRepository(client, loader, time.Minute)

	_, _ = repo.GetQuiz(context.Background(), "quiz-1")
	ttl := mr.TTL("quiz:quiz-1:definition")
	if ttl < time.Minute || ttl > time.Minute+6*time.Second {
		t.Fatalf("expected ttl with up to 10%% jitter, got %v", ttl)
	}

	if err := repo.Invalidate(context.Background(), "quiz-1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	_, _ = repo.GetQuiz(context.Background(), "quiz-1")
	if got := loader.count(); got != 2 {
		t.Fatalf("expected reload after invalidate, loader calls=%d", got)
	}
}

type countingLoader struct {
	memory.QuizLoader
	mu    sync.Mutex
	calls int
}

func (l *countingLoader) LoadQuiz(ctx context.Context, quizID string) (domain.QuizDefinition, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	return l.QuizLoader.LoadQuiz(ctx, quizID)
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func sampleQuiz() domain.QuizDefinition {
	return domain.QuizDefinition{
		ID:                  "quiz-1",
		Title:               "Arithmetic",
		DurationMinutes:     10,
		PassingScorePercent: 50,
		TotalPoints:         4,
		CertificateEligible: true,
		Questions: []domain.Question{
			{
				ID:      "q1",
				Type:    domain.QuestionMultipleChoice,
				Text:    "What is 2 + 2?",
				Options: []domain.Option{{Text: "3"}, {Text: "4", IsCorrect: true}},
				Points:  2,
			},
			{
				ID:      "q2",
				Type:    domain.QuestionMultipleChoice,
				Text:    "Capital of France?",
				Options: []domain.Option{{Text: "Lyon"}, {Text: "Paris", IsCorrect: true}},
				Points:  2,
			},
		},
	}
}

func startRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}
