package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"proctored-assessment-service/internal/config"
	"proctored-assessment-service/internal/domain"
	pgstore "proctored-assessment-service/internal/infra/postgres"
	pgmigrations "proctored-assessment-service/internal/infra/postgres/migrations"
	redisstore "proctored-assessment-service/internal/infra/redis"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

// NewMigrateCmd applies database migrations.
func NewMigrateCmd(configPath *string) *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations(cmd.Context(), *configPath, seed)
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "also upsert the sample quizzes")
	return cmd
}

func runMigrations(ctx context.Context, configPath string, seed bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	setupLogger(cfg)
	if err := runMigrationsWithConfig(ctx, cfg); err != nil {
		return err
	}
	if !seed {
		return nil
	}
	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()
	loader := pgstore.NewQuizLoader(pool)

	// Running servers would keep serving the old definitions until the TTL.
	var cache quizCache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		cache = redisstore.NewQuizRepository(client, loader, 0)
	}
	return seedQuizzes(ctx, loader, cache)
}

func runMigrationsWithConfig(ctx context.Context, cfg config.Config) error {
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)

	if err := migrator.Init(ctx); err != nil {
		return err
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return err
	}
	if group.IsZero() {
		slog.Info("no new migrations")
		return nil
	}
	slog.Info("migrations applied", slog.String("group", group.String()))
	return nil
}

type quizSaver interface {
	SaveQuiz(ctx context.Context, quiz domain.QuizDefinition) error
}

type quizCache interface {
	Invalidate(ctx context.Context, quizID string) error
}

// seedQuizzes upserts the sample quizzes and drops their cached definitions.
// cache may be nil.
func seedQuizzes(ctx context.Context, store quizSaver, cache quizCache) error {
	for _, quiz := range sampleQuizzes() {
		if err := store.SaveQuiz(ctx, quiz); err != nil {
			return fmt.Errorf("seed %s: %w", quiz.ID, err)
		}
		if cache != nil {
			if err := cache.Invalidate(ctx, quiz.ID); err != nil {
				slog.Warn("quiz cache not invalidated", slog.String("quiz", quiz.ID), slog.Any("err", err))
			}
		}
		slog.Info("quiz seeded", slog.String("quiz", quiz.ID))
	}
	return nil
}
