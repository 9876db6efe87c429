package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"proctored-assessment-service/internal/apiclient"
	"proctored-assessment-service/internal/app"
	"proctored-assessment-service/internal/config"
	"proctored-assessment-service/internal/infra/memory"
	pgstore "proctored-assessment-service/internal/infra/postgres"
	redisstore "proctored-assessment-service/internal/infra/redis"
	"proctored-assessment-service/internal/logging"
	"proctored-assessment-service/internal/metrics"
	"proctored-assessment-service/internal/submission"
	transport "proctored-assessment-service/internal/transport/http"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the attempt API and the proctoring gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := setupLogger(cfg)

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret not configured")
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzesByID())
	var attempts app.AttemptRepository = memory.NewAttemptStore()
	if pool != nil {
		// quizzes come from the table; `migrate --seed` loads the samples
		loader = pgstore.NewQuizLoader(pool)
		attempts = pgstore.NewAttemptStore(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var (
		quizRepo app.QuizRepository
		fallback submission.LocalFallbackStore
		lease    transport.SessionLease
	)
	if redisClient != nil {
		quizRepo = redisstore.NewQuizRepository(redisClient, loader, quizTTL)
		fallback = redisstore.NewFallbackStore(redisClient, config.TTLDuration(cfg.Redis.TTL, 0))
		lease = redisstore.NewSessionLease(redisClient)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
		fallback = submission.NewMemoryFallbackStore()
		lease = memory.NewSessionLease()
	}

	m := metrics.New("assessment")
	service := app.NewAttemptService(attempts, quizRepo, log, m)
	auth := transport.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	baseURL := cfg.Submission.BaseURL
	if baseURL == "" {
		baseURL = "http://127.0.0.1:" + finalPort
	}
	apiHTTP := &http.Client{}
	gateway := transport.NewProctorGateway(quizRepo, auth, lease,
		func(token string) submission.AttemptAPI {
			return apiclient.New(baseURL, token, apiclient.WithHTTPClient(apiHTTP))
		},
		fallback,
		transport.GatewayConfig{
			LockThreshold:    cfg.Proctor.LockThreshold,
			FocusDebounce:    config.TTLDuration(cfg.Proctor.FocusDebounce, 0),
			PrimaryTimeout:   config.TTLDuration(cfg.Submission.PrimaryTimeout, submission.DefaultPrimaryTimeout),
			SecondaryTimeout: config.TTLDuration(cfg.Submission.SecondaryTimeout, submission.DefaultSecondaryTimeout),
			LeaseTTL:         config.TTLDuration(cfg.Proctor.LeaseTTL, time.Minute),
		},
		log, m)

	router := transport.NewRouter(transport.NewAttemptHandler(service, log), gateway, auth, m, log)
	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting assessment service", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.TTLDuration(cfg.Server.ShutdownTimeout, 5*time.Second))
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func setupLogger(cfg config.Config) *slog.Logger {
	log := logging.New(os.Stdout, cfg.Log.Format, cfg.Log.Level)
	slog.SetDefault(log)
	return log
}
