package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/lalithlochan/alerter/internal/api"
	"github.com/lalithlochan/alerter/internal/circuitbreaker"
	"github.com/lalithlochan/alerter/internal/config"
	"github.com/lalithlochan/alerter/internal/db"
	"github.com/lalithlochan/alerter/internal/metrics"
	"github.com/lalithlochan/alerter/internal/notify"
	"github.com/lalithlochan/alerter/internal/observ"
	"github.com/lalithlochan/alerter/internal/redis"
	"github.com/lalithlochan/alerter/internal/retriever"
	"github.com/lalithlochan/alerter/internal/runner"
	"github.com/lalithlochan/alerter/internal/scheduler"
	"github.com/lalithlochan/alerter/internal/sns"
	"github.com/lalithlochan/alerter/internal/sqs"
	"github.com/lalithlochan/alerter/internal/watermark"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting alerter",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("email_transport", cfg.EmailTransport),
	)

	if cfg.CronSecret == "" {
		logger.Warn("CRON_SECRET is empty, every /v1 request will be rejected")
	}

	// Initialize database connection
	ctx := context.Background()
	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
		AppName:  "alerter",
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs the tier lock, the send quota and the API limiter. Without
	// it the lock falls back to Postgres and nothing is limited.
	var (
		locker     runner.Locker = db.NewAdvisoryLocker(database, logger)
		quota      notify.Quota
		apiLimiter api.Limiter
	)
	if cfg.RedisEnabled() {
		redisClient, err := redis.New(ctx, redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, using advisory lock and no quotas",
				zap.Error(err),
				zap.String("host", cfg.RedisHost),
			)
		} else {
			defer redisClient.Close()
			locker = redis.NewTierLock(redisClient, logger, cfg.RunBudget*2)
			if cfg.SendQuota > 0 {
				quota = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
					Limit:  cfg.SendQuota,
					Window: cfg.SendQuotaWindow,
					Prefix: "quota",
				})
			}
			apiLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
				Limit:  60,
				Window: time.Minute,
				Prefix: "api",
			})
		}
	}

	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if quota != nil {
		transport = notify.NewThrottledTransport(transport, quota, logger)
	}
	breakerCfg := circuitbreaker.DefaultConfig(transport.Name())
	breakerCfg.IsFailure = func(err error) bool {
		return !errors.Is(err, notify.ErrQuotaExceeded)
	}
	protected := circuitbreaker.NewProtectedTransport(transport, circuitbreaker.New(breakerCfg, logger), logger)
	transport = protected

	dispatcher := notify.NewDispatcher(transport, notify.NewRenderer(cfg.AppBaseURL), logger)

	retrieverCfg := retriever.DefaultConfig()
	retrieverCfg.QPS = cfg.StoreQPS
	retrieverCfg.Burst = cfg.GroupSize

	reporters := []runner.Reporter{runner.NewRunRecordReporter(repo)}
	if cfg.SummaryQueueURL != "" {
		producer, err := sqs.NewSummaryProducer(ctx, sqs.Config{
			Region:   cfg.AWSRegion,
			QueueURL: cfg.SummaryQueueURL,
		}, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, summaries will not be published", zap.Error(err))
		} else {
			reporters = append(reporters, producer)
		}
	}
	if cfg.AlertTopicARN != "" {
		publisher, err := sns.NewAlertPublisher(ctx, cfg.AWSRegion, cfg.AlertTopicARN, "", cfg.AlertErrorRatio, logger)
		if err != nil {
			logger.Warn("sns publisher unavailable, run alerts disabled", zap.Error(err))
		} else {
			reporters = append(reporters, publisher)
		}
	}

	batch := runner.New(runner.Deps{
		Directory:  repo,
		Retriever:  retriever.New(repo, retrieverCfg, logger),
		Dispatcher: dispatcher,
		Watermarks: watermark.New(repo, logger),
		Audit:      repo,
		Locker:     locker,
		Reporters:  reporters,
	}, runner.Config{
		GroupSize:        cfg.GroupSize,
		MatchLimit:       cfg.MatchLimit,
		RunBudget:        cfg.RunBudget,
		RetrievalTimeout: cfg.RetrievalTimeout,
		DispatchTimeout:  cfg.DispatchTimeout,
	}, logger)

	// In-process scheduler, for deployments without an external cron.
	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(schedCtx, batch, logger)
		if err := sched.Add(db.FrequencyInstant, cfg.InstantSchedule); err != nil {
			return err
		}
		if err := sched.Add(db.FrequencyDaily, cfg.DailySchedule); err != nil {
			return err
		}
		sched.Start()
	}

	// Setup router
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(metrics.Middleware)

	// Custom logging middleware
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	handler := api.NewHandler(logger, batch, repo)
	router.Route("/v1", func(v1 chi.Router) {
		v1.Use(api.SecretAuth(cfg.CronSecret))
		v1.Use(api.RateLimitMiddleware(apiLimiter, logger, api.IPKeyFunc))

		// Runs are bounded by the run budget, not the request timeout.
		v1.Post("/runs/{frequency}", handler.TriggerRun)

		v1.With(middleware.Timeout(30*time.Second)).
			Get("/subscriptions/{id}/audit", handler.ListAudit)
	})

	router.Get("/health", api.Health(database.Health))
	router.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RunBudget + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		if sched != nil {
			select {
			case <-sched.Stop().Done():
			case <-time.After(cfg.RunBudget):
				logger.Warn("scheduled run still in flight at shutdown")
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully",
			zap.Any("transport_breaker", protected.Breaker().Stats()),
		)
	}

	return nil
}

// newTransport builds the configured email transport.
func newTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (notify.Transport, error) {
	switch cfg.EmailTransport {
	case "ses":
		t, err := notify.NewSESTransport(ctx, notify.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		return t, nil
	case "webhook":
		return notify.NewWebhookTransport(notify.WebhookConfig{
			URL:     cfg.EmailWebhookURL,
			Token:   cfg.EmailWebhookToken,
			Timeout: time.Duration(cfg.WebhookTimeout) * time.Second,
		}, logger), nil
	default:
		return notify.NewLogTransport(logger), nil
	}
}
