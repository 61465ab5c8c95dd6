// cmd/intake/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"patient-intake-service/internal/artifact"
	"patient-intake-service/internal/automation"
	"patient-intake-service/internal/config"
	"patient-intake-service/internal/logger"
	"patient-intake-service/internal/notify"
	"patient-intake-service/internal/repository/postgresql"
	"patient-intake-service/internal/service"
	httptransport "patient-intake-service/internal/transport/http"
	"patient-intake-service/internal/worker"
)

// @title Patient Intake Service API
// @version 1.0
// @description Receives patient submissions and registers them in the clinic application through a queued browser worker.
// @BasePath /
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	// .env is optional; real environment wins
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}, os.Stdout)
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("service stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	log.Info("service stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return err
	}

	queue := service.NewRedisQueue(rdb, service.KeysWithPrefix(cfg.Redis.KeyPrefix), log,
		service.WithArchiveSize(cfg.Queue.FailedArchive),
	)

	// Postgres (optional history)
	var history httptransport.History
	if cfg.Postgres.DSN != "" {
		pool, err := postgresql.NewPool(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		repo := postgresql.NewJobRepository(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		queue.Subscribe(service.HistoryListener(repo, log))
		history = repo
	}

	// Alerts
	notifiers := notify.Multi{}
	if cfg.Telegram.Enabled() {
		notifiers = append(notifiers, notify.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}
	if cfg.AMQP.URL != "" {
		amqpClient, err := notify.DialAMQP(notify.AMQPConfig{URL: cfg.AMQP.URL, Exchange: cfg.AMQP.Exchange}, log)
		if err != nil {
			return err
		}
		defer amqpClient.Close()
		notifiers = append(notifiers, notify.NewAMQPNotifier(amqpClient))
	}
	var notifier notify.Notifier
	if len(notifiers) > 0 {
		notifier = notifiers
	}
	queue.Subscribe(notify.NewEscalator(notifier, log).OnEvent)

	// Browser automation
	shots := artifact.NewScreenshots(cfg.Artifacts.ScreenshotDir)
	pages := automation.NewChromeFactory(automation.ChromeOptions{
		ExecPath:  cfg.Browser.ChromePath,
		Headless:  cfg.Browser.Headless,
		UserAgent: cfg.Browser.UserAgent,
	})
	runner := automation.NewRunner(cfg.Automation(), pages, shots, log)

	// Worker
	processor := worker.NewProcessor(runner, log)
	workerPool := worker.NewPool(queue, processor, log)

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- workerPool.Run(ctx)
	}()

	// HTTP
	intake := service.NewIntakeService(queue, cfg.RetryPolicy())
	h := httptransport.NewHandler(intake, runner, queue, history, log)

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           httptransport.Routes(h, cfg.Webhook.Secret, log),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server started",
			slog.Int("port", cfg.Server.Port),
			slog.String("redis_addr", cfg.Redis.Addr),
			slog.String("key_prefix", cfg.Redis.KeyPrefix),
			slog.String("postgres_dsn", redactDSN(cfg.Postgres.DSN)),
			slog.Int("notifiers", len(notifiers)),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	if cfg.Webhook.Secret == "" {
		log.Warn("WEBHOOK_SECRET is empty, /crear-paciente will reject every request")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = err
		stop()
	case err := <-workerDone:
		runErr = err
		workerDone <- nil
		stop()
	}

	log.Info("shutting down", slog.Duration("http_timeout", cfg.Server.ShutdownTimeout))
	if err := drain(srv, workerDone, runner, cfg.Server.ShutdownTimeout, log); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

type sessionGate interface {
	Shutdown()
}

// drain stops the HTTP server within timeout, then waits without a deadline
// for the worker's in-flight job and any inline browser session. Both are
// bounded by the automation timeouts. Redis and Postgres stay open until
// drain returns.
func drain(srv *http.Server, workerDone <-chan error, sessions sessionGate, timeout time.Duration, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("http shutdown", slog.Any("error", err))
	}

	log.Info("waiting for in-flight job")
	err := <-workerDone
	sessions.Shutdown()
	return err
}

func redactDSN(dsn string) string {
	// user:pass@ -> user:****@, DSNs without a password are left alone
	re := regexp.MustCompile(`://([^:/?#]+):([^@/]+)@`)
	return re.ReplaceAllString(dsn, `://$1:****@`)
}
