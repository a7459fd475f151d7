package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/appointment"
	"github.com/hackgods/telemed-booking/internal/audit"
	"github.com/hackgods/telemed-booking/internal/config"
	"github.com/hackgods/telemed-booking/internal/db"
	"github.com/hackgods/telemed-booking/internal/logger"
	"github.com/hackgods/telemed-booking/internal/notify"
	"github.com/hackgods/telemed-booking/internal/payment"
	"github.com/hackgods/telemed-booking/internal/realtime"
	redisclient "github.com/hackgods/telemed-booking/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("payment-worker starting up",
		zap.String("env", cfg.Env),
		zap.Duration("interval", cfg.WorkerInterval),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, db.PoolConfig{DSN: cfg.PostgresDSN, MaxConns: cfg.PostgresMaxConn, AppName: "payment-worker"})
	cancelPg()
	if err != nil {
		log.Fatal("postgres connection error", zap.Error(err))
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		log.Fatal("redis connection error", zap.Error(err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis")

	var notifier notify.Dispatcher = notify.NewLogDispatcher(log.Named("notify"))
	if cfg.RabbitMQURL != "" {
		conn, err := notify.Dial(cfg.RabbitMQURL)
		if err != nil {
			log.Fatal("rabbitmq connection error", zap.Error(err))
		}
		defer closeConn(conn, log)

		d, err := notify.NewAMQPDispatcher(conn, log.Named("notify"))
		if err != nil {
			log.Fatal("rabbitmq channel error", zap.Error(err))
		}
		defer func() { _ = d.Close() }()
		notifier = d
		log.Info("connected to RabbitMQ")
	}

	auditWriter := audit.NewPgWriter(pgPool)
	feed := realtime.NewRedisFeed(rdb, log)

	appts := appointment.NewService(appointment.Deps{
		Repo:   appointment.NewPgRepository(pgPool),
		Locker: redisclient.NewRedisDoctorLocker(rdb, cfg.LockTTL),
		Audit:  auditWriter,
		Events: feed,
		Log:    log.Named("appointments"),
	}, cfg)

	svc := payment.NewService(payment.Deps{
		Repo:         payment.NewPgRepository(pgPool, auditWriter),
		Appointments: appts,
		Notifier:     notifier,
		Events:       feed,
		Log:          log.Named("payments"),
	}, cfg)

	// Run once at startup
	runOnce(rootCtx, svc, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info("shutdown signal received, stopping payment worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log)
		}
	}
}

// runOnce expires overdue links before sending reminders so that nobody is
// reminded about a link that has already lapsed.
func runOnce(ctx context.Context, svc *payment.Service, log *zap.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 50*time.Second)
	defer cancel()

	start := time.Now()

	expired, err := svc.CleanupExpiredPaymentLinks(runCtx)
	if err != nil {
		log.Error("payment link cleanup failed", zap.Int("expired", expired), zap.Error(err))
	}

	summary, err := svc.ProcessPaymentReminders(runCtx)
	if err != nil {
		log.Error("reminder run failed", zap.Error(err))
	}

	log.Info("payment worker run complete",
		zap.Int("links_expired", expired),
		zap.Int("reminders_claimed", summary.Claimed),
		zap.Int("reminders_sent", summary.Sent),
		zap.Int("reminders_cancelled", summary.Cancelled),
		zap.Int("reminders_retried", summary.Retried),
		zap.Int("reminders_failed", summary.Failed),
		zap.Duration("took", time.Since(start)),
	)
}

func closeConn(conn *amqp.Connection, log *zap.Logger) {
	if err := conn.Close(); err != nil {
		log.Warn("error closing amqp connection", zap.Error(err))
	}
}
