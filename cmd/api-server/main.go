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

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/api"
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

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

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

	if err := run(cfg, log); err != nil {
		log.Fatal("api-server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	log.Info("api-server starting up",
		zap.String("env", cfg.Env),
		zap.String("http_port", cfg.HTTPPort),
		zap.String("version", version),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, db.PoolConfig{DSN: cfg.PostgresDSN, MaxConns: cfg.PostgresMaxConn, AppName: "api-server"})
	cancelPg()
	if err != nil {
		return fmt.Errorf("postgres connection: %w", err)
	}
	defer pgPool.Close()
	log.Info("connected to Postgres")

	if err := db.Migrate(rootCtx, pgPool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: cfg.RedisPoolSize,
	})
	if err != nil {
		return fmt.Errorf("redis connection: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn("error closing redis", zap.Error(err))
		}
	}()
	log.Info("connected to Redis")

	notifier, closeNotifier, err := newNotifier(cfg, log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	auditWriter := audit.NewPgWriter(pgPool)
	feed := realtime.NewRedisFeed(rdb, log)

	appts := appointment.NewService(appointment.Deps{
		Repo:    appointment.NewPgRepository(pgPool),
		Locker:  redisclient.NewRedisDoctorLocker(rdb, cfg.LockTTL),
		Audit:   auditWriter,
		Events:  feed,
		Watcher: realtime.NewWatcher(feed, realtime.NewRedisSnapshotStore(rdb, cfg.SnapshotTTL), cfg.SubscriptionDebounce, log),
		Log:     log.Named("appointments"),
	}, cfg)

	payments := payment.NewService(payment.Deps{
		Repo:         payment.NewPgRepository(pgPool, auditWriter),
		Appointments: appts,
		Notifier:     notifier,
		Events:       feed,
		Log:          log.Named("payments"),
	}, cfg)

	router := api.NewRouter(api.RouterConfig{
		Appointments: appts,
		Payments:     payments,
		Dependencies: []api.Dependency{
			{Name: "postgres", Critical: true, Check: pgPool.Ping},
			{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		},
		Log:          log,
		CORSOrigins:  cfg.CORSOrigins,
		RateLimitRPM: cfg.RateLimitRPM,
		Env:          cfg.Env,
		Version:      version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-rootCtx.Done():
	}

	log.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// newNotifier publishes to RabbitMQ when RABBITMQ_URL is set and only logs
// otherwise.
func newNotifier(cfg config.Config, log *zap.Logger) (notify.Dispatcher, func(), error) {
	if cfg.RabbitMQURL == "" {
		log.Info("RABBITMQ_URL not set, notifications are logged only")
		return notify.NewLogDispatcher(log.Named("notify")), func() {}, nil
	}

	conn, err := notify.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, nil, err
	}
	d, err := notify.NewAMQPDispatcher(conn, log.Named("notify"))
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	log.Info("connected to RabbitMQ")

	return d, func() { closeAMQP(d, conn, log) }, nil
}

func closeAMQP(d *notify.AMQPDispatcher, conn *amqp.Connection, log *zap.Logger) {
	if err := d.Close(); err != nil {
		log.Warn("error closing amqp channel", zap.Error(err))
	}
	if err := conn.Close(); err != nil {
		log.Warn("error closing amqp connection", zap.Error(err))
	}
}
