// agentrun — сервер оркестрации задач агента.
//
// Сервер:
//   - Принимает задачи через HTTP API и запускает их с учётом лимитов
//   - Хранит runs в памяти, PostgreSQL или SQLite
//   - Продолжает незавершённые runs после рестарта
//   - Публикует события в WebSocket, Redis Streams и RabbitMQ
//   - Принимает команды отмены из RabbitMQ
//
// Конфигурация: YAML файл из AGENTRUN_CONFIG и переменные окружения
// (см. internal/config).
package main

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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/agentrun/internal/agent"
	"github.com/shaiso/agentrun/internal/api"
	"github.com/shaiso/agentrun/internal/config"
	"github.com/shaiso/agentrun/internal/events"
	"github.com/shaiso/agentrun/internal/executor"
	"github.com/shaiso/agentrun/internal/mq"
	"github.com/shaiso/agentrun/internal/orchestrator"
	"github.com/shaiso/agentrun/internal/repo"
	"github.com/shaiso/agentrun/internal/retry"
	"github.com/shaiso/agentrun/internal/telemetry"
)

var startTime = time.Now()

func main() {
	cfg, err := config.Load(os.Getenv("AGENTRUN_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	logger.Info("starting agentrun", "store", cfg.Store.Driver)

	if err := run(cfg, logger); err != nil {
		logger.Error("agentrun failed", "error", err)
		os.Exit(1)
	}
	logger.Info("agentrun stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 1. Хранилище
	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// 2. События: Hub всегда, Redis и RabbitMQ — если настроены
	metrics := telemetry.NewMetrics(nil)
	hub := events.NewHub(cfg.Events.SubscriberBuffer)
	sink := events.NewMulti(logger, hub)

	if cfg.Redis.Enabled() {
		redisSink, err := events.NewRedisSink(ctx, events.RedisConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			MaxLen:   cfg.Redis.MaxLen,
			TTL:      cfg.Redis.TTL,
		})
		if err != nil {
			logger.Warn("Redis not available, events stay in-process", "error", err)
		} else {
			defer redisSink.Close()
			sink.Add(redisSink)
			logger.Info("Redis connected", "addr", cfg.Redis.Addr)
		}
	}

	var mqConn *mq.Connection
	if cfg.RabbitMQ.Enabled() {
		mqConn, err = mq.NewConnection(cfg.RabbitMQ.URL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running without MQ", "error", err)
			mqConn = nil
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			sink.Add(mq.NewPublisher(mqConn, logger))
		}
	}

	// 3. Scheduler и фасад
	sched := orchestrator.New(orchestrator.Config{
		Store:       store,
		Registry:    executor.DefaultRegistry(),
		Policy:      retry.NewPolicy(cfg.Retry),
		Sink:        sink,
		Metrics:     metrics,
		Limits:      cfg.Scheduler.Limits,
		StepTimeout: cfg.Scheduler.StepTimeout,
		Logger:      logger,
	})
	svc := agent.New(agent.Config{
		Scheduler: sched,
		Store:     store,
		Hub:       hub,
		Logger:    logger,
	})

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	// 4. Команды отмены из RabbitMQ
	if mqConn != nil {
		consumer := mq.NewConsumer(mqConn, logger, mq.ConsumerConfig{
			Queue:    mq.QueueCommands,
			Handler:  mq.CancelHandler(svc, logger),
			Prefetch: 4,
		})
		go func() {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("command consumer stopped", "error", err)
			}
		}()
		defer consumer.Stop()
	}

	// 5. HTTP API
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if mqConn != nil && !mqConn.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintln(w, "rabbitmq disconnected")
			return
		}
		global, _ := sched.InFlight()
		limits := sched.Limits()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s in_flight=%d/%d queued=%d\n",
			time.Since(startTime).Round(time.Second), global, limits.MaxGlobal, sched.Queued())
	})
	mux.Handle("/metrics", promhttp.Handler())

	api.NewHandler(api.Config{
		Agent:   svc,
		Metrics: metrics,
		Logger:  logger,
	}).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Ожидаем сигнал завершения
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	return nil
}

// openStore открывает хранилище по драйверу из конфигурации.
func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (repo.RunStore, func(), error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		pool, err := repo.NewPool(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		store := repo.NewPgStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("database connected", "driver", cfg.Driver)
		return store, pool.Close, nil

	case config.DriverSQLite:
		db, err := repo.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		store := repo.NewSQLiteStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("database opened", "driver", cfg.Driver, "path", cfg.SQLitePath)
		return store, func() { db.Close() }, nil

	default:
		logger.Warn("using in-memory store, runs are lost on restart")
		return repo.NewMemoryStore(), func() {}, nil
	}
}
