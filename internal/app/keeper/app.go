// Package keeper собирает основной сервис: планировщик отложенных
// заданий, машину состояний подписки и HTTP-сервер.
package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"

	"github.com/mkrivosheev/subscription-keeper/internal/cache"
	"github.com/mkrivosheev/subscription-keeper/internal/config"
	"github.com/mkrivosheev/subscription-keeper/internal/migrations"
	"github.com/mkrivosheev/subscription-keeper/internal/models"
	"github.com/mkrivosheev/subscription-keeper/internal/rabbitmq"
	notifierservice "github.com/mkrivosheev/subscription-keeper/internal/services/notifier"
	referralservice "github.com/mkrivosheev/subscription-keeper/internal/services/referral"
	schedulerservice "github.com/mkrivosheev/subscription-keeper/internal/services/scheduler"
	subscriptionservice "github.com/mkrivosheev/subscription-keeper/internal/services/subscription"
	"github.com/mkrivosheev/subscription-keeper/internal/storage/repository"
)

// App представляет основной сервис подписок.
type App struct {
	scheduler *schedulerservice.Scheduler
	server    *http.Server
	conn      *amqp.Connection
	ch        *amqp.Channel
	db        *repository.Storage
	logger    *slog.Logger
}

func waitForDB(db *repository.Storage) error {
	for range 10 {
		err := repository.CheckDatabaseReady(db)
		if err == nil {
			return nil
		}
		time.Sleep(3 * time.Second)
	}
	return fmt.Errorf("database not ready after retries")
}

// New создает новый экземпляр приложения.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone: %w", err)
	}

	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}

	queues := append(rabbitmq.GetNotificationQueues(), rabbitmq.GetAccessQueues()...)
	ch, err := rabbitmq.SetupChannel(conn, queues)
	if err != nil {
		closeResources(nil, conn, logger)
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		closeResources(ch, conn, logger)
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}

	if err := migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		closeResources(ch, conn, logger)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := waitForDB(db); err != nil {
		closeResources(ch, conn, logger)
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		closeResources(ch, conn, logger)
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}

	notifier := notifierservice.New(ch)
	referral := referralservice.New(db, notifier, logger)
	scheduler := schedulerservice.New(db, logger, cfg.Scheduler, loc)
	subscription := subscriptionservice.New(db, db, scheduler, notifier, referral,
		notifier, cacheRedis, logger, cfg.Subscription, loc)

	if err := scheduler.RegisterHandler(models.KindExpiringNotice, subscription.HandleExpiringNotice); err != nil {
		closeResources(ch, conn, logger)
		return nil, err
	}
	if err := scheduler.RegisterHandler(models.KindEndNotice, subscription.HandleEndNotice); err != nil {
		closeResources(ch, conn, logger)
		return nil, err
	}

	router := chi.NewRouter()
	RegisterRoutes(router, logger, subscription)

	server := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		scheduler: scheduler,
		server:    server,
		conn:      conn,
		ch:        ch,
		db:        db,
		logger:    logger,
	}, nil
}

func closeResources(ch *amqp.Channel, conn *amqp.Connection, logger *slog.Logger) {
	if ch != nil {
		if err := ch.Close(); err != nil {
			logger.Error("failed to close channel", "error", err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			logger.Error("failed to close connection", "error", err)
		}
	}
}

// Run запускает планировщик и HTTP-сервер, блокируется до отмены контекста.
func (a *App) Run(ctx context.Context) error {
	go a.scheduler.Run(ctx)

	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("http server failed", slog.Any("err", err))
		}
	}()
	a.logger.Info("http server started", slog.String("address", a.server.Addr))

	<-ctx.Done()

	a.logger.Info("shutting down keeper service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("failed to shutdown http server", slog.Any("err", err))
	}

	if err := a.ch.Close(); err != nil {
		a.logger.Error("failed to close channel", slog.Any("err", err))
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Error("failed to close connection", slog.Any("err", err))
	}
	if err := a.db.DB.Close(); err != nil {
		a.logger.Error("failed to close storage", slog.Any("err", err))
	}

	return nil
}
