// Package sender собирает воркер доставки уведомлений.
package sender

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/mkrivosheev/subscription-keeper/internal/config"
	"github.com/mkrivosheev/subscription-keeper/internal/lib/smtp"
	"github.com/mkrivosheev/subscription-keeper/internal/rabbitmq"
	senderservice "github.com/mkrivosheev/subscription-keeper/internal/services/sender"
	"github.com/mkrivosheev/subscription-keeper/internal/storage/repository"
)

// App представляет воркер-отправитель.
type App struct {
	conn          *amqp.Connection
	ch            *amqp.Channel
	senderService *senderservice.SenderService
	logger        *slog.Logger
}

// New создает новый экземпляр воркера.
func New(_ context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}

	conn, err := rabbitmq.Connect(cfg.RabbitMQURL, cfg.RabbitMQMaxRetries, cfg.RabbitMQRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}

	ch, err := rabbitmq.SetupChannel(conn, rabbitmq.GetNotificationQueues())
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Error("failed to close connection", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
	}

	transport := smtp.NewTransport(cfg.SMTP, logger)
	senderService := senderservice.NewSenderService(transport, db, cfg.AdminEmail, logger)

	return &App{
		conn:          conn,
		ch:            ch,
		senderService: senderService,
		logger:        logger,
	}, nil
}

// Run подписывает обработчики на очереди и блокируется до отмены контекста.
func (a *App) Run(ctx context.Context) error {
	consumers := map[string]func(context.Context, []byte) error{
		"notifications.expiring":     a.senderService.SendExpiringNotice,
		"notifications.ended":        a.senderService.SendEndedNotice,
		"notifications.payout":       a.senderService.SendPayoutNotice,
		"notifications.payout.admin": a.senderService.SendAdminPayoutNotice,
	}
	for queue, handler := range consumers {
		if err := rabbitmq.ConsumerMessage(ctx, a.ch, queue, handler); err != nil {
			return fmt.Errorf("failed to start consumer for %s: %w", queue, err)
		}
	}
	a.logger.Info("sender started", slog.Int("queues", len(consumers)))

	<-ctx.Done()

	a.logger.Info("shutting down sender service")

	if err := a.ch.Close(); err != nil {
		a.logger.Error("failed to close channel", slog.Any("err", err))
	}
	if err := a.conn.Close(); err != nil {
		a.logger.Error("failed to close connection", slog.Any("err", err))
	}

	return nil
}
