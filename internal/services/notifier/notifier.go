// Package notifier публикует доменные события сервиса в RabbitMQ.
package notifier

import (
	"context"

	"github.com/streadway/amqp"

	librabbitmq "github.com/mkrivosheev/subscription-keeper/internal/lib/rabbitmq"
	"github.com/mkrivosheev/subscription-keeper/internal/rabbitmq"
)

// RevokeEvent — событие отзыва доступа, потребляется внешним сервисом,
// владеющим ресурсами пользователя.
type RevokeEvent struct {
	UserUID string `json:"user_uid"`
}

// Service отправляет уведомления и события доступа в обменник notifications.
type Service struct {
	ch *amqp.Channel
}

// New создает новый экземпляр Service поверх открытого канала.
func New(ch *amqp.Channel) *Service {
	return &Service{ch: ch}
}

// Notify публикует сообщение с заданным ключом маршрутизации.
func (s *Service) Notify(routingKey string, message any) error {
	return librabbitmq.PublishMessage(s.ch, rabbitmq.Exchange, routingKey, message)
}

// Deactivate публикует событие отзыва доступа пользователя.
func (s *Service) Deactivate(_ context.Context, userUID string) error {
	return librabbitmq.PublishMessage(s.ch, rabbitmq.Exchange,
		rabbitmq.RoutingKeyRevoke, RevokeEvent{UserUID: userUID})
}
