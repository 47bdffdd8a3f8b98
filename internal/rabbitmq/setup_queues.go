package rabbitmq

import (
	"fmt"

	"github.com/streadway/amqp"
)

// Exchange — единый direct-обменник сервиса.
const Exchange = "notifications"

// Ключи маршрутизации уведомлений.
const (
	RoutingKeyExpiring    = "expiring"
	RoutingKeyEnded       = "ended"
	RoutingKeyPayout      = "payout"
	RoutingKeyPayoutAdmin = "payout.admin"
	RoutingKeyRevoke      = "revoke"
)

// QueueConfig связывает очередь с ключом маршрутизации.
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// GetNotificationQueues возвращает очереди, которые потребляет воркер-отправитель.
func GetNotificationQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: "notifications.expiring", RoutingKey: RoutingKeyExpiring},
		{QueueName: "notifications.ended", RoutingKey: RoutingKeyEnded},
		{QueueName: "notifications.payout", RoutingKey: RoutingKeyPayout},
		{QueueName: "notifications.payout.admin", RoutingKey: RoutingKeyPayoutAdmin},
	}
}

// GetAccessQueues возвращает очереди событий доступа; их потребляет
// внешний сервис, отключающий ресурсы пользователя.
func GetAccessQueues() []QueueConfig {
	return []QueueConfig{
		{QueueName: "access.revoke", RoutingKey: RoutingKeyRevoke},
	}
}

// SetupChannel открывает канал, объявляет обменник и привязывает очереди.
func SetupChannel(conn *amqp.Connection, queues []QueueConfig) (*amqp.Channel, error) {
	const op = "rabbitmq.SetupChannel"

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := ch.Qos(10, 0, false); err != nil {
		return nil, fmt.Errorf("%s: failed to set QoS: %w", op, err)
	}

	err = ch.ExchangeDeclare(
		Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			q.QueueName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to declare queue %s: %w", op, q.QueueName, err)
		}

		err = ch.QueueBind(
			q.QueueName,
			q.RoutingKey,
			Exchange,
			false,
			nil,
		)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to bind queue %s with routing key %s: %w", op, q.QueueName, q.RoutingKey, err)
		}
	}

	return ch, nil
}
