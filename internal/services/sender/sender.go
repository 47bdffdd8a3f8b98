// Package sender реализует воркер доставки уведомлений: читает сообщения
// из очередей RabbitMQ и отправляет письма по SMTP.
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mkrivosheev/subscription-keeper/internal/lib/sl"
	"github.com/mkrivosheev/subscription-keeper/internal/lib/smtp"
	"github.com/mkrivosheev/subscription-keeper/internal/models"
)

// UserRepository нужен отправителю, чтобы найти адрес получателя по UID.
type UserRepository interface {
	GetUser(ctx context.Context, userUID string) (*models.User, error)
}

// SenderService отправляет письма по сообщениям из очередей уведомлений.
type SenderService struct {
	transport  smtp.TransportInterface
	users      UserRepository
	adminEmail string
	log        *slog.Logger
}

// NewSenderService создает новый экземпляр SenderService.
func NewSenderService(transport smtp.TransportInterface, users UserRepository,
	adminEmail string, log *slog.Logger) *SenderService {
	return &SenderService{
		transport:  transport,
		users:      users,
		adminEmail: adminEmail,
		log:        log,
	}
}

// SendExpiringNotice отправляет письмо о приближении окончания подписки.
func (s *SenderService) SendExpiringNotice(ctx context.Context, body []byte) error {
	var message models.SubscriptionNotice
	if err := json.Unmarshal(body, &message); err != nil {
		s.log.Error("failed to unmarshal message body", sl.Err(err))
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	email, err := s.lookupEmail(ctx, message.UserUID)
	if err != nil {
		return err
	}

	subject := "Подписка скоро закончится"
	bodyText := fmt.Sprintf("Здравствуйте!\n\nВаша подписка действует до %s (осталось дней: %d).\n\nПродлите её заранее, чтобы не потерять доступ.",
		message.Until, message.DaysLeft)

	return s.sendEmail([]string{email}, subject, bodyText)
}

// SendEndedNotice отправляет письмо об окончании подписки.
func (s *SenderService) SendEndedNotice(ctx context.Context, body []byte) error {
	var message models.SubscriptionNotice
	if err := json.Unmarshal(body, &message); err != nil {
		s.log.Error("failed to unmarshal message body", sl.Err(err))
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	email, err := s.lookupEmail(ctx, message.UserUID)
	if err != nil {
		return err
	}

	subject := "Подписка закончилась"
	bodyText := "Здравствуйте!\n\nСрок действия вашей подписки истёк, доступ к сервису приостановлен.\nЧтобы вернуть доступ, оплатите подписку."

	return s.sendEmail([]string{email}, subject, bodyText)
}

// SendPayoutNotice отправляет письмо о реферальном бонусе.
func (s *SenderService) SendPayoutNotice(ctx context.Context, body []byte) error {
	var message models.PayoutNotice
	if err := json.Unmarshal(body, &message); err != nil {
		s.log.Error("failed to unmarshal message body", sl.Err(err))
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	email, err := s.lookupEmail(ctx, message.UserUID)
	if err != nil {
		return err
	}

	subject := "Вам начислен реферальный бонус"
	bodyText := fmt.Sprintf("Здравствуйте!\n\nПо вашей реферальной цепочке оплачена подписка.\nВаши рефералы: %s.",
		strings.Join(message.Referrals, ", "))

	return s.sendEmail([]string{email}, subject, bodyText)
}

// SendAdminPayoutNotice отправляет копию уведомления о бонусе в админ-канал.
func (s *SenderService) SendAdminPayoutNotice(ctx context.Context, body []byte) error {
	var message models.PayoutNotice
	if err := json.Unmarshal(body, &message); err != nil {
		s.log.Error("failed to unmarshal message body", sl.Err(err))
		return fmt.Errorf("error unmarshalling message: %w", err)
	}

	subject := "Реферальный бонус начислен"
	bodyText := fmt.Sprintf("Пользователь: %s\nРефералы: %s",
		message.UserUID, strings.Join(message.Referrals, ", "))

	return s.sendEmail([]string{s.adminEmail}, subject, bodyText)
}

func (s *SenderService) lookupEmail(ctx context.Context, userUID string) (string, error) {
	user, err := s.users.GetUser(ctx, userUID)
	if err != nil {
		s.log.Error("failed to find user for notice", slog.String("user_uid", userUID), sl.Err(err))
		return "", fmt.Errorf("failed to find user %s: %w", userUID, err)
	}
	if user.Email == "" {
		return "", fmt.Errorf("user %s has no email", userUID)
	}
	return user.Email, nil
}

func (s *SenderService) sendEmail(to []string, subject, bodyText string) error {
	msg := strings.Join([]string{
		"From: " + s.transport.GetSMTPUser(),
		"To: " + strings.Join(to, ";"),
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=\"UTF-8\"",
		"",
		bodyText,
	}, "\r\n")

	client, err := s.transport.Connect()
	if err != nil {
		s.log.Error("failed to connect to SMTP server", sl.Err(err))
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.Mail(s.transport.GetSMTPUser()); err != nil {
		s.log.Error("failed to set MAIL FROM", "from", s.transport.GetSMTPUser(), sl.Err(err))
		return err
	}

	for _, addr := range to {
		if err := client.Rcpt(addr); err != nil {
			s.log.Error("failed to set RCPT TO", "recipient", addr, sl.Err(err))
			return err
		}
	}

	wc, err := client.Data()
	if err != nil {
		s.log.Error("failed to get Data writer", sl.Err(err))
		return err
	}

	_, err = wc.Write([]byte(msg))
	if err != nil {
		s.log.Error("failed to write email body", sl.Err(err))
		return err
	}

	if err = wc.Close(); err != nil {
		s.log.Error("failed to close Data writer", sl.Err(err))
		return err
	}

	if err = client.Quit(); err != nil {
		s.log.Error("failed to quit SMTP client", sl.Err(err))
		return err
	}

	s.log.Info("email sent successfully", "to", to)
	return nil
}
