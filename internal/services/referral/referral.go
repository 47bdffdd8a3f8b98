// Package referral начисляет реферальные бонусы по цепочке приглашений
// после успешной оплаты подписки.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mkrivosheev/subscription-keeper/internal/models"
	"github.com/mkrivosheev/subscription-keeper/internal/rabbitmq"
	"github.com/mkrivosheev/subscription-keeper/internal/storage/repository"
)

// Глубина выплат: платящий пользователь и до трёх предков по цепочке.
const maxChainLength = 4

// InviteRepository определяет методы для работы с приглашениями в хранилище.
type InviteRepository interface {
	// GetInvite возвращает приглашение или ошибку, совпадающую
	// по errors.Is с repository.ErrInviteNotFound.
	GetInvite(ctx context.Context, userUID string) (*models.ReferralInvite, error)
	// MarkInvitePaid помечает приглашение оплаченным.
	MarkInvitePaid(ctx context.Context, userUID string) error
}

// Notifier публикует уведомление по ключу маршрутизации.
type Notifier interface {
	Notify(routingKey string, message any) error
}

// Service реализует начисление реферальных бонусов.
type Service struct {
	invites  InviteRepository
	notifier Notifier
	log      *slog.Logger
}

// New создает новый экземпляр Service.
func New(invites InviteRepository, notifier Notifier, log *slog.Logger) *Service {
	return &Service{
		invites:  invites,
		notifier: notifier,
		log:      log,
	}
}

// Payout начисляет бонусы за оплату пользователя userUID. Каждый предок
// в цепочке приглашений, кроме самого плательщика, получает уведомление
// со списком всех своих нижестоящих рефералов; копия уходит в админ-канал.
// Повторный вызов для уже оплаченного приглашения ничего не делает.
func (s *Service) Payout(ctx context.Context, userUID string) error {
	const op = "referral.Payout"

	invite, err := s.invites.GetInvite(ctx, userUID)
	if err != nil {
		if errors.Is(err, repository.ErrInviteNotFound) {
			s.log.Info("no referral invite, nothing to pay out", slog.String("user_uid", userUID))
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if invite.Paid {
		s.log.Info("invite already paid", slog.String("user_uid", userUID))
		return nil
	}

	if err := s.invites.MarkInvitePaid(ctx, userUID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	chain, err := s.collectChain(ctx, invite)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if len(chain) < 2 {
		return nil
	}

	// Разворот в порядок от корня цепочки к плательщику.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	for i := 0; i < len(chain)-1; i++ {
		notice := models.PayoutNotice{
			UserUID:   chain[i],
			Referrals: chain[i+1:],
		}
		if err := s.notifier.Notify(rabbitmq.RoutingKeyPayout, notice); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if err := s.notifier.Notify(rabbitmq.RoutingKeyPayoutAdmin, notice); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		s.log.Info("referral payout emitted",
			slog.String("user_uid", chain[i]),
			slog.Int("referrals", len(chain)-1-i))
	}

	return nil
}

// collectChain идёт вверх по указателям came_from, начиная с плательщика.
// Цепочка ограничена maxChainLength узлами; отсутствующий родитель
// обрывает обход без ошибки.
func (s *Service) collectChain(ctx context.Context, invite *models.ReferralInvite) ([]string, error) {
	chain := []string{invite.UserUID}
	current := invite
	for len(chain) < maxChainLength && current.CameFrom != nil {
		parent, err := s.invites.GetInvite(ctx, *current.CameFrom)
		if err != nil {
			if errors.Is(err, repository.ErrInviteNotFound) {
				chain = append(chain, *current.CameFrom)
				break
			}
			return nil, err
		}
		chain = append(chain, parent.UserUID)
		current = parent
	}
	return chain, nil
}
