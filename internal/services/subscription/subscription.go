// Package subscription содержит машину состояний подписки пользователя.
// Переходы new → trial → subscribed ⇄ subscription_ended выполняются
// по действиям пользователя или администратора; обратные переходы
// по времени делает планировщик через зарегистрированные обработчики.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkrivosheev/subscription-keeper/internal/config"
	"github.com/mkrivosheev/subscription-keeper/internal/lib/sl"
	"github.com/mkrivosheev/subscription-keeper/internal/models"
	"github.com/mkrivosheev/subscription-keeper/internal/rabbitmq"
	"github.com/mkrivosheev/subscription-keeper/internal/storage/repository"
)

// Окно, в пределах которого сработавшее задание окончания ещё считается
// актуальным. Большее опережение даты означает гонку с продлением.
const endNoticeGrace = 5 * time.Minute

// UserRepository определяет методы для работы с пользователями в хранилище.
type UserRepository interface {
	// GetUser возвращает пользователя по его UID.
	GetUser(ctx context.Context, userUID string) (*models.User, error)
	// UpdateUserSubscription записывает статус, дату окончания и список
	// ожидающих заданий одним запросом.
	UpdateUserSubscription(ctx context.Context, userUID, status string,
		until *time.Time, pendingJobIDs []string) error
}

// PaymentRepository определяет методы для записи платежей.
type PaymentRepository interface {
	CreatePayment(ctx context.Context, payment models.Payment) error
	UpdatePaymentStatus(ctx context.Context, paymentID, status string) error
	ListPayments(ctx context.Context, userUID string) ([]*models.Payment, error)
}

// JobScheduler определяет операции планировщика, нужные движку подписок.
type JobScheduler interface {
	Schedule(ctx context.Context, kind string, dueAt time.Time,
		payload models.JobPayload, id string) (string, error)
	Cancel(ctx context.Context, id string) error
}

// Notifier публикует уведомление по ключу маршрутизации.
type Notifier interface {
	Notify(routingKey string, message any) error
}

// PayoutService начисляет реферальные бонусы после успешной оплаты.
type PayoutService interface {
	Payout(ctx context.Context, userUID string) error
}

// Deactivator отключает зависимые ресурсы пользователя после окончания
// подписки. Реализация внешняя, движок только дергает шов.
type Deactivator interface {
	Deactivate(ctx context.Context, userUID string) error
}

// Cache описывает методы для кэширования статусов подписки.
type Cache interface {
	Get(key string, result any) (bool, error)
	Set(key string, value any, expiration time.Duration) error
	Invalidate(key string) error
}

// Service реализует машину состояний подписки.
type Service struct {
	users       UserRepository
	payments    PaymentRepository
	scheduler   JobScheduler
	notifier    Notifier
	payout      PayoutService
	deactivator Deactivator
	cache       Cache
	log         *slog.Logger

	trialDurationDays        int
	subscriptionDurationDays int
	notificationsBeforeDays  []int
	loc                      *time.Location
}

// New создает новый экземпляр Service.
func New(users UserRepository, payments PaymentRepository, scheduler JobScheduler,
	notifier Notifier, payout PayoutService, deactivator Deactivator, cache Cache,
	log *slog.Logger, cfg config.Subscription, loc *time.Location) *Service {
	return &Service{
		users:                    users,
		payments:                 payments,
		scheduler:                scheduler,
		notifier:                 notifier,
		payout:                   payout,
		deactivator:              deactivator,
		cache:                    cache,
		log:                      log,
		trialDurationDays:        cfg.TrialDurationDays,
		subscriptionDurationDays: cfg.SubscriptionDurationDays,
		notificationsBeforeDays:  cfg.NotificationsBeforeDays,
		loc:                      loc,
	}
}

// StartTrial переводит пользователя из new в trial и планирует
// уведомления об окончании пробного периода.
func (s *Service) StartTrial(ctx context.Context, userUID string) (*models.User, error) {
	const op = "subscription.StartTrial"

	user, err := s.users.GetUser(ctx, userUID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if user.Status == models.StatusBanned {
		return nil, ErrUserBanned
	}
	if user.Status != models.StatusNew {
		return nil, ErrAlreadyStartedTrial
	}

	until := time.Now().In(s.loc).AddDate(0, 0, s.trialDurationDays).Truncate(time.Microsecond)

	jobIDs, err := s.AddNotifications(ctx, userUID, until)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.users.UpdateUserSubscription(ctx, userUID, models.StatusTrial, &until, jobIDs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.invalidateStatus(userUID)

	user.Status = models.StatusTrial
	user.SubscribedUntil = &until
	user.PendingJobIDs = jobIDs

	s.log.Info("trial started",
		slog.String("user_uid", userUID),
		slog.Time("until", until))
	return user, nil
}

// ApprovePayment фиксирует успешный платёж, продлевает подписку
// и запускает начисление реферальных бонусов. Продление считается
// от текущей даты окончания, а не от момента оплаты: ранний платёж
// не штрафуется.
func (s *Service) ApprovePayment(ctx context.Context, userUID string, amount int) (*time.Time, error) {
	const op = "subscription.ApprovePayment"

	user, err := s.users.GetUser(ctx, userUID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if user.Status == models.StatusBanned {
		return nil, ErrUserBanned
	}

	// Платёж фиксируется в статусе waiting_payment и переводится в success
	// только после того, как продление сохранено. Провал посередине
	// оставляет строку в waiting_payment для последующей сверки.
	now := time.Now().In(s.loc)
	payment := models.Payment{
		ID:         uuid.NewString(),
		FromUser:   userUID,
		Amount:     amount,
		Status:     models.PaymentStatusWaiting,
		CreatedAt:  now,
		LastUpdate: now,
	}
	if err := s.payments.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var until time.Time
	if user.Status == models.StatusSubscriptionEnded || user.SubscribedUntil == nil {
		until = now.AddDate(0, 0, s.subscriptionDurationDays)
	} else {
		until = user.SubscribedUntil.In(s.loc).AddDate(0, 0, s.subscriptionDurationDays)
	}
	until = until.Truncate(time.Microsecond)

	for _, jobID := range user.PendingJobIDs {
		if err := s.scheduler.Cancel(ctx, jobID); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	jobIDs, err := s.AddNotifications(ctx, userUID, until)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.users.UpdateUserSubscription(ctx, userUID, models.StatusSubscribed, &until, jobIDs); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.invalidateStatus(userUID)

	if err := s.payments.UpdatePaymentStatus(ctx, payment.ID, models.PaymentStatusSuccess); err != nil {
		// Продление уже сохранено, строку в waiting_payment доведёт сверка.
		s.log.Error("failed to mark payment as success",
			slog.String("payment_id", payment.ID), sl.Err(err))
	}

	s.log.Info("payment approved",
		slog.String("user_uid", userUID),
		slog.String("payment_id", payment.ID),
		slog.Time("until", until))

	if err := s.payout.Payout(ctx, userUID); err != nil {
		// Платёж уже зафиксирован, бонусы доначислит сверка.
		s.log.Error("referral payout failed", slog.String("user_uid", userUID), sl.Err(err))
	}

	return &until, nil
}

// ListPayments возвращает платежи пользователя от новых к старым.
func (s *Service) ListPayments(ctx context.Context, userUID string) ([]*models.Payment, error) {
	const op = "subscription.ListPayments"

	if _, err := s.users.GetUser(ctx, userUID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	payments, err := s.payments.ListPayments(ctx, userUID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return payments, nil
}

// AddNotifications планирует уведомления о приближении окончания
// подписки и задание самого окончания. Возвращает идентификаторы
// заданий в порядке создания; вызывающий сохраняет их как
// PendingJobIDs пользователя.
func (s *Service) AddNotifications(ctx context.Context, userUID string, until time.Time) ([]string, error) {
	const op = "subscription.AddNotifications"

	payload := models.JobPayload{UserUID: userUID, Until: until}

	jobIDs := make([]string, 0, len(s.notificationsBeforeDays)+1)
	for _, leadDays := range s.notificationsBeforeDays {
		id, err := s.scheduler.Schedule(ctx, models.KindExpiringNotice,
			until.AddDate(0, 0, -leadDays), payload, "")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		jobIDs = append(jobIDs, id)
	}

	id, err := s.scheduler.Schedule(ctx, models.KindEndNotice, until, payload, "")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	jobIDs = append(jobIDs, id)

	return jobIDs, nil
}

// ChangeSubscriptionUntilDate — административный перенос даты окончания.
// Старые задания снимаются, новые планируются, пользователь сохраняется
// одним запросом: чужих или потерянных заданий после вызова не остаётся.
func (s *Service) ChangeSubscriptionUntilDate(ctx context.Context, userUID string, newDate time.Time) error {
	const op = "subscription.ChangeSubscriptionUntilDate"

	user, err := s.users.GetUser(ctx, userUID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !user.IsSubscribed() {
		return ErrUserNotSubscribed
	}
	if !newDate.After(time.Now().In(s.loc)) {
		return ErrDateMustBeInFuture
	}

	for _, jobID := range user.PendingJobIDs {
		if err := s.scheduler.Cancel(ctx, jobID); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	newDate = newDate.In(s.loc)
	jobIDs, err := s.AddNotifications(ctx, userUID, newDate)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := s.users.UpdateUserSubscription(ctx, userUID, user.Status, &newDate, jobIDs); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.invalidateStatus(userUID)

	s.log.Info("subscription until date changed",
		slog.String("user_uid", userUID),
		slog.Time("until", newDate))
	return nil
}

// IsSubscribed сообщает, есть ли у пользователя активный доступ.
// Статус кешируется на час и сбрасывается при каждом переходе.
func (s *Service) IsSubscribed(ctx context.Context, userUID string) (bool, error) {
	const op = "subscription.IsSubscribed"

	cacheKey := statusCacheKey(userUID)
	var status string
	found, err := s.cache.Get(cacheKey, &status)
	if err != nil {
		s.log.Warn("failed to read status from cache", slog.String("key", cacheKey), sl.Err(err))
	}
	if found {
		return status == models.StatusTrial || status == models.StatusSubscribed, nil
	}

	user, err := s.users.GetUser(ctx, userUID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if err := s.cache.Set(cacheKey, user.Status, time.Hour); err != nil {
		s.log.Warn("failed to cache status", slog.String("key", cacheKey), sl.Err(err))
	}
	return user.IsSubscribed(), nil
}

// HandleExpiringNotice — обработчик задания о приближении окончания.
// Перечитывает пользователя: если дата окончания сместилась вперёд
// или подписка уже не активна, задание устарело и ничего не делает.
func (s *Service) HandleExpiringNotice(ctx context.Context, payload models.JobPayload) error {
	const op = "subscription.HandleExpiringNotice"

	user, err := s.users.GetUser(ctx, payload.UserUID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.log.Warn("expiring notice for unknown user", slog.String("user_uid", payload.UserUID))
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if !user.IsSubscribed() || user.SubscribedUntil == nil {
		return nil
	}
	// Колонка subscribed_until имеет тип timestamptz и хранит микросекунды,
	// а payload в jsonb сохраняет наносекунды, поэтому даты сравниваются
	// с точностью колонки.
	if !user.SubscribedUntil.Truncate(time.Microsecond).Equal(payload.Until.Truncate(time.Microsecond)) {
		s.log.Info("skipping stale expiring notice",
			slog.String("user_uid", payload.UserUID),
			slog.Time("scheduled_until", payload.Until),
			slog.Time("actual_until", *user.SubscribedUntil))
		return nil
	}

	now := time.Now().In(s.loc)
	daysLeft := int(user.SubscribedUntil.Sub(now).Round(24*time.Hour) / (24 * time.Hour))

	notice := models.SubscriptionNotice{
		UserUID:  user.UID,
		Until:    user.SubscribedUntil.In(s.loc).Format("02.01.2006 15:04"),
		DaysLeft: daysLeft,
	}
	if err := s.notifier.Notify(rabbitmq.RoutingKeyExpiring, notice); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// HandleEndNotice — обработчик задания окончания подписки. Если дата
// окончания ушла вперёд больше чем на служебное окно, значит продление
// опередило срабатывание и задание ничего не делает. Иначе переводит
// пользователя в subscription_ended и отключает зависимые ресурсы.
func (s *Service) HandleEndNotice(ctx context.Context, payload models.JobPayload) error {
	const op = "subscription.HandleEndNotice"

	user, err := s.users.GetUser(ctx, payload.UserUID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			s.log.Warn("end notice for unknown user", slog.String("user_uid", payload.UserUID))
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if !user.IsSubscribed() {
		return nil
	}

	now := time.Now().In(s.loc)
	if user.SubscribedUntil != nil && user.SubscribedUntil.Sub(now) > endNoticeGrace {
		s.log.Info("skipping end notice, subscription was renewed",
			slog.String("user_uid", payload.UserUID),
			slog.Time("actual_until", *user.SubscribedUntil))
		return nil
	}

	if err := s.users.UpdateUserSubscription(ctx, user.UID,
		models.StatusSubscriptionEnded, user.SubscribedUntil, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.invalidateStatus(user.UID)

	notice := models.SubscriptionNotice{
		UserUID: user.UID,
		Until:   now.Format("02.01.2006 15:04"),
	}
	if err := s.notifier.Notify(rabbitmq.RoutingKeyEnded, notice); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := s.deactivator.Deactivate(ctx, user.UID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("subscription ended", slog.String("user_uid", user.UID))
	return nil
}

func (s *Service) invalidateStatus(userUID string) {
	cacheKey := statusCacheKey(userUID)
	if err := s.cache.Invalidate(cacheKey); err != nil {
		s.log.Warn("failed to invalidate status cache", slog.String("key", cacheKey), sl.Err(err))
	}
}

func statusCacheKey(userUID string) string {
	return fmt.Sprintf("subscription:status:%s", userUID)
}
