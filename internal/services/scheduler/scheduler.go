// Package scheduler реализует персистентный планировщик отложенных заданий.
// Задания переживают перезапуск процесса: до срабатывания они лежат
// в хранилище, обработчики подбираются по виду задания из таблицы,
// заполняемой при старте. Семантика доставки — at-least-once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mkrivosheev/subscription-keeper/internal/config"
	"github.com/mkrivosheev/subscription-keeper/internal/lib/sl"
	"github.com/mkrivosheev/subscription-keeper/internal/models"
	"github.com/mkrivosheev/subscription-keeper/internal/storage/repository"
)

// Handler обрабатывает сработавшее задание. Контекст ограничен
// таймаутом обработчика из конфигурации.
type Handler func(ctx context.Context, payload models.JobPayload) error

// JobStore определяет методы хранилища отложенных заданий.
// GetJob возвращает ошибку, совпадающую по errors.Is
// с repository.ErrJobNotFound, если задания нет.
type JobStore interface {
	PutJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, namespace, id string) (*models.Job, error)
	DeleteJob(ctx context.Context, namespace, id string) (int, error)
	UpdateJob(ctx context.Context, job models.Job) error
	ListJobs(ctx context.Context, namespace string) ([]*models.Job, error)
	TakeDueJobs(ctx context.Context, namespace string, now time.Time, limit int) ([]*models.Job, error)
}

// Ошибки планирования.
var (
	ErrUnknownJobKind  = errors.New("unknown job kind")
	ErrIDRetryExceeded = errors.New("job id generation retries exceeded")
)

const (
	jobIDLength   = 10
	jobIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxIDAttempts = 20

	maxConcurrentFires = 10
)

// Scheduler владеет хранилищем заданий и фоновым циклом срабатывания.
// Экземпляр создаётся явно при старте и передаётся вызывающим;
// несколько логических планировщиков разделяются пространством имён.
type Scheduler struct {
	store          JobStore
	log            *slog.Logger
	namespace      string
	loc            *time.Location
	pollInterval   time.Duration
	handlerTimeout time.Duration
	pollBatch      int

	mu       sync.RWMutex
	handlers map[string]Handler

	sem chan struct{}
	wg  sync.WaitGroup
}

// New создает новый экземпляр Scheduler. Обработчики регистрируются
// до запуска цикла через RegisterHandler.
func New(store JobStore, log *slog.Logger, cfg config.Scheduler, loc *time.Location) *Scheduler {
	return &Scheduler{
		store:          store,
		log:            log,
		namespace:      cfg.Namespace,
		loc:            loc,
		pollInterval:   cfg.PollInterval,
		handlerTimeout: cfg.HandlerTimeout,
		pollBatch:      cfg.PollBatch,
		handlers:       make(map[string]Handler),
		sem:            make(chan struct{}, maxConcurrentFires),
	}
}

// RegisterHandler связывает вид задания с обработчиком.
// Повторная регистрация вида является ошибкой.
func (s *Scheduler) RegisterHandler(kind string, handler Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[kind]; ok {
		return fmt.Errorf("scheduler.RegisterHandler: handler for kind %q already registered", kind)
	}
	s.handlers[kind] = handler
	return nil
}

// GenerateJobID возвращает случайный буквенно-цифровой идентификатор,
// свободный в хранилище. После maxIDAttempts коллизий подряд возвращает
// ErrIDRetryExceeded: это признак переполнения пространства имён,
// а не повод продолжать перебор.
func (s *Scheduler) GenerateJobID(ctx context.Context) (string, error) {
	const op = "scheduler.GenerateJobID"

	for range maxIDAttempts {
		id := randomJobID()
		_, err := s.store.GetJob(ctx, s.namespace, id)
		if errors.Is(err, repository.ErrJobNotFound) {
			return id, nil
		}
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
		s.log.Warn("job id collision, retrying", slog.String("id", id))
	}
	return "", fmt.Errorf("%s: %w", op, ErrIDRetryExceeded)
}

func randomJobID() string {
	b := make([]byte, jobIDLength)
	for i := range b {
		b[i] = jobIDAlphabet[rand.Intn(len(jobIDAlphabet))]
	}
	return string(b)
}

// Schedule сохраняет задание и возвращает его идентификатор.
// Пустой id означает сгенерировать новый. Ошибка хранилища
// возвращается вызывающему: потерянный переход — это баг корректности.
func (s *Scheduler) Schedule(ctx context.Context, kind string, dueAt time.Time,
	payload models.JobPayload, id string) (string, error) {
	const op = "scheduler.Schedule"

	s.mu.RLock()
	_, ok := s.handlers[kind]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%s: %w: %s", op, ErrUnknownJobKind, kind)
	}

	if id == "" {
		var err error
		id, err = s.GenerateJobID(ctx)
		if err != nil {
			return "", fmt.Errorf("%s: %w", op, err)
		}
	}

	job := models.Job{
		Namespace: s.namespace,
		ID:        id,
		Kind:      kind,
		DueAt:     dueAt.In(s.loc),
		Payload:   payload,
	}
	if err := s.store.PutJob(ctx, job); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("scheduled job",
		slog.String("id", id),
		slog.String("kind", kind),
		slog.Time("due_at", job.DueAt))
	return id, nil
}

// Cancel удаляет задание. Отмена неизвестного идентификатора не ошибка:
// задание могло уже сработать.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	const op = "scheduler.Cancel"

	count, err := s.store.DeleteJob(ctx, s.namespace, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if count == 0 {
		s.log.Warn("cancel of unknown job", slog.String("id", id))
		return nil
	}
	s.log.Info("cancelled job", slog.String("id", id))
	return nil
}

// Reschedule переносит срок существующего задания, сохраняя его
// идентификатор. Если payload не nil, он заменяет старый.
// Неизвестный идентификатор является ошибкой.
func (s *Scheduler) Reschedule(ctx context.Context, id string, dueAt time.Time,
	payload *models.JobPayload) error {
	const op = "scheduler.Reschedule"

	job, err := s.store.GetJob(ctx, s.namespace, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	job.DueAt = dueAt.In(s.loc)
	if payload != nil {
		job.Payload = *payload
	}
	if err := s.store.UpdateJob(ctx, *job); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.log.Info("rescheduled job", slog.String("id", id), slog.Time("due_at", job.DueAt))
	return nil
}

// ListJobs возвращает все ожидающие задания планировщика.
func (s *Scheduler) ListJobs(ctx context.Context) ([]*models.Job, error) {
	const op = "scheduler.ListJobs"
	jobs, err := s.store.ListJobs(ctx, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return jobs, nil
}

// Run запускает цикл срабатывания и блокируется до отмены контекста.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started",
		slog.String("namespace", s.namespace),
		slog.Duration("poll_interval", s.pollInterval))

	s.tick(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick изымает наступившие задания и запускает обработчики.
// Каждое срабатывание идёт в своей горутине за семафором, чтобы
// один зависший обработчик не задерживал остальные задания.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().In(s.loc)

	jobs, err := s.store.TakeDueJobs(ctx, s.namespace, now, s.pollBatch)
	if err != nil {
		s.log.Error("failed to take due jobs", sl.Err(err))
		return
	}
	if len(jobs) == 0 {
		return
	}
	s.log.Info("found due jobs", slog.Int("count", len(jobs)))

	// Изъятые задания уже удалены из хранилища, поэтому каждое из них
	// обязано дойти до обработчика: остановка цикла здесь не прерывает
	// раздачу, семафор освободится не позже таймаута обработчика.
	for _, job := range jobs {
		s.sem <- struct{}{}
		s.wg.Add(1)
		go func(job models.Job) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.fire(ctx, job)
		}(*job)
	}
}

func (s *Scheduler) fire(ctx context.Context, job models.Job) {
	s.mu.RLock()
	handler, ok := s.handlers[job.Kind]
	s.mu.RUnlock()
	if !ok {
		s.log.Error("no handler for job kind",
			slog.String("id", job.ID),
			slog.String("kind", job.Kind))
		return
	}

	// Контекст обработчика не наследует отмену цикла: задание уже изъято
	// из хранилища, и прерванное срабатывание было бы потеряно навсегда.
	// Обработчик ограничен только своим таймаутом.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job handler panicked",
				slog.String("id", job.ID),
				slog.String("kind", job.Kind),
				slog.Any("panic", r))
		}
	}()

	if err := handler(hctx, job.Payload); err != nil {
		s.log.Error("job handler failed",
			slog.String("id", job.ID),
			slog.String("kind", job.Kind),
			sl.Err(err))
		return
	}
	s.log.Info("job fired", slog.String("id", job.ID), slog.String("kind", job.Kind))
}
