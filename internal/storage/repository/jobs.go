package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mkrivosheev/subscription-keeper/internal/models"
)

// PutJob сохраняет новое отложенное задание. Дубликат идентификатора
// в пределах пространства имён является ошибкой.
func (s *Storage) PutJob(ctx context.Context, job models.Job) error {
	const op = "storage.PutJob"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `INSERT INTO scheduled_jobs (namespace, id, kind, due_at, payload)
			  VALUES ($1, $2, $3, $4, $5)`
	if _, err = s.DB.ExecContext(ctx, query,
		job.Namespace, job.ID, job.Kind, job.DueAt, payload); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetJob возвращает задание по идентификатору или ErrJobNotFound.
func (s *Storage) GetJob(ctx context.Context, namespace, id string) (*models.Job, error) {
	const op = "storage.GetJob"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT namespace, id, kind, due_at, payload
			  FROM scheduled_jobs
			  WHERE namespace = $1 AND id = $2`
	job, err := scanJob(s.DB.QueryRowContext(ctx, query, namespace, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrJobNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return job, nil
}

// DeleteJob удаляет задание и возвращает количество удалённых строк.
// Ноль строк не является ошибкой: отмена идемпотентна.
func (s *Storage) DeleteJob(ctx context.Context, namespace, id string) (int, error) {
	const op = "storage.DeleteJob"
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `DELETE FROM scheduled_jobs WHERE namespace = $1 AND id = $2`
	res, err := s.DB.ExecContext(ctx, query, namespace, id)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(count), nil
}

// UpdateJob обновляет срок и полезную нагрузку существующего задания,
// сохраняя его идентификатор. Возвращает ErrJobNotFound, если задания нет.
func (s *Storage) UpdateJob(ctx context.Context, job models.Job) error {
	const op = "storage.UpdateJob"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `UPDATE scheduled_jobs
			  SET due_at = $1, payload = $2
			  WHERE namespace = $3 AND id = $4`
	res, err := s.DB.ExecContext(ctx, query, job.DueAt, payload, job.Namespace, job.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if count == 0 {
		return fmt.Errorf("%s: %w", op, ErrJobNotFound)
	}
	return nil
}

// ListJobs возвращает все ожидающие задания пространства имён
// в порядке срабатывания. Используется для диагностики и сверки
// после перезапуска.
func (s *Storage) ListJobs(ctx context.Context, namespace string) ([]*models.Job, error) {
	const op = "storage.ListJobs"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT namespace, id, kind, due_at, payload
			  FROM scheduled_jobs
			  WHERE namespace = $1
			  ORDER BY due_at`
	rows, err := s.DB.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, job)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// TakeDueJobs атомарно изымает задания, срок которых наступил.
// DELETE ... RETURNING гарантирует, что гонка отмены и срабатывания
// разрешается в базе: задание достаётся ровно одной стороне.
func (s *Storage) TakeDueJobs(ctx context.Context, namespace string, now time.Time, limit int) ([]*models.Job, error) {
	const op = "storage.TakeDueJobs"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `DELETE FROM scheduled_jobs
			  WHERE (namespace, id) IN (
			      SELECT namespace, id FROM scheduled_jobs
			      WHERE namespace = $1 AND due_at <= $2
			      ORDER BY due_at
			      LIMIT $3
			      FOR UPDATE SKIP LOCKED
			  )
			  RETURNING namespace, id, kind, due_at, payload`
	rows, err := s.DB.QueryContext(ctx, query, namespace, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, job)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var payload []byte
	if err := row.Scan(&j.Namespace, &j.ID, &j.Kind, &j.DueAt, &payload); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return nil, err
	}
	return &j, nil
}
