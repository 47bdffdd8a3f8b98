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

// CreateUser сохраняет нового пользователя со статусом new.
func (s *Storage) CreateUser(ctx context.Context, user models.User) error {
	const op = "storage.CreateUser"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO users (uid, email, status)
			  VALUES ($1, $2, $3)`
	if _, err := s.DB.ExecContext(ctx, query, user.UID, user.Email, models.StatusNew); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetUser возвращает пользователя по его UID.
func (s *Storage) GetUser(ctx context.Context, userUID string) (*models.User, error) {
	const op = "storage.GetUser"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT uid, email, status, subscribed_until, pending_job_ids
			  FROM users
			  WHERE uid = $1`
	u := &models.User{}
	row := s.DB.QueryRowContext(ctx, query, userUID)

	var subscribedUntil sql.NullTime
	var pendingJobIDs []byte
	if err := row.Scan(&u.UID, &u.Email, &u.Status, &subscribedUntil, &pendingJobIDs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if subscribedUntil.Valid {
		u.SubscribedUntil = &subscribedUntil.Time
	}
	if len(pendingJobIDs) > 0 {
		if err := json.Unmarshal(pendingJobIDs, &u.PendingJobIDs); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return u, nil
}

// UpdateUserSubscription записывает статус, дату окончания и список
// ожидающих заданий одним UPDATE. Это точка фиксации перехода:
// после неё старые идентификаторы заданий у пользователя не видны.
func (s *Storage) UpdateUserSubscription(ctx context.Context, userUID, status string,
	until *time.Time, pendingJobIDs []string) error {
	const op = "storage.UpdateUserSubscription"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	if pendingJobIDs == nil {
		pendingJobIDs = []string{}
	}
	jobIDs, err := json.Marshal(pendingJobIDs)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	query := `UPDATE users
			  SET status = $1,
			      subscribed_until = $2,
			      pending_job_ids = $3
			  WHERE uid = $4`
	res, err := s.DB.ExecContext(ctx, query, status, until, jobIDs, userUID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if count == 0 {
		return fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}
	return nil
}
