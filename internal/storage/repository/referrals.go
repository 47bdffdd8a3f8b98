package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mkrivosheev/subscription-keeper/internal/models"
)

// CreateInvite сохраняет реферальное приглашение. Пригласивший должен
// уже существовать в таблице, что исключает циклы в цепочке.
func (s *Storage) CreateInvite(ctx context.Context, invite models.ReferralInvite) error {
	const op = "storage.CreateInvite"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO referral_invites (user_uid, came_from, paid, deep_link)
			  VALUES ($1, $2, $3, $4)`
	if _, err := s.DB.ExecContext(ctx, query,
		invite.UserUID, invite.CameFrom, invite.Paid, invite.DeepLink); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetInvite возвращает приглашение по UID пользователя или ErrInviteNotFound.
func (s *Storage) GetInvite(ctx context.Context, userUID string) (*models.ReferralInvite, error) {
	const op = "storage.GetInvite"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT user_uid, came_from, paid, deep_link
			  FROM referral_invites
			  WHERE user_uid = $1`
	inv := &models.ReferralInvite{}
	row := s.DB.QueryRowContext(ctx, query, userUID)

	var cameFrom, deepLink sql.NullString
	if err := row.Scan(&inv.UserUID, &cameFrom, &inv.Paid, &deepLink); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, ErrInviteNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if cameFrom.Valid {
		inv.CameFrom = &cameFrom.String
	}
	if deepLink.Valid {
		inv.DeepLink = &deepLink.String
	}
	return inv, nil
}

// MarkInvitePaid помечает приглашение оплаченным.
func (s *Storage) MarkInvitePaid(ctx context.Context, userUID string) error {
	const op = "storage.MarkInvitePaid"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE referral_invites
			  SET paid = TRUE
			  WHERE user_uid = $1`
	res, err := s.DB.ExecContext(ctx, query, userUID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if count == 0 {
		return fmt.Errorf("%s: %w", op, ErrInviteNotFound)
	}
	return nil
}
