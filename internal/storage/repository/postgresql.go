// Package repository реализует хранилище данных на основе PostgreSQL
// для пользователей, отложенных заданий, платежей и реферальных
// приглашений. Предоставляет методы создания, чтения, обновления
// и удаления записей.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// Регистрация драйвера pgx для использования с database/sql.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Ошибки отсутствия записей, проверяются через errors.Is на границах слоёв.
var (
	ErrUserNotFound   = errors.New("user not found")
	ErrJobNotFound    = errors.New("job not found")
	ErrInviteNotFound = errors.New("referral invite not found")
)

// Storage инкапсулирует соединение с базой данных PostgreSQL
// и реализует методы работы с доменными таблицами.
type Storage struct {
	DB *sql.DB
}

// New создаёт подключение к PostgreSQL и проверяет его доступность.
func New(storageConnectionString string) (*Storage, error) {
	const op = "storage.New"

	db, err := sql.Open("pgx", storageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err = db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Storage{
		DB: db,
	}, nil
}

// CheckDatabaseReady проверяет готовность базы данных.
func CheckDatabaseReady(storage *Storage) error {
	var exists bool
	err := storage.DB.QueryRow(`SELECT EXISTS (
        SELECT FROM information_schema.tables
        WHERE table_name = 'scheduled_jobs'
    )`).Scan(&exists)
	if err != nil || !exists {
		return fmt.Errorf("required table scheduled_jobs missing or query error: %w", err)
	}
	return nil
}
