// Package models содержит доменные структуры подписочного сервиса:
// пользователя, отложенное задание, платёж и реферальное приглашение.
package models

import "time"

// Статусы подписки пользователя. Banned выставляется извне
// (админ-команда) и никогда не снимается автоматически.
const (
	StatusNew               = "new"
	StatusTrial             = "trial"
	StatusSubscribed        = "subscribed"
	StatusSubscriptionEnded = "subscription_ended"
	StatusBanned            = "banned"
)

// User представляет пользователя сервиса в разрезе подписки.
// SubscribedUntil равен nil только вне статусов trial/subscribed.
// PendingJobIDs хранит идентификаторы заданий, запланированных
// для следующего перехода, в порядке создания.
type User struct {
	UID             string     // Уникальный идентификатор пользователя
	Email           string     // Электронная почта для уведомлений
	Status          string     // Текущий статус подписки
	SubscribedUntil *time.Time // Дата окончания пробного периода или подписки
	PendingJobIDs   []string   // Задания, ожидающие следующего перехода
}

// IsSubscribed сообщает, имеет ли пользователь активный доступ.
func (u *User) IsSubscribed() bool {
	return u.Status == StatusTrial || u.Status == StatusSubscribed
}
