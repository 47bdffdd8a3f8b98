package models

import "time"

// Статусы платежа.
const (
	PaymentStatusWaiting = "waiting_payment"
	PaymentStatusSuccess = "success"
	PaymentStatusError   = "error"
	PaymentStatusRefund  = "refund"
)

// Payment представляет платёж за подписку. Запись append-only,
// изменяются только Status и LastUpdate.
type Payment struct {
	ID         string    `json:"id"`
	FromUser   string    `json:"from_user"`
	Amount     int       `json:"amount"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	LastUpdate time.Time `json:"last_update"`
}
