package models

import "time"

// Виды заданий планировщика. Набор закрытый: в хранилище попадает
// только вид и полезная нагрузка, обработчик подбирается по виду
// при старте процесса.
const (
	KindExpiringNotice = "expiring_notice"
	KindEndNotice      = "end_notice"
)

// Job представляет отложенное задание, переживающее перезапуск процесса.
// Namespace разделяет пространства разных логических планировщиков
// в одной таблице.
type Job struct {
	Namespace string     // Пространство имён планировщика-владельца
	ID        string     // Уникальный в пределах пространства идентификатор
	Kind      string     // Вид задания, определяет обработчик
	DueAt     time.Time  // Момент срабатывания
	Payload   JobPayload // Аргументы обработчика
}

// JobPayload — сериализуемые аргументы задания. Until фиксирует дату
// окончания подписки на момент планирования: по ней обработчик
// отличает устаревшее задание от актуального.
type JobPayload struct {
	UserUID string    `json:"user_uid"`
	Until   time.Time `json:"until"`
}
