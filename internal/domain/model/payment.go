package model

import "time"

// Статусы платежа. paid, failed и expired — терминальные.
const (
	PaymentPending = "pending"
	PaymentPaid    = "paid"
	PaymentFailed  = "failed"
	PaymentExpired = "expired"
)

// Payment — платёж по абонементу. Хранится в таблице payments.
// Создаётся биллингом основного приложения; модуль меняет только статус
// по уведомлениям платёжного провайдера.
type Payment struct {
	// ID — UUID записи
	ID string
	// GymID — UUID клуба (tenant)
	GymID string
	// PersonID — UUID персоны-владельца
	PersonID string
	// ProviderTxID — идентификатор транзакции у платёжного провайдера.
	// Уникален в пределах клуба, ключ сопоставления webhook-уведомлений.
	ProviderTxID string
	// AmountCents — сумма в копейках
	AmountCents int64
	// Status — pending, paid, failed, expired
	Status string
	// DueAt — срок оплаты (от него отсчитывается грейс-период)
	DueAt time.Time
	// PaidAt — время оплаты (nil пока не оплачен)
	PaidAt *time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// PaymentNotification — разобранное webhook-уведомление платёжного провайдера.
type PaymentNotification struct {
	// ProviderTxID — идентификатор транзакции у провайдера
	ProviderTxID string `json:"tx_id"`
	// Status — статус у провайдера (paid, failed, expired, pending)
	Status string `json:"status"`
	// AmountCents — сумма в копейках
	AmountCents int64 `json:"amount_cents"`
	// OccurredAt — время события у провайдера (RFC 3339)
	OccurredAt time.Time `json:"occurred_at"`
}
