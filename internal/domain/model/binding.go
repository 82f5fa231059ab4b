package model

import "time"

// Состояния последнего известного состояния оборудования для персоны.
// Это единственный durable-прокси вычисляемого решения о доступе.
const (
	// HardwareStateUnknown — на оборудовании ещё ничего не применялось
	HardwareStateUnknown = "unknown"
	// HardwareStateAllowed — последний успешный вызов — grant
	HardwareStateAllowed = "allowed"
	// HardwareStateBlocked — последний успешный вызов — revoke
	HardwareStateBlocked = "blocked"
)

// IdentityBinding — привязка внутренней персоны к пользователю на стороне
// вендора. Хранится в таблице identity_bindings, не более одной записи на
// пару (gym, person). Привязка принадлежит движку синхронизации: UI и
// остальное приложение её не мутируют (single-writer инвариант).
type IdentityBinding struct {
	// ID — UUID записи
	ID string
	// GymID — UUID клуба (tenant)
	GymID string
	// PersonID — UUID персоны
	PersonID string
	// VendorUserID — идентификатор пользователя на оборудовании.
	// nil — пользователь ещё не создан (или сброшен для повторной регистрации).
	VendorUserID *string
	// FaceEnrolled — биометрический шаблон загружен на оборудование
	FaceEnrolled bool
	// HardwareState — unknown, allowed, blocked. Обновляется только после
	// успешного вендорского вызова: неудавшийся revoke никогда не
	// помечается как blocked.
	HardwareState string
	// PendingSync — конвергенция не удалась, устройству должен повтор
	PendingSync bool
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}
