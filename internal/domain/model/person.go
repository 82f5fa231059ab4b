package model

import "time"

// Типы персон.
const (
	// PersonKindMember — клиент клуба (абонемент)
	PersonKindMember = "member"
	// PersonKindStaff — сотрудник клуба
	PersonKindStaff = "staff"
)

// Статусы членства/занятости. Статус — чистая функция последнего
// релевантного платежа плюс административные переопределения; это
// единственный вход машины состояний доступа.
const (
	MembershipActive    = "active"
	MembershipInactive  = "inactive"
	MembershipSuspended = "suspended"
	MembershipBlocked   = "blocked"
)

// Person — клиент или сотрудник клуба. Хранится в таблице persons.
// Модуль читает статус и переопределения; создание персон — зона
// ответственности основного приложения.
type Person struct {
	// ID — UUID записи
	ID string
	// GymID — UUID клуба (tenant)
	GymID string
	// Name — полное имя
	Name string
	// Kind — member или staff
	Kind string
	// MembershipStatus — active, inactive, suspended, blocked
	MembershipStatus string
	// AdminBlocked — административная блокировка (ручное переопределение)
	AdminBlocked bool
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}
