package model

import "time"

// Направления прохода.
const (
	DirectionEntry = "entry"
	DirectionExit  = "exit"
)

// AccessLogEntry — нормализованная запись журнала проходов.
// Хранится в таблице access_logs, записи неизменяемы.
// Инвариант уникальности: (device_id, event_at, direction) — повторная
// доставка одного физического события не создаёт вторую строку.
type AccessLogEntry struct {
	// ID — UUID записи
	ID string
	// GymID — UUID клуба (tenant)
	GymID string
	// DeviceID — UUID устройства-источника
	DeviceID string
	// PersonID — UUID персоны; nil, если вендорский пользователь
	// не разрешён в привязку (запись остаётся как сырой аудит)
	PersonID *string
	// VendorUserID — исходный идентификатор пользователя у вендора
	VendorUserID string
	// Direction — entry или exit
	Direction string
	// EventAt — время события по часам вендора
	EventAt time.Time
	// IngestedAt — время записи в журнал
	IngestedAt time.Time
}

// AccessLogFilter — фильтры постраничной выборки журнала.
type AccessLogFilter struct {
	// PersonID — только проходы указанной персоны (nil — все)
	PersonID *string
	// From — нижняя граница event_at включительно (nil — без границы)
	From *time.Time
	// To — верхняя граница event_at включительно (nil — без границы)
	To *time.Time
	// Limit — размер страницы
	Limit int
	// Offset — смещение
	Offset int
}

// IngestResult — результат одного цикла ингестии по устройству.
type IngestResult struct {
	// DeviceID — UUID устройства
	DeviceID string
	// Fetched — событий получено от вендора
	Fetched int
	// Stored — новых строк записано
	Stored int
	// Duplicates — событий отброшено по инварианту уникальности
	Duplicates int
	// Unresolved — событий с неразрешённой персоной (person_id = NULL)
	Unresolved int
	// Watermark — новое значение watermark после цикла
	Watermark *time.Time
}
