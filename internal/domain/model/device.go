package model

import "time"

// Вендорские семейства турникетного оборудования.
// Закрытый набор: новые вендоры добавляются новым адаптером в internal/hardware.
const (
	// VendorControlID — контроллеры с собственным HTTP API устройства
	// (сессионный токен, плоские идентификаторы пользователей).
	VendorControlID = "controlid"
	// VendorLiteNet — устройства за локальным хабом (REST-прокси),
	// адресация с кодом типа устройства в payload.
	VendorLiteNet = "litenet"
)

// Статусы устройства с точки зрения модуля.
const (
	// DeviceStatusOnline — устройство отвечает на запросы.
	DeviceStatusOnline = "online"
	// DeviceStatusDegraded — превышен порог последовательных ошибок,
	// попытки продолжаются, статус виден операторам.
	DeviceStatusDegraded = "degraded"
	// DeviceStatusOffline — устройство выключено администратором.
	DeviceStatusOffline = "offline"
)

// Device — конфигурация турникетного устройства клуба.
// Хранится в таблице devices. Жёсткое удаление запрещено, пока на устройство
// ссылаются журналы проходов — только деактивация (active = false).
type Device struct {
	// ID — UUID записи
	ID string
	// GymID — UUID клуба-владельца (tenant)
	GymID string
	// Name — человекочитаемое имя устройства
	Name string
	// Vendor — вендорское семейство (controlid, litenet)
	Vendor string
	// Address — адрес устройства или хаба (http://10.0.0.15)
	Address string
	// VendorDeviceID — идентификатор устройства на стороне вендора
	VendorDeviceID string
	// AccessGroupID — группа доступа на оборудовании, которой управляет модуль
	AccessGroupID string
	// DeviceType — строковый тип устройства (только litenet, см. devicetypes)
	DeviceType string
	// Login — логин API устройства (только controlid)
	Login string
	// Password — пароль API устройства (только controlid)
	Password string
	// Active — участвует ли конфигурация в решениях о доступе.
	// Инвариант: не более одной активной конфигурации на клуб.
	Active bool
	// Status — online, degraded, offline
	Status string
	// ConsecutiveFailures — счётчик последовательных ошибок связи
	ConsecutiveFailures int
	// LastEventAt — watermark ингестии: время последнего успешно
	// обработанного события вендора (nil — события ещё не забирались)
	LastEventAt *time.Time
	// LastSeenAt — время последнего успешного обращения к устройству
	LastSeenAt *time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}
