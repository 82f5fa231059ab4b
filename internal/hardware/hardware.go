// Пакет hardware — вендор-нейтральный контракт управления турникетным
// оборудованием. Машина состояний доступа и ингестия журналов работают
// только через интерфейс Adapter и никогда не ветвятся по вендору;
// новый вендор — новая реализация адаптера.
package hardware

import (
	"context"
	"errors"
	"time"

	"github.com/fitgate/access-module/internal/domain/model"
)

// Таксономия ошибок оборудования.
var (
	// ErrDeviceUnreachable — сеть/таймаут/5xx. Транзиентная, подлежит
	// повтору, никогда не фатальна.
	ErrDeviceUnreachable = errors.New("устройство недоступно")
	// ErrVendorRejected — вендор явно отказал (дубликат, квота).
	// Логируется и отдаётся административному вызывающему, автоматически
	// не повторяется.
	ErrVendorRejected = errors.New("операция отклонена оборудованием")
	// ErrInvalidBiometric — изображение отклонено вендором.
	// Отдаётся пользователю/администратору для повторной съёмки.
	ErrInvalidBiometric = errors.New("биометрический шаблон отклонён")
)

// RawEvent — сырое событие прохода от оборудования.
type RawEvent struct {
	// VendorUserID — идентификатор пользователя на стороне вендора
	VendorUserID string
	// VendorDeviceID — идентификатор устройства на стороне вендора
	VendorDeviceID string
	// Direction — entry или exit
	Direction string
	// OccurredAt — время события по часам вендора
	OccurredAt time.Time
}

// Adapter — протокол-независимый контракт управления доступом.
// Все вызовы — блокирующий сетевой I/O; вызывающая сторона ограничивает
// их таймаутом через context и не держит эксклюзивных ресурсов поперёк
// вызова.
type Adapter interface {
	// CreateUser создаёт пользователя на оборудовании и возвращает его
	// вендорский идентификатор.
	CreateUser(ctx context.Context, name, externalRef string) (string, error)
	// EnrollFace загружает биометрический шаблон пользователя.
	EnrollFace(ctx context.Context, vendorUserID string, image []byte) error
	// GrantAccess добавляет пользователя в группу доступа.
	// Идемпотентен: повторный grant уже допущенного — успех.
	GrantAccess(ctx context.Context, vendorUserID, groupID string) error
	// RevokeAccess убирает пользователя из группы доступа.
	// Идемпотентен: revoke уже убранного — успех.
	RevokeAccess(ctx context.Context, vendorUserID, groupID string) error
	// DeleteUser удаляет пользователя. Отсутствующий пользователь —
	// не ошибка (логируется, не пробрасывается).
	DeleteUser(ctx context.Context, vendorUserID string) error
	// FetchEvents возвращает события начиная с указанного времени
	// ВКЛЮЧИТЕЛЬНО (граница дублируется, дедупликация — на приёмнике).
	// Пагинация выполняется внутри адаптера.
	FetchEvents(ctx context.Context, since time.Time) ([]RawEvent, error)
}

// Factory — фабрика адаптеров по конфигурации устройства.
// Выбор реализации по device.Vendor выполняется на уровне сборки
// приложения; потребители (конвергенция, ингестия) видят только контракт.
type Factory func(device *model.Device) (Adapter, error)
