// device.go — управление конфигурацией турникетных устройств клуба.
//
// Инвариант: не более одного активного устройства на клуб. Регистрация
// нового активного устройства и активация существующего выполняются в
// транзакции: сначала деактивируются прочие конфигурации клуба, затем
// пишется новая. Частичный уникальный индекс в БД страхует инвариант
// на случай конкурентной записи мимо транзакции.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/repository"
)

// DeviceUpdate — частичное обновление конфигурации устройства.
// nil-поля не меняются.
type DeviceUpdate struct {
	Name           *string
	Address        *string
	VendorDeviceID *string
	AccessGroupID  *string
	DeviceType     *string
	Login          *string
	Password       *string
	Active         *bool
}

// DeviceService — сервис управления устройствами.
type DeviceService struct {
	deviceRepo repository.DeviceRepository
	tx         *repository.TxRunner // nil в тестах: операции идут без транзакции
	logger     *slog.Logger
}

// NewDeviceService создаёт сервис управления устройствами.
// tx может быть nil — тогда операции активации выполняются без транзакции.
func NewDeviceService(deviceRepo repository.DeviceRepository, tx *repository.TxRunner, logger *slog.Logger) *DeviceService {
	return &DeviceService{
		deviceRepo: deviceRepo,
		tx:         tx,
		logger:     logger.With(slog.String("component", "device_service")),
	}
}

// withRepo выполняет fn с репозиторием устройств: в транзакции, если
// сервис собран с TxRunner, иначе напрямую.
func (s *DeviceService) withRepo(ctx context.Context, fn func(repo repository.DeviceRepository) error) error {
	if s.tx == nil {
		return fn(s.deviceRepo)
	}
	return s.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(repository.NewDeviceRepository(tx))
	})
}

// validateDevice проверяет обязательные поля конфигурации.
func validateDevice(d *model.Device) error {
	if d.Name == "" {
		return fmt.Errorf("%w: имя устройства обязательно", ErrValidation)
	}
	if d.Address == "" {
		return fmt.Errorf("%w: адрес устройства обязателен", ErrValidation)
	}
	switch d.Vendor {
	case model.VendorControlID:
		if d.Login == "" || d.Password == "" {
			return fmt.Errorf("%w: для %s обязательны логин и пароль API", ErrValidation, d.Vendor)
		}
	case model.VendorLiteNet:
		// Тип устройства опционален: пустой разрешается в код по умолчанию
	default:
		return fmt.Errorf("%w: неизвестный вендор %q", ErrValidation, d.Vendor)
	}
	return nil
}

// Register регистрирует новую конфигурацию устройства клуба.
// Активная конфигурация вытесняет предыдущую (деактивация в той же транзакции).
func (s *DeviceService) Register(ctx context.Context, d *model.Device) (*model.Device, error) {
	if err := validateDevice(d); err != nil {
		return nil, err
	}

	d.Status = model.DeviceStatusOnline
	if !d.Active {
		d.Status = model.DeviceStatusOffline
	}
	d.ConsecutiveFailures = 0

	err := s.withRepo(ctx, func(repo repository.DeviceRepository) error {
		if d.Active {
			if err := repo.DeactivateByGym(ctx, d.GymID); err != nil {
				return fmt.Errorf("деактивация прежних устройств: %w", err)
			}
		}
		return repo.Create(ctx, d)
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrConflict, err.Error())
		}
		return nil, err
	}

	s.logger.Info("Устройство зарегистрировано",
		slog.String("device_id", d.ID),
		slog.String("gym_id", d.GymID),
		slog.String("vendor", d.Vendor),
		slog.Bool("active", d.Active),
	)
	return d, nil
}

// List возвращает все конфигурации устройств клуба.
func (s *DeviceService) List(ctx context.Context, gymID string) ([]*model.Device, error) {
	return s.deviceRepo.ListByGym(ctx, gymID)
}

// Update применяет частичное обновление конфигурации устройства.
// Активация устройства деактивирует прочие конфигурации клуба.
// Деактивация переводит устройство в статус offline.
func (s *DeviceService) Update(ctx context.Context, gymID, deviceID string, upd DeviceUpdate) (*model.Device, error) {
	d, err := s.deviceRepo.GetByID(ctx, deviceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: устройство %s", ErrNotFound, deviceID)
		}
		return nil, err
	}
	if d.GymID != gymID {
		return nil, fmt.Errorf("%w: устройство %s", ErrNotFound, deviceID)
	}

	if upd.Name != nil {
		d.Name = *upd.Name
	}
	if upd.Address != nil {
		d.Address = *upd.Address
	}
	if upd.VendorDeviceID != nil {
		d.VendorDeviceID = *upd.VendorDeviceID
	}
	if upd.AccessGroupID != nil {
		d.AccessGroupID = *upd.AccessGroupID
	}
	if upd.DeviceType != nil {
		d.DeviceType = *upd.DeviceType
	}
	if upd.Login != nil {
		d.Login = *upd.Login
	}
	if upd.Password != nil {
		d.Password = *upd.Password
	}

	activating := false
	if upd.Active != nil && *upd.Active != d.Active {
		d.Active = *upd.Active
		if d.Active {
			activating = true
			d.Status = model.DeviceStatusOnline
			d.ConsecutiveFailures = 0
		} else {
			d.Status = model.DeviceStatusOffline
		}
	}

	if err := validateDevice(d); err != nil {
		return nil, err
	}

	err = s.withRepo(ctx, func(repo repository.DeviceRepository) error {
		if activating {
			if err := repo.DeactivateByGym(ctx, d.GymID); err != nil {
				return fmt.Errorf("деактивация прежних устройств: %w", err)
			}
		}
		return repo.Update(ctx, d)
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrConflict, err.Error())
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: устройство %s", ErrNotFound, deviceID)
		}
		return nil, err
	}

	s.logger.Info("Конфигурация устройства обновлена",
		slog.String("device_id", d.ID),
		slog.String("gym_id", d.GymID),
		slog.Bool("active", d.Active),
	)
	return d, nil
}
