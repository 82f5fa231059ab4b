package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fitgate/access-module/internal/domain/model"
)

// deviceColumns — единый список колонок устройства для SELECT-запросов.
const deviceColumns = `id, gym_id, name, vendor, address, vendor_device_id,
	access_group_id, device_type, login, password, active, status,
	consecutive_failures, last_event_at, last_seen_at, created_at, updated_at`

// DeviceRepository — интерфейс таблицы devices.
type DeviceRepository interface {
	// Create создаёт новую конфигурацию устройства.
	Create(ctx context.Context, d *model.Device) error
	// GetByID возвращает устройство по UUID.
	GetByID(ctx context.Context, id string) (*model.Device, error)
	// GetActiveByGym возвращает активное устройство клуба.
	GetActiveByGym(ctx context.Context, gymID string) (*model.Device, error)
	// ListByGym возвращает все устройства клуба, активное первым.
	ListByGym(ctx context.Context, gymID string) ([]*model.Device, error)
	// ListActive возвращает активные устройства всех клубов (для ингестии).
	ListActive(ctx context.Context) ([]*model.Device, error)
	// Update обновляет конфигурацию устройства.
	Update(ctx context.Context, d *model.Device) error
	// DeactivateByGym снимает флаг active со всех устройств клуба.
	DeactivateByGym(ctx context.Context, gymID string) error
	// SetStatus обновляет status и consecutive_failures.
	SetStatus(ctx context.Context, id, status string, consecutiveFailures int) error
	// IncrementFailures атомарно увеличивает consecutive_failures
	// и возвращает новое значение. Конкурентные инкременты из
	// конвергенции и ингестии не теряются.
	IncrementFailures(ctx context.Context, id string) (int, error)
	// UpdateWatermark двигает watermark ингестии и отметку last_seen_at.
	UpdateWatermark(ctx context.Context, id string, lastEventAt time.Time) error
}

// deviceRepo — реализация DeviceRepository.
type deviceRepo struct {
	db DBTX
}

// NewDeviceRepository создаёт репозиторий устройств.
func NewDeviceRepository(db DBTX) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) Create(ctx context.Context, d *model.Device) error {
	query := `
		INSERT INTO devices (gym_id, name, vendor, address, vendor_device_id,
			access_group_id, device_type, login, password, active, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		d.GymID, d.Name, d.Vendor, d.Address, d.VendorDeviceID,
		d.AccessGroupID, d.DeviceType, d.Login, d.Password, d.Active, d.Status,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: в клубе уже есть активное устройство", ErrConflict)
		}
		return fmt.Errorf("ошибка создания устройства: %w", err)
	}
	return nil
}

// scanDevice сканирует одну строку устройства.
func scanDevice(row pgx.Row) (*model.Device, error) {
	d := &model.Device{}
	err := row.Scan(
		&d.ID, &d.GymID, &d.Name, &d.Vendor, &d.Address, &d.VendorDeviceID,
		&d.AccessGroupID, &d.DeviceType, &d.Login, &d.Password, &d.Active, &d.Status,
		&d.ConsecutiveFailures, &d.LastEventAt, &d.LastSeenAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *deviceRepo) GetByID(ctx context.Context, id string) (*model.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices WHERE id = $1`, deviceColumns)

	d, err := scanDevice(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения устройства: %w", err)
	}
	return d, nil
}

func (r *deviceRepo) GetActiveByGym(ctx context.Context, gymID string) (*model.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices WHERE gym_id = $1 AND active`, deviceColumns)

	d, err := scanDevice(r.db.QueryRow(ctx, query, gymID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения активного устройства: %w", err)
	}
	return d, nil
}

func (r *deviceRepo) ListByGym(ctx context.Context, gymID string) ([]*model.Device, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM devices
		WHERE gym_id = $1
		ORDER BY active DESC, created_at DESC`, deviceColumns)

	rows, err := r.db.Query(ctx, query, gymID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка устройств: %w", err)
	}
	defer rows.Close()

	var result []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования устройства: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (r *deviceRepo) ListActive(ctx context.Context) ([]*model.Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices WHERE active ORDER BY gym_id`, deviceColumns)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения активных устройств: %w", err)
	}
	defer rows.Close()

	var result []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования устройства: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (r *deviceRepo) Update(ctx context.Context, d *model.Device) error {
	query := `
		UPDATE devices
		SET name = $2, vendor = $3, address = $4, vendor_device_id = $5,
			access_group_id = $6, device_type = $7, login = $8, password = $9,
			active = $10, status = $11, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		d.ID, d.Name, d.Vendor, d.Address, d.VendorDeviceID,
		d.AccessGroupID, d.DeviceType, d.Login, d.Password, d.Active, d.Status,
	).Scan(&d.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: в клубе уже есть активное устройство", ErrConflict)
		}
		return fmt.Errorf("ошибка обновления устройства: %w", err)
	}
	return nil
}

func (r *deviceRepo) DeactivateByGym(ctx context.Context, gymID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE devices SET active = FALSE, updated_at = now() WHERE gym_id = $1 AND active`,
		gymID)
	if err != nil {
		return fmt.Errorf("ошибка деактивации устройств клуба: %w", err)
	}
	return nil
}

func (r *deviceRepo) SetStatus(ctx context.Context, id, status string, consecutiveFailures int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE devices SET status = $2, consecutive_failures = $3, updated_at = now() WHERE id = $1`,
		id, status, consecutiveFailures)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса устройства: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *deviceRepo) IncrementFailures(ctx context.Context, id string) (int, error) {
	var failures int
	err := r.db.QueryRow(ctx,
		`UPDATE devices
		SET consecutive_failures = consecutive_failures + 1, updated_at = now()
		WHERE id = $1
		RETURNING consecutive_failures`,
		id).Scan(&failures)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка учёта ошибки устройства: %w", err)
	}
	return failures, nil
}

func (r *deviceRepo) UpdateWatermark(ctx context.Context, id string, lastEventAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE devices
		SET last_event_at = $2, last_seen_at = now(), updated_at = now()
		WHERE id = $1`,
		id, lastEventAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления watermark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
