package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fitgate/access-module/internal/domain/model"
)

// bindingColumns — единый список колонок привязки для SELECT-запросов.
const bindingColumns = `id, gym_id, person_id, vendor_user_id, face_enrolled,
	hardware_state, pending_sync, created_at, updated_at`

// BindingRepository — интерфейс таблицы identity_bindings.
// Писатель один — движок синхронизации.
type BindingRepository interface {
	// Create создаёт привязку для пары (gym, person).
	Create(ctx context.Context, b *model.IdentityBinding) error
	// GetByPerson возвращает привязку персоны в клубе.
	GetByPerson(ctx context.Context, gymID, personID string) (*model.IdentityBinding, error)
	// GetByVendorUserID разрешает вендорского пользователя в привязку.
	GetByVendorUserID(ctx context.Context, gymID, vendorUserID string) (*model.IdentityBinding, error)
	// Update обновляет привязку.
	Update(ctx context.Context, b *model.IdentityBinding) error
	// ListPendingSync возвращает привязки, ожидающие повторной конвергенции.
	ListPendingSync(ctx context.Context, limit int) ([]*model.IdentityBinding, error)
}

// bindingRepo — реализация BindingRepository.
type bindingRepo struct {
	db DBTX
}

// NewBindingRepository создаёт репозиторий привязок.
func NewBindingRepository(db DBTX) BindingRepository {
	return &bindingRepo{db: db}
}

func (r *bindingRepo) Create(ctx context.Context, b *model.IdentityBinding) error {
	query := `
		INSERT INTO identity_bindings (gym_id, person_id, vendor_user_id,
			face_enrolled, hardware_state, pending_sync)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		b.GymID, b.PersonID, b.VendorUserID, b.FaceEnrolled, b.HardwareState, b.PendingSync,
	).Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: привязка для персоны уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания привязки: %w", err)
	}
	return nil
}

// scanBinding сканирует одну строку привязки.
func scanBinding(row pgx.Row) (*model.IdentityBinding, error) {
	b := &model.IdentityBinding{}
	err := row.Scan(
		&b.ID, &b.GymID, &b.PersonID, &b.VendorUserID, &b.FaceEnrolled,
		&b.HardwareState, &b.PendingSync, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (r *bindingRepo) GetByPerson(ctx context.Context, gymID, personID string) (*model.IdentityBinding, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM identity_bindings
		WHERE gym_id = $1 AND person_id = $2`, bindingColumns)

	b, err := scanBinding(r.db.QueryRow(ctx, query, gymID, personID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения привязки: %w", err)
	}
	return b, nil
}

func (r *bindingRepo) GetByVendorUserID(ctx context.Context, gymID, vendorUserID string) (*model.IdentityBinding, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM identity_bindings
		WHERE gym_id = $1 AND vendor_user_id = $2`, bindingColumns)

	b, err := scanBinding(r.db.QueryRow(ctx, query, gymID, vendorUserID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка разрешения вендорского пользователя: %w", err)
	}
	return b, nil
}

func (r *bindingRepo) Update(ctx context.Context, b *model.IdentityBinding) error {
	query := `
		UPDATE identity_bindings
		SET vendor_user_id = $2, face_enrolled = $3, hardware_state = $4,
			pending_sync = $5, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		b.ID, b.VendorUserID, b.FaceEnrolled, b.HardwareState, b.PendingSync,
	).Scan(&b.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления привязки: %w", err)
	}
	return nil
}

func (r *bindingRepo) ListPendingSync(ctx context.Context, limit int) ([]*model.IdentityBinding, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM identity_bindings
		WHERE pending_sync
		ORDER BY updated_at
		LIMIT $1`, bindingColumns)

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения привязок в ожидании: %w", err)
	}
	defer rows.Close()

	var result []*model.IdentityBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования привязки: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}
