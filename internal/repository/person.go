package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/fitgate/access-module/internal/domain/model"
)

// PersonRepository — интерфейс таблицы persons.
// Создание персон — зона ответственности основного приложения; модуль
// создаёт их только в тестовом окружении и мутирует статус и блокировку.
type PersonRepository interface {
	// Create создаёт персону.
	Create(ctx context.Context, p *model.Person) error
	// GetByID возвращает персону по UUID.
	GetByID(ctx context.Context, id string) (*model.Person, error)
	// UpdateMembershipStatus меняет статус членства.
	UpdateMembershipStatus(ctx context.Context, id, status string) error
	// SetAdminBlocked выставляет или снимает административную блокировку.
	SetAdminBlocked(ctx context.Context, id string, blocked bool) error
}

// personRepo — реализация PersonRepository.
type personRepo struct {
	db DBTX
}

// NewPersonRepository создаёт репозиторий персон.
func NewPersonRepository(db DBTX) PersonRepository {
	return &personRepo{db: db}
}

func (r *personRepo) Create(ctx context.Context, p *model.Person) error {
	query := `
		INSERT INTO persons (id, gym_id, full_name, kind, membership_status, admin_blocked)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		p.ID, p.GymID, p.Name, p.Kind, p.MembershipStatus, p.AdminBlocked,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: персона уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания персоны: %w", err)
	}
	return nil
}

func (r *personRepo) GetByID(ctx context.Context, id string) (*model.Person, error) {
	query := `
		SELECT id, gym_id, full_name, kind, membership_status, admin_blocked,
			created_at, updated_at
		FROM persons
		WHERE id = $1`

	p := &model.Person{}
	err := r.db.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.GymID, &p.Name, &p.Kind, &p.MembershipStatus, &p.AdminBlocked,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения персоны: %w", err)
	}
	return p, nil
}

func (r *personRepo) UpdateMembershipStatus(ctx context.Context, id, status string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE persons SET membership_status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса членства: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *personRepo) SetAdminBlocked(ctx context.Context, id string, blocked bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE persons SET admin_blocked = $2, updated_at = now() WHERE id = $1`,
		id, blocked)
	if err != nil {
		return fmt.Errorf("ошибка обновления блокировки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
