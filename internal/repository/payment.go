package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fitgate/access-module/internal/domain/model"
)

// paymentColumns — единый список колонок платежа для SELECT-запросов.
const paymentColumns = `id, gym_id, person_id, provider_tx_id, amount_cents,
	status, due_at, paid_at, created_at, updated_at`

// PaymentRepository — интерфейс таблицы payments.
type PaymentRepository interface {
	// Create создаёт платёж (биллинг основного приложения).
	Create(ctx context.Context, p *model.Payment) error
	// GetByProviderTxID возвращает платёж по идентификатору транзакции провайдера.
	GetByProviderTxID(ctx context.Context, gymID, providerTxID string) (*model.Payment, error)
	// GetLatestByPerson возвращает последний по сроку платёж персоны.
	GetLatestByPerson(ctx context.Context, personID string) (*model.Payment, error)
	// UpdateStatus меняет статус платежа и отметку времени оплаты.
	UpdateStatus(ctx context.Context, id, status string, paidAt *time.Time) error
}

// paymentRepo — реализация PaymentRepository.
type paymentRepo struct {
	db DBTX
}

// NewPaymentRepository создаёт репозиторий платежей.
func NewPaymentRepository(db DBTX) PaymentRepository {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) Create(ctx context.Context, p *model.Payment) error {
	query := `
		INSERT INTO payments (gym_id, person_id, provider_tx_id, amount_cents, status, due_at, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		p.GymID, p.PersonID, p.ProviderTxID, p.AmountCents, p.Status, p.DueAt, p.PaidAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: транзакция провайдера уже зарегистрирована", ErrConflict)
		}
		return fmt.Errorf("ошибка создания платежа: %w", err)
	}
	return nil
}

// scanPayment сканирует одну строку платежа.
func scanPayment(row pgx.Row) (*model.Payment, error) {
	p := &model.Payment{}
	err := row.Scan(
		&p.ID, &p.GymID, &p.PersonID, &p.ProviderTxID, &p.AmountCents,
		&p.Status, &p.DueAt, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *paymentRepo) GetByProviderTxID(ctx context.Context, gymID, providerTxID string) (*model.Payment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM payments
		WHERE gym_id = $1 AND provider_tx_id = $2`, paymentColumns)

	p, err := scanPayment(r.db.QueryRow(ctx, query, gymID, providerTxID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения платежа: %w", err)
	}
	return p, nil
}

func (r *paymentRepo) GetLatestByPerson(ctx context.Context, personID string) (*model.Payment, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM payments
		WHERE person_id = $1
		ORDER BY due_at DESC
		LIMIT 1`, paymentColumns)

	p, err := scanPayment(r.db.QueryRow(ctx, query, personID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения последнего платежа: %w", err)
	}
	return p, nil
}

func (r *paymentRepo) UpdateStatus(ctx context.Context, id, status string, paidAt *time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE payments SET status = $2, paid_at = $3, updated_at = now() WHERE id = $1`,
		id, status, paidAt)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса платежа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
