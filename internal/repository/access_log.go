package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/fitgate/access-module/internal/domain/model"
)

// AccessLogRepository — интерфейс таблицы access_logs.
// Записи неизменяемы; дедупликация на уровне ограничения уникальности.
type AccessLogRepository interface {
	// Insert записывает событие. Возвращает false, если событие уже
	// существует (дубликат по device_id, event_at, direction).
	Insert(ctx context.Context, e *model.AccessLogEntry) (bool, error)
	// List возвращает страницу журнала клуба, новые события первыми.
	List(ctx context.Context, gymID string, filter model.AccessLogFilter) ([]*model.AccessLogEntry, error)
	// Count возвращает количество записей под фильтром.
	Count(ctx context.Context, gymID string, filter model.AccessLogFilter) (int, error)
}

// accessLogRepo — реализация AccessLogRepository.
type accessLogRepo struct {
	db DBTX
}

// NewAccessLogRepository создаёт репозиторий журнала проходов.
func NewAccessLogRepository(db DBTX) AccessLogRepository {
	return &accessLogRepo{db: db}
}

func (r *accessLogRepo) Insert(ctx context.Context, e *model.AccessLogEntry) (bool, error) {
	// ON CONFLICT DO NOTHING: повторная доставка события — не ошибка
	query := `
		INSERT INTO access_logs (gym_id, device_id, person_id, vendor_user_id, direction, event_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (device_id, event_at, direction) DO NOTHING`

	tag, err := r.db.Exec(ctx, query,
		e.GymID, e.DeviceID, e.PersonID, e.VendorUserID, e.Direction, e.EventAt)
	if err != nil {
		return false, fmt.Errorf("ошибка записи события прохода: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// buildFilter собирает условия WHERE из фильтра. Первый аргумент — gym_id.
func buildFilter(gymID string, filter model.AccessLogFilter) (string, []any) {
	conditions := []string{"gym_id = $1"}
	args := []any{gymID}
	argNum := 2

	if filter.PersonID != nil {
		conditions = append(conditions, fmt.Sprintf("person_id = $%d", argNum))
		args = append(args, *filter.PersonID)
		argNum++
	}
	if filter.From != nil {
		conditions = append(conditions, fmt.Sprintf("event_at >= $%d", argNum))
		args = append(args, *filter.From)
		argNum++
	}
	if filter.To != nil {
		conditions = append(conditions, fmt.Sprintf("event_at <= $%d", argNum))
		args = append(args, *filter.To)
	}

	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *accessLogRepo) List(ctx context.Context, gymID string, filter model.AccessLogFilter) ([]*model.AccessLogEntry, error) {
	where, args := buildFilter(gymID, filter)

	query := fmt.Sprintf(`
		SELECT id, gym_id, device_id, person_id, vendor_user_id, direction, event_at, ingested_at
		FROM access_logs
		%s
		ORDER BY event_at DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)

	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки журнала проходов: %w", err)
	}
	defer rows.Close()

	var result []*model.AccessLogEntry
	for rows.Next() {
		e := &model.AccessLogEntry{}
		if err := rows.Scan(
			&e.ID, &e.GymID, &e.DeviceID, &e.PersonID, &e.VendorUserID,
			&e.Direction, &e.EventAt, &e.IngestedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования события: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *accessLogRepo) Count(ctx context.Context, gymID string, filter model.AccessLogFilter) (int, error) {
	where, args := buildFilter(gymID, filter)

	query := fmt.Sprintf(`SELECT COUNT(*) FROM access_logs %s`, where)

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта событий: %w", err)
	}
	return count, nil
}
