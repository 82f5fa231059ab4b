// reconcile.go — сверка платёжных уведомлений со статусом членства.
//
// ReconcileService обрабатывает webhook-уведомления платёжного провайдера.
// Обработка идемпотентна: ключ — (клуб, provider_tx_id). Уведомление о
// неизвестной транзакции (orphan) логируется и подтверждается — провайдер
// не должен ретраить то, что мы не можем сопоставить.
//
// Оплаченный платёж терминален: запоздавшие уведомления о неуспехе его
// не перезаписывают и членство не трогают.
//
// Грейс-период: неуспешный платёж приостанавливает членство только после
// due_at + grace. До этого момента расхождение видно в данных платежа,
// но доступ не отзывается. Отложенная приостановка срабатывает на повторной
// доставке того же неуспешного статуса после истечения грейс-периода.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fitgate/access-module/internal/domain/access"
	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/repository"
)

// webhookTotal — результаты обработки платёжных уведомлений.
var webhookTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ac_payment_webhooks_total",
	Help: "Обработанные платёжные уведомления",
}, []string{"result"}) // result: applied, duplicate, orphan, deferred, invalid

// Converger — подмножество движка конвергенции, нужное сверке.
type Converger interface {
	Converge(ctx context.Context, gymID, personID string) error
}

// ReconcileService — обработчик платёжных уведомлений.
type ReconcileService struct {
	paymentRepo repository.PaymentRepository
	personRepo  repository.PersonRepository
	converger   Converger
	graceWindow time.Duration
	logger      *slog.Logger

	// now подменяется в тестах
	now func() time.Time
}

// NewReconcileService создаёт обработчик платёжных уведомлений.
func NewReconcileService(
	paymentRepo repository.PaymentRepository,
	personRepo repository.PersonRepository,
	converger Converger,
	graceWindow time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		paymentRepo: paymentRepo,
		personRepo:  personRepo,
		converger:   converger,
		graceWindow: graceWindow,
		logger:      logger.With(slog.String("component", "reconcile")),
		now:         time.Now,
	}
}

// validStatuses — статусы, принимаемые от провайдера.
var validStatuses = map[string]bool{
	model.PaymentPending: true,
	model.PaymentPaid:    true,
	model.PaymentFailed:  true,
	model.PaymentExpired: true,
}

// HandleNotification обрабатывает одно платёжное уведомление.
// Ошибка возвращается только при сбое хранилища: семантические проблемы
// (orphan, дубликат) подтверждаются провайдеру без ошибки.
func (s *ReconcileService) HandleNotification(ctx context.Context, gymID string, n *model.PaymentNotification) error {
	if n.ProviderTxID == "" || !validStatuses[n.Status] {
		webhookTotal.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: tx_id и корректный status обязательны", ErrValidation)
	}

	payment, err := s.paymentRepo.GetByProviderTxID(ctx, gymID, n.ProviderTxID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Orphan: транзакция неизвестна биллингу. Подтверждаем, чтобы
			// провайдер не ретраил; расследование — по логу.
			webhookTotal.WithLabelValues("orphan").Inc()
			s.logger.Warn("Уведомление о неизвестной транзакции",
				slog.String("gym_id", gymID),
				slog.String("provider_tx_id", n.ProviderTxID),
				slog.String("status", n.Status),
			)
			return nil
		}
		return fmt.Errorf("поиск платежа: %w", err)
	}

	// Оплаченный платёж не регрессирует: любые последующие уведомления
	// по нему — no-op, включая запоздавшие failed/expired
	if payment.Status == model.PaymentPaid {
		webhookTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug("Уведомление по уже оплаченному платежу",
			slog.String("provider_tx_id", n.ProviderTxID),
			slog.String("status", n.Status),
		)
		return nil
	}

	// Повторная доставка того же статуса. Для неуспешных платежей повтор —
	// повод пересчитать грейс-период: отложенная приостановка срабатывает,
	// когда провайдер ретраит уведомление уже после его истечения.
	if payment.Status == n.Status {
		if membership, affects := access.MembershipForPayment(n.Status); affects && membership == model.MembershipSuspended {
			return s.applyMembership(ctx, gymID, payment, n, membership)
		}
		webhookTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug("Повторное уведомление",
			slog.String("provider_tx_id", n.ProviderTxID),
			slog.String("status", n.Status),
		)
		return nil
	}

	// Уведомления приходят не по порядку: откат терминального неуспеха
	// в pending игнорируется
	if n.Status == model.PaymentPending {
		webhookTotal.WithLabelValues("duplicate").Inc()
		s.logger.Debug("Запоздавшее pending-уведомление",
			slog.String("provider_tx_id", n.ProviderTxID),
			slog.String("payment_status", payment.Status),
		)
		return nil
	}

	// Сначала durable-запись платежа, затем конвергенция
	var paidAt *time.Time
	if n.Status == model.PaymentPaid {
		occurred := n.OccurredAt
		paidAt = &occurred
	}
	if err := s.paymentRepo.UpdateStatus(ctx, payment.ID, n.Status, paidAt); err != nil {
		return fmt.Errorf("запись статуса платежа: %w", err)
	}

	membership, affects := access.MembershipForPayment(n.Status)
	if !affects {
		webhookTotal.WithLabelValues("applied").Inc()
		return nil
	}
	return s.applyMembership(ctx, gymID, payment, n, membership)
}

// applyMembership применяет вытекающий из платежа статус членства и запускает
// конвергенцию. Приостановка откладывается до истечения грейс-периода
// (due_at + grace) и не применяется повторно к уже приостановленной персоне.
func (s *ReconcileService) applyMembership(ctx context.Context, gymID string, payment *model.Payment, n *model.PaymentNotification, membership string) error {
	if membership == model.MembershipSuspended {
		if s.now().Before(payment.DueAt.Add(s.graceWindow)) {
			webhookTotal.WithLabelValues("deferred").Inc()
			s.logger.Info("Неуспешный платёж в пределах грейс-периода, доступ сохранён",
				slog.String("person_id", payment.PersonID),
				slog.String("provider_tx_id", n.ProviderTxID),
				slog.Time("due_at", payment.DueAt),
			)
			return nil
		}

		person, err := s.personRepo.GetByID(ctx, payment.PersonID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				webhookTotal.WithLabelValues("duplicate").Inc()
				return nil
			}
			return fmt.Errorf("получение персоны: %w", err)
		}
		if person.MembershipStatus == model.MembershipSuspended {
			webhookTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
	}

	if err := s.personRepo.UpdateMembershipStatus(ctx, payment.PersonID, membership); err != nil {
		return fmt.Errorf("запись статуса членства: %w", err)
	}

	s.logger.Info("Статус членства обновлён по платежу",
		slog.String("person_id", payment.PersonID),
		slog.String("provider_tx_id", n.ProviderTxID),
		slog.String("membership", membership),
	)

	// Конвергенция после durable-записи; её сбой не отменяет обработку
	// уведомления — повтор выполнит фоновая горутина
	if err := s.converger.Converge(ctx, gymID, payment.PersonID); err != nil {
		s.logger.Warn("Конвергенция после платежа не удалась",
			slog.String("person_id", payment.PersonID),
			slog.String("error", err.Error()),
		)
	}

	webhookTotal.WithLabelValues("applied").Inc()
	return nil
}
