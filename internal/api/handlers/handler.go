// handler.go — основной обработчик API Access Module.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/service"
)

// EnrollmentService — операции регистрации персон на оборудовании.
// Реализуется service.ConvergenceService.
type EnrollmentService interface {
	// Enroll регистрирует персону: вендорский пользователь, шаблон лица,
	// применение целевого состояния доступа.
	Enroll(ctx context.Context, gymID, personID string, image []byte) error
	// SetAdministrativeBlock выставляет или снимает административную блокировку.
	SetAdministrativeBlock(ctx context.Context, gymID, personID string, blocked bool) error
}

// PaymentWebhookService — обработка webhook-уведомлений платёжного провайдера.
// Реализуется service.ReconcileService.
type PaymentWebhookService interface {
	HandleNotification(ctx context.Context, gymID string, n *model.PaymentNotification) error
}

// DeviceManager — управление конфигурацией устройств.
// Реализуется service.DeviceService.
type DeviceManager interface {
	Register(ctx context.Context, d *model.Device) (*model.Device, error)
	List(ctx context.Context, gymID string) ([]*model.Device, error)
	Update(ctx context.Context, gymID, deviceID string, upd service.DeviceUpdate) (*model.Device, error)
}

// AccessLogReader — постраничная выборка журнала проходов.
// Реализуется repository.AccessLogRepository.
type AccessLogReader interface {
	List(ctx context.Context, gymID string, filter model.AccessLogFilter) ([]*model.AccessLogEntry, error)
	Count(ctx context.Context, gymID string, filter model.AccessLogFilter) (int, error)
}

// APIHandler — основной обработчик API Access Module.
type APIHandler struct {
	health        *HealthHandler
	enrollment    EnrollmentService
	webhooks      PaymentWebhookService
	devices       DeviceManager
	accessLogs    AccessLogReader
	webhookSecret string
	logger        *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
// webhookSecret — общий секрет HMAC-подписи webhook (пусто — подпись не проверяется).
func NewAPIHandler(
	health *HealthHandler,
	enrollment EnrollmentService,
	webhooks PaymentWebhookService,
	devices DeviceManager,
	accessLogs AccessLogReader,
	webhookSecret string,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:        health,
		enrollment:    enrollment,
		webhooks:      webhooks,
		devices:       devices,
		accessLogs:    accessLogs,
		webhookSecret: webhookSecret,
		logger:        logger.With(slog.String("component", "api_handler")),
	}
}

// RegisterRoutes регистрирует все маршруты API на роутере.
func (h *APIHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	// Webhook платёжного провайдера: вне /gyms, защищён HMAC-подписью
	r.Post("/api/v1/webhooks/payments/{gymID}", h.HandlePaymentWebhook)

	r.Route("/api/v1/gyms/{gymID}", func(r chi.Router) {
		r.Post("/persons/{personID}/enroll", h.EnrollPerson)
		r.Post("/persons/{personID}/block", h.BlockPerson)
		r.Delete("/persons/{personID}/block", h.UnblockPerson)

		r.Get("/access-logs", h.ListAccessLogs)

		r.Get("/devices", h.ListDevices)
		r.Post("/devices", h.CreateDevice)
		r.Patch("/devices/{deviceID}", h.UpdateDevice)
	})
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// paginationDefaults извлекает и нормализует параметры пагинации из запроса.
func paginationDefaults(r *http.Request) (limit, offset int) {
	limit = 100
	offset = 0

	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			offset = v
		}
	}
	if offset < 0 {
		offset = 0
	}

	return limit, offset
}
