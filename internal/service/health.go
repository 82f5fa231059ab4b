// health.go — учёт здоровья устройств по результатам вендорских вызовов.
//
// Счётчик последовательных ошибок живёт в строке устройства. При достижении
// порога устройство помечается degraded, попытки связи продолжаются.
// Любой успешный вызов возвращает online и сбрасывает счётчик.
package service

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fitgate/access-module/internal/domain/model"
	"github.com/fitgate/access-module/internal/repository"
)

// deviceStatusGauge — текущий статус устройств (1 в строке текущего статуса).
var deviceStatusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "ac_device_status",
	Help: "Статус устройства (1 — устройство в данном статусе)",
}, []string{"device_id", "status"})

// deviceHealth отслеживает последовательные ошибки связи с устройствами.
type deviceHealth struct {
	deviceRepo repository.DeviceRepository
	threshold  int
	logger     *slog.Logger
}

// newDeviceHealth создаёт учёт здоровья устройств.
func newDeviceHealth(deviceRepo repository.DeviceRepository, threshold int, logger *slog.Logger) *deviceHealth {
	return &deviceHealth{
		deviceRepo: deviceRepo,
		threshold:  threshold,
		logger:     logger.With(slog.String("component", "device_health")),
	}
}

// setStatusGauge переключает gauge статуса устройства.
func setStatusGauge(deviceID, status string) {
	for _, s := range []string{model.DeviceStatusOnline, model.DeviceStatusDegraded, model.DeviceStatusOffline} {
		v := 0.0
		if s == status {
			v = 1.0
		}
		deviceStatusGauge.WithLabelValues(deviceID, s).Set(v)
	}
}

// noteFailure фиксирует ошибку связи с устройством.
// При достижении порога — статус degraded. Счётчик увеличивается атомарно
// в БД: конвергенция и ингестия учитывают ошибки конкурентно.
func (h *deviceHealth) noteFailure(ctx context.Context, d *model.Device) {
	failures, err := h.deviceRepo.IncrementFailures(ctx, d.ID)
	if err != nil {
		h.logger.Error("Ошибка учёта ошибки устройства",
			slog.String("device_id", d.ID),
			slog.String("error", err.Error()),
		)
		failures = d.ConsecutiveFailures + 1
	}
	d.ConsecutiveFailures = failures

	status := d.Status
	if failures >= h.threshold && status == model.DeviceStatusOnline {
		status = model.DeviceStatusDegraded
		h.logger.Warn("Устройство переведено в degraded",
			slog.String("device_id", d.ID),
			slog.Int("consecutive_failures", failures),
		)
		if err := h.deviceRepo.SetStatus(ctx, d.ID, status, failures); err != nil {
			h.logger.Error("Ошибка записи статуса устройства",
				slog.String("device_id", d.ID),
				slog.String("error", err.Error()),
			)
		}
		d.Status = status
	}
	setStatusGauge(d.ID, status)
}

// noteSuccess фиксирует успешный вызов: сброс счётчика, статус online.
func (h *deviceHealth) noteSuccess(ctx context.Context, d *model.Device) {
	if d.ConsecutiveFailures == 0 && d.Status == model.DeviceStatusOnline {
		setStatusGauge(d.ID, d.Status)
		return
	}
	if d.Status == model.DeviceStatusDegraded {
		h.logger.Info("Устройство вернулось в online", slog.String("device_id", d.ID))
	}
	d.ConsecutiveFailures = 0
	d.Status = model.DeviceStatusOnline
	if err := h.deviceRepo.SetStatus(ctx, d.ID, model.DeviceStatusOnline, 0); err != nil {
		h.logger.Error("Ошибка записи статуса устройства",
			slog.String("device_id", d.ID),
			slog.String("error", err.Error()),
		)
	}
	setStatusGauge(d.ID, model.DeviceStatusOnline)
}
